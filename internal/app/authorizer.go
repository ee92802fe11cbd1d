package app

import (
	"context"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

type Action string

const (
	ActionManageCatalog Action = "catalog.manage"
	ActionManageLinks   Action = "links.manage"
	ActionManageBatches Action = "batches.manage"
	ActionManageInvites Action = "invites.manage"
	ActionUploadViaLink Action = "batches.upload_via_link"
	ActionClaim         Action = "invites.claim"
	ActionFinalize      Action = "registrations.finalize"
	ActionSweep         Action = "holds.sweep"
)

// Authorizer decides whether a user may perform an action. Role management
// lives outside this service.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, action Action) error
}

// RoleAuthorizer lets any authenticated user claim, finalize and upload
// through a link, and reserves everything else for the configured operators.
// With no operators configured every authenticated user is an operator.
type RoleAuthorizer struct {
	operators map[string]struct{}
}

func NewRoleAuthorizer(operatorIDs []string) *RoleAuthorizer {
	ops := make(map[string]struct{}, len(operatorIDs))
	for _, id := range operatorIDs {
		if id != "" {
			ops[id] = struct{}{}
		}
	}
	return &RoleAuthorizer{operators: ops}
}

func (a *RoleAuthorizer) Authorize(_ context.Context, userID string, action Action) error {
	if userID == "" {
		return domain.ErrForbidden
	}
	switch action {
	case ActionClaim, ActionFinalize, ActionUploadViaLink:
		return nil
	}
	if len(a.operators) == 0 {
		return nil
	}
	if _, ok := a.operators[userID]; ok {
		return nil
	}
	return domain.ErrForbidden
}
