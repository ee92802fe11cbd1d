// Package jobs runs the background side of the engine on asynq: the periodic
// expiry sweep and invite delivery.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeSweepHolds = "holds:sweep"
	TypeSendInvite = "invites:send"

	QueueCritical = "critical"
	QueueDefault  = "default"
)

// SendInvitePayload identifies the invite to deliver. The recipient is read
// again at delivery time so email updates made after enqueueing win.
type SendInvitePayload struct {
	InviteID string `json:"invite_id"`
	Email    string `json:"email"`
}

func NewSendInviteTask(inviteID, email string) (*asynq.Task, error) {
	payload, err := json.Marshal(SendInvitePayload{InviteID: inviteID, Email: email})
	if err != nil {
		return nil, fmt.Errorf("marshal send invite payload: %w", err)
	}
	return asynq.NewTask(TypeSendInvite, payload), nil
}

// NewSweepTask has no payload; overlapping sweeps are deduplicated with
// Unique for slightly less than the schedule period.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweepHolds, nil)
}

func sweepTaskOptions(period time.Duration) []asynq.Option {
	if period <= time.Second {
		period = time.Minute
	}
	return []asynq.Option{
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(0),
		asynq.Unique(period - time.Second),
	}
}
