package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

// Enqueuer is the part of *asynq.Client the notifier needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskNotifier delivers invites by enqueueing a send task. Delivery retries
// happen in the worker.
type TaskNotifier struct {
	client   Enqueuer
	maxRetry int
}

func NewTaskNotifier(client Enqueuer, maxRetry int) *TaskNotifier {
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &TaskNotifier{client: client, maxRetry: maxRetry}
}

func (n *TaskNotifier) Send(ctx context.Context, inviteID, email string) error {
	task, err := NewSendInviteTask(inviteID, email)
	if err != nil {
		return err
	}
	if _, err := n.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(n.maxRetry),
	); err != nil {
		return fmt.Errorf("enqueue invite %s: %w", inviteID, err)
	}
	return nil
}
