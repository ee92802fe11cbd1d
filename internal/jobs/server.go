package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// NewServer builds the worker server. Sweeps run on the critical queue so a
// backlog of deliveries never delays expiry.
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, logger *slog.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", "type", task.Type(), "error", err)
		}),
	})
}

// NewScheduler registers the periodic sweep under spec, a cron expression or
// an "@every <duration>" descriptor.
func NewScheduler(redisOpt asynq.RedisConnOpt, spec string) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := scheduler.Register(spec, NewSweepTask(), sweepTaskOptions(schedulePeriod(spec))...); err != nil {
		return nil, fmt.Errorf("register sweep %q: %w", spec, err)
	}
	return scheduler, nil
}

// schedulePeriod reads the interval of an "@every" spec. Cron specs fall back
// to one minute, the finest cron granularity.
func schedulePeriod(spec string) time.Duration {
	raw, ok := strings.CutPrefix(strings.TrimSpace(spec), "@every ")
	if !ok {
		return time.Minute
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}
