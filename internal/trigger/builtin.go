package trigger

import (
	"context"
	"time"

	"qualix/internal/scheduler"
	logx "qualix/pkg/logx"
)

// GraphSelfTest is the name of the built-in self-test graph.
const GraphSelfTest = "selftest"

// SelfTestGraph returns a graph of one job that runs the scheduler self-test
// on a private scheduler, bounded by timeout.
func SelfTestGraph(log logx.Logger, timeout time.Duration) GraphFunc {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(context.Context) ([]*scheduler.Job, error) {
		job := scheduler.NewFuncJob(GraphSelfTest, 0, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			_, err := scheduler.SelfTest(ctx, log)
			return err
		})
		return []*scheduler.Job{job}, nil
	}
}
