package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/castpool/internal/worker"
)

// ErrSleepFailed is returned by sleep tasks asked to fail.
var ErrSleepFailed = errors.New("jobs: sleep asked to fail")

// sleeper waits for args[0] (duration) and fails when args[1] is true.
// Used by the demo and for exercising retry/timeout behaviour.
type sleeper struct{}

func NewSleeper(worker.Emitter) worker.Handler {
	return sleeper{}
}

func (sleeper) PreLaunch(context.Context, ...any) error { return nil }

func (sleeper) Run(ctx context.Context, args ...any) error {
	d, err := argDuration(args, 0)
	if err != nil {
		return err
	}
	fail, err := argBool(args, 1)
	if err != nil {
		return err
	}

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		return ErrSleepFailed
	}
	return nil
}

func (sleeper) End(context.Context) error { return nil }
