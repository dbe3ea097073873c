// -------------------------------------------------------------------------------
// Clock Abstraction
//
// Time source for the sync engine. Production uses the wall clock; tests
// substitute a fake that advances virtual time on every sleep so interval
// and queue-age behavior can be exercised without real waiting.
// -------------------------------------------------------------------------------

package syncer

import (
	"context"
	"time"
)

// Clock provides the engine's time operations. Sleep must return early with
// the context error when ctx is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
