package bandwidth

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Budget is the process-wide token bucket shared by every concurrent
// transfer. Tokens are bytes; a nil Budget means unlimited.
type Budget struct {
	limiter *rate.Limiter
}

// NewBudget returns a shared budget refilling at bytesPerSec with the given
// burst capacity. A non-positive rate disables throttling.
func NewBudget(bytesPerSec, burst int64) *Budget {
	if bytesPerSec <= 0 {
		return nil
	}

	if burst <= 0 {
		burst = bytesPerSec
	}

	return &Budget{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(burst))}
}

// Burst returns the burst capacity in bytes, or 0 when unlimited.
func (b *Budget) Burst() int {
	if b == nil {
		return 0
	}

	return b.limiter.Burst()
}

// WaitN blocks until n byte tokens are available or the context is
// cancelled. Waiting never blocks other goroutines drawing from the same
// budget beyond the shared refill rate itself. Requests larger than the
// burst are drawn in burst-sized slices.
func (b *Budget) WaitN(ctx context.Context, n int) error {
	if b == nil || n <= 0 {
		return nil
	}

	burst := b.limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}

		if err := b.limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}

// Writer wraps w so every write first draws its size from the budget.
func (b *Budget) Writer(ctx context.Context, w io.Writer) io.Writer {
	if b == nil {
		return w
	}

	return &throttledWriter{ctx: ctx, budget: b, w: w}
}

type throttledWriter struct {
	ctx    context.Context
	budget *Budget
	w      io.Writer
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if err := t.budget.WaitN(t.ctx, len(p)); err != nil {
		return 0, err
	}

	return t.w.Write(p)
}
