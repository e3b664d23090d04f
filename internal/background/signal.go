package background

import (
	"context"
	"sync/atomic"
)

// Both returns a context that is done only after both a and b are done. It
// carries the values of b. The returned CancelFunc releases resources and
// cancels the derived context immediately.
func Both(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(b))

	var remaining atomic.Int32
	remaining.Store(2)
	fire := func() {
		if remaining.Add(-1) == 0 {
			cancel()
		}
	}
	stopA := context.AfterFunc(a, fire)
	stopB := context.AfterFunc(b, fire)

	return ctx, func() {
		stopA()
		stopB()
		cancel()
	}
}
