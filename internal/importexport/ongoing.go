package importexport

import (
	"context"
	"sync"

	"github.com/deltachat/dccore/internal/coreerr"
)

// Ongoing serializes configure/backup/key-transfer/Secure-Join-join, the
// account's mutually exclusive long-running operations, behind a single
// stop flag. Modeled on the cancel-map idiom the job scheduler already
// uses for per-kind cancellation, narrowed to exactly one slot since only
// one such operation may run at a time.
type Ongoing struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Start begins a new ongoing operation, returning a context that is
// cancelled by Stop and a done func the caller must call (typically via
// defer) when the operation finishes. It fails with coreerr.Busy if
// another ongoing operation is already running.
func (o *Ongoing) Start(parent context.Context) (ctx context.Context, done func(), err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return nil, nil, coreerr.New(coreerr.Busy, "importexport.Ongoing.Start", nil)
	}

	runCtx, cancel := context.WithCancel(parent)
	o.cancel = cancel
	return runCtx, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.cancel != nil {
			o.cancel()
			o.cancel = nil
		}
	}, nil
}

// Stop cancels the running ongoing operation, if any. The operation is
// expected to observe ctx.Done() at its next suspension point and return
// coreerr.Cancelled promptly.
func (o *Ongoing) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Running reports whether an ongoing operation is currently in flight.
func (o *Ongoing) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}
