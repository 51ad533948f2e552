package imapworker

import (
	"context"
	"time"
)

const (
	reconnectBackoffInitial = 1 * time.Second
	reconnectBackoffMax     = 5 * time.Minute
	maxReconnectAttempts    = 10
)

// Run drives one Worker's perform/idle cycle until ctx is cancelled:
// perform due work, then idle, reconnecting with doubling backoff on
// failure and giving up after maxReconnectAttempts in a row.
func (w *Worker) Run(ctx context.Context) {
	backoff := reconnectBackoffInitial
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.PerformStep(ctx); err != nil {
			attempts++
			w.log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", backoff).Msg("perform step failed")
			if attempts >= maxReconnectAttempts {
				w.log.Error().Int("attempts", attempts).Msg("giving up after repeated failures")
				return
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
			continue
		}

		attempts = 0
		backoff = reconnectBackoffInitial

		if err := w.IdleStep(ctx); err != nil {
			w.log.Warn().Err(err).Msg("idle step failed")
			w.closeClient()
		}
	}
}

func (w *Worker) closeClient() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		w.client.Close()
		w.client = nil
	}
}
