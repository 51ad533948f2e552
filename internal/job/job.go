// Package job implements the account context's persistent job queue:
// typed units of delayed work (send a message, mark seen, move to mvbox,
// run Secure-Join's next step, ...) with exponential backoff and
// at-most-one-in-flight-per-kind-per-target deduplication.
package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/store"
)

// Kind identifies what a job does; the Worker dispatches on this.
type Kind string

const (
	KindSendMessage    Kind = "send_message"
	KindSendMdn        Kind = "send_mdn"
	KindMarkSeenOnImap Kind = "mark_seen_on_imap"
	KindDeleteMsgOnImap Kind = "delete_msg_on_imap"
	KindMoveMsgToMvbox Kind = "move_msg_to_mvbox"
	KindHousekeeping   Kind = "housekeeping"
	KindSecureJoinStep Kind = "secure_join_step"
)

const (
	backoffBase    = 90 * time.Second
	backoffCeiling = 24 * time.Hour
	maxTries       = 17
)

// Job is one persisted unit of work.
type Job struct {
	ID               string
	Kind             Kind
	ForeignID        string
	Param            string
	DesiredTimestamp int64
	Tries            int
}

// Handler executes one job and reports whether it should be retried
// (returning a non-nil, non-terminal error) or dropped.
type Handler func(ctx context.Context, j Job) error

// TerminalHandler is invoked once a job has exhausted every retry and is
// being dropped, so a caller can react to a permanent failure (e.g. mark a
// message OUT_FAILED) without reacting to every transient one in between.
type TerminalHandler func(j Job, cause error)

// Queue persists and schedules jobs for one account context.
type Queue struct {
	db  *store.DB
	log zerolog.Logger

	mu               sync.Mutex
	handlers         map[Kind]Handler
	terminalHandlers map[Kind]TerminalHandler

	wake chan struct{}
}

// NewQueue creates a job queue over db.
func NewQueue(db *store.DB) *Queue {
	return &Queue{
		db:               db,
		log:              corelog.WithComponent("job"),
		handlers:         make(map[Kind]Handler),
		terminalHandlers: make(map[Kind]TerminalHandler),
		wake:             make(chan struct{}, 1),
	}
}

// Register installs the handler for a job kind. Call before Run.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// OnTerminalFailure installs the callback run when a kind's job is dropped
// after exhausting maxTries. Call before Run.
func (q *Queue) OnTerminalFailure(kind Kind, h TerminalHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminalHandlers[kind] = h
}

// Add enqueues a new job, deduplicating on (kind, foreign_id): adding the
// same kind+target again just nudges the desired_timestamp forward instead
// of creating a second job.
func (q *Queue) Add(kind Kind, foreignID string, param any, delay time.Duration) error {
	paramJSON, err := json.Marshal(param)
	if err != nil {
		return coreerr.New(coreerr.IOError, "job.Add", err)
	}

	due := time.Now().Add(delay).Unix()
	id := uuid.NewString()

	_, err = q.db.Exec(`
		INSERT INTO jobs (id, kind, foreign_id, param, desired_timestamp, tries, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(kind, foreign_id) DO UPDATE SET
			param = excluded.param,
			desired_timestamp = MIN(jobs.desired_timestamp, excluded.desired_timestamp)
	`, id, string(kind), foreignID, string(paramJSON), due, time.Now().Unix())
	if err != nil {
		return coreerr.New(coreerr.IOError, "job.Add", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Interrupt wakes the queue immediately instead of waiting for its next
// poll tick, used when a caller just enqueued something time-sensitive.
func (q *Queue) Interrupt() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains due jobs until ctx is cancelled, polling every pollInterval
// and whenever Interrupt/Add signal new work.
func (q *Queue) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		q.performDue(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) performDue(ctx context.Context) {
	for {
		j, ok, err := q.popDue()
		if err != nil {
			q.log.Warn().Err(err).Msg("failed to pop due job")
			return
		}
		if !ok {
			return
		}

		q.mu.Lock()
		h, registered := q.handlers[j.Kind]
		q.mu.Unlock()

		if !registered {
			q.log.Warn().Str("kind", string(j.Kind)).Msg("no handler registered, dropping job")
			q.delete(j.ID)
			continue
		}

		if err := h(ctx, j); err != nil {
			q.retryOrFail(j, err)
			continue
		}
		q.delete(j.ID)
	}
}

func (q *Queue) popDue() (Job, bool, error) {
	var j Job
	now := time.Now().Unix()
	err := q.db.QueryRow(`
		SELECT id, kind, foreign_id, param, desired_timestamp, tries FROM jobs
		WHERE desired_timestamp <= ? ORDER BY desired_timestamp ASC LIMIT 1
	`, now).Scan(&j.ID, &j.Kind, &j.ForeignID, &j.Param, &j.DesiredTimestamp, &j.Tries)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, coreerr.New(coreerr.IOError, "job.popDue", err)
	}
	return j, true, nil
}

func (q *Queue) retryOrFail(j Job, cause error) {
	tries := j.Tries + 1
	if tries >= maxTries {
		q.log.Error().Err(cause).Str("kind", string(j.Kind)).Str("foreign_id", j.ForeignID).
			Msg("job failed terminally, giving up")
		q.delete(j.ID)

		q.mu.Lock()
		h := q.terminalHandlers[j.Kind]
		q.mu.Unlock()
		if h != nil {
			h(j, cause)
		}
		return
	}

	shift := tries
	if shift > 20 {
		shift = 20 // avoids overflow; backoffCeiling clamps the result anyway
	}
	backoff := backoffBase * time.Duration(1<<uint(shift))
	if backoff > backoffCeiling {
		backoff = backoffCeiling
	}
	due := time.Now().Add(backoff).Unix()

	q.log.Warn().Err(cause).Str("kind", string(j.Kind)).Int("tries", tries).Dur("backoff", backoff).
		Msg("job failed, rescheduling")

	_, err := q.db.Exec("UPDATE jobs SET tries = ?, desired_timestamp = ? WHERE id = ?", tries, due, j.ID)
	if err != nil {
		q.log.Error().Err(err).Msg("failed to reschedule job")
	}
}

func (q *Queue) delete(id string) {
	if _, err := q.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		q.log.Error().Err(err).Msg("failed to delete completed job")
	}
}
