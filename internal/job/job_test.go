package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueue(db)
}

func TestAddDedupesByKindAndForeignID(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Add(KindSendMessage, "msg-1", map[string]string{"a": "1"}, 0))
	require.NoError(t, q.Add(KindSendMessage, "msg-1", map[string]string{"a": "2"}, time.Hour))

	var count int
	require.NoError(t, q.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE kind = ? AND foreign_id = ?", string(KindSendMessage), "msg-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestPerformDueRunsRegisteredHandlerAndDeletes(t *testing.T) {
	q := newTestQueue(t)
	var ran int32
	q.Register(KindSendMessage, func(ctx context.Context, j Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	require.NoError(t, q.Add(KindSendMessage, "msg-1", nil, 0))

	q.performDue(context.Background())
	require.Equal(t, int32(1), ran)

	var count int
	require.NoError(t, q.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count))
	require.Equal(t, 0, count)
}

func TestPerformDueReschedulesOnFailure(t *testing.T) {
	q := newTestQueue(t)
	q.Register(KindSendMessage, func(ctx context.Context, j Job) error {
		return errors.New("smtp unavailable")
	})
	require.NoError(t, q.Add(KindSendMessage, "msg-1", nil, 0))

	q.performDue(context.Background())

	var tries int
	var due int64
	require.NoError(t, q.db.QueryRow("SELECT tries, desired_timestamp FROM jobs WHERE foreign_id = 'msg-1'").Scan(&tries, &due))
	require.Equal(t, 1, tries)
	require.Greater(t, due, time.Now().Unix())
}

func TestPerformDueGivesUpAfterMaxTries(t *testing.T) {
	q := newTestQueue(t)
	q.Register(KindSendMessage, func(ctx context.Context, j Job) error {
		return errors.New("permanent failure")
	})
	require.NoError(t, q.Add(KindSendMessage, "msg-1", nil, 0))

	_, err := q.db.Exec("UPDATE jobs SET tries = ? WHERE foreign_id = 'msg-1'", maxTries-1)
	require.NoError(t, err)

	q.performDue(context.Background())

	var count int
	require.NoError(t, q.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count))
	require.Equal(t, 0, count)
}

func TestOnTerminalFailureFiresOnceJobIsGivenUpOn(t *testing.T) {
	q := newTestQueue(t)
	q.Register(KindSendMessage, func(ctx context.Context, j Job) error {
		return errors.New("smtp unavailable")
	})

	var calls int32
	var lastCause error
	q.OnTerminalFailure(KindSendMessage, func(j Job, cause error) {
		atomic.AddInt32(&calls, 1)
		lastCause = cause
	})

	require.NoError(t, q.Add(KindSendMessage, "msg-1", nil, 0))
	_, err := q.db.Exec("UPDATE jobs SET tries = ? WHERE foreign_id = 'msg-1'", maxTries-1)
	require.NoError(t, err)

	// A non-terminal retry first must not fire the callback.
	q2 := newTestQueue(t)
	q2.Register(KindSendMessage, func(ctx context.Context, j Job) error {
		return errors.New("transient")
	})
	var earlyCalls int32
	q2.OnTerminalFailure(KindSendMessage, func(j Job, cause error) {
		atomic.AddInt32(&earlyCalls, 1)
	})
	require.NoError(t, q2.Add(KindSendMessage, "msg-2", nil, 0))
	q2.performDue(context.Background())
	require.Equal(t, int32(0), earlyCalls)

	q.performDue(context.Background())
	require.Equal(t, int32(1), calls)
	require.EqualError(t, lastCause, "smtp unavailable")
}
