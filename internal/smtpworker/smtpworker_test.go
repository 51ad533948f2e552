package smtpworker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/eventbus"
)

func TestSendPropagatesCredentialError(t *testing.T) {
	boom := errors.New("credentials not configured")
	w := NewWorker(func() (Credentials, error) { return Credentials{}, boom }, nil)

	err := w.Send(context.Background(), "alice@example.org", []string{"bob@example.org"}, []byte("irrelevant"))
	require.ErrorIs(t, err, boom)
}

func TestSendWrapsDialFailureAsNetworkUnavailable(t *testing.T) {
	creds := Credentials{Host: "127.0.0.1", Port: 1, Username: "alice", Password: "secret"}
	w := NewWorker(func() (Credentials, error) { return creds, nil }, nil)

	err := w.Send(context.Background(), "alice@example.org", []string{"bob@example.org"}, []byte("irrelevant"))
	require.Error(t, err)
	require.True(t, coreerr.Is(err, coreerr.NetworkUnavailable))
}

func TestSendEmitsErrorNetworkFirstOnlyOnFirstOfAStreak(t *testing.T) {
	bus := eventbus.New()
	var netEvents []*eventbus.Event
	unsubscribe := bus.Subscribe(func(ev *eventbus.Event) {
		if ev.Kind == eventbus.ErrorNetwork {
			netEvents = append(netEvents, ev)
		}
	})
	defer unsubscribe()

	creds := Credentials{Host: "127.0.0.1", Port: 1, Username: "alice", Password: "secret"}
	w := NewWorker(func() (Credentials, error) { return creds, nil }, bus)

	require.Error(t, w.Send(context.Background(), "alice@example.org", []string{"bob@example.org"}, []byte("one")))
	require.Error(t, w.Send(context.Background(), "alice@example.org", []string{"bob@example.org"}, []byte("two")))

	require.Len(t, netEvents, 2)
	require.True(t, netEvents[0].First)
	require.False(t, netEvents[1].First)
}
