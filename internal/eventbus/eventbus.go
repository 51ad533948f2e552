// Package eventbus fans out typed account events to host-installed
// consumers. The bus is single-producer (every internal component sends
// through the same *Bus) and multiple-consumer (Subscribe may be called more
// than once, e.g. once for the host UI and once for a test harness).
package eventbus

import (
	"sync"
	"time"

	"github.com/deltachat/dccore/internal/corelog"
	"github.com/rs/zerolog"
)

// Kind tags the payload carried by an Event. The bus is statically typed:
// each Kind has a documented payload shape in Event's comment.
type Kind int

const (
	// Info, Warning and Error carry Msg and no further payload.
	Info Kind = iota
	Warning
	Error
	// ErrorNetwork carries Msg and First (true the first time this class of
	// network error occurs in a row, false on repeats).
	ErrorNetwork

	// Connectivity carries ConnState.
	Connectivity

	MsgsChanged
	IncomingMsg
	MsgDelivered
	MsgRead
	MsgFailed
	ChatModified
	ContactsChanged
	LocationChanged

	ConfigureProgress
	ImexProgress
	ImexFileWritten

	SecurejoinInviterProgress
	SecurejoinJoinerProgress

	// GetString is a synchronous request event: the handler that serves it
	// must set Reply before returning from its callback.
	GetString
)

func (k Kind) String() string {
	switch k {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case ErrorNetwork:
		return "ERROR_NETWORK"
	case Connectivity:
		return "CONNECTIVITY"
	case MsgsChanged:
		return "MSGS_CHANGED"
	case IncomingMsg:
		return "INCOMING_MSG"
	case MsgDelivered:
		return "MSG_DELIVERED"
	case MsgRead:
		return "MSG_READ"
	case MsgFailed:
		return "MSG_FAILED"
	case ChatModified:
		return "CHAT_MODIFIED"
	case ContactsChanged:
		return "CONTACTS_CHANGED"
	case LocationChanged:
		return "LOCATION_CHANGED"
	case ConfigureProgress:
		return "CONFIGURE_PROGRESS"
	case ImexProgress:
		return "IMEX_PROGRESS"
	case ImexFileWritten:
		return "IMEX_FILE_WRITTEN"
	case SecurejoinInviterProgress:
		return "SECUREJOIN_INVITER_PROGRESS"
	case SecurejoinJoinerProgress:
		return "SECUREJOIN_JOINER_PROGRESS"
	case GetString:
		return "GET_STRING"
	default:
		return "UNKNOWN"
	}
}

// ConnState is the coarse connectivity state reported for a worker.
type ConnState int

const (
	NotConnected ConnState = iota
	Connecting
	Working
	Connected
)

// Event is the single payload type flowing through the bus. Only the
// fields relevant to Kind are populated; see the Kind constants above.
type Event struct {
	Kind Kind

	Msg   string
	First bool // ErrorNetwork: first-vs-subsequent flag

	ChatID    int64
	MsgID     int64
	ContactID int64

	ConnState ConnState
	Progress  int // 0..1000; 0 signals a terminal error per the error design

	File string // IMEX_FILE_WRITTEN

	// StockID/Reply carry the synchronous GetString request event.
	StockID int
	Reply   string
}

// Handler receives events from the bus. A handler registered for the
// synchronous GetString event must populate ev.Reply before returning.
type Handler func(ev *Event)

// sendTimeout bounds how long Emit waits on a slow subscriber before
// logging and moving on, so a stuck host callback cannot wedge a worker.
const sendTimeout = 2 * time.Second

// Bus is a single-producer, multiple-consumer event channel for one
// account context. Loss is not permitted while the context is live: Emit
// delivers synchronously to each handler with a bounded timeout and a
// warning log on stall, rather than dropping silently.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	log      zerolog.Logger
}

// New creates an event bus for one account context.
func New() *Bus {
	return &Bus{log: corelog.WithComponent("eventbus")}
}

// Subscribe registers a handler that receives every event emitted from
// this point forward. Returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.handlers)
	b.handlers = append(b.handlers, h)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// Emit delivers ev to every subscriber. Each handler runs on its own
// goroutine bounded by sendTimeout so one slow subscriber cannot delay
// delivery to the others or block the caller indefinitely.
func (b *Bus) Emit(ev *Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		done := make(chan struct{})
		go func(h Handler) {
			defer close(done)
			h(ev)
		}(h)
		select {
		case <-done:
		case <-time.After(sendTimeout):
			b.log.Warn().Str("kind", ev.Kind.String()).Msg("event subscriber stalled, continuing")
		}
	}
}

// RequestString delivers a synchronous GetString event and returns the
// Reply the subscriber filled in, or "" if no subscriber answered.
func (b *Bus) RequestString(stockID int) string {
	ev := &Event{Kind: GetString, StockID: stockID}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		h(ev)
		if ev.Reply != "" {
			return ev.Reply
		}
	}
	return ""
}
