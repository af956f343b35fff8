// Package events carries application events from the control plane to the webview.
// Publishers call Emit from any goroutine; subscribers receive a copy of every event
// published after they subscribed.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Event names consumed by the UI.
const (
	AuthStarted          = "auth-started"
	AuthComplete         = "auth-complete"
	AuthCallbackRejected = "auth-callback-rejected"
	ServerRegistered     = "server-registered"

	SidecarReady        = "sidecar-ready"
	SidecarError        = "sidecar-error"
	SidecarLog          = "sidecar-log"
	SidecarTunnel       = "sidecar-tunnel"
	SidecarTunnelFailed = "sidecar-tunnel-failed"
	SidecarDevToken     = "sidecar-dev-token"
	SidecarExited       = "sidecar-exited"

	RunStarted      = "run-started"
	ConnectorLog    = "connector-log"
	ConnectorStatus = "connector-status"
	ConnectorData   = "connector-data"
	ExportComplete  = "export-complete"
)

// Event is one published application event.
type Event struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Emitter publishes application events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(name string, payload any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(name string, payload any)

// Emit calls f(name, payload).
func (f EmitterFunc) Emit(name string, payload any) { f(name, payload) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(string, any) {})

const defaultSubscriberBuffer = 64

// Bus fans events out to subscribers. A slow subscriber loses events instead of
// blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
}

// Emit publishes an event to every current subscriber.
func (b *Bus) Emit(name string, payload any) {
	ev := Event{
		ID:      uuid.NewString(),
		Name:    name,
		Payload: payload,
		Time:    b.now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("component", "events").Warnf("subscriber %d is full, dropping %s", id, name)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size and returns its channel and
// a cancel func. The channel is closed by cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
