// Package events carries typed stream status events from the supervisor to
// any number of observers (HTTP SSE, logs). The publisher is injected, not a
// process global, and delivery is fire-and-forget: a slow subscriber drops
// events rather than blocking a state transition.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind is the closed set of session states an event can report.
type Kind int

const (
	KindIdle Kind = iota
	KindStarting
	KindRunning
	KindRestarting
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindStarting:
		return "starting"
	case KindRunning:
		return "running"
	case KindRestarting:
		return "restarting"
	case KindStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the lowercase state name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// StatusEvent is published on every session state transition. Fields beyond
// SessionID and Kind are populated per state: PID/StartTime for running,
// Attempt/Delay/NextAttemptAt for restarting, Reason for stopped.
type StatusEvent struct {
	SessionID     string        `json:"sessionId"`
	Kind          Kind          `json:"state"`
	Running       bool          `json:"running"`
	Restarting    bool          `json:"restarting"`
	PID           int           `json:"pid,omitempty"`
	StartTime     time.Time     `json:"startTime,omitempty"`
	RestartCount  int           `json:"restartCount"`
	Attempt       int           `json:"attempt,omitempty"`
	Delay         time.Duration `json:"-"`
	NextAttemptAt time.Time     `json:"nextAttemptAt,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// MarshalJSON reports Delay as whole milliseconds under restartDelayMs, the
// unit consumers of the SSE stream expect.
func (e StatusEvent) MarshalJSON() ([]byte, error) {
	type plain StatusEvent
	return json.Marshal(struct {
		plain
		DelayMs int64 `json:"restartDelayMs,omitempty"`
	}{plain(e), e.Delay.Milliseconds()})
}

// Publisher fans StatusEvents out to subscribers.
type Publisher struct {
	mu   sync.RWMutex
	subs map[chan StatusEvent]struct{}
}

func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[chan StatusEvent]struct{})}
}

// Subscribe registers a new observer. The returned cancel func must be called
// to release the subscription; the channel is closed by it.
func (p *Publisher) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StatusEvent, buffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to all subscribers without blocking; full subscriber
// buffers drop the event.
func (p *Publisher) Publish(ev StatusEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports current observers (used by /status).
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
