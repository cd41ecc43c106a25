package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Fact is a lightweight, in-memory signal emitted by the core for
// collaborators (control-surface renderer, audit logging).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop facts (bounded backpressure).
type Fact struct {
	Kind string
	Time time.Time
	Data any
}

// Fact kinds emitted by the core.
const (
	KindSessionOwnerChanged = "session.owner_changed"
	KindSessionDestroyed    = "session.destroyed"
	KindStickyPosted        = "sticky.posted"
	KindReminderFired       = "reminder.fired"
)

// SessionOwnerChanged is published after ownership succession completes.
type SessionOwnerChanged struct {
	SessionID  string `json:"session_id"`
	ChannelID  string `json:"channel_id"`
	NewOwnerID string `json:"new_owner_id"`
}

// SessionDestroyed is published after a session and its membership log
// have been removed.
type SessionDestroyed struct {
	SessionID string `json:"session_id"`
	ChannelID string `json:"channel_id"`
}

// StickyPosted is published after a debounced repost lands.
type StickyPosted struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// ReminderFired is published after a due reminder was delivered.
type ReminderFired struct {
	GuildID string `json:"guild_id"`
	Service string `json:"service"`
}

type Bus interface {
	Publish(f Fact)
	Subscribe(buffer int) (ch <-chan Fact, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Fact{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Fact
	seq  atomic.Uint64
}

func (b *memBus) Publish(f Fact) {
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Fact, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- f:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Fact, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Fact, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
