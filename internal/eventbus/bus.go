package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple the rotation
// driver from whatever consumes its outcomes (log subscriber, future UI).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types emitted by the rotation driver.
const (
	TypePinApplied   = "pin.applied"
	TypePinFailed    = "pin.failed"
	TypeUnpinApplied = "unpin.applied"
	TypeUnpinFailed  = "unpin.failed"
	TypeLedgerReset  = "ledger.reset"
	TypeTickFinished = "tick.finished"
)

// IntentEvent is the payload for pin/unpin events.
type IntentEvent struct {
	Library    string `json:"library"`
	Collection string `json:"collection"`
	Title      string `json:"title,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ResetEvent is the payload for ledger reset events.
type ResetEvent struct {
	Library string `json:"library"`
	Dropped int    `json:"dropped"`
}

// TickEvent is the payload for tick outcome events.
type TickEvent struct {
	Library  string        `json:"library"`
	Limit    int           `json:"limit"`
	Chosen   int           `json:"chosen"`
	Pinned   int           `json:"pinned"`
	Unpinned int           `json:"unpinned"`
	Failures int           `json:"failures"`
	Reset    bool          `json:"reset"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
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
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
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
