package eventbus

import (
	"strings"
	"sync"
	"time"
)

// Event is an in-memory lifecycle notification. Data should be small and
// JSON-serializable.
type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Plugin string    `json:"plugin,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a full
// subscriber misses the event.
//
// Subscribe with no topics receives everything. A topic ending in "." is a
// prefix ("sandbox." matches every sandbox event); any other topic must
// equal the event type.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
}

// Stats counts traffic per event type.
type Stats struct {
	Published   map[string]uint64 `json:"published"`
	Dropped     uint64            `json:"dropped"`
	Subscribers int               `json:"subscribers"`
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}, published: map[string]uint64{}}
}

type subscriber struct {
	ch     chan Event
	topics []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, t := range s.topics {
		if t == typ || (strings.HasSuffix(t, ".") && strings.HasPrefix(typ, t)) {
			return true
		}
	}
	return false
}

type memBus struct {
	// Publish sends under the read lock; unsubscribe closes under the write lock.
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64

	statMu    sync.Mutex
	published map[string]uint64
	dropped   uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var dropped uint64
	b.mu.RLock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	b.statMu.Lock()
	b.published[e.Type]++
	b.dropped += dropped
	b.statMu.Unlock()
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer), topics: append([]string(nil), topics...)}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	b.statMu.Lock()
	defer b.statMu.Unlock()
	pub := make(map[string]uint64, len(b.published))
	for k, v := range b.published {
		pub[k] = v
	}
	return Stats{Published: pub, Dropped: b.dropped, Subscribers: n}
}

// StatsOf reports counters for buses created by New; others report zero.
func StatsOf(b Bus) Stats {
	if mb, ok := b.(*memBus); ok {
		return mb.stats()
	}
	return Stats{Published: map[string]uint64{}}
}

// Dropped is how many deliveries a full subscriber missed.
func Dropped(b Bus) uint64 { return StatsOf(b).Dropped }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
