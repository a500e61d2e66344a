// Package bus fans out live session events to attached subscribers.
// Nothing is retained: events published while nobody listens are dropped.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

const defaultBufferSize = 256

// Bus routes events per session id. Topics are created on first attach and
// removed when the last producer and subscriber detach.
type Bus struct {
	BufferSize int
	Logger     *log.Logger

	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	mu        sync.Mutex
	producers int
	subs      map[int]*Subscription
	nextSubID int
}

// Subscription receives events on C until it is closed, either by Close or
// because the bus evicted it for falling behind.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	id      string
	subID   int
	ch      chan Event
	closed  bool
	evicted atomic.Bool
	once    sync.Once
}

func New(logger *log.Logger) *Bus {
	return &Bus{Logger: logger}
}

func (b *Bus) bufferSize() int {
	if b.BufferSize > 0 {
		return b.BufferSize
	}
	return defaultBufferSize
}

func (b *Bus) topicLocked(id string) *topic {
	if b.topics == nil {
		b.topics = map[string]*topic{}
	}
	t, ok := b.topics[id]
	if !ok {
		t = &topic{subs: map[int]*Subscription{}}
		b.topics[id] = t
	}
	return t
}

// Attach registers a producer for id. The returned release must be called
// once the producer is done publishing.
func (b *Bus) Attach(id string) func() {
	b.mu.Lock()
	t := b.topicLocked(id)
	t.mu.Lock()
	t.producers++
	t.mu.Unlock()
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			t, ok := b.topics[id]
			if !ok {
				return
			}
			t.mu.Lock()
			t.producers--
			b.collectLocked(id, t)
			t.mu.Unlock()
		})
	}
}

// Subscribe attaches a new subscriber to id.
func (b *Bus) Subscribe(id string) *Subscription {
	ch := make(chan Event, b.bufferSize())
	sub := &Subscription{C: ch, bus: b, id: id, ch: ch}

	b.mu.Lock()
	t := b.topicLocked(id)
	t.mu.Lock()
	sub.subID = t.nextSubID
	t.nextSubID++
	t.subs[sub.subID] = sub
	t.mu.Unlock()
	b.mu.Unlock()
	return sub
}

// Publish delivers event to every current subscriber of id without
// blocking. A subscriber whose buffer is full is evicted and its channel
// closed. It returns the number of subscribers that received the event.
func (b *Bus) Publish(id string, event Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[id]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	delivered := 0
	for subID, sub := range t.subs {
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.evicted.Store(true)
			sub.closed = true
			close(sub.ch)
			delete(t.subs, subID)
			if b.Logger != nil {
				b.Logger.Warn("evicted slow stream subscriber", "session_id", id, "event_type", event.Type)
			}
		}
	}
	return delivered
}

// Topics reports how many session ids currently have a producer or
// subscriber attached.
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Subscribers reports how many subscribers are attached to id.
func (b *Bus) Subscribers(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[id]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (b *Bus) collectLocked(id string, t *topic) {
	if t.producers <= 0 && len(t.subs) == 0 {
		delete(b.topics, id)
	}
}

// Close detaches the subscription. It is safe to call more than once and
// after eviction.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		t, ok := b.topics[s.id]
		if !ok {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if current, ok := t.subs[s.subID]; ok && current == s {
			delete(t.subs, s.subID)
		}
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		b.collectLocked(s.id, t)
	})
}

// Evicted reports whether the bus closed the subscription because its
// buffer overflowed.
func (s *Subscription) Evicted() bool {
	return s.evicted.Load()
}
