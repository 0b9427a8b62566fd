// Package eventbus fans supervisor events out to any number of subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted against it. Frames only fill part of a buffer, so
// a burst of them cannot push out the events that follow.
package eventbus

import (
	"sync"
	"sync/atomic"

	"falconlink/internal/metrics"
	"falconlink/pkg/models"

	"github.com/pkg/errors"
)

var ErrBusClosed = errors.New("event bus closed")

// Stats summarises bus activity
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

type subscriber struct {
	ch         chan models.Event
	skipFrames bool
	frameLimit int
	dropped    atomic.Uint64
}

// Option tunes a single subscription
type Option func(*subscriber)

// WithoutFrames leaves FrameReceived events out of the subscription
func WithoutFrames() Option {
	return func(s *subscriber) { s.skipFrames = true }
}

// frameLimit is how many queued events a subscriber may hold before frames
// are dropped. A quarter of the buffer stays reserved for everything else.
func frameLimit(bufferSize int) int {
	reserve := bufferSize / 4
	if reserve == 0 && bufferSize > 1 {
		reserve = 1
	}
	return bufferSize - reserve
}

// Bus is safe for concurrent use
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64

	metrics *metrics.Metrics
}

// New creates an empty bus. m may be nil.
func New(m *metrics.Metrics) *Bus {
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		metrics:     m,
	}
}

// Subscribe returns a channel receiving every event published from now on
// and a cleanup function that closes it. After Close the returned channel is
// already closed.
func (b *Bus) Subscribe(bufferSize int, opts ...Option) (<-chan models.Event, func()) {
	if bufferSize < 1 {
		bufferSize = 1
	}
	ch := make(chan models.Event, bufferSize)
	sub := &subscriber{ch: ch, frameLimit: frameLimit(bufferSize)}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
}

// Publish delivers ev to every subscriber with room for it
func (b *Bus) Publish(ev models.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	_, isFrame := ev.(models.FrameReceived)

	dropped := 0
	for _, sub := range b.subscribers {
		if isFrame {
			if sub.skipFrames {
				continue
			}
			if len(sub.ch) >= sub.frameLimit {
				sub.dropped.Add(1)
				dropped++
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}

	b.published.Add(1)
	b.dropped.Add(uint64(dropped))
	b.metrics.RecordEvent(dropped)
	return nil
}

// Stats returns bus-wide counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subscribers)
	b.mu.RUnlock()

	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close closes every subscriber channel. Further publishes fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
