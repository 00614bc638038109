package eventstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Streamer is a generic pub/sub fan-out used to expose engine state changes
// (save state, conflict list, presence snapshots, connection status) to
// subscribers without polling.
type Streamer[Topic any, Payload any] interface {
	// Subscribe returns a read-only channel of matching events. The channel
	// closes when ctx is cancelled or the streamer shuts down.
	Subscribe(ctx context.Context, filter TopicFilter[Topic], opts ...SubscribeOption[Topic, Payload]) (<-chan Event[Topic, Payload], error)

	// Publish fans payloads out to all matching subscribers. Non-blocking:
	// events are dropped for subscribers whose buffer is full.
	Publish(topic Topic, payloads ...Payload)

	// Shutdown closes every subscriber channel.
	Shutdown()
}

type Event[Topic any, Payload any] struct {
	Topic   Topic
	Payload Payload
}

// TopicFilter selects which topics a subscriber receives. Nil matches all.
type TopicFilter[Topic any] func(Topic) bool

// SnapshotProvider yields the current state a new subscriber should see
// before any live events.
type SnapshotProvider[Topic any, Payload any] func(filter TopicFilter[Topic]) []Event[Topic, Payload]

type subscribeConfig[Topic any, Payload any] struct {
	snapshot SnapshotProvider[Topic, Payload]
}

type SubscribeOption[Topic any, Payload any] func(*subscribeConfig[Topic, Payload])

// WithSnapshot delivers the provider's events into the subscription before
// live delivery starts.
func WithSnapshot[Topic any, Payload any](provider SnapshotProvider[Topic, Payload]) SubscribeOption[Topic, Payload] {
	return func(cfg *subscribeConfig[Topic, Payload]) { cfg.snapshot = provider }
}

var ErrStreamerClosed = errors.New("eventstream: streamer closed")

// subscriberBuffer absorbs bursts from bulk operations; a non-blocking
// Publish drops events once it is full.
const subscriberBuffer = 256

type subscriber[Topic any, Payload any] struct {
	ctx    context.Context
	filter TopicFilter[Topic]
	ch     chan Event[Topic, Payload]
	closed atomic.Bool
}

type memoryStreamer[Topic any, Payload any] struct {
	mu          sync.RWMutex
	subscribers map[*subscriber[Topic, Payload]]struct{}
	closed      atomic.Bool
}

func NewInMemory[Topic any, Payload any]() Streamer[Topic, Payload] {
	return &memoryStreamer[Topic, Payload]{
		subscribers: make(map[*subscriber[Topic, Payload]]struct{}),
	}
}

func (s *memoryStreamer[Topic, Payload]) Subscribe(
	ctx context.Context,
	filter TopicFilter[Topic],
	opts ...SubscribeOption[Topic, Payload],
) (<-chan Event[Topic, Payload], error) {
	if s.closed.Load() {
		return nil, ErrStreamerClosed
	}

	var cfg subscribeConfig[Topic, Payload]
	for _, opt := range opts {
		opt(&cfg)
	}
	if filter == nil {
		filter = func(Topic) bool { return true }
	}

	sub := &subscriber[Topic, Payload]{
		ctx:    ctx,
		filter: filter,
		ch:     make(chan Event[Topic, Payload], subscriberBuffer),
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrStreamerClosed
	}
	if cfg.snapshot != nil {
		for _, evt := range cfg.snapshot(filter) {
			trySend(sub, evt)
		}
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go s.monitorContext(sub)
	return sub.ch, nil
}

func (s *memoryStreamer[Topic, Payload]) Publish(topic Topic, payloads ...Payload) {
	if s.closed.Load() || len(payloads) == 0 {
		return
	}

	s.mu.RLock()
	subs := make([]*subscriber[Topic, Payload], 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() || !sub.filter(topic) {
			continue
		}
		for _, payload := range payloads {
			trySend(sub, Event[Topic, Payload]{Topic: topic, Payload: payload})
		}
	}
}

func (s *memoryStreamer[Topic, Payload]) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	s.subscribers = nil
}

func (s *memoryStreamer[Topic, Payload]) monitorContext(sub *subscriber[Topic, Payload]) {
	<-sub.ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers == nil {
		return
	}
	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}

func trySend[Topic any, Payload any](sub *subscriber[Topic, Payload], evt Event[Topic, Payload]) {
	defer func() {
		if r := recover(); r != nil {
			sub.closed.Store(true)
		}
	}()
	select {
	case sub.ch <- evt:
	default:
	}
}
