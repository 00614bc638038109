package eventrouter

import (
	"fmt"
	"log/slog"
	"sync"

	"pagesync/pkg/model/mevent"
)

// Handler consumes a routed event. Handlers run synchronously, in
// registration order.
type Handler func(evt mevent.RealtimeEvent)

// Sender is the outbound network path a transport provides. Send failures are
// the transport's concern; the router performs no retry.
type Sender interface {
	Send(evt mevent.RealtimeEvent) error
	Connected() bool
}

// Router is the typed publish/subscribe bus for realtime events. Route stamps
// a per-page sequence, dispatches to local handlers first, then hands the
// event to the network sender. Local state never lags behind what the
// emitting user sees.
type Router struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[mevent.EventType][]Handler
	pageSeq  map[string]uint64
	sender   Sender
}

func New(logger *slog.Logger) *Router {
	return &Router{
		logger:   logger,
		handlers: make(map[mevent.EventType][]Handler),
		pageSeq:  make(map[string]uint64),
	}
}

// SetSender attaches (or detaches, with nil) the outbound network path.
func (r *Router) SetSender(sender Sender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// Register adds a handler for an event type. Multiple handlers per type are
// allowed and invoked in registration order.
func (r *Router) Register(eventType mevent.EventType, handler Handler) error {
	if !eventType.Valid() {
		return fmt.Errorf("register %q: %w", eventType, mevent.ErrUnknownEventType)
	}
	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
	r.mu.Unlock()
	return nil
}

// Route dispatches a locally originated event: sequence stamp, synchronous
// local fan-out, then network send when a connected sender is attached. The
// returned error reflects only the network leg; local delivery has already
// happened by then.
func (r *Router) Route(evt mevent.RealtimeEvent) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("route %q: %w", evt.Type, mevent.ErrUnknownEventType)
	}

	r.mu.Lock()
	r.pageSeq[evt.PageName]++
	evt.Sequence = r.pageSeq[evt.PageName]
	handlers := append([]Handler(nil), r.handlers[evt.Type]...)
	sender := r.sender
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(evt)
	}

	if sender == nil || !sender.Connected() {
		return nil
	}
	if err := sender.Send(evt); err != nil {
		r.logger.Warn("network send failed", "type", string(evt.Type), "page", evt.PageName, "error", err)
		return err
	}
	return nil
}

// Deliver dispatches an event received from the network to local handlers
// only. The remote sequence is preserved and never re-sent.
func (r *Router) Deliver(evt mevent.RealtimeEvent) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("deliver %q: %w", evt.Type, mevent.ErrUnknownEventType)
	}

	r.mu.Lock()
	if evt.Sequence > r.pageSeq[evt.PageName] {
		r.pageSeq[evt.PageName] = evt.Sequence
	}
	handlers := append([]Handler(nil), r.handlers[evt.Type]...)
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(evt)
	}
	return nil
}

// Sequence reports the last sequence observed for a page.
func (r *Router) Sequence(page string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pageSeq[page]
}
