// Package redisrelay is a pub/sub transport for deployments where clients
// cannot hold a direct websocket to each other: every event is published to
// a per-page Redis channel and each subscriber replays remote events into
// its local router.
package redisrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"pagesync/pkg/eventrouter"
	"pagesync/pkg/model/mevent"
)

const DefaultChannelPrefix = "pagesync"

var ErrNotRunning = errors.New("redisrelay: not running")

// Relay implements eventrouter.Sender over a Redis channel. One Relay serves
// one page; the channel name is prefix:page.
type Relay struct {
	rdb     *redis.Client
	prefix  string
	page    string
	userID  string
	router  *eventrouter.Router
	logger  *slog.Logger
	running atomic.Bool
}

type Option func(*Relay)

func WithChannelPrefix(prefix string) Option {
	return func(r *Relay) { r.prefix = prefix }
}

func New(rdb *redis.Client, page, userID string, router *eventrouter.Router, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		rdb:    rdb,
		prefix: DefaultChannelPrefix,
		page:   page,
		userID: userID,
		router: router,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) channel() string {
	return r.prefix + ":" + r.page
}

// Send implements eventrouter.Sender.
func (r *Relay) Send(evt mevent.RealtimeEvent) error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	data, err := mevent.Marshal(evt)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(context.Background(), r.channel(), data).Err(); err != nil {
		return fmt.Errorf("redisrelay: publish %s: %w", r.channel(), err)
	}
	return nil
}

// Connected implements eventrouter.Sender.
func (r *Relay) Connected() bool {
	return r.running.Load()
}

// Run subscribes to the page channel and delivers remote events until ctx is
// cancelled. Own events come back through the subscription and are skipped;
// local handlers already ran when the router routed them.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel())
	defer sub.Close()

	// Confirm the subscription before reporting connected.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redisrelay: subscribe %s: %w", r.channel(), err)
	}
	r.running.Store(true)
	defer r.running.Store(false)
	r.logger.Info("redis relay subscribed", "channel", r.channel())

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redisrelay: subscription closed on %s", r.channel())
			}
			evt, err := mevent.Unmarshal([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("undecodable relay payload", "channel", r.channel(), "error", err)
				continue
			}
			if evt.UserID == r.userID {
				continue
			}
			if err := r.router.Deliver(evt); err != nil {
				r.logger.Warn("inbound event rejected", "eventId", evt.ID, "error", err)
			}
		}
	}
}
