package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"pagesync/pkg/eventrouter"
	"pagesync/pkg/model/mevent"
)

// Status mirrors the connection states the engine publishes.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// StatusFunc receives connection transitions, typically wired to
// session.Controller.SetConnectionStatus.
type StatusFunc func(status Status)

// PresenceSink receives peers' membership frames observed on the wire.
// session.Controller implements it; without a sink those frames are dropped
// and only event frames reach the session.
type PresenceSink interface {
	RemoteJoin(page, userID, userName string)
	RemoteHeartbeat(page, userID string)
	RemoteLeave(page, userID string)
}

var ErrNotConnected = errors.New("wsrelay: not connected")

const sendBuffer = 64

// Client is the websocket leg of the transport contract: it implements
// eventrouter.Sender for outbound events and delivers inbound ones to the
// router. Reconnects use exponential backoff; events queued while
// disconnected are dropped, per the router's no-retry contract.
type Client struct {
	url      string
	token    string
	page     string
	userID   string
	userName string

	router   *eventrouter.Router
	logger   *slog.Logger
	onStatus StatusFunc
	presence PresenceSink

	send      chan Frame
	connected atomic.Bool
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithStatusFunc(fn StatusFunc) Option {
	return func(c *Client) { c.onStatus = fn }
}

func WithPresenceSink(sink PresenceSink) Option {
	return func(c *Client) { c.presence = sink }
}

func NewClient(url, page, userID, userName string, router *eventrouter.Router, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		url:      url,
		page:     page,
		userID:   userID,
		userName: userName,
		router:   router,
		logger:   logger,
		send:     make(chan Frame, sendBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send implements eventrouter.Sender. Non-blocking: a full queue is an error
// the caller may ignore; the router performs no retry either way.
func (c *Client) Send(evt mevent.RealtimeEvent) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.enqueue(Frame{Kind: FrameEvent, Page: c.page, UserID: c.userID, Event: &evt})
}

// Connected implements eventrouter.Sender.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Heartbeat queues a presence heartbeat frame.
func (c *Client) Heartbeat() error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.enqueue(Frame{Kind: FrameHeartbeat, Page: c.page, UserID: c.userID})
}

func (c *Client) enqueue(frame Frame) error {
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("wsrelay: send queue full, dropping %s frame", frame.Kind)
	}
}

// Run dials the hub and keeps the connection alive until ctx is cancelled.
// Each connection attempt backs off exponentially; a clean shutdown returns
// the context error.
func (c *Client) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until cancelled
	policy.MaxInterval = 30 * time.Second

	operation := func() error {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.setStatus(StatusError)
		c.logger.Warn("hub connection lost, retrying", "url", c.url, "error", err)
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	c.setStatus(StatusDisconnected)
	return err
}

func (c *Client) runOnce(ctx context.Context) error {
	dialOpts := &websocket.DialOptions{}
	if c.token != "" {
		dialOpts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + c.token},
		}
	}
	conn, _, err := websocket.Dial(ctx, c.url, dialOpts)
	if err != nil {
		return fmt.Errorf("wsrelay: dial %s: %w", c.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	join, err := EncodeFrame(Frame{Kind: FrameJoin, Page: c.page, UserID: c.userID, UserName: c.userName})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		return fmt.Errorf("wsrelay: join: %w", err)
	}

	c.connected.Store(true)
	c.setStatus(StatusConnected)
	defer func() {
		c.connected.Store(false)
		c.setStatus(StatusDisconnected)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.writeLoop(gctx, conn) })
	return g.Wait()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("wsrelay: read: %w", err)
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("undecodable hub frame", "error", err)
			continue
		}
		switch frame.Kind {
		case FrameJoin:
			if c.presence != nil && frame.UserID != c.userID {
				c.presence.RemoteJoin(frame.Page, frame.UserID, frame.UserName)
			}
		case FrameHeartbeat:
			if c.presence != nil && frame.UserID != c.userID {
				c.presence.RemoteHeartbeat(frame.Page, frame.UserID)
			}
		case FrameLeave:
			if c.presence != nil && frame.UserID != c.userID {
				c.presence.RemoteLeave(frame.Page, frame.UserID)
			}
		case FrameEvent:
			if frame.Event == nil {
				continue
			}
			if frame.Event.UserID == c.userID {
				// Own event echoed back; local handlers already ran.
				continue
			}
			if err := c.router.Deliver(*frame.Event); err != nil {
				c.logger.Warn("inbound event rejected", "eventId", frame.Event.ID, "error", err)
			}
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.send:
			data, err := EncodeFrame(frame)
			if err != nil {
				c.logger.Error("frame encode failed", "kind", string(frame.Kind), "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("wsrelay: write: %w", err)
			}
		}
	}
}

func (c *Client) setStatus(status Status) {
	if c.onStatus != nil {
		c.onStatus(status)
	}
}
