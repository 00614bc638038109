// Package hub hosts the server side of the websocket relay: one room per
// page, every frame a member sends is fanned out to the other members of the
// same room.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"pagesync/pkg/transport/wsrelay"
)

const memberBuffer = 64

var ErrUnauthorized = errors.New("hub: unauthorized")

type member struct {
	conn     *websocket.Conn
	userID   string
	userName string
	send     chan []byte
}

// Hub upgrades connections, authenticates them, and routes frames between
// members of the same page room. With an empty secret authentication is
// skipped, which is only intended for local development.
type Hub struct {
	logger *slog.Logger
	secret []byte

	mu    sync.RWMutex
	pages map[string]map[*member]struct{}
}

func New(logger *slog.Logger, secret string) *Hub {
	return &Hub{
		logger: logger,
		secret: []byte(secret),
		pages:  make(map[string]map[*member]struct{}),
	}
}

// ServeHTTP implements the /ws endpoint. The first frame on a connection
// must be a join; everything after it is relayed within the joined room.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r); err != nil {
		h.logger.Warn("connection rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := r.Context()
	page, m, joinData, err := h.join(ctx, conn)
	if err != nil {
		h.logger.Warn("join failed", "remote", r.RemoteAddr, "error", err)
		conn.Close(websocket.StatusPolicyViolation, "join required")
		return
	}
	h.logger.Info("member joined", "page", page, "userId", m.userID)
	h.broadcast(page, m, joinData)

	go h.writePump(ctx, conn, m)
	h.readPump(ctx, conn, page, m)

	h.remove(page, m)
	h.announceLeave(page, m)
	conn.Close(websocket.StatusNormalClosure, "bye")
	h.logger.Info("member left", "page", page, "userId", m.userID)
}

func (h *Hub) authorize(r *http.Request) error {
	if len(h.secret) == 0 {
		return nil
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return h.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func (h *Hub) join(ctx context.Context, conn *websocket.Conn) (string, *member, []byte, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", nil, nil, err
	}
	frame, err := wsrelay.DecodeFrame(data)
	if err != nil {
		return "", nil, nil, err
	}
	if frame.Kind != wsrelay.FrameJoin || frame.Page == "" || frame.UserID == "" {
		return "", nil, nil, fmt.Errorf("hub: expected join frame, got %s", frame.Kind)
	}

	m := &member{
		conn:     conn,
		userID:   frame.UserID,
		userName: frame.UserName,
		send:     make(chan []byte, memberBuffer),
	}
	h.mu.Lock()
	room, ok := h.pages[frame.Page]
	if !ok {
		room = make(map[*member]struct{})
		h.pages[frame.Page] = room
	}
	// Replay the roster so the newcomer learns who is already here. The
	// frames wait in the send buffer until the write pump starts.
	for peer := range room {
		replay, encErr := wsrelay.EncodeFrame(wsrelay.Frame{
			Kind:     wsrelay.FrameJoin,
			Page:     frame.Page,
			UserID:   peer.userID,
			UserName: peer.userName,
		})
		if encErr != nil {
			continue
		}
		select {
		case m.send <- replay:
		default:
		}
	}
	room[m] = struct{}{}
	h.mu.Unlock()
	return frame.Page, m, data, nil
}

// announceLeave tells the remaining members a user is gone, whether the
// departure was a leave frame or a dropped connection.
func (h *Hub) announceLeave(page string, m *member) {
	data, err := wsrelay.EncodeFrame(wsrelay.Frame{Kind: wsrelay.FrameLeave, Page: page, UserID: m.userID})
	if err != nil {
		return
	}
	h.broadcast(page, m, data)
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, page string, m *member) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := wsrelay.DecodeFrame(data)
		if err != nil {
			h.logger.Warn("undecodable frame", "page", page, "userId", m.userID, "error", err)
			continue
		}
		switch frame.Kind {
		case wsrelay.FrameLeave:
			return
		case wsrelay.FrameJoin:
			// Already joined; ignore.
		default:
			h.broadcast(page, m, data)
		}
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, m *member) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-m.send:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// broadcast fans data out to every other member of the page. Slow members
// are dropped from the room rather than allowed to stall the sender.
func (h *Hub) broadcast(page string, from *member, data []byte) {
	h.mu.RLock()
	room := h.pages[page]
	var stalled []*member
	for m := range room {
		if m == from {
			continue
		}
		select {
		case m.send <- data:
		default:
			stalled = append(stalled, m)
		}
	}
	h.mu.RUnlock()

	for _, m := range stalled {
		h.logger.Warn("dropping stalled member", "page", page, "userId", m.userID)
		h.remove(page, m)
		m.conn.Close(websocket.StatusPolicyViolation, "send queue overflow")
	}
}

func (h *Hub) remove(page string, m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.pages[page]
	if !ok {
		return
	}
	if _, present := room[m]; !present {
		return
	}
	delete(room, m)
	close(m.send)
	if len(room) == 0 {
		delete(h.pages, page)
	}
}

// Members reports the current size of a page room.
func (h *Hub) Members(page string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pages[page])
}
