package hub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"pagesync/pkg/model/mevent"
	"pagesync/pkg/transport/wsrelay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAndJoin(t *testing.T, ctx context.Context, url, page, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })

	join, err := wsrelay.EncodeFrame(wsrelay.Frame{Kind: wsrelay.FrameJoin, Page: page, UserID: userID})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, join))
	return conn
}

func readFrameOfKind(t *testing.T, ctx context.Context, conn *websocket.Conn, kind wsrelay.FrameKind) wsrelay.Frame {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		frame, err := wsrelay.DecodeFrame(data)
		require.NoError(t, err)
		if frame.Kind == kind {
			return frame
		}
	}
}

func TestBroadcastWithinRoom(t *testing.T) {
	h := New(testLogger(), "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender := dialAndJoin(t, ctx, wsURL(srv), "home", "u1")
	receiver := dialAndJoin(t, ctx, wsURL(srv), "home", "u2")
	otherPage := dialAndJoin(t, ctx, wsURL(srv), "about", "u3")

	require.Eventually(t, func() bool { return h.Members("home") == 2 }, time.Second, 5*time.Millisecond)

	evt, err := mevent.New(mevent.EventContentChange, "home", "u1", mevent.ContentChange{
		ContentKey: "home:title",
		NewValue:   "hello",
	})
	require.NoError(t, err)
	frame, err := wsrelay.EncodeFrame(wsrelay.Frame{Kind: wsrelay.FrameEvent, Page: "home", UserID: "u1", Event: &evt})
	require.NoError(t, err)
	require.NoError(t, sender.Write(ctx, websocket.MessageText, frame))

	got := readFrameOfKind(t, ctx, receiver, wsrelay.FrameEvent)
	require.NotNil(t, got.Event)
	require.Equal(t, evt.ID, got.Event.ID)

	// The other room must stay silent.
	quiet, quietCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer quietCancel()
	_, _, err = otherPage.Read(quiet)
	require.Error(t, err)
}

func TestMembershipAnnounced(t *testing.T) {
	h := New(testLogger(), "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dialAndJoin(t, ctx, wsURL(srv), "home", "u1")
	require.Eventually(t, func() bool { return h.Members("home") == 1 }, time.Second, 5*time.Millisecond)
	second := dialAndJoin(t, ctx, wsURL(srv), "home", "u2")

	// The earlier member hears about the newcomer.
	got := readFrameOfKind(t, ctx, first, wsrelay.FrameJoin)
	require.Equal(t, "u2", got.UserID)

	// The newcomer gets the existing roster replayed.
	got = readFrameOfKind(t, ctx, second, wsrelay.FrameJoin)
	require.Equal(t, "u1", got.UserID)

	leave, err := wsrelay.EncodeFrame(wsrelay.Frame{Kind: wsrelay.FrameLeave, Page: "home", UserID: "u2"})
	require.NoError(t, err)
	require.NoError(t, second.Write(ctx, websocket.MessageText, leave))

	// The departure reaches the remaining member.
	got = readFrameOfKind(t, ctx, first, wsrelay.FrameLeave)
	require.Equal(t, "u2", got.UserID)
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	h := New(testLogger(), "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	frame, err := wsrelay.EncodeFrame(wsrelay.Frame{Kind: wsrelay.FrameHeartbeat, Page: "home", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	// The hub closes the connection instead of joining us.
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	require.Zero(t, h.Members("home"))
}

func TestLeaveFrameRemovesMember(t *testing.T) {
	h := New(testLogger(), "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAndJoin(t, ctx, wsURL(srv), "home", "u1")
	require.Eventually(t, func() bool { return h.Members("home") == 1 }, time.Second, 5*time.Millisecond)

	leave, err := wsrelay.EncodeFrame(wsrelay.Frame{Kind: wsrelay.FrameLeave, Page: "home", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, leave))

	require.Eventually(t, func() bool { return h.Members("home") == 0 }, time.Second, 5*time.Millisecond)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	h := New(testLogger(), "sekrit")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthAcceptsSignedToken(t *testing.T) {
	const secret = "sekrit"
	h := New(testLogger(), secret)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + signed}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	join, err := wsrelay.EncodeFrame(wsrelay.Frame{Kind: wsrelay.FrameJoin, Page: "home", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, join))
	require.Eventually(t, func() bool { return h.Members("home") == 1 }, time.Second, 5*time.Millisecond)
}

func TestAuthRejectsWrongKey(t *testing.T) {
	h := New(testLogger(), "right-key")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, err := token.SignedString([]byte("wrong-key"))
	require.NoError(t, err)

	_, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + signed}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
