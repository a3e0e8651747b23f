package relay

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/iterate/internal/events"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	return startHubWith(t, Config{Host: "127.0.0.1", Port: 0})
}

func startHubWith(t *testing.T, cfg Config) *Hub {
	t.Helper()
	h := New(cfg, events.NewCompletionBus(), nil)
	_, err := h.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	return h
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+h.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func requireAck(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	assert.Equal(t, map[string]any{"status": "ok"}, read(t, ws))
}

func requireSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := ws.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestStart_Idempotent(t *testing.T) {
	h := startHub(t)
	addr := h.Addr()

	bus, err := h.Start(context.Background())
	require.NoError(t, err)
	assert.Same(t, h.Bus(), bus)
	assert.Equal(t, addr, h.Addr())
	assert.True(t, h.Running())
}

func TestAICompleted_PublishesAndRegistersRoute(t *testing.T) {
	h := startHub(t)
	sub := h.Bus().Subscribe()
	defer sub.Close()

	ext := dial(t, h)
	send(t, ext, map[string]any{
		"type":       "ai-completed",
		"url":        "https://chatgpt.com/c/1",
		"title":      "Refactor",
		"siteName":   "ChatGPT",
		"aiResponse": "Done. Here is the diff.",
		"runTime":    12,
	})
	requireAck(t, ext)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ChatGPT", ev.SiteName)
	assert.Equal(t, "Refactor", ev.Title)
	assert.Equal(t, "Done. Here is the diff.", ev.MessagePreview)
	require.NotNil(t, ev.RunTime)
	assert.Equal(t, 12, *ev.RunTime)
	assert.Nil(t, ev.ThinkTime)
	assert.True(t, h.HasExtension())
}

func TestAICompleted_LegacyTypeAndDefaultSite(t *testing.T) {
	h := startHub(t)
	sub := h.Bus().Subscribe()
	defer sub.Close()

	ext := dial(t, h)
	send(t, ext, map[string]any{"type": "ai_completed", "url": "https://poe.com/x", "title": "t"})
	requireAck(t, ext)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Unknown", ev.SiteName)
}

func TestSendMessage_ForwardedToExtensionNotEchoed(t *testing.T) {
	h := startHub(t)

	ext := dial(t, h)
	send(t, ext, map[string]any{"type": "ai-completed", "url": "u", "title": "t", "siteName": "Claude"})
	requireAck(t, ext)

	client := dial(t, h)
	send(t, client, map[string]any{"type": "send-message", "message": "continue please"})
	requireAck(t, client)

	got := read(t, ext)
	assert.Equal(t, "send-message", got["type"])
	assert.Equal(t, "continue please", got["message"])

	requireSilent(t, client)
}

func TestSendMessage_NoRouteIsDropped(t *testing.T) {
	h := startHub(t)
	client := dial(t, h)

	send(t, client, map[string]any{"type": "send-message", "message": "hello?"})
	requireAck(t, client)
	requireSilent(t, client)
	assert.False(t, h.HasExtension())
}

func TestEveryFrameAckedInOrder(t *testing.T) {
	h := startHub(t)
	ws := dial(t, h)

	send(t, ws, map[string]any{"type": "ping"})
	send(t, ws, map[string]any{"type": "something-new"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	for range 3 {
		requireAck(t, ws)
	}
}

func TestSendToBrowser_UsesRoute(t *testing.T) {
	h := startHub(t)
	ext := dial(t, h)
	send(t, ext, map[string]any{"type": "ai-completed", "url": "u", "title": "t"})
	requireAck(t, ext)

	tab := 7
	require.NoError(t, h.SendToBrowser(context.Background(), Outbound{Message: "next step", TabID: &tab}))

	got := read(t, ext)
	assert.Equal(t, "next step", got["message"])
	assert.EqualValues(t, 7, got["tabId"])
}

func TestSendToBrowser_FallsBackToClientMode(t *testing.T) {
	h := startHub(t)

	// No extension attached: the frame goes out through the hub port and
	// is dropped there, which is not an error for the caller.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.SendToBrowser(ctx, Outbound{Message: "hi"}))
}

func TestSendToBrowser_SecondaryProcessReachesExtension(t *testing.T) {
	primary := startHub(t)
	ext := dial(t, primary)
	send(t, ext, map[string]any{"type": "ai-completed", "url": "u", "title": "t"})
	requireAck(t, ext)

	_, port, err := net.SplitHostPort(primary.Addr())
	require.NoError(t, err)

	// A hub that never started, configured for the primary's port, plays
	// the second process.
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	secondary := New(Config{Host: "127.0.0.1", Port: p}, nil, nil)

	require.NoError(t, secondary.SendToBrowser(context.Background(), Outbound{Message: "from elsewhere"}))
	got := read(t, ext)
	assert.Equal(t, "from elsewhere", got["message"])
}

func TestSendToBrowser_FallbackFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	h := New(Config{Host: "127.0.0.1", Port: port}, nil, nil)
	err = h.SendToBrowser(context.Background(), Outbound{Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to")
}

func TestSendToBrowser_EmptyMessage(t *testing.T) {
	h := New(Config{}, nil, nil)
	assert.ErrorIs(t, h.SendToBrowser(context.Background(), Outbound{}), ErrEmptyMessage)
}

func TestDisconnectClearsRoute(t *testing.T) {
	h := startHub(t)
	ext := dial(t, h)
	send(t, ext, map[string]any{"type": "ai-completed", "url": "u", "title": "t"})
	requireAck(t, ext)
	require.True(t, h.HasExtension())

	require.NoError(t, ext.Close())
	assert.Eventually(t, func() bool { return !h.HasExtension() && h.Connections() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWriterFailureClearsRoute(t *testing.T) {
	h := startHubWith(t, Config{Host: "127.0.0.1", WriteTimeout: 100 * time.Millisecond})
	ext := dial(t, h)
	send(t, ext, map[string]any{"type": "ai-completed", "url": "u", "title": "t"})
	requireAck(t, ext)
	require.True(t, h.HasExtension())

	// The extension stops reading; large frames fill the socket buffers
	// until a write times out. Fewer frames than the queue holds, so the
	// route is not cleared by a full queue.
	big := strings.Repeat("x", 1<<20)
	for range 20 {
		require.NoError(t, h.SendToBrowser(context.Background(), Outbound{Message: big}))
	}

	assert.Eventually(t, func() bool { return !h.HasExtension() && h.Connections() == 0 },
		5*time.Second, 20*time.Millisecond)

	// With the route gone, sends take the client-mode path.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, h.SendToBrowser(ctx, Outbound{Message: "after"}))
}

func TestStop_KeepsInFlightConnections(t *testing.T) {
	h := startHub(t)
	ws := dial(t, h)
	addr := h.Addr()

	h.Stop()
	assert.False(t, h.Running())

	send(t, ws, map[string]any{"type": "ping"})
	requireAck(t, ws)

	_, _, err := websocket.DefaultDialer.Dial("ws://"+addr, nil)
	assert.Error(t, err)
}

func TestClientCannotBecomeExtension(t *testing.T) {
	h := startHub(t)
	ws := dial(t, h)

	send(t, ws, map[string]any{"type": "send-message", "message": "x"})
	requireAck(t, ws)
	send(t, ws, map[string]any{"type": "ai-completed", "url": "u", "title": "t"})
	requireAck(t, ws)

	assert.False(t, h.HasExtension())
}
