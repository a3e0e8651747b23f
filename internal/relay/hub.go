// Package relay is the local websocket hub between the browser extension
// and everything else. The extension reports finished AI responses with
// ai-completed frames; any other connection (or a second iterate process)
// can push send-message frames back through the extension.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HendryAvila/iterate/internal/events"
)

const (
	// DefaultHost keeps the hub off every interface but loopback.
	DefaultHost = "127.0.0.1"
	// DefaultQueueSize bounds each connection's outbound queue.
	DefaultQueueSize = 32

	ackTimeout = 5 * time.Second
)

var ErrEmptyMessage = errors.New("relay: message is empty")

var timeNow = time.Now

// Config configures a Hub.
type Config struct {
	Host      string
	Port      int
	QueueSize int
	// WriteTimeout defaults to DefaultWriteTimeout. A connection whose
	// write times out is closed and stops being the route.
	WriteTimeout time.Duration
}

func (c Config) addr() string {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Hub owns the listening socket and the set of live connections.
type Hub struct {
	cfg    Config
	bus    *events.CompletionBus
	logger *zap.Logger

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	nextID   atomic.Uint64

	mu       sync.Mutex
	running  bool
	listener net.Listener
	srv      *http.Server
	route    *conn
	conns    map[*conn]struct{}
}

// New creates a hub that publishes completions on bus.
func New(cfg Config, bus *events.CompletionBus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewCompletionBus()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Hub{
		cfg:    cfg,
		bus:    bus,
		logger: logger.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The extension connects from a chrome-extension:// origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: ackTimeout},
		conns:  make(map[*conn]struct{}),
	}
}

// Bus returns the broadcast bus completions are published on.
func (h *Hub) Bus() *events.CompletionBus { return h.bus }

// Start binds the listener and serves connections in the background.
// Calling Start on a running hub returns the existing bus.
func (h *Hub) Start(ctx context.Context) (*events.CompletionBus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return h.bus, nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("relay: listening on %s: %w", h.cfg.addr(), err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.listener = ln
	h.srv = srv
	h.running = true

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			h.logger.Error("accept loop stopped", zap.Error(err))
		}
	}()

	h.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	return h.bus, nil
}

// Stop closes the listener. Connections already accepted keep running
// until their peers hang up.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	h.running = false
	if err := h.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		h.logger.Warn("closing listener", zap.Error(err))
	}
	h.logger.Info("stopped", zap.Int("open_connections", len(h.conns)))
}

// Running reports whether the hub is accepting connections.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Addr is the address the hub listens on, or the configured address when
// it is not running in this process.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return h.listener.Addr().String()
	}
	return h.cfg.addr()
}

// HasExtension reports whether an extension route is registered.
func (h *Hub) HasExtension() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.route != nil
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("handshake failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newConn(h.nextID.Add(1), ws, h.cfg.QueueSize, h.cfg.WriteTimeout)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	log := h.logger.With(zap.Uint64("conn", c.id), zap.String("remote", c.remote))
	log.Debug("connected")

	err = c.run(r.Context(), h.handle)

	h.mu.Lock()
	delete(h.conns, c)
	if h.route == c {
		h.route = nil
	}
	h.mu.Unlock()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		log.Debug("connection ended", zap.Error(err), zap.Stringer("role", c.Role()))
		return
	}
	log.Debug("disconnected", zap.Stringer("role", c.Role()))
}

// handle processes one inbound text frame. The caller acks afterwards.
func (h *Hub) handle(c *conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("malformed frame", zap.Uint64("conn", c.id), zap.Error(err))
		return
	}

	switch env.Type {
	case TypeAICompleted, typeAICompletedLegacy:
		h.onCompleted(c, data)
	case TypeSendMessage:
		h.onSendMessage(c, data)
	case TypePing:
	default:
		h.logger.Info("ignoring unknown message type", zap.Uint64("conn", c.id), zap.String("type", env.Type))
	}
}

func (h *Hub) onCompleted(c *conn, data []byte) {
	var p completedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.logger.Warn("bad ai-completed payload", zap.Uint64("conn", c.id), zap.Error(err))
		return
	}

	if c.claim(RoleExtension) {
		h.mu.Lock()
		if h.route != c {
			h.logger.Info("browser extension registered", zap.Uint64("conn", c.id))
		}
		h.route = c
		h.mu.Unlock()
	} else {
		h.logger.Warn("ai-completed from a client connection; not routing", zap.Uint64("conn", c.id))
	}

	ev := p.event(timeNow())
	n := h.bus.Publish(ev)
	h.logger.Info("completion received",
		zap.String("site", ev.SiteName),
		zap.String("title", ev.Title),
		zap.Int("subscribers", n),
	)
}

func (h *Hub) onSendMessage(c *conn, data []byte) {
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		h.logger.Warn("bad send-message payload", zap.Uint64("conn", c.id), zap.Error(err))
		return
	}
	c.claim(RoleClient)

	frame, err := out.frame()
	if err != nil {
		h.logger.Warn("encoding send-message", zap.Error(err))
		return
	}

	h.mu.Lock()
	route := h.route
	h.mu.Unlock()

	if route == nil || route == c {
		h.logger.Warn("send-message dropped: no browser extension connected", zap.Uint64("conn", c.id))
		return
	}
	if err := route.enqueue(frame); err != nil {
		h.clearRoute(route)
		h.logger.Warn("send-message dropped", zap.Uint64("route", route.id), zap.Error(err))
	}
}

func (h *Hub) clearRoute(c *conn) {
	h.mu.Lock()
	if h.route == c {
		h.route = nil
	}
	h.mu.Unlock()
}

// SendToBrowser delivers out to the browser extension. With a live
// in-process route the frame is queued directly; otherwise the hub dials
// its own listening address as a client, which reaches the extension
// through whichever process owns the port.
func (h *Hub) SendToBrowser(ctx context.Context, out Outbound) error {
	if out.Message == "" {
		return ErrEmptyMessage
	}
	frame, err := out.frame()
	if err != nil {
		return fmt.Errorf("relay: encoding message: %w", err)
	}

	h.mu.Lock()
	route := h.route
	h.mu.Unlock()

	if route != nil {
		err := route.enqueue(frame)
		if err == nil {
			return nil
		}
		h.clearRoute(route)
		h.logger.Warn("extension route failed, falling back to client mode", zap.Error(err))
	}

	return h.sendAsClient(ctx, frame)
}

func (h *Hub) sendAsClient(ctx context.Context, frame []byte) error {
	url := "ws://" + h.Addr()
	ws, _, err := h.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("relay: connecting to %s: %w", url, err)
	}
	defer ws.Close()

	deadline := timeNow().Add(ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("relay: sending to %s: %w", url, err)
	}

	_ = ws.SetReadDeadline(deadline)
	if _, _, err := ws.ReadMessage(); err != nil {
		return fmt.Errorf("relay: waiting for ack from %s: %w", url, err)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), timeNow().Add(time.Second))
	return nil
}
