package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrBrowserUnavailable means the remote-debugging endpoint did not answer.
	ErrBrowserUnavailable = errors.New("monitor: browser debugging endpoint unavailable")
	// ErrPageBroken means the tab's debugger socket failed and the page must
	// be attached again. A timed-out websocket cannot be read from again.
	ErrPageBroken = errors.New("monitor: page connection broken")
)

const callTimeout = 5 * time.Second

// Target is one debuggable browser target as listed by /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Browser lists and attaches to tabs.
type Browser interface {
	Connect(ctx context.Context) error
	Pages(ctx context.Context) ([]Target, error)
	Attach(ctx context.Context, t Target) (Page, error)
}

// Page evaluates scripts in one attached tab.
type Page interface {
	// Evaluate runs expr and decodes its value into out.
	Evaluate(ctx context.Context, expr string, out any) error
	Title(ctx context.Context) (string, error)
	Close() error
}

// CDPBrowser talks to Chrome's remote-debugging HTTP and websocket
// endpoints.
type CDPBrowser struct {
	host   string
	port   int
	client *http.Client
	dialer *websocket.Dialer
}

// NewCDPBrowser targets the debugging endpoint on host:port. An empty host
// means 127.0.0.1.
func NewCDPBrowser(host string, port int) *CDPBrowser {
	if host == "" {
		host = "127.0.0.1"
	}
	return &CDPBrowser{
		host:   host,
		port:   port,
		client: &http.Client{Timeout: callTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: callTimeout},
	}
}

func (b *CDPBrowser) baseURL() string {
	return "http://" + net.JoinHostPort(b.host, strconv.Itoa(b.port))
}

func (b *CDPBrowser) unavailable(err error) error {
	return fmt.Errorf("%w at %s: %v\nstart Chrome with remote debugging enabled, e.g.\n  google-chrome --remote-debugging-port=%d",
		ErrBrowserUnavailable, b.baseURL(), err, b.port)
}

func (b *CDPBrowser) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return b.unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return b.unavailable(fmt.Errorf("%s: %s %s", path, resp.Status, body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Connect checks that the endpoint answers /json/version.
func (b *CDPBrowser) Connect(ctx context.Context) error {
	var v struct {
		Browser string `json:"Browser"`
	}
	return b.getJSON(ctx, "/json/version", &v)
}

// Pages lists the open tabs.
func (b *CDPBrowser) Pages(ctx context.Context) ([]Target, error) {
	var all []Target
	if err := b.getJSON(ctx, "/json/list", &all); err != nil {
		return nil, err
	}
	pages := all[:0]
	for _, t := range all {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// Attach opens the tab's debugger websocket.
func (b *CDPBrowser) Attach(ctx context.Context, t Target) (Page, error) {
	ws, _, err := b.dialer.DialContext(ctx, t.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("attaching to %s: %w", t.URL, err)
	}
	return &cdpPage{ws: ws}, nil
}

// ─── Page ───────────────────────────────────────────────────────────────

type cdpPage struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	nextID int64
	broken bool
}

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call sends one command and waits for its response, skipping any
// protocol events that arrive in between.
func (p *cdpPage) call(ctx context.Context, method string, params, result any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken {
		return fmt.Errorf("%s: %w", method, ErrPageBroken)
	}

	deadline := time.Now().Add(callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.ws.SetWriteDeadline(deadline)
	_ = p.ws.SetReadDeadline(deadline)

	p.nextID++
	id := p.nextID
	if err := p.ws.WriteJSON(cdpRequest{ID: id, Method: method, Params: params}); err != nil {
		return p.fail(method, err)
	}

	for {
		var resp cdpResponse
		if err := p.ws.ReadJSON(&resp); err != nil {
			return p.fail(method, err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s (%d)", method, resp.Error.Message, resp.Error.Code)
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	}
}

// fail marks the page unusable after a transport error. Callers hold p.mu.
func (p *cdpPage) fail(method string, err error) error {
	p.broken = true
	_ = p.ws.Close()
	return fmt.Errorf("%s: %w: %v", method, ErrPageBroken, err)
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
}

type evaluateResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

func (p *cdpPage) Evaluate(ctx context.Context, expr string, out any) error {
	var res evaluateResult
	if err := p.call(ctx, "Runtime.evaluate", evaluateParams{Expression: expr, ReturnByValue: true}, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("script threw: %s", res.ExceptionDetails.Text)
	}
	if len(res.Result.Value) == 0 {
		return fmt.Errorf("script returned %s", res.Result.Type)
	}
	return json.Unmarshal(res.Result.Value, out)
}

func (p *cdpPage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.Evaluate(ctx, "document.title", &title)
	return title, err
}

func (p *cdpPage) Close() error {
	return p.ws.Close()
}
