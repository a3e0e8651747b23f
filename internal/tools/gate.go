package tools

import (
	"sync"
	"time"
)

// DefaultGateWindow is how long one confirmation authorizes gated tools.
const DefaultGateWindow = 5 * time.Minute

// Gate is the authorization state for gated tools. It is Authorized for
// window after the last successful confirmation and expires lazily.
type Gate struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
	now    func() time.Time
}

// NewGate creates an unauthorized gate.
func NewGate(window time.Duration) *Gate {
	if window <= 0 {
		window = DefaultGateWindow
	}
	return &Gate{window: window, now: time.Now}
}

// Authorize records a successful confirmation.
func (g *Gate) Authorize() {
	g.mu.Lock()
	g.last = g.now()
	g.mu.Unlock()
}

// Authorized reports whether a confirmation happened within the window.
func (g *Gate) Authorized() bool {
	return g.Status().Authorized
}

// GateStatus is a snapshot of the gate.
type GateStatus struct {
	Authorized    bool          `json:"authorized"`
	LastConfirmed time.Time     `json:"last_confirmed,omitzero"`
	Remaining     time.Duration `json:"remaining"`
	Window        time.Duration `json:"window"`
}

func (g *Gate) Status() GateStatus {
	g.mu.Lock()
	last := g.last
	g.mu.Unlock()

	st := GateStatus{LastConfirmed: last, Window: g.window}
	if last.IsZero() {
		return st
	}
	if left := g.window - g.now().Sub(last); left > 0 {
		st.Authorized = true
		st.Remaining = left
	}
	return st
}

func (g *Gate) Window() time.Duration { return g.window }
