// Package resources implements the read-only MCP resources of iterate.
//
// Resources use iterate:// URIs and expose live state the host can show
// or feed back to the agent: tool enablement and the confirmation gate,
// the relay and monitor, and recent completion events.
package resources

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/iterate/internal/history"
	"github.com/HendryAvila/iterate/internal/monitor"
	"github.com/HendryAvila/iterate/internal/tools"
)

const (
	ToolsURI       = "iterate://tools/status"
	BridgeURI      = "iterate://bridge/status"
	CompletionsURI = "iterate://completions/recent"

	recentCompletions = 20
)

var timeNow = time.Now

// ToolState is the dispatcher view the tools resource reads.
type ToolState interface {
	Enabled(id string) bool
	Gate() *tools.Gate
}

// RelayState is implemented by *relay.Hub.
type RelayState interface {
	Running() bool
	Addr() string
	HasExtension() bool
	Connections() int
}

// MonitorState is implemented by *monitor.Monitor.
type MonitorState interface {
	Running() bool
	States() []monitor.PageState
}

// CompletionLog is implemented by *history.Store.
type CompletionLog interface {
	Recent(limit int) ([]history.Entry, error)
}

// Handler serves every resource. Nil collaborators are reported as absent.
type Handler struct {
	Tools   ToolState
	Relay   RelayState
	Monitor MonitorState
	History CompletionLog
}

// ─── Tools ───────────────────────────────────────────────────────────────

func (h *Handler) ToolsResource() mcp.Resource {
	return mcp.NewResource(ToolsURI, "Tool status",
		mcp.WithResourceDescription("Enabled tools and whether a recent confirmation authorizes the gated ones"),
		mcp.WithMIMEType("application/json"),
	)
}

type toolView struct {
	tools.Definition
	Enabled bool `json:"enabled"`
}

type gateView struct {
	tools.GateStatus
	RemainingText string `json:"remaining_text,omitempty"`
}

type toolsView struct {
	Tools []toolView `json:"tools"`
	Gate  *gateView  `json:"gate,omitempty"`
}

func (h *Handler) HandleTools(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	var v toolsView
	for _, def := range tools.Definitions() {
		enabled := true
		if h.Tools != nil {
			enabled = h.Tools.Enabled(def.ID)
		}
		v.Tools = append(v.Tools, toolView{Definition: def, Enabled: enabled})
	}
	if h.Tools != nil {
		st := h.Tools.Gate().Status()
		g := &gateView{GateStatus: st}
		if st.Authorized {
			now := timeNow()
			g.RemainingText = humanize.RelTime(now.Add(st.Remaining), now, "", "left")
		}
		v.Gate = g
	}
	return jsonResource(req.Params.URI, v)
}

// ─── Relay + monitor ─────────────────────────────────────────────────────

func (h *Handler) BridgeResource() mcp.Resource {
	return mcp.NewResource(BridgeURI, "Browser bridge status",
		mcp.WithResourceDescription("Relay hub listener and connections, and the tabs the completion monitor watches"),
		mcp.WithMIMEType("application/json"),
	)
}

type relayView struct {
	Running      bool   `json:"running"`
	Addr         string `json:"addr"`
	HasExtension bool   `json:"has_extension"`
	Connections  int    `json:"connections"`
}

type monitorView struct {
	Running bool                `json:"running"`
	Pages   []monitor.PageState `json:"pages"`
}

type bridgeView struct {
	Relay   *relayView   `json:"relay,omitempty"`
	Monitor *monitorView `json:"monitor,omitempty"`
}

func (h *Handler) HandleBridge(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	var v bridgeView
	if h.Relay != nil {
		v.Relay = &relayView{
			Running:      h.Relay.Running(),
			Addr:         h.Relay.Addr(),
			HasExtension: h.Relay.HasExtension(),
			Connections:  h.Relay.Connections(),
		}
	}
	if h.Monitor != nil {
		v.Monitor = &monitorView{Running: h.Monitor.Running(), Pages: h.Monitor.States()}
	}
	return jsonResource(req.Params.URI, v)
}

// ─── Completions ─────────────────────────────────────────────────────────

func (h *Handler) CompletionsResource() mcp.Resource {
	return mcp.NewResource(CompletionsURI, "Recent completions",
		mcp.WithResourceDescription("The most recent AI chat completions seen by the relay and the monitor"),
		mcp.WithMIMEType("application/json"),
	)
}

type completionView struct {
	history.Entry
	Age string `json:"age"`
}

func (h *Handler) HandleCompletions(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if h.History == nil {
		return errorResource(req.Params.URI, "completion history is disabled (set history.enabled = true)"), nil
	}
	entries, err := h.History.Recent(recentCompletions)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	out := make([]completionView, 0, len(entries))
	for _, e := range entries {
		out = append(out, completionView{Entry: e, Age: humanize.RelTime(e.Completion.Timestamp, timeNow(), "ago", "from now")})
	}
	return jsonResource(req.Params.URI, out)
}
