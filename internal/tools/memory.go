package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/iterate/internal/memory"
)

// PendingSettleTTL is how long a previewed pattern waits for confirm-settle.
const PendingSettleTTL = 30 * time.Minute

// recallSessions is how many session summaries recall shows.
const recallSessions = 3

var timeNow = time.Now

type storeOpener func(path string) (*memory.Store, error)

type pendingSettle struct {
	projectPath string
	content     string
	category    string
	expires     time.Time
}

// MemoryTool is the single entry point for project memory and the shared
// knowledge base.
type MemoryTool struct {
	open storeOpener

	mu      sync.Mutex
	pending map[string]pendingSettle
}

func NewMemoryTool(open storeOpener) *MemoryTool {
	return &MemoryTool{open: open, pending: make(map[string]pendingSettle)}
}

func (t *MemoryTool) Definition() mcp.Tool {
	return mcp.NewTool(MemoryToolID,
		mcp.WithDescription(
			"Project memory. Actions: remember (store a rule, preference, note or context line), "+
				"recall (compressed summary of project memory and the shared knowledge base), "+
				"settle (write a pattern/problem/regression to the shared knowledge base; "+
				"patterns return a preview and need confirm-settle), confirm-settle, "+
				"summarize (store a session summary; the 15 newest are kept).",
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Enum("remember", "recall", "settle", "confirm-settle", "summarize"),
			mcp.Description("What to do"),
		),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path inside the project's git repository"),
		),
		mcp.WithString("content",
			mcp.Description("Text to remember, settle or summarize"),
		),
		mcp.WithString("category",
			mcp.Description("remember: rule, preference, note, context (default). "+
				"settle: patterns (PAT-YYYY-NNN), problems (P-YYYY-NNN), regressions (R-YYYY-NNN)"),
		),
		mcp.WithString("settle_id",
			mcp.Description("Id returned by a pattern settle preview (confirm-settle only)"),
		),
	)
}

func (t *MemoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := req.GetString("action", "")
	projectPath := req.GetString("project_path", "")
	content := req.GetString("content", "")
	category := req.GetString("category", "")

	if action == "confirm-settle" {
		return t.confirmSettle(ctx, req.GetString("settle_id", ""))
	}

	store, err := t.open(projectPath)
	if err != nil {
		return nil, err
	}

	switch action {
	case "remember":
		return t.remember(store, content, category)
	case "recall":
		return t.recall(store)
	case "settle":
		return t.settle(ctx, store, projectPath, content, category)
	case "summarize":
		return t.summarize(store, content)
	default:
		return nil, invalidf("unknown action %q", action)
	}
}

func (t *MemoryTool) remember(store *memory.Store, content, category string) (*mcp.CallToolResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, invalidf("'content' is required for remember")
	}
	entry, err := store.Remember(content, memory.ParseCategory(category))
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("Remembered as %s (id %s).", entry.Category, entry.ID)), nil
}

func (t *MemoryTool) recall(store *memory.Store) (*mcp.CallToolResult, error) {
	summary, err := store.ProjectSummary()
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(summary)
	b.WriteString("\n\n")
	b.WriteString(store.KnowledgeSummary().String())

	sessions, err := store.RecentSessions(recallSessions)
	if err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		b.WriteString("\n\nRecent sessions:")
		for _, s := range sessions {
			fmt.Fprintf(&b, "\n- %s: %s", sessionAge(s.Timestamp), firstLine(s.Content))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func sessionAge(stamp string) string {
	when, err := time.ParseInLocation("2006-01-02 15:04", stamp, time.Local)
	if err != nil {
		return stamp
	}
	return stamp + " (" + humanize.RelTime(when, timeNow(), "ago", "from now") + ")"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func (t *MemoryTool) settle(ctx context.Context, store *memory.Store, projectPath, content, category string) (*mcp.CallToolResult, error) {
	policy, err := memory.Validate(content, category)
	if err != nil {
		return nil, err
	}

	if policy.Mode == memory.ConfirmThenWrite {
		preview, err := store.PreviewSettle(content, category)
		if err != nil {
			return nil, err
		}
		id := t.hold(pendingSettle{projectPath: projectPath, content: content, category: category})
		return mcp.NewToolResultText(fmt.Sprintf(
			"Preview of %s (nothing written yet):\n\n```diff\n%s```\n\n"+
				"Show this to the user. If they accept, call memory with action=confirm-settle and settle_id=%s "+
				"(valid for %s).",
			policy.File, preview, id, PendingSettleTTL)), nil
	}

	res, err := store.Settle(ctx, content, category)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(settleText(res)), nil
}

func settleText(res *memory.SettleResult) string {
	msg := fmt.Sprintf("Settled into %s.", res.File)
	if res.Synced {
		return msg + " Synced to the remote."
	}
	return msg + "\n\nWarning: " + res.Warning
}

func (t *MemoryTool) hold(p pendingSettle) string {
	id := uuid.NewString()
	now := timeNow()
	p.expires = now.Add(PendingSettleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.pending {
		if now.After(v.expires) {
			delete(t.pending, k)
		}
	}
	t.pending[id] = p
	return id
}

func (t *MemoryTool) take(id string) (pendingSettle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return pendingSettle{}, false
	}
	delete(t.pending, id)
	if timeNow().After(p.expires) {
		return pendingSettle{}, false
	}
	return p, true
}

func (t *MemoryTool) confirmSettle(ctx context.Context, id string) (*mcp.CallToolResult, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalidf("'settle_id' is required for confirm-settle")
	}
	p, ok := t.take(id)
	if !ok {
		return nil, invalidf("settle_id %q is unknown or expired; run settle again", id)
	}
	store, err := t.open(p.projectPath)
	if err != nil {
		return nil, err
	}
	res, err := store.Settle(ctx, p.content, p.category)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(settleText(res)), nil
}

func (t *MemoryTool) summarize(store *memory.Store, content string) (*mcp.CallToolResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, invalidf("'content' is required for summarize")
	}
	s, err := store.AddSessionSummary(content)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session summary saved (%s). The %d most recent are kept.", s.Timestamp, memory.MaxSessions)), nil
}
