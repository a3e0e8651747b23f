package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/iterate/internal/memory"
	"github.com/HendryAvila/iterate/internal/popup"
)

// --- Test helpers ---

// fakeGit records git invocations; fail maps a subcommand to its output.
type fakeGit struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]string
}

func (g *fakeGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, strings.Join(args, " "))
	if out, ok := g.fail[args[0]]; ok {
		return out, errors.New("exit status 1")
	}
	return "", nil
}

func (g *fakeGit) count(sub string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if strings.HasPrefix(c, sub+" ") || c == sub {
			n++
		}
	}
	return n
}

// toggles is an Enablement backed by a map; missing ids are enabled.
type toggles map[string]bool

func (m toggles) ToolEnabled(id string) bool {
	on, ok := m[id]
	return !ok || on
}

// answer returns a prompter that always replies with resp.
func answer(resp popup.Response) popup.Prompter {
	return popup.PrompterFunc(func(context.Context, popup.Request) (*popup.Response, error) {
		r := resp
		return &r, nil
	})
}

// newTestRepo creates a fake git repository with a knowledge base.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, d := range []string{".git", memory.KnowledgeDirName} {
		if err := os.Mkdir(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	return dir
}

type fixture struct {
	d    *Dispatcher
	git  *fakeGit
	repo string
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	git := &fakeGit{}
	if deps.Syncer == nil {
		deps.Syncer = memory.NewSyncer(git, time.Hour, nil)
		t.Cleanup(deps.Syncer.Close)
	}
	if deps.Prompter == nil {
		deps.Prompter = answer(popup.Response{UserInput: "go ahead"})
	}
	d, err := NewDispatcher(deps)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return &fixture{d: d, git: git, repo: newTestRepo(t)}
}

func (f *fixture) confirm(t *testing.T) {
	t.Helper()
	if _, err := f.d.Call(context.Background(), ConfirmToolID, map[string]any{"message": "Proceed?"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

func (f *fixture) memory(t *testing.T, args map[string]any) (string, error) {
	t.Helper()
	if _, ok := args["project_path"]; !ok {
		args["project_path"] = f.repo
	}
	res, err := f.d.Call(context.Background(), MemoryToolID, args)
	if err != nil {
		return "", err
	}
	return resultText(res), nil
}

// resultText joins the text content of a result.
func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func requireKind(t *testing.T, err error, want error) *ToolError {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want %v", err, want)
	}
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("error %T is not a *ToolError", err)
	}
	return te
}

// --- Routing ---

func TestCall_UnknownTool(t *testing.T) {
	f := newFixture(t, Deps{})
	_, err := f.d.Call(context.Background(), "deploy_prod", nil)
	te := requireKind(t, err, ErrUnknownTool)
	if te.Tool != "deploy_prod" {
		t.Errorf("Tool = %q", te.Tool)
	}
}

func TestCall_GatedToolNeedsConfirmation(t *testing.T) {
	f := newFixture(t, Deps{})

	_, err := f.memory(t, map[string]any{"action": "recall"})
	te := requireKind(t, err, ErrConfirmationRequired)
	if !strings.Contains(te.Message, ConfirmToolID) {
		t.Errorf("message should name the confirmation tool: %q", te.Message)
	}

	f.confirm(t)
	if _, err := f.memory(t, map[string]any{"action": "recall"}); err != nil {
		t.Fatalf("recall after confirmation: %v", err)
	}
}

func TestCall_GateCheckedBeforeValidation(t *testing.T) {
	f := newFixture(t, Deps{})
	_, err := f.d.Call(context.Background(), DispatchToolID, map[string]any{})
	requireKind(t, err, ErrConfirmationRequired)
}

func TestCall_UngatedToolsSkipTheGate(t *testing.T) {
	f := newFixture(t, Deps{})
	if err := os.WriteFile(filepath.Join(f.repo, "main.go"), []byte("package main\n// Websocket relay\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := f.d.Call(context.Background(), CodeSearchToolID, map[string]any{
		"project_path": f.repo,
		"query":        "websocket",
	})
	if err != nil {
		t.Fatalf("code_search: %v", err)
	}
	if got := resultText(res); !strings.Contains(got, "main.go:2") {
		t.Errorf("result = %q", got)
	}
}

func TestCall_CancelledConfirmationDoesNotAuthorize(t *testing.T) {
	f := newFixture(t, Deps{Prompter: answer(popup.Response{Cancelled: true})})

	res, err := f.d.Call(context.Background(), ConfirmToolID, map[string]any{"message": "Proceed?"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := resultText(res); got != cancelledText {
		t.Errorf("result = %q", got)
	}
	if f.d.Gate().Authorized() {
		t.Fatal("a cancelled confirmation must not open the gate")
	}
	_, err = f.memory(t, map[string]any{"action": "recall"})
	requireKind(t, err, ErrConfirmationRequired)
}

func TestCall_GateExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := NewGate(time.Minute)
	gate.now = func() time.Time { return now }

	f := newFixture(t, Deps{Gate: gate})
	f.confirm(t)

	now = now.Add(59 * time.Second)
	if _, err := f.memory(t, map[string]any{"action": "recall"}); err != nil {
		t.Fatalf("inside window: %v", err)
	}

	now = now.Add(2 * time.Second)
	_, err := f.memory(t, map[string]any{"action": "recall"})
	requireKind(t, err, ErrConfirmationRequired)
}

func TestCall_DisabledTool(t *testing.T) {
	f := newFixture(t, Deps{Settings: toggles{CodeSearchToolID: false}})
	_, err := f.d.Call(context.Background(), CodeSearchToolID, map[string]any{
		"project_path": f.repo,
		"query":        "x",
	})
	te := requireKind(t, err, ErrToolDisabled)
	if !strings.Contains(te.Message, "iterate tools enable code_search") {
		t.Errorf("message = %q", te.Message)
	}
}

func TestCall_ConfirmationToolCannotBeDisabled(t *testing.T) {
	f := newFixture(t, Deps{Settings: toggles{ConfirmToolID: false}})
	if !f.d.Enabled(ConfirmToolID) {
		t.Fatal("confirmation tool reported disabled")
	}
	f.confirm(t)
}

func TestCall_InvalidParamsNamesFields(t *testing.T) {
	f := newFixture(t, Deps{})
	_, err := f.d.Call(context.Background(), CodeSearchToolID, map[string]any{})
	te := requireKind(t, err, ErrInvalidParams)

	want := map[string]bool{"project_path": false, "query": false}
	for _, field := range te.Fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("Fields %v missing %q", te.Fields, field)
		}
	}
}

func TestCall_InvalidEnumValue(t *testing.T) {
	f := newFixture(t, Deps{})
	f.confirm(t)
	_, err := f.memory(t, map[string]any{"action": "forget"})
	requireKind(t, err, ErrInvalidParams)
}

func TestCall_ResourceErrors(t *testing.T) {
	f := newFixture(t, Deps{})
	_, err := f.d.Call(context.Background(), CodeSearchToolID, map[string]any{
		"project_path": t.TempDir(),
		"query":        "x",
	})
	te := requireKind(t, err, ErrResource)
	if !errors.Is(te, memory.ErrNotGitRepository) {
		t.Errorf("cause not preserved: %v", te.Err)
	}
}

// --- Listing ---

func TestListTools_HidesDisabled(t *testing.T) {
	f := newFixture(t, Deps{Settings: toggles{DispatchToolID: false, ConfirmToolID: false}})

	names := map[string]bool{}
	for _, tool := range f.d.ListTools(context.Background()) {
		names[tool.Name] = true
	}
	if names[DispatchToolID] {
		t.Error("disabled tool listed")
	}
	if !names[ConfirmToolID] {
		t.Error("confirmation tool must always be listed")
	}
	if len(names) != len(Definitions())-1 {
		t.Errorf("listed %d tools", len(names))
	}
}

func TestFilter_KeepsForeignTools(t *testing.T) {
	f := newFixture(t, Deps{Settings: toggles{MemoryToolID: false}})
	in := []mcp.Tool{
		mcp.NewTool(MemoryToolID),
		mcp.NewTool(ConfirmToolID),
		mcp.NewTool("something_else"),
	}
	out := f.d.Filter(context.Background(), in)
	if len(out) != 2 || out[0].Name != ConfirmToolID || out[1].Name != "something_else" {
		t.Errorf("Filter = %v", out)
	}
}

func TestProtectedIDs(t *testing.T) {
	ids := ProtectedIDs()
	if len(ids) != 1 || ids[0] != ConfirmToolID {
		t.Errorf("ProtectedIDs() = %v", ids)
	}
}

// --- Handler adapter ---

func TestHandler_ToolErrorBecomesErrorResult(t *testing.T) {
	f := newFixture(t, Deps{})
	req := mcp.CallToolRequest{}
	req.Params.Name = MemoryToolID
	req.Params.Arguments = map[string]any{"action": "recall", "project_path": f.repo}

	res, err := f.d.Handler(MemoryToolID)(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned a protocol error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result")
	}
	if got := resultText(res); !strings.HasPrefix(got, "confirmation required") {
		t.Errorf("result = %q", got)
	}
}
