package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"go.uber.org/zap"

	"github.com/HendryAvila/iterate/internal/memory"
	"github.com/HendryAvila/iterate/internal/popup"
)

// Deps are the collaborators the tools need.
type Deps struct {
	// Settings decides live enablement. Nil enables everything.
	Settings Enablement
	// Gate defaults to a fresh gate with DefaultGateWindow.
	Gate *Gate
	// Prompter asks the human. It should be off-loaded (popup.Pool).
	Prompter popup.Prompter
	// Conversations logs answered confirmations. Optional.
	Conversations *memory.ConversationLog
	// Syncer is shared by every store the tools open.
	Syncer *memory.Syncer
	Logger *zap.Logger
}

type entry struct {
	def    Definition
	tool   Tool
	schema *jsonschema.Schema
}

// Dispatcher validates, authorizes and routes tool calls.
type Dispatcher struct {
	settings Enablement
	gate     *Gate
	logger   *zap.Logger

	entries []*entry
	byID    map[string]*entry
}

// NewDispatcher builds every catalogue tool and compiles its input schema.
func NewDispatcher(deps Deps) (*Dispatcher, error) {
	if deps.Settings == nil {
		deps.Settings = allEnabled{}
	}
	if deps.Gate == nil {
		deps.Gate = NewGate(DefaultGateWindow)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("tools")
	if deps.Syncer == nil {
		deps.Syncer = memory.NewSyncer(memory.ExecGit{}, memory.DefaultDebounce, logger)
	}

	opener := func(fn func(string, ...memory.Option) (*memory.Store, error)) storeOpener {
		return func(path string) (*memory.Store, error) {
			if strings.TrimSpace(path) == "" {
				return nil, invalidf("project_path is required")
			}
			return fn(path, memory.WithSyncer(deps.Syncer), memory.WithLogger(logger))
		}
	}
	// Search tools only read, so they never create the memory directory.
	open, resolve := opener(memory.Open), opener(memory.Resolve)

	impls := map[string]Tool{
		ConfirmToolID:          NewConfirmTool(deps.Prompter, deps.Conversations, logger),
		MemoryToolID:           NewMemoryTool(open),
		CodeSearchToolID:       NewCodeSearchTool(resolve),
		ExperienceSearchToolID: NewExperienceSearchTool(resolve),
		PromptSearchToolID:     NewPromptSearchTool(resolve),
		DispatchToolID:         NewDispatchTool(),
	}

	d := &Dispatcher{
		settings: deps.Settings,
		gate:     deps.Gate,
		logger:   logger,
		byID:     make(map[string]*entry, len(catalogue)),
	}
	for _, def := range catalogue {
		tool := impls[def.ID]
		schema, err := compileSchema(tool.Definition())
		if err != nil {
			return nil, fmt.Errorf("compiling %s schema: %w", def.ID, err)
		}
		e := &entry{def: def, tool: tool, schema: schema}
		d.entries = append(d.entries, e)
		d.byID[def.ID] = e
	}
	return d, nil
}

func compileSchema(t mcp.Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := "tool://" + t.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Gate returns the dispatcher's authorization gate.
func (d *Dispatcher) Gate() *Gate { return d.gate }

func (d *Dispatcher) enabled(def Definition) bool {
	return !def.CanDisable || d.settings.ToolEnabled(def.ID)
}

// Enabled reports whether id is a known tool that is switched on.
func (d *Dispatcher) Enabled(id string) bool {
	e, ok := d.byID[id]
	return ok && d.enabled(e.def)
}

// ListTools returns the definitions of every enabled tool.
func (d *Dispatcher) ListTools(context.Context) []mcp.Tool {
	var out []mcp.Tool
	for _, e := range d.entries {
		if d.enabled(e.def) {
			out = append(out, e.tool.Definition())
		}
	}
	return out
}

// Filter drops disabled tools from a listing; it is installed with
// server.WithToolFilter so tools/list follows the config file live.
func (d *Dispatcher) Filter(_ context.Context, tools []mcp.Tool) []mcp.Tool {
	out := tools[:0:0]
	for _, t := range tools {
		if e, ok := d.byID[t.Name]; ok && !d.enabled(e.def) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Call runs one tool call. Every failure is a *ToolError.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	e, ok := d.byID[name]
	if !ok {
		return nil, &ToolError{Kind: KindUnknownTool, Tool: name, Message: fmt.Sprintf("no tool named %q", name)}
	}

	if e.def.Gated && !d.gate.Authorized() {
		return nil, &ToolError{
			Kind: KindConfirmationRequired,
			Tool: name,
			Message: fmt.Sprintf("call the %s tool and get the user's answer first; a confirmation authorizes %s for %s",
				ConfirmToolID, name, d.gate.Window()),
		}
	}

	if !d.enabled(e.def) {
		return nil, &ToolError{
			Kind:    KindToolDisabled,
			Tool:    name,
			Message: fmt.Sprintf("enable it with `iterate tools enable %s` or in the config file", name),
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := e.schema.Validate(normalize(args)); err != nil {
		return nil, invalidParams(name, err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := e.tool.Handle(ctx, req)
	if err != nil {
		te := classify(name, err)
		d.logger.Debug("tool call failed", zap.String("tool", name), zap.Stringer("kind", te.Kind), zap.Error(err))
		return nil, te
	}

	if name == ConfirmToolID && res != nil && !res.IsError {
		if ans, ok := res.StructuredContent.(ConfirmAnswer); ok && !ans.Cancelled {
			d.gate.Authorize()
		}
	}
	return res, nil
}

// normalize round-trips args through JSON so the validator sees plain
// JSON values whatever the caller built the map from.
func normalize(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return args
	}
	return v
}

func invalidParams(tool string, err error) *ToolError {
	te := &ToolError{Kind: KindInvalidParams, Tool: tool, Err: err}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		te.Message = err.Error()
		return te
	}

	fields := map[string]bool{}
	collectFields(ve, fields)
	for f := range fields {
		te.Fields = append(te.Fields, f)
	}
	sort.Strings(te.Fields)
	te.Message = "check " + strings.Join(te.Fields, ", ") + ": " + ve.Error()
	return te
}

func collectFields(ve *jsonschema.ValidationError, out map[string]bool) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectFields(c, out)
		}
		return
	}
	prefix := strings.Join(ve.InstanceLocation, ".")
	if req, ok := ve.ErrorKind.(*kind.Required); ok {
		for _, m := range req.Missing {
			if prefix != "" {
				m = prefix + "." + m
			}
			out[m] = true
		}
		return
	}
	if prefix == "" {
		prefix = "(arguments)"
	}
	out[prefix] = true
}

// Register adds every catalogue tool to s. Pair it with
// server.WithToolFilter(d.Filter) so disabled tools stay hidden.
func (d *Dispatcher) Register(s *server.MCPServer) {
	for _, e := range d.entries {
		s.AddTool(e.tool.Definition(), d.Handler(e.def.ID))
	}
}

// Handler adapts Call to mcp-go. Tool errors become error results rather
// than protocol errors so the agent can read and correct them.
func (d *Dispatcher) Handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := d.Call(ctx, name, req.GetArguments())
		if err != nil {
			var te *ToolError
			if errors.As(err, &te) {
				return mcp.NewToolResultError(te.Error()), nil
			}
			return nil, err
		}
		return res, nil
	}
}
