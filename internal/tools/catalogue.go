// Package tools is the protocol-facing tool surface: a fixed catalogue of
// MCP tools, a dispatcher that applies the authorization gate and
// argument validation, and the tool handlers themselves.
//
// Each handler follows the same shape: a struct holding its dependencies,
// Definition() for the mcp.Tool schema and Handle() for the call.
package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Tool ids.
const (
	ConfirmToolID          = "iterate"
	MemoryToolID           = "memory"
	CodeSearchToolID       = "code_search"
	ExperienceSearchToolID = "experience_search"
	PromptSearchToolID     = "prompt_search"
	DispatchToolID         = "dispatch"
)

// Definition is a catalogue entry.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// CanDisable is false for tools that are always listed.
	CanDisable bool `json:"can_disable"`
	// Gated tools require a recent confirmation.
	Gated bool `json:"gated"`
}

var catalogue = []Definition{
	{
		ID:          ConfirmToolID,
		Name:        "Confirmation",
		Description: "Ask the human before acting; authorizes gated tools for a short window",
		CanDisable:  false,
	},
	{
		ID:          MemoryToolID,
		Name:        "Project memory",
		Description: "Remember, recall, settle knowledge and summarize sessions",
		CanDisable:  true,
		Gated:       true,
	},
	{
		ID:          CodeSearchToolID,
		Name:        "Code search",
		Description: "Case-insensitive search over project files",
		CanDisable:  true,
	},
	{
		ID:          ExperienceSearchToolID,
		Name:        "Experience search",
		Description: "Search patterns, problems and regressions in the knowledge base",
		CanDisable:  true,
	},
	{
		ID:          PromptSearchToolID,
		Name:        "Prompt library",
		Description: "Search prompt templates in the knowledge base",
		CanDisable:  true,
	},
	{
		ID:          DispatchToolID,
		Name:        "Dispatch",
		Description: "Render a structured hand-off prompt for a batch of items",
		CanDisable:  true,
		Gated:       true,
	},
}

// Definitions returns the catalogue in listing order.
func Definitions() []Definition {
	out := make([]Definition, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup returns the catalogue entry for id.
func Lookup(id string) (Definition, bool) {
	for _, d := range catalogue {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// ProtectedIDs lists tools that cannot be disabled.
func ProtectedIDs() []string {
	var ids []string
	for _, d := range catalogue {
		if !d.CanDisable {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// Tool is one MCP tool implementation.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Enablement answers whether a tool is currently switched on.
// config.Settings reads it live from the config file.
type Enablement interface {
	ToolEnabled(id string) bool
}

type allEnabled struct{}

func (allEnabled) ToolEnabled(string) bool { return true }
