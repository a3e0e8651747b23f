package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/iterate/internal/memory"
)

// ─── code_search ────────────────────────────────────────────────────────

// CodeSearchTool greps project files.
type CodeSearchTool struct {
	open storeOpener
}

func NewCodeSearchTool(open storeOpener) *CodeSearchTool {
	return &CodeSearchTool{open: open}
}

func (t *CodeSearchTool) Definition() mcp.Tool {
	return mcp.NewTool(CodeSearchToolID,
		mcp.WithDescription(
			"Case-insensitive text search over the project's files. Returns at most 5 matching "+
				"lines as path:line. Skips .git, node_modules, vendor and binary files.",
		),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path inside the project's git repository"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Text to look for"),
		),
		mcp.WithString("directory",
			mcp.Description("Subdirectory of the project root to search (default: whole project)"),
		),
		mcp.WithString("glob",
			mcp.Description("File glob relative to directory, e.g. **/*.go (default **/*)"),
		),
	)
}

func (t *CodeSearchTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store, err := t.open(req.GetString("project_path", ""))
	if err != nil {
		return nil, err
	}
	query := req.GetString("query", "")
	matches, err := store.SearchCode(req.GetString("directory", ""), req.GetString("glob", ""), query)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(renderMatches("code", query, matches)), nil
}

// ─── experience_search ──────────────────────────────────────────────────

// ExperienceSearchTool searches the knowledge base's patterns, problems
// and regressions.
type ExperienceSearchTool struct {
	open storeOpener
}

func NewExperienceSearchTool(open storeOpener) *ExperienceSearchTool {
	return &ExperienceSearchTool{open: open}
}

func (t *ExperienceSearchTool) Definition() mcp.Tool {
	return mcp.NewTool(ExperienceSearchToolID,
		mcp.WithDescription(
			"Search past experience in the shared knowledge base (patterns, problems, regressions). "+
				"Check here before fixing a bug or choosing an approach.",
		),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path inside the project's git repository"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Keyword or identifier, e.g. websocket or P-2026-014"),
		),
	)
}

func (t *ExperienceSearchTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store, err := t.open(req.GetString("project_path", ""))
	if err != nil {
		return nil, err
	}
	query := req.GetString("query", "")
	matches, err := store.SearchExperience(query)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(renderMatches("experience", query, matches)), nil
}

// ─── prompt_search ──────────────────────────────────────────────────────

// PromptSearchTool searches the prompt library.
type PromptSearchTool struct {
	open storeOpener
}

func NewPromptSearchTool(open storeOpener) *PromptSearchTool {
	return &PromptSearchTool{open: open}
}

func (t *PromptSearchTool) Definition() mcp.Tool {
	return mcp.NewTool(PromptSearchToolID,
		mcp.WithDescription(
			"Search prompt templates under the knowledge base's prompts/<directory>. "+
				"Without a query every template in the directory is summarized.",
		),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path inside the project's git repository"),
		),
		mcp.WithString("directory",
			mcp.Required(),
			mcp.Description("Prompt directory, e.g. review"),
		),
		mcp.WithString("query",
			mcp.Description("Text to look for in template names and contents"),
		),
	)
}

func (t *PromptSearchTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store, err := t.open(req.GetString("project_path", ""))
	if err != nil {
		return nil, err
	}
	directory := req.GetString("directory", "")
	if strings.TrimSpace(directory) == "" {
		return nil, invalidf("'directory' is required")
	}
	res, err := store.SearchPrompts(directory, req.GetString("query", ""))
	if err != nil {
		return nil, err
	}
	if len(res.Matches) == 0 && len(res.Available) > 0 {
		return mcp.NewToolResultText(fmt.Sprintf(
			"No templates found in prompts/%s. Available directories: %s",
			directory, strings.Join(res.Available, ", "))), nil
	}
	return mcp.NewToolResultText(renderMatches("prompt", req.GetString("query", ""), res.Matches)), nil
}

// ─── Rendering ──────────────────────────────────────────────────────────

func renderMatches(kind, query string, matches []memory.Match) string {
	if len(matches) == 0 {
		if query == "" {
			return fmt.Sprintf("No %s results.", kind)
		}
		return fmt.Sprintf("No %s results for %q.", kind, query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s result(s)", len(matches), kind)
	if query != "" {
		fmt.Fprintf(&b, " for %q", query)
	}
	b.WriteString(":\n")
	for _, m := range matches {
		fmt.Fprintf(&b, "\n### %s", m.Title)
		if m.Source != "" && !strings.HasPrefix(m.Title, m.Source) {
			fmt.Fprintf(&b, " (%s)", m.Source)
		}
		fmt.Fprintf(&b, "\n%s\n", m.Text)
	}
	return b.String()
}
