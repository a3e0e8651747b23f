// Package prompts implements the MCP prompts shipped with iterate.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the agent to run a specific sequence of tool calls. Unlike
// tools, which the agent calls, prompts are started by the user.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// StartPrompt handles the iterate-start prompt. It teaches the agent the
// confirm-first loop for a working session on one project.
type StartPrompt struct{}

// NewStartPrompt creates a StartPrompt.
func NewStartPrompt() *StartPrompt {
	return &StartPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StartPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("iterate-start",
		mcp.WithPromptDescription(
			"Start a working session: confirm with the user, load project memory, "+
				"and keep asking before ending each task.",
		),
		mcp.WithArgument("project_path",
			mcp.ArgumentDescription("Absolute path of the project (default: the current workspace)"),
		),
		mcp.WithArgument("goal",
			mcp.ArgumentDescription("What you want to get done in this session"),
		),
	)
}

// Handle processes the iterate-start prompt request.
func (p *StartPrompt) Handle(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	projectPath := argument(req, "project_path", "the current workspace root")
	goal := argument(req, "goal", "")

	var b strings.Builder
	fmt.Fprintf(&b, "Let's start a session on %s.\n\n", projectPath)
	if goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	}
	b.WriteString("Please:\n")
	b.WriteString("1. Call `iterate` to confirm the plan with me before doing anything else. " +
		"This also unlocks the `memory` and `dispatch` tools for a few minutes.\n")
	fmt.Fprintf(&b, "2. Call `memory` with action=recall and project_path=%s, and follow the rules and preferences it returns.\n", projectPath)
	b.WriteString("3. Before fixing a bug or picking an approach, check `experience_search` for known problems and patterns.\n")
	b.WriteString("4. Use `code_search` to find code instead of guessing file names.\n")
	b.WriteString("5. When a task is done, do not stop: call `iterate` with a summary and let me decide what comes next.\n")
	b.WriteString("6. At the end of the session call `memory` with action=summarize.\n\n")
	b.WriteString("If I cancel a confirmation, stop and wait.")

	return &mcp.GetPromptResult{
		Description: "Start an iterate session",
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(b.String()),
			},
		},
	}, nil
}

func argument(req mcp.GetPromptRequest, name, fallback string) string {
	if v := strings.TrimSpace(req.Params.Arguments[name]); v != "" {
		return v
	}
	return fallback
}
