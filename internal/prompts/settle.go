package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/iterate/internal/memory"
)

// SettlePrompt walks the agent through writing what was learned into the
// shared knowledge base.
type SettlePrompt struct{}

func NewSettlePrompt() *SettlePrompt {
	return &SettlePrompt{}
}

func (p *SettlePrompt) Definition() mcp.Prompt {
	names := make([]string, 0, len(memory.Policies()))
	for _, pol := range memory.Policies() {
		names = append(names, pol.Category)
	}
	return mcp.NewPrompt("iterate-settle",
		mcp.WithPromptDescription(
			"Settle a lesson from this session into the shared knowledge base "+
				"("+strings.Join(names, ", ")+").",
		),
		mcp.WithArgument("category",
			mcp.ArgumentDescription("One of "+strings.Join(names, ", ")+" (default: problems)"),
		),
	)
}

func (p *SettlePrompt) Handle(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	pol, err := memory.LookupPolicy(argument(req, "category", "problems"))
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Let's record what we learned as a %s entry.\n\n", pol.Category)
	fmt.Fprintf(&b, "1. Draft the entry as a `## ` section whose heading starts with a new id like %s "+
		"(use `experience_search` to find the highest id in use).\n", pol.Format)
	b.WriteString("2. Show me the draft through `iterate` and wait for my answer.\n")
	fmt.Fprintf(&b, "3. Call `memory` with action=settle, category=%s and the final text.\n", pol.Category)
	if pol.Mode == memory.ConfirmThenWrite {
		b.WriteString("4. The tool returns a diff preview and a settle_id. Show me the preview through `iterate`; " +
			"only if I accept, call `memory` with action=confirm-settle and that settle_id.\n")
	} else {
		b.WriteString("4. The entry is written and synced right away. If the result carries a warning, tell me.\n")
	}

	return &mcp.GetPromptResult{
		Description: "Settle a " + pol.Category + " entry",
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(b.String()),
			},
		},
	}, nil
}
