package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/HendryAvila/iterate/internal/memory"
	"github.com/HendryAvila/iterate/internal/popup"
)

// cancelledText is returned to the agent when the human dismisses the popup.
const cancelledText = "The user cancelled the request. Take no action and wait for further instructions."

// ConfirmAnswer is the structured result of the confirmation tool.
type ConfirmAnswer struct {
	Cancelled       bool     `json:"cancelled"`
	UserInput       string   `json:"user_input,omitempty"`
	SelectedOptions []string `json:"selected_options,omitempty"`
	ImageCount      int      `json:"image_count,omitempty"`
}

// ConfirmTool asks the human and waits for the answer.
type ConfirmTool struct {
	prompter      popup.Prompter
	conversations *memory.ConversationLog
	logger        *zap.Logger
}

// NewConfirmTool creates the confirmation tool. conversations may be nil.
func NewConfirmTool(p popup.Prompter, conversations *memory.ConversationLog, logger *zap.Logger) *ConfirmTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfirmTool{prompter: p, conversations: conversations, logger: logger}
}

func (t *ConfirmTool) Definition() mcp.Tool {
	return mcp.NewTool(ConfirmToolID,
		mcp.WithDescription(
			"Ask the user and wait for the answer. Call this before ending a task, before "+
				"destructive changes, and whenever a decision is needed. A successful answer "+
				"authorizes the memory and dispatch tools for a few minutes. "+
				"If the user cancels, do nothing further.",
		),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("What to show the user (markdown by default)"),
		),
		mcp.WithArray("predefined_options",
			mcp.WithStringItems(),
			mcp.Description("Short answers the user can pick from"),
		),
		mcp.WithBoolean("is_markdown",
			mcp.Description("Render message as markdown (default true)"),
		),
		mcp.WithString("project_path",
			mcp.Description("Absolute path of the project this question is about"),
		),
	)
}

func (t *ConfirmTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message := strings.TrimSpace(req.GetString("message", ""))
	if message == "" {
		return nil, invalidf("'message' is required")
	}
	if t.prompter == nil {
		return nil, popup.ErrNoCommand
	}

	preq := popup.Request{
		ID:                popup.NewRequestID(),
		Message:           message,
		PredefinedOptions: req.GetStringSlice("predefined_options", nil),
		IsMarkdown:        req.GetBool("is_markdown", true),
		ProjectPath:       req.GetString("project_path", ""),
	}

	resp, err := t.prompter.Ask(ctx, preq)
	if err != nil {
		return nil, fmt.Errorf("asking the user: %w", err)
	}

	if resp.Cancelled {
		t.logger.Info("confirmation cancelled", zap.String("request_id", preq.ID))
		res := mcp.NewToolResultText(cancelledText)
		res.StructuredContent = ConfirmAnswer{Cancelled: true}
		return res, nil
	}

	t.logConversation(preq, resp)

	ans := ConfirmAnswer{
		UserInput:       resp.UserInput,
		SelectedOptions: resp.SelectedOptions,
		ImageCount:      len(resp.Images),
	}
	res := &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(answerText(resp))},
		StructuredContent: ans,
	}
	for _, img := range resp.Images {
		res.Content = append(res.Content, mcp.NewImageContent(img.Data, img.MediaType))
	}
	return res, nil
}

func (t *ConfirmTool) logConversation(preq popup.Request, resp *popup.Response) {
	if t.conversations == nil {
		return
	}
	path, err := t.conversations.Append(memory.Conversation{
		AIMessage:       preq.Message,
		UserInput:       resp.UserInput,
		SelectedOptions: resp.SelectedOptions,
		ImageCount:      len(resp.Images),
		ProjectPath:     preq.ProjectPath,
	})
	if err != nil {
		t.logger.Warn("conversation not logged", zap.Error(err))
		return
	}
	t.logger.Debug("conversation logged", zap.String("file", path))
}

func answerText(resp *popup.Response) string {
	if resp.Empty() {
		return "The user confirmed without adding anything."
	}
	var parts []string
	if len(resp.SelectedOptions) > 0 {
		parts = append(parts, "Selected options: "+strings.Join(resp.SelectedOptions, ", "))
	}
	if in := strings.TrimSpace(resp.UserInput); in != "" {
		parts = append(parts, in)
	}
	if n := len(resp.Images); n > 0 {
		parts = append(parts, fmt.Sprintf("(%d image(s) attached)", n))
	}
	return strings.Join(parts, "\n\n")
}
