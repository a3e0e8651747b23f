package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
)

// DispatchTool renders a self-contained hand-off prompt for a batch of
// items. It never runs anything itself.
type DispatchTool struct{}

func NewDispatchTool() *DispatchTool {
	return &DispatchTool{}
}

func (t *DispatchTool) Definition() mcp.Tool {
	return mcp.NewTool(DispatchToolID,
		mcp.WithDescription(
			"Build a hand-off prompt for a batch job (e.g. translate or document N entries) so it "+
				"can run in a fresh session. Returns the prompt for the user to copy; it does not execute it.",
		),
		mcp.WithString("task_type",
			mcp.Required(),
			mcp.Description("Short name of the job, e.g. translate-docs"),
		),
		mcp.WithArray("items",
			mcp.Required(),
			mcp.WithStringItems(),
			mcp.Description("The entries to process, one per element"),
		),
		mcp.WithString("source_file",
			mcp.Description("File the entries are read from"),
		),
		mcp.WithString("target_file",
			mcp.Description("File the generated content is appended to"),
		),
		mcp.WithString("output_format",
			mcp.Description("Format every generated entry must follow"),
		),
		mcp.WithString("extra_steps",
			mcp.Description("Additional instructions appended to the prompt"),
		),
	)
}

// Dispatch describes one batch job.
type Dispatch struct {
	TaskType     string
	Items        []string
	SourceFile   string
	TargetFile   string
	OutputFormat string
	ExtraSteps   string
}

func (t *DispatchTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d := Dispatch{
		TaskType:     strings.TrimSpace(req.GetString("task_type", "")),
		SourceFile:   strings.TrimSpace(req.GetString("source_file", "")),
		TargetFile:   strings.TrimSpace(req.GetString("target_file", "")),
		OutputFormat: strings.TrimSpace(req.GetString("output_format", "")),
		ExtraSteps:   strings.TrimSpace(req.GetString("extra_steps", "")),
	}
	for _, it := range req.GetStringSlice("items", nil) {
		if it = strings.TrimSpace(it); it != "" {
			d.Items = append(d.Items, it)
		}
	}
	if d.TaskType == "" {
		return nil, invalidf("'task_type' is required")
	}
	if len(d.Items) == 0 {
		return nil, invalidf("'items' must contain at least one entry")
	}

	prompt := d.Prompt()
	var b strings.Builder
	b.WriteString("Hand-off prompt ready. Show it to the user so they can paste it into a new session. ")
	b.WriteString("Do not carry out the task yourself.\n\n")
	b.WriteString("```markdown\n")
	b.WriteString(prompt)
	b.WriteString("\n```\n\n")
	fmt.Fprintf(&b, "Prompt length: %d characters, %d item(s).", utf8.RuneCountInString(prompt), len(d.Items))
	return mcp.NewToolResultText(b.String()), nil
}

// Prompt renders the hand-off text.
func (d Dispatch) Prompt() string {
	var b strings.Builder
	b.WriteString("# Sub-agent task\n\n")
	fmt.Fprintf(&b, "Task type: %s\n", d.TaskType)
	fmt.Fprintf(&b, "Scope: %d item(s)\n\n", len(d.Items))

	b.WriteString("## Items\n\n")
	for i, it := range d.Items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, it)
	}

	if d.SourceFile != "" || d.TargetFile != "" {
		b.WriteString("\n## Files\n\n")
		if d.SourceFile != "" {
			fmt.Fprintf(&b, "- Source: `%s`\n", d.SourceFile)
		}
		if d.TargetFile != "" {
			fmt.Fprintf(&b, "- Target: `%s`\n", d.TargetFile)
		}
	}

	b.WriteString("\n## Steps\n\n")
	step := 1
	if d.SourceFile != "" {
		fmt.Fprintf(&b, "%d. Read the entries listed above from `%s`.\n", step, d.SourceFile)
	} else {
		fmt.Fprintf(&b, "%d. Read the entries listed above.\n", step)
	}
	step++
	if d.OutputFormat != "" {
		fmt.Fprintf(&b, "%d. Generate the content for each entry using this format:\n\n%s\n\n", step, indent(d.OutputFormat, "   "))
	} else {
		fmt.Fprintf(&b, "%d. Generate the content for each entry.\n", step)
	}
	step++
	if d.TargetFile != "" {
		fmt.Fprintf(&b, "%d. Append the result to `%s`.\n", step, d.TargetFile)
		step++
	}
	fmt.Fprintf(&b, "%d. Report back: \"processed %d item(s)\".\n", step, len(d.Items))

	if d.ExtraSteps != "" {
		b.WriteString("\n## Extra notes\n\n")
		b.WriteString(d.ExtraSteps)
		b.WriteString("\n")
	}

	b.WriteString("\n## Acceptance criteria\n\n")
	fmt.Fprintf(&b, "- Exactly %d item(s) processed\n", len(d.Items))
	b.WriteString("- Output follows the requested format\n")
	b.WriteString("- No duplicate entries in the target\n")

	b.WriteString("\nStart with item 1.")
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
