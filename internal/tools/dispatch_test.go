package tools

import (
	"context"
	"strings"
	"testing"
)

func TestDispatch_RendersHandOffPrompt(t *testing.T) {
	f := newFixture(t, Deps{})
	f.confirm(t)

	res, err := f.d.Call(context.Background(), DispatchToolID, map[string]any{
		"task_type":     "translate-docs",
		"items":         []any{"intro.md", " ", "setup.md"},
		"source_file":   "docs/en.md",
		"target_file":   "docs/es.md",
		"output_format": "## <title>\n<body>",
		"extra_steps":   "Keep code blocks untouched.",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := resultText(res)
	checks := []string{
		"Do not carry out the task yourself",
		"```markdown",
		"Task type: translate-docs",
		"Scope: 2 item(s)",
		"1. intro.md",
		"2. setup.md",
		"- Source: `docs/en.md`",
		"Append the result to `docs/es.md`",
		"   ## <title>",
		"## Extra notes",
		"Keep code blocks untouched.",
		"Exactly 2 item(s) processed",
		"Start with item 1.",
		"2 item(s).",
	}
	for _, c := range checks {
		if !strings.Contains(got, c) {
			t.Errorf("output missing %q", c)
		}
	}
}

func TestDispatch_PromptLengthMatches(t *testing.T) {
	d := Dispatch{TaskType: "review", Items: []string{"a"}}
	prompt := d.Prompt()
	if strings.Contains(prompt, "## Files") || strings.Contains(prompt, "## Extra notes") {
		t.Errorf("optional sections rendered without input:\n%s", prompt)
	}
	if !strings.Contains(prompt, "3. Report back") {
		t.Errorf("steps not renumbered without a target:\n%s", prompt)
	}
}

func TestDispatch_EmptyItemsRejected(t *testing.T) {
	f := newFixture(t, Deps{})
	f.confirm(t)

	for _, items := range [][]any{{}, {"", "  "}} {
		_, err := f.d.Call(context.Background(), DispatchToolID, map[string]any{
			"task_type": "translate-docs",
			"items":     items,
		})
		requireKind(t, err, ErrInvalidParams)
	}
}
