package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// withKnowledgeBase creates the knowledge dir for s and returns it.
func withKnowledgeBase(t *testing.T, s *Store) string {
	t.Helper()
	dir := s.KnowledgeDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		category string
		want     error
	}{
		{"pattern ok", "PAT-2026-001 prefer errgroup", "patterns", nil},
		{"problem ok", "## P-2026-014 relay drops acks", "problems", nil},
		{"regression ok", "R-2025-003: flaky debounce", "Regressions", nil},
		{"problem missing id", "relay drops acks", "problems", ErrInvalidIdentifier},
		{"pattern id in problems", "PAT-2026-001", "problems", ErrInvalidIdentifier},
		{"short number", "P-2026-01", "problems", ErrInvalidIdentifier},
		{"unknown category", "P-2026-001", "ideas", ErrUnknownCategory},
		{"empty", "  ", "problems", ErrEmptyContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.content, tt.category)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate_MessageNamesExpectedFormat(t *testing.T) {
	_, err := Validate("no id here", "regressions")
	if err == nil || !strings.Contains(err.Error(), "R-YYYY-NNN") {
		t.Fatalf("err = %v", err)
	}
}

func TestPolicies_Modes(t *testing.T) {
	for _, p := range Policies() {
		want := Immediate
		if p.Category == "patterns" {
			want = ConfirmThenWrite
		}
		if p.Mode != want {
			t.Errorf("%s mode = %v, want %v", p.Category, p.Mode, want)
		}
	}
}

func TestSettle_InvalidContentWritesNothing(t *testing.T) {
	s, git := newTestStore(t)
	kb := withKnowledgeBase(t, s)

	_, err := s.Settle(context.Background(), "relay drops acks", "problems")
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(kb, "problems.md")); !errors.Is(err, os.ErrNotExist) {
		t.Error("problems.md must not be created by a rejected settle")
	}
	if len(git.calls) != 0 {
		t.Error("git must not run for a rejected settle")
	}
}

func TestSettle_AppendsAndSyncs(t *testing.T) {
	s, git := newTestStore(t)
	kb := withKnowledgeBase(t, s)

	res, err := s.Settle(context.Background(), "## P-2026-001 relay drops acks\nstatus: open", "problems")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.Synced || res.Warning != "" {
		t.Errorf("result = %+v", res)
	}

	data, _ := os.ReadFile(filepath.Join(kb, "problems.md"))
	if string(data) != "\n## P-2026-001 relay drops acks\nstatus: open\n" {
		t.Errorf("problems.md = %q", data)
	}

	if git.count("add") != 1 {
		t.Fatalf("calls = %v", git.calls)
	}
	commit := strings.Join(git.calls[1], " ")
	if !strings.Contains(commit, "settle: ## P-2026-001 relay drops acks") {
		t.Errorf("commit call = %q", commit)
	}
}

func TestSettle_GitFailureIsWarning(t *testing.T) {
	s, git := newTestStore(t)
	kb := withKnowledgeBase(t, s)
	git.fail = map[string]string{"push": "fatal: could not read from remote"}

	res, err := s.Settle(context.Background(), "R-2026-002 debounce regression", "regressions")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.Synced || !strings.Contains(res.Warning, "could not read from remote") {
		t.Errorf("result = %+v", res)
	}
	if data, _ := os.ReadFile(filepath.Join(kb, "regressions.md")); !strings.Contains(string(data), "R-2026-002") {
		t.Error("content must be written even when sync fails")
	}
}

func TestSettle_MissingKnowledgeBase(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Settle(context.Background(), "P-2026-001", "problems")
	if !errors.Is(err, ErrKnowledgeBaseMissing) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), s.KnowledgeDir()) {
		t.Errorf("error should name the path: %v", err)
	}
}

func TestPreviewSettle_ShowsInsertedLines(t *testing.T) {
	s, git := newTestStore(t)
	kb := withKnowledgeBase(t, s)
	existing := "# Patterns\n\nPAT-2026-001 old\n"
	if err := os.WriteFile(filepath.Join(kb, "patterns.md"), []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}

	preview, err := s.PreviewSettle("PAT-2026-002 use errgroup for conn pairs", "patterns")
	if err != nil {
		t.Fatalf("PreviewSettle: %v", err)
	}
	if !strings.Contains(preview, "+ PAT-2026-002 use errgroup for conn pairs") {
		t.Errorf("preview = %q", preview)
	}
	if !strings.Contains(preview, "  PAT-2026-001 old") {
		t.Errorf("preview should carry context: %q", preview)
	}

	data, _ := os.ReadFile(filepath.Join(kb, "patterns.md"))
	if string(data) != existing {
		t.Error("preview must not write")
	}
	if len(git.calls) != 0 {
		t.Error("preview must not sync")
	}
}

func TestKnowledgeSummary(t *testing.T) {
	s, _ := newTestStore(t)
	if sum := s.KnowledgeSummary(); sum.Connected {
		t.Fatal("expected disconnected without a knowledge dir")
	}

	kb := withKnowledgeBase(t, s)
	patterns := `# Patterns

## Expertise Sections

| ID | Topic |
|----|-------|
| PAT-2026-001 | errgroup |
| PAT-2026-002 | zap fields |

## Details

| PAT-2026-099 | not in the index |
`
	problems := "P-2026-001\nStatus: open\n\nP-2026-002\nstatus: fixed\n\nP-2026-003\nstatus: verified\nP-2026-004\nstatus: open\n"
	_ = os.WriteFile(filepath.Join(kb, "patterns.md"), []byte(patterns), 0o644)
	_ = os.WriteFile(filepath.Join(kb, "problems.md"), []byte(problems), 0o644)

	sum := s.KnowledgeSummary()
	if !sum.Connected {
		t.Fatal("expected connected")
	}
	if len(sum.Patterns) != 2 || !strings.HasPrefix(sum.Patterns[1], "| PAT-2026-002") {
		t.Errorf("patterns = %q", sum.Patterns)
	}
	if sum.Open != 2 || sum.Fixed != 1 || sum.Verified != 1 {
		t.Errorf("counts = %d/%d/%d", sum.Open, sum.Fixed, sum.Verified)
	}
	if got := sum.String(); !strings.Contains(got, "2 open, 1 fixed, 1 verified") {
		t.Errorf("String() = %q", got)
	}
}
