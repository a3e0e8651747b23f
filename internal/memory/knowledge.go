package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
)

// Mode says how a knowledge category accepts new entries.
type Mode int

const (
	// Immediate writes and syncs as soon as the entry validates.
	Immediate Mode = iota
	// ConfirmThenWrite returns a preview first; the write happens on a
	// second, explicit confirmation.
	ConfirmThenWrite
)

func (m Mode) String() string {
	if m == ConfirmThenWrite {
		return "confirm-then-write"
	}
	return "immediate"
}

// Policy describes one knowledge base category.
type Policy struct {
	Category   string
	File       string
	Identifier *regexp.Regexp
	// Format is the human-readable identifier shape, e.g. PAT-YYYY-NNN.
	Format string
	Mode   Mode
}

// Adding a category means adding a row here.
var policies = []Policy{
	{
		Category:   "patterns",
		File:       "patterns.md",
		Identifier: regexp.MustCompile(`\bPAT-\d{4}-\d{3}\b`),
		Format:     "PAT-YYYY-NNN",
		Mode:       ConfirmThenWrite,
	},
	{
		Category:   "problems",
		File:       "problems.md",
		Identifier: regexp.MustCompile(`\bP-\d{4}-\d{3}\b`),
		Format:     "P-YYYY-NNN",
		Mode:       Immediate,
	},
	{
		Category:   "regressions",
		File:       "regressions.md",
		Identifier: regexp.MustCompile(`\bR-\d{4}-\d{3}\b`),
		Format:     "R-YYYY-NNN",
		Mode:       Immediate,
	},
}

// Policies returns the knowledge categories in display order.
func Policies() []Policy {
	return append([]Policy(nil), policies...)
}

// LookupPolicy finds the policy for a knowledge category.
func LookupPolicy(category string) (Policy, error) {
	name := strings.ToLower(strings.TrimSpace(category))
	for _, p := range policies {
		if p.Category == name {
			return p, nil
		}
	}
	names := make([]string, len(policies))
	for i, p := range policies {
		names[i] = p.Category
	}
	return Policy{}, fmt.Errorf("%w %q: expected one of %s", ErrUnknownCategory, category, strings.Join(names, ", "))
}

// Validate checks content against the category's identifier pattern.
// It touches no files.
func Validate(content, category string) (Policy, error) {
	p, err := LookupPolicy(category)
	if err != nil {
		return Policy{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Policy{}, ErrEmptyContent
	}
	if !p.Identifier.MatchString(content) {
		return Policy{}, fmt.Errorf("%w: %s entries must contain an id like %s", ErrInvalidIdentifier, p.Category, p.Format)
	}
	return p, nil
}

// SettleResult reports a settlement.
type SettleResult struct {
	Category string
	File     string
	// Synced is true when the git add/commit/push sequence succeeded.
	Synced bool
	// Warning carries the git failure when Synced is false.
	Warning string
}

// KnowledgeBase returns the knowledge dir, or ErrKnowledgeBaseMissing.
func (s *Store) KnowledgeBase() (string, error) {
	dir := s.KnowledgeDir()
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s (create it, usually as a clone of your knowledge repository)", ErrKnowledgeBaseMissing, dir)
	}
	return dir, nil
}

// Settle validates content, appends it to the category file and syncs
// that one file. A failed sync leaves the write in place and is reported
// as a warning.
func (s *Store) Settle(ctx context.Context, content, category string) (*SettleResult, error) {
	p, err := Validate(content, category)
	if err != nil {
		return nil, err
	}
	dir, err := s.KnowledgeBase()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, p.File)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "\n%s\n", strings.TrimSpace(content)); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", path, err)
	}

	res := &SettleResult{Category: p.Category, File: filepath.Join(KnowledgeDirName, p.File)}
	if err := s.syncer.SyncFile(ctx, dir, p.File, commitMessage(content)); err != nil {
		s.logger.Warn("knowledge sync failed", zap.String("file", p.File), zap.Error(err))
		res.Warning = err.Error()
		return res, nil
	}
	res.Synced = true
	return res, nil
}

func commitMessage(content string) string {
	first := "knowledge entry"
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			first = line
			break
		}
	}
	if r := []rune(first); len(r) > 50 {
		first = string(r[:50])
	}
	return "settle: " + first
}

// PreviewSettle validates content and renders the append as a line diff
// against the current category file.
func (s *Store) PreviewSettle(content, category string) (string, error) {
	p, err := Validate(content, category)
	if err != nil {
		return "", err
	}
	dir, err := s.KnowledgeBase()
	if err != nil {
		return "", err
	}

	before, err := os.ReadFile(filepath.Join(dir, p.File))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading %s: %w", p.File, err)
	}
	after := string(before) + "\n" + strings.TrimSpace(content) + "\n"
	return lineDiff(string(before), after, 3), nil
}

// lineDiff renders a compact line diff with up to keep unchanged lines
// before each change.
func lineDiff(before, after string, keep int) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for i, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		rows := strings.Split(text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			for _, r := range rows {
				out.WriteString("+ " + r + "\n")
			}
		case diffmatchpatch.DiffDelete:
			for _, r := range rows {
				out.WriteString("- " + r + "\n")
			}
		case diffmatchpatch.DiffEqual:
			if i == len(diffs)-1 {
				continue
			}
			if len(rows) > keep {
				rows = rows[len(rows)-keep:]
			}
			for _, r := range rows {
				out.WriteString("  " + r + "\n")
			}
		}
	}
	return out.String()
}

// ─── Summary ─────────────────────────────────────────────────────────────────

// KnowledgeSummary is the compact view shown by recall.
type KnowledgeSummary struct {
	Connected bool
	Patterns  []string
	Open      int
	Fixed     int
	Verified  int
}

// String renders the summary on one line.
func (k KnowledgeSummary) String() string {
	if !k.Connected {
		return "Knowledge base not connected."
	}
	var parts []string
	if len(k.Patterns) > 0 {
		parts = append(parts, "**Best practices**: "+strings.Join(k.Patterns, "; "))
	}
	if k.Open+k.Fixed+k.Verified > 0 {
		parts = append(parts, fmt.Sprintf("**Problems**: %d open, %d fixed, %d verified", k.Open, k.Fixed, k.Verified))
	}
	if len(parts) == 0 {
		return "Knowledge base connected (no summary yet)."
	}
	return "Knowledge: " + strings.Join(parts, " | ")
}

const (
	expertiseHeading = "## Expertise Sections"
	maxPatternRows   = 5
)

// KnowledgeSummary reads the best-practice index from patterns.md and
// counts problem statuses in problems.md.
func (s *Store) KnowledgeSummary() KnowledgeSummary {
	dir, err := s.KnowledgeBase()
	if err != nil {
		return KnowledgeSummary{}
	}
	sum := KnowledgeSummary{Connected: true}

	if data, err := os.ReadFile(filepath.Join(dir, "patterns.md")); err == nil {
		sum.Patterns = expertiseIndex(string(data))
	}
	if data, err := os.ReadFile(filepath.Join(dir, "problems.md")); err == nil {
		lower := strings.ToLower(string(data))
		sum.Open = strings.Count(lower, "status: open")
		sum.Fixed = strings.Count(lower, "status: fixed")
		sum.Verified = strings.Count(lower, "status: verified")
	}
	return sum
}

func expertiseIndex(text string) []string {
	start := strings.Index(text, expertiseHeading)
	if start < 0 {
		return nil
	}
	section := text[start+len(expertiseHeading):]
	if end := strings.Index(section, "\n## "); end >= 0 {
		section = section[:end]
	}
	var rows []string
	for _, line := range strings.Split(section, "\n") {
		if strings.HasPrefix(line, "| PAT-") {
			rows = append(rows, strings.TrimSpace(line))
			if len(rows) == maxPatternRows {
				break
			}
		}
	}
	return rows
}
