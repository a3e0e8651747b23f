package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestRepo creates a temp directory that looks like a git repository.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("creating .git: %v", err)
	}
	return dir
}

// newTestStore opens a Store on a fresh repo with a recording git runner.
func newTestStore(t *testing.T) (*Store, *fakeGit) {
	t.Helper()
	git := &fakeGit{}
	syncer := NewSyncer(git, time.Hour, nil)
	t.Cleanup(syncer.Close)
	s, err := Open(newTestRepo(t), WithSyncer(syncer))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, git
}

// withClock pins timeNow for the duration of a test.
func withClock(t *testing.T, now func() time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = now
	t.Cleanup(func() { timeNow = orig })
}

// ─── Open ────────────────────────────────────────────────────────────────────

func TestOpen_ResolvesGitRootFromSubdir(t *testing.T) {
	repo := newTestRepo(t)
	sub := filepath.Join(repo, "pkg", "deep")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := Open(sub)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	wantRoot, _ := filepath.EvalSymlinks(repo)
	if s.Root() != wantRoot {
		t.Errorf("Root() = %q, want %q", s.Root(), wantRoot)
	}
	for _, c := range Categories {
		data, err := os.ReadFile(filepath.Join(s.Dir(), c.File()))
		if err != nil {
			t.Fatalf("missing %s: %v", c.File(), err)
		}
		if !strings.HasPrefix(string(data), "# ") {
			t.Errorf("%s has no header: %q", c.File(), data)
		}
	}
	if _, err := os.Stat(filepath.Join(sub, MemoryDirName)); !errors.Is(err, os.ErrNotExist) {
		t.Error("memory dir must be created at the git root, not the given path")
	}
}

func TestResolve_DoesNotTouchDisk(t *testing.T) {
	repo := newTestRepo(t)
	sub := filepath.Join(repo, "cmd")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := Resolve(sub)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want, _ := filepath.EvalSymlinks(repo); s.Root() != want {
		t.Errorf("root = %q, want %q", s.Root(), want)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Errorf("Resolve created %s (stat err = %v)", s.Dir(), err)
	}

	if _, err := Resolve(t.TempDir()); !errors.Is(err, ErrNotGitRepository) {
		t.Errorf("err = %v, want ErrNotGitRepository", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		want error
	}{
		{"missing path", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }, ErrProjectPathMissing},
		{"empty path", func(t *testing.T) string { return "" }, ErrProjectPathMissing},
		{"not a repo", func(t *testing.T) string { return t.TempDir() }, ErrNotGitRepository},
		{"file not dir", func(t *testing.T) string {
			p := filepath.Join(newTestRepo(t), "file.txt")
			if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
			return p
		}, ErrProjectPathMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.path(t))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ─── Remember / Entries ──────────────────────────────────────────────────────

func TestRemember_AppendsCollapsedLine(t *testing.T) {
	s, _ := newTestStore(t)

	e, err := s.Remember("  use   table tests\n\tfor parsers ", Rule)
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if e.ID == "" {
		t.Error("expected an id")
	}
	if e.Content != "use table tests for parsers" {
		t.Errorf("content = %q", e.Content)
	}

	data, _ := os.ReadFile(filepath.Join(s.Dir(), "rules.md"))
	if !strings.Contains(string(data), "- use table tests for parsers\n") {
		t.Errorf("rules.md = %q", data)
	}

	entries, err := s.Entries(Rule)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "use table tests for parsers" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRemember_Rejects(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Remember("   ", Note); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("empty content: err = %v", err)
	}
	if _, err := s.Remember("x", Session); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("session: err = %v", err)
	}
	if _, err := s.Remember("x", Category("bogus")); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("bogus: err = %v", err)
	}
}

func TestEntries_IDsAreRegeneratedOnRead(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Remember("one", Note); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Entries(Note)
	b, _ := s.Entries(Note)
	if a[0].ID == b[0].ID {
		t.Error("ids are per-read, expected them to differ")
	}
}

func TestParseCategory(t *testing.T) {
	tests := map[string]Category{
		"rule": Rule, "Rules": Rule, "preference": Preference, "notes": Note,
		"context": Context, "session": Context, "whatever": Context, "": Context,
	}
	for in, want := range tests {
		if got := ParseCategory(in); got != want {
			t.Errorf("ParseCategory(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProjectSummary(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.ProjectSummary()
	if err != nil {
		t.Fatal(err)
	}
	if got != "No project memory yet." {
		t.Errorf("empty summary = %q", got)
	}

	_, _ = s.Remember("always run gofmt", Rule)
	_, _ = s.Remember("prefers   short\nanswers", Preference)
	_, _ = s.AddSessionSummary("topic: relay\nkeywords: websocket")

	got, err = s.ProjectSummary()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"**Rules**: always run gofmt",
		"**Preferences**: prefers short answers",
		"**Sessions**: topic: relay keywords: websocket",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func TestAddSessionSummary_KeepsNewestFifteen(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	withClock(t, func() time.Time { return base.Add(time.Duration(n) * time.Minute) })

	for n = 1; n <= 16; n++ {
		if _, err := s.AddSessionSummary(fmt.Sprintf("summary %d", n)); err != nil {
			t.Fatalf("AddSessionSummary(%d): %v", n, err)
		}
	}

	sessions, err := s.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != MaxSessions {
		t.Fatalf("got %d sessions, want %d", len(sessions), MaxSessions)
	}
	if sessions[0].Content != "summary 16" {
		t.Errorf("newest = %q", sessions[0].Content)
	}
	if sessions[14].Content != "summary 2" {
		t.Errorf("oldest kept = %q", sessions[14].Content)
	}
	if sessions[0].Timestamp != "2026-05-01 09:16" {
		t.Errorf("timestamp = %q", sessions[0].Timestamp)
	}

	recent, _ := s.RecentSessions(3)
	if len(recent) != 3 || recent[2].Content != "summary 14" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestAddSessionSummary_MultilineSurvivesReparse(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.AddSessionSummary("line one\n## not a heading\nline three"); err != nil {
		t.Fatal(err)
	}
	sessions, _ := s.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1: %+v", len(sessions), sessions)
	}
	if !strings.Contains(sessions[0].Content, "line three") {
		t.Errorf("content = %q", sessions[0].Content)
	}
}

// ─── Metadata ────────────────────────────────────────────────────────────────

func TestMetadata_TracksEntries(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.Remember("a", Note)
	_, _ = s.Remember("b", Context)

	md, err := s.Metadata()
	if err != nil {
		t.Fatal(err)
	}
	if md.TotalEntries != 2 {
		t.Errorf("TotalEntries = %d, want 2", md.TotalEntries)
	}
	if md.Version != "1.0.0" || md.ProjectPath != s.Root() {
		t.Errorf("metadata = %+v", md)
	}
}
