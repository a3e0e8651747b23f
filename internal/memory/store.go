// Package memory is iterate's file-backed knowledge store.
//
// A Store is opened against a project path and resolves it to the
// enclosing git repository. Project memory lives in <root>/.iterate-memory
// as one markdown file per category; the shared knowledge base lives in
// <root>/.iterate-knowledge and is synchronized to its remote with git.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// timeNow is a package-level var for deterministic tests.
var timeNow = time.Now

const (
	// MemoryDirName is the per-project memory directory.
	MemoryDirName = ".iterate-memory"
	// KnowledgeDirName is the shared knowledge base directory.
	KnowledgeDirName = ".iterate-knowledge"

	metadataFile    = "metadata.json"
	metadataVersion = "1.0.0"

	// MaxSessions is how many session summaries are kept.
	MaxSessions = 15
)

var (
	ErrProjectPathMissing   = errors.New("project path does not exist")
	ErrNotGitRepository     = errors.New("project is not inside a git repository")
	ErrKnowledgeBaseMissing = errors.New("knowledge base not initialized")
	ErrEmptyContent         = errors.New("content must not be empty")
	ErrUnknownCategory      = errors.New("unknown category")
	ErrInvalidIdentifier    = errors.New("content is missing the required identifier")
)

// ─── Categories ──────────────────────────────────────────────────────────────

// Category is a project memory category.
type Category string

const (
	Rule       Category = "rule"
	Preference Category = "preference"
	Note       Category = "note"
	Context    Category = "context"
	Session    Category = "session"
)

// Categories lists every category in file order.
var Categories = []Category{Rule, Preference, Note, Context, Session}

var categoryFiles = map[Category]string{
	Rule:       "rules.md",
	Preference: "preferences.md",
	Note:       "notes.md",
	Context:    "context.md",
	Session:    "sessions.md",
}

var categoryTitles = map[Category]string{
	Rule:       "Development rules",
	Preference: "User preferences",
	Note:       "Notes",
	Context:    "Project context",
	Session:    "Session summaries",
}

var categoryLabels = map[Category]string{
	Rule:       "Rules",
	Preference: "Preferences",
	Note:       "Notes",
	Context:    "Context",
	Session:    "Sessions",
}

// ParseCategory maps user input to a category that remember accepts.
// Unknown names fall back to Context; sessions are only written through
// AddSessionSummary.
func ParseCategory(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rule", "rules":
		return Rule
	case "preference", "preferences":
		return Preference
	case "note", "notes":
		return Note
	default:
		return Context
	}
}

// File returns the category's file name.
func (c Category) File() string { return categoryFiles[c] }

// ─── Types ───────────────────────────────────────────────────────────────────

// Entry is one remembered line. IDs are assigned when a file is parsed and
// are not stable across reads.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  Category  `json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is one block of sessions.md.
type SessionSummary struct {
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
}

// Metadata is written to metadata.json.
type Metadata struct {
	ProjectPath   string    `json:"project_path"`
	LastOrganized time.Time `json:"last_organized"`
	TotalEntries  int       `json:"total_entries"`
	Version       string    `json:"version"`
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store owns the memory files of one project.
type Store struct {
	root   string
	dir    string
	syncer *Syncer
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSyncer sets the syncer used by Settle.
func WithSyncer(s *Syncer) Option {
	return func(st *Store) { st.syncer = s }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// Resolve binds a Store to path's git root without touching the disk.
// Read-only callers such as the search tools use it instead of Open.
func Resolve(path string, opts ...Option) (*Store, error) {
	root, err := ResolveRoot(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root: root,
		dir:  filepath.Join(root, MemoryDirName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.syncer == nil {
		s.syncer = NewSyncer(ExecGit{}, DefaultDebounce, s.logger)
	}
	return s, nil
}

// Open resolves path to its git root and prepares the memory directory.
func Open(path string, opts ...Option) (*Store, error) {
	s, err := Resolve(path, opts...)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory dir %s: %w", s.dir, err)
	}
	for _, c := range Categories {
		p := filepath.Join(s.dir, c.File())
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(p, []byte(categoryHeader(c)), 0o644); err != nil {
				return nil, fmt.Errorf("creating %s: %w", p, err)
			}
		}
	}
	if err := s.writeMetadata(); err != nil {
		return nil, err
	}
	return s, nil
}

// ResolveRoot returns the nearest ancestor of path that contains .git.
func ResolveRoot(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrProjectPathMissing)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrProjectPathMissing, abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrProjectPathMissing, abs)
	}

	for dir := abs; ; {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("%w: %s (run this from a directory that contains .git or below it)", ErrNotGitRepository, abs)
}

// Root is the resolved git root.
func (s *Store) Root() string { return s.root }

// Dir is the memory directory.
func (s *Store) Dir() string { return s.dir }

// KnowledgeDir is where the shared knowledge base is expected.
func (s *Store) KnowledgeDir() string { return filepath.Join(s.root, KnowledgeDirName) }

func categoryHeader(c Category) string {
	return "# " + categoryTitles[c] + "\n\n"
}

// Remember appends content to the category file. Whitespace runs are
// collapsed so each entry stays on one line.
func (s *Store) Remember(content string, c Category) (Entry, error) {
	content = collapse(content)
	if content == "" {
		return Entry{}, ErrEmptyContent
	}
	if c == Session {
		return Entry{}, fmt.Errorf("%w: session summaries are written with summarize", ErrUnknownCategory)
	}
	file, ok := categoryFiles[c]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}

	p := filepath.Join(s.dir, file)
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("opening %s: %w", p, err)
	}
	if _, err := fmt.Fprintf(f, "- %s\n", content); err != nil {
		f.Close()
		return Entry{}, fmt.Errorf("writing %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("closing %s: %w", p, err)
	}

	if err := s.writeMetadata(); err != nil {
		s.logger.Warn("metadata update failed", zap.Error(err))
	}

	now := timeNow()
	return Entry{
		ID:        uuid.NewString(),
		Content:   content,
		Category:  c,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Entries parses one category file.
func (s *Store) Entries(c Category) ([]Entry, error) {
	if c == Session {
		sessions, err := s.Sessions()
		if err != nil {
			return nil, err
		}
		entries := make([]Entry, 0, len(sessions))
		for _, ss := range sessions {
			entries = append(entries, newEntry(collapse(ss.Content), Session))
		}
		return entries, nil
	}

	file, ok := categoryFiles[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, file))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}

	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		if content := strings.TrimSpace(line[2:]); content != "" {
			entries = append(entries, newEntry(content, c))
		}
	}
	return entries, nil
}

func newEntry(content string, c Category) Entry {
	now := timeNow()
	return Entry{ID: uuid.NewString(), Content: content, Category: c, CreatedAt: now, UpdatedAt: now}
}

// AllEntries returns every category's entries in category order.
func (s *Store) AllEntries() ([]Entry, error) {
	var all []Entry
	for _, c := range Categories {
		entries, err := s.Entries(c)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// ProjectSummary renders every category on one compressed line each.
func (s *Store) ProjectSummary() (string, error) {
	var parts []string
	for _, c := range Categories {
		entries, err := s.Entries(c)
		if err != nil {
			return "", err
		}
		var items []string
		for _, e := range entries {
			if text := collapse(e.Content); text != "" {
				items = append(items, text)
			}
		}
		if len(items) > 0 {
			parts = append(parts, fmt.Sprintf("**%s**: %s", categoryLabels[c], strings.Join(items, "; ")))
		}
	}
	if len(parts) == 0 {
		return "No project memory yet.", nil
	}
	return "Project memory: " + strings.Join(parts, " | "), nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func (s *Store) sessionsPath() string {
	return filepath.Join(s.dir, Session.File())
}

// Sessions parses sessions.md, newest first.
func (s *Store) Sessions() ([]SessionSummary, error) {
	data, err := os.ReadFile(s.sessionsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	return parseSessions(string(data)), nil
}

func parseSessions(text string) []SessionSummary {
	var (
		out  []SessionSummary
		cur  *SessionSummary
		body []string
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Content = strings.TrimSpace(strings.Join(body, "\n"))
		if cur.Content != "" {
			out = append(out, *cur)
		}
		cur, body = nil, nil
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			cur = &SessionSummary{Timestamp: strings.TrimSpace(line[3:])}
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()
	return out
}

// AddSessionSummary prepends a timestamped summary and keeps the newest
// MaxSessions.
func (s *Store) AddSessionSummary(content string) (SessionSummary, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return SessionSummary{}, ErrEmptyContent
	}
	// A line starting with "## " would open a new block when re-read.
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, "## ") {
			lines[i] = " " + l
		}
	}
	entry := SessionSummary{
		Timestamp: timeNow().Format("2006-01-02 15:04"),
		Content:   strings.Join(lines, "\n"),
	}

	existing, err := s.Sessions()
	if err != nil {
		return SessionSummary{}, err
	}
	sessions := append([]SessionSummary{entry}, existing...)
	if len(sessions) > MaxSessions {
		sessions = sessions[:MaxSessions]
	}

	var b strings.Builder
	b.WriteString(categoryHeader(Session))
	for _, ss := range sessions {
		fmt.Fprintf(&b, "## %s\n%s\n\n", ss.Timestamp, ss.Content)
	}
	if err := writeFileAtomic(s.sessionsPath(), []byte(b.String())); err != nil {
		return SessionSummary{}, err
	}
	return entry, nil
}

// RecentSessions returns up to limit summaries, newest first.
func (s *Store) RecentSessions(limit int) ([]SessionSummary, error) {
	sessions, err := s.Sessions()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// ─── Metadata ────────────────────────────────────────────────────────────────

func (s *Store) writeMetadata() error {
	all, err := s.AllEntries()
	if err != nil {
		return err
	}
	md := Metadata{
		ProjectPath:   s.root,
		LastOrganized: timeNow().UTC(),
		TotalEntries:  len(all),
		Version:       metadataVersion,
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, metadataFile), data)
}

// Metadata reads metadata.json.
func (s *Store) Metadata() (Metadata, error) {
	var md Metadata
	data, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if err != nil {
		return md, fmt.Errorf("reading metadata: %w", err)
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("decoding metadata: %w", err)
	}
	return md, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
