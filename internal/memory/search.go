package memory

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// MaxResults caps every search.
	MaxResults = 5
	// MaxPreview bounds each previewed line, in runes.
	MaxPreview = 200

	sectionLines  = 10
	templateLines = 20
	maxFileSize   = 1 << 20
)

// ErrDirectoryMissing is returned when a search target does not exist.
var ErrDirectoryMissing = errors.New("directory does not exist")

// Match is one search hit.
type Match struct {
	Source string `json:"source"`
	Title  string `json:"title"`
	Line   int    `json:"line,omitempty"`
	Text   string `json:"text"`
}

// ─── Experience ──────────────────────────────────────────────────────────────

// SearchExperience finds "## " sections of the knowledge files that
// mention query, case-insensitively.
func (s *Store) SearchExperience(query string) ([]Match, error) {
	dir, err := s.KnowledgeBase()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, ErrEmptyContent
	}

	var out []Match
	for _, p := range policies {
		data, err := os.ReadFile(filepath.Join(dir, p.File))
		if err != nil {
			continue
		}
		for _, m := range searchSections(string(data), q, p.File) {
			out = append(out, m)
			if len(out) == MaxResults {
				return out, nil
			}
		}
	}
	return out, nil
}

func searchSections(text, q, source string) []Match {
	var out []Match
	for i, section := range strings.Split(text, "\n## ") {
		if !strings.Contains(strings.ToLower(section), q) {
			continue
		}
		lines := strings.Split(strings.TrimRight(section, "\n"), "\n")
		title := strings.TrimSpace(lines[0])
		if i == 0 {
			title = strings.TrimLeft(title, "# ")
		}
		body := lines
		if len(body) > sectionLines {
			body = append(body[:sectionLines:sectionLines], "...")
		}
		for j, l := range body {
			body[j] = truncateRunes(l, MaxPreview)
		}
		out = append(out, Match{Source: source, Title: truncateRunes(title, MaxPreview), Text: strings.Join(body, "\n")})
	}
	return out
}

// ─── Prompt library ──────────────────────────────────────────────────────────

// PromptResult is the outcome of a prompt library search. When the
// requested directory is absent, Available lists the ones that exist.
type PromptResult struct {
	Directory string
	Matches   []Match
	Available []string
}

// SearchPrompts searches <knowledge>/prompts/<directory> for .md and .txt
// templates whose name or content mentions query. An empty query lists
// every template.
func (s *Store) SearchPrompts(directory, query string) (*PromptResult, error) {
	kb, err := s.KnowledgeBase()
	if err != nil {
		return nil, err
	}
	promptsDir := filepath.Join(kb, "prompts")
	if info, err := os.Stat(promptsDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryMissing, promptsDir)
	}

	name := strings.ToLower(strings.TrimSpace(directory))
	res := &PromptResult{Directory: name}
	target := filepath.Join(promptsDir, name)
	if info, err := os.Stat(target); name == "" || err != nil || !info.IsDir() {
		res.Available = listDirs(promptsDir)
		return res, nil
	}

	files, err := doublestar.Glob(os.DirFS(target), "*.{md,txt}")
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", target, err)
	}
	sort.Strings(files)

	q := strings.ToLower(strings.TrimSpace(query))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(target, f))
		if err != nil {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(f), q) && !strings.Contains(strings.ToLower(string(data)), q) {
			continue
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) > templateLines {
			lines = append(lines[:templateLines:templateLines], "", "...")
		}
		for j, l := range lines {
			lines[j] = truncateRunes(l, MaxPreview)
		}
		res.Matches = append(res.Matches, Match{Source: "prompts/" + name, Title: f, Text: strings.Join(lines, "\n")})
		if len(res.Matches) == MaxResults {
			break
		}
	}
	return res, nil
}

func listDirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// ─── Code ────────────────────────────────────────────────────────────────────

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "target": true,
	MemoryDirName: true, KnowledgeDirName: true,
}

// SearchCode scans files under <root>/<directory> that match pattern (a
// doublestar glob, default "**/*") for lines containing query.
func (s *Store) SearchCode(directory, pattern, query string) ([]Match, error) {
	base := s.root
	if directory != "" {
		base = filepath.Join(s.root, filepath.Clean(directory))
	}
	rel, err := filepath.Rel(s.root, base)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s is outside %s", ErrDirectoryMissing, directory, s.root)
	}
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryMissing, base)
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, ErrEmptyContent
	}
	if pattern == "" {
		pattern = "**/*"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob %q", pattern)
	}

	var out []Match
	fsys := os.DirFS(base)
	err = doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		for _, part := range strings.Split(path, "/") {
			if skipDirs[part] {
				return nil
			}
		}
		for _, m := range grepFile(filepath.Join(base, path), filepath.ToSlash(filepath.Join(rel, path)), q) {
			out = append(out, m)
			if len(out) == MaxResults {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.SkipAll) {
		return nil, fmt.Errorf("searching %s: %w", base, err)
	}
	return out, nil
}

func grepFile(path, display, q string) []Match {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxFileSize {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil || bytes.IndexByte(data, 0) >= 0 {
		return nil
	}

	var out []Match
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), maxFileSize)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if !strings.Contains(strings.ToLower(line), q) {
			continue
		}
		out = append(out, Match{Source: display, Title: fmt.Sprintf("%s:%d", display, n), Line: n, Text: previewLine(line)})
		if len(out) == MaxResults {
			break
		}
	}
	return out
}

func previewLine(line string) string {
	return truncateRunes(strings.TrimSpace(line), MaxPreview)
}

func truncateRunes(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
