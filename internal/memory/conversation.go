package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxLoggedMessage = 500

// Conversation is one answered confirmation round-trip.
type Conversation struct {
	AIMessage       string
	UserInput       string
	SelectedOptions []string
	ImageCount      int
	ProjectPath     string
	Time            time.Time
}

// ConversationLog appends conversations to the knowledge base and marks
// it dirty for a debounced sync.
type ConversationLog struct {
	syncer *Syncer
	home   string
	logger *zap.Logger
}

// NewConversationLog creates a log that falls back to ~/.iterate-knowledge
// when the project has no knowledge base.
func NewConversationLog(syncer *Syncer, logger *zap.Logger) *ConversationLog {
	home, _ := os.UserHomeDir()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationLog{syncer: syncer, home: home, logger: logger}
}

// FindKnowledgeDir looks for the knowledge base in the project first and
// then in home.
func FindKnowledgeDir(projectPath, home string) (string, error) {
	var candidates []string
	if projectPath != "" {
		candidates = append(candidates, filepath.Join(projectPath, KnowledgeDirName))
		if root, err := ResolveRoot(projectPath); err == nil {
			candidates = append(candidates, filepath.Join(root, KnowledgeDirName))
		}
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, KnowledgeDirName))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: looked in %s", ErrKnowledgeBaseMissing, strings.Join(candidates, ", "))
}

// Append writes c to conversations/YYYY-MM-DD.md and returns the file.
func (l *ConversationLog) Append(c Conversation) (string, error) {
	dir, err := FindKnowledgeDir(c.ProjectPath, l.home)
	if err != nil {
		return "", err
	}
	when := c.Time
	if when.IsZero() {
		when = timeNow()
	}

	convDir := filepath.Join(dir, "conversations")
	if err := os.MkdirAll(convDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", convDir, err)
	}
	path := filepath.Join(convDir, when.Format("2006-01-02")+".md")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.WriteString(formatConversation(c, when)); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}

	if l.syncer != nil {
		l.syncer.MarkDirty(dir)
	}
	l.logger.Debug("conversation logged", zap.String("file", path))
	return path, nil
}

func formatConversation(c Conversation, when time.Time) string {
	var b strings.Builder

	b.WriteString("## " + when.Format("15:04:05"))
	if c.ProjectPath != "" {
		b.WriteString(" @ " + filepath.Base(c.ProjectPath))
	}
	b.WriteString("\n\n### AI\n")
	b.WriteString(truncateBytes(c.AIMessage, maxLoggedMessage))
	b.WriteString("\n\n### User\n")
	if len(c.SelectedOptions) > 0 {
		fmt.Fprintf(&b, "**Selected**: %s\n\n", strings.Join(c.SelectedOptions, ", "))
	}
	if c.UserInput != "" {
		b.WriteString(c.UserInput + "\n")
	}
	if c.ImageCount > 0 {
		fmt.Fprintf(&b, "\n*%d image(s) attached*\n", c.ImageCount)
	}
	b.WriteString("\n---\n\n")
	return b.String()
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...\n\n*(truncated)*"
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
