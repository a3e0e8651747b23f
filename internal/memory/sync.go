package memory

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a background sync runs.
const DefaultDebounce = 5 * time.Minute

const syncTimeout = 2 * time.Minute

// GitRunner runs a git command in dir and returns its combined output.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit runs the git binary on PATH.
type ExecGit struct{}

// Run implements GitRunner.
func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Syncer commits and pushes the knowledge base. One Syncer is shared by
// every Store in the process; it holds the pending-sync state.
type Syncer struct {
	git    GitRunner
	window time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	pending   bool
	lastWrite time.Time
	dir       string

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSyncer creates a Syncer that debounces MarkDirty calls over window.
func NewSyncer(git GitRunner, window time.Duration, logger *zap.Logger) *Syncer {
	if git == nil {
		git = ExecGit{}
	}
	if window <= 0 {
		window = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{git: git, window: window, logger: logger, quit: make(chan struct{})}
}

// SyncFile stages file, commits it and pushes. "nothing to commit" counts
// as success.
func (s *Syncer) SyncFile(ctx context.Context, dir, file, message string) error {
	return s.commitAndPush(ctx, dir, []string{"add", "--", file}, message)
}

// SyncAll stages every change under dir, commits and pushes.
func (s *Syncer) SyncAll(ctx context.Context, dir, message string) error {
	return s.commitAndPush(ctx, dir, []string{"add", "-A"}, message)
}

func (s *Syncer) commitAndPush(ctx context.Context, dir string, add []string, message string) error {
	if out, err := s.git.Run(ctx, dir, add...); err != nil {
		return fmt.Errorf("git add: %s", gitMessage(out, err))
	}
	if out, err := s.git.Run(ctx, dir, "commit", "-m", message); err != nil {
		if !strings.Contains(out, "nothing to commit") {
			return fmt.Errorf("git commit: %s", gitMessage(out, err))
		}
		s.logger.Debug("nothing to commit", zap.String("dir", dir))
	}
	if out, err := s.git.Run(ctx, dir, "push"); err != nil {
		return fmt.Errorf("git push: %s", gitMessage(out, err))
	}
	return nil
}

func gitMessage(out string, err error) string {
	if out = strings.TrimSpace(out); out != "" {
		return out
	}
	return err.Error()
}

// MarkDirty records a write to dir and schedules a sync after the debounce
// window. A scheduled sync that wakes up while newer writes are still
// inside the window does nothing; the newest write's own task handles it.
func (s *Syncer) MarkDirty(dir string) {
	s.mu.Lock()
	s.pending = true
	s.lastWrite = timeNow()
	s.dir = dir
	s.mu.Unlock()

	s.wg.Add(1)
	go s.debounced()
}

func (s *Syncer) debounced() {
	defer s.wg.Done()

	timer := time.NewTimer(s.window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.quit:
		return
	}

	s.mu.Lock()
	if !s.pending || timeNow().Sub(s.lastWrite) < s.window {
		s.mu.Unlock()
		return
	}
	s.pending = false
	dir := s.dir
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := s.SyncAll(ctx, dir, "sync: conversation log"); err != nil {
		s.logger.Warn("background knowledge sync failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	s.logger.Info("knowledge base synced", zap.String("dir", dir))
}

// Pending reports whether a write is waiting to be synced.
func (s *Syncer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Flush syncs immediately if a write is pending. Used at shutdown.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return nil
	}
	s.pending = false
	dir := s.dir
	s.mu.Unlock()

	if err := s.SyncAll(ctx, dir, "sync: flush on shutdown"); err != nil {
		return fmt.Errorf("flushing %s: %w", dir, err)
	}
	return nil
}

// Close cancels scheduled syncs that have not started and waits for
// running ones.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
}

var errGitUnavailable = errors.New("git not found on PATH")

// GitAvailable reports whether the git binary can be found.
func GitAvailable() error {
	if _, err := exec.LookPath("git"); err != nil {
		return errGitUnavailable
	}
	return nil
}
