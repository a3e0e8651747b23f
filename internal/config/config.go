// Package config holds iterate's settings, backed by viper.
//
// Settings are read from ~/.iterate/config.toml (or an explicit path),
// overridden by ITERATE_* environment variables. Tool enablement is read
// on every call, so edits to the file take effect without a restart once
// Watch has been called.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix      = "ITERATE"
	configName     = "config"
	configType     = "toml"
	dataDirName    = ".iterate"
	configFileMode = 0o644

	// DefaultRelayPort is the fixed local port the browser extension dials.
	DefaultRelayPort = 9333
	// DefaultDebugPort is Chrome's conventional remote-debugging port.
	DefaultDebugPort = 9222
)

const (
	keyDataDir       = "data_dir"
	keyLogLevel      = "log.level"
	keyLogFile       = "log.file"
	keyToolsPrefix   = "tools"
	keyRelayHost     = "relay.host"
	keyRelayPort     = "relay.port"
	keyDebugPort     = "monitor.debug_port"
	keyPollInterval  = "monitor.poll_interval"
	keySitesFile     = "monitor.sites_file"
	keyPopupCommand  = "popup.command"
	keyPopupArgs     = "popup.args"
	keyPopupWorkers  = "popup.workers"
	keySyncDebounce  = "sync.debounce"
	keyGateWindow    = "gate.window"
	keyHistoryEnable = "history.enabled"
)

// ErrCannotDisable is returned when disabling a protected tool.
var ErrCannotDisable = errors.New("tool cannot be disabled")

// Settings wraps a viper instance with typed accessors. Viper is not safe
// for concurrent use, so every read goes through mu and reloads take it
// exclusively.
type Settings struct {
	v         *viper.Viper
	path      string
	mu        sync.RWMutex
	protected map[string]bool

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopped chan struct{}
}

// DefaultDataDir returns ~/.iterate, falling back to ./.iterate.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return dataDirName
	}
	return filepath.Join(home, dataDirName)
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), configName+"."+configType)
}

// New wraps v, applying defaults. A nil v gets a fresh instance.
// Nothing is read from disk.
func New(v *viper.Viper) *Settings {
	if v == nil {
		v = viper.New()
	}
	applyDefaults(v)
	return &Settings{v: v, protected: make(map[string]bool)}
}

// Default returns in-memory settings holding only defaults.
func Default() *Settings { return New(nil) }

// Load reads the config file at path (DefaultPath when empty). A missing
// file is not an error; it is created on the first write.
func Load(path string) (*Settings, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	s := New(v)
	s.path = path

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return s, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault(keyDataDir, DefaultDataDir())
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyRelayHost, "127.0.0.1")
	v.SetDefault(keyRelayPort, DefaultRelayPort)
	v.SetDefault(keyDebugPort, DefaultDebugPort)
	v.SetDefault(keyPollInterval, time.Second)
	v.SetDefault(keyPopupWorkers, 2)
	v.SetDefault(keySyncDebounce, 5*time.Minute)
	v.SetDefault(keyGateWindow, 5*time.Minute)
	v.SetDefault(keyHistoryEnable, true)
}

// Path is the config file this Settings reads and writes.
func (s *Settings) Path() string { return s.path }

// get reads one value under the read lock.
func get[T any](s *Settings, read func(*viper.Viper) T) T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return read(s.v)
}

func (s *Settings) str(key string) string {
	return get(s, func(v *viper.Viper) string { return v.GetString(key) })
}

func (s *Settings) integer(key string) int {
	return get(s, func(v *viper.Viper) int { return v.GetInt(key) })
}

func (s *Settings) duration(key string) time.Duration {
	return get(s, func(v *viper.Viper) time.Duration { return v.GetDuration(key) })
}

// DataDir is where logs, history and the default config live.
func (s *Settings) DataDir() string { return s.str(keyDataDir) }

// LogLevel returns the configured zap level name.
func (s *Settings) LogLevel() string { return s.str(keyLogLevel) }

// LogFile returns the log file, defaulting to <data_dir>/iterate.log.
func (s *Settings) LogFile() string {
	if f := s.str(keyLogFile); f != "" {
		return f
	}
	return filepath.Join(s.DataDir(), "iterate.log")
}

// RelayHost is the interface the relay hub binds.
func (s *Settings) RelayHost() string { return s.str(keyRelayHost) }

// RelayPort is the relay hub's fixed port.
func (s *Settings) RelayPort() int { return s.integer(keyRelayPort) }

// DebugPort is the browser's remote-debugging port.
func (s *Settings) DebugPort() int { return s.integer(keyDebugPort) }

// PollInterval is the completion monitor tick.
func (s *Settings) PollInterval() time.Duration {
	d := s.duration(keyPollInterval)
	if d <= 0 {
		return time.Second
	}
	return d
}

// SitesFile is an optional YAML file with extra AI site definitions.
func (s *Settings) SitesFile() string { return s.str(keySitesFile) }

// PopupCommand is the external program that asks the human.
func (s *Settings) PopupCommand() string { return s.str(keyPopupCommand) }

// PopupArgs are extra arguments passed to PopupCommand.
func (s *Settings) PopupArgs() []string {
	return get(s, func(v *viper.Viper) []string { return v.GetStringSlice(keyPopupArgs) })
}

// PopupWorkers is the size of the off-loading pool for popup calls.
func (s *Settings) PopupWorkers() int {
	if n := s.integer(keyPopupWorkers); n > 0 {
		return n
	}
	return 1
}

// SyncDebounce is the knowledge-base sync debounce window.
func (s *Settings) SyncDebounce() time.Duration { return s.duration(keySyncDebounce) }

// GateWindow is how long a confirmation authorizes gated tools.
func (s *Settings) GateWindow() time.Duration { return s.duration(keyGateWindow) }

// HistoryEnabled reports whether completion events are persisted.
func (s *Settings) HistoryEnabled() bool {
	return get(s, func(v *viper.Viper) bool { return v.GetBool(keyHistoryEnable) })
}

// ToolEnabled reports the live enablement flag for a tool id.
// Tools absent from the config are enabled.
func (s *Settings) ToolEnabled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.protected[id] {
		return true
	}
	key := keyToolsPrefix + "." + id
	if !s.v.IsSet(key) {
		return true
	}
	return s.v.GetBool(key)
}

// ToolStates returns every tool flag present in the config.
func (s *Settings) ToolStates() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[string]bool)
	for id := range s.v.GetStringMap(keyToolsPrefix) {
		states[id] = s.v.GetBool(keyToolsPrefix + "." + id)
	}
	return states
}

// Protect marks tool ids that must stay enabled. Protected tools report
// enabled regardless of the file and cannot be disabled.
func (s *Settings) Protect(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.protected[id] = true
	}
}

// Protected reports whether id was passed to Protect.
func (s *Settings) Protected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protected[id]
}

// SetToolEnabled persists a tool flag.
func (s *Settings) SetToolEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !enabled && s.protected[id] {
		return fmt.Errorf("%w: %s", ErrCannotDisable, id)
	}
	s.v.Set(keyToolsPrefix+"."+id, enabled)
	return s.writeLocked()
}

// ResetTools clears every tool flag, restoring the all-enabled default.
func (s *Settings) ResetTools() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.v.GetStringMap(keyToolsPrefix) {
		s.v.Set(keyToolsPrefix+"."+id, true)
	}
	return s.writeLocked()
}

func (s *Settings) writeLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	return os.Chmod(s.path, configFileMode)
}

// ─── Hot reload ─────────────────────────────────────────────────────────

// Watch reloads the config file whenever it changes on disk, until Close.
// The parent directory is watched so editors that replace the file by
// rename are picked up. Calling Watch twice is a no-op.
func (s *Settings) Watch(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.path == "" {
		return
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return
	}

	dir := filepath.Dir(s.path)
	if _, err := os.Stat(dir); err != nil {
		logger.Debug("config dir absent, hot reload disabled", zap.String("path", s.path))
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
		return
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		logger.Warn("config hot reload disabled", zap.String("dir", dir), zap.Error(err))
		return
	}
	s.watcher = w
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.watch(w, logger)
}

func (s *Settings) watch(w *fsnotify.Watcher, logger *zap.Logger) {
	defer close(s.stopped)
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.stop:
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher", zap.Error(err))
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != target || e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				// Usually a half-written file; the next write event retries.
				logger.Debug("config reload skipped", zap.String("op", e.Op.String()), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", e.Name), zap.String("op", e.Op.String()))
		}
	}
}

// reload re-reads the file. On a parse error the previous values stay.
func (s *Settings) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.ReadInConfig()
}

// Close stops the watcher started by Watch.
func (s *Settings) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.stop)
	err := s.watcher.Close()
	<-s.stopped
	s.watcher = nil
	return err
}
