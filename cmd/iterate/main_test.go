package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/iterate/internal/config"
	"github.com/HendryAvila/iterate/internal/events"
)

// run executes the root command against a throwaway config file.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := "data_dir = '" + dir + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestToolsCommands(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, cfg, "tools", "disable", "dispatch", "code_search")
	require.NoError(t, err)
	assert.Contains(t, out, "dispatch disabled")

	out, err = run(t, cfg, "tools", "list")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 7)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "dispatch", "code_search":
			assert.Contains(t, line, " no ", line)
		}
	}

	settings, err := config.Load(cfg)
	require.NoError(t, err)
	assert.False(t, settings.ToolEnabled("dispatch"))

	_, err = run(t, cfg, "tools", "reset")
	require.NoError(t, err)
	settings, err = config.Load(cfg)
	require.NoError(t, err)
	assert.True(t, settings.ToolEnabled("dispatch"))
}

func TestToolsDisable_Rejected(t *testing.T) {
	cfg := testConfig(t)

	_, err := run(t, cfg, "tools", "disable", "iterate")
	require.ErrorIs(t, err, config.ErrCannotDisable)

	_, err = run(t, cfg, "tools", "enable", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tool "nope"`)
}

func TestHistory_Empty(t *testing.T) {
	out, err := run(t, testConfig(t), "history")
	require.NoError(t, err)
	assert.Equal(t, "no completions recorded yet\n", out)
}

func TestVersion(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "missing.toml"), "version")
	require.NoError(t, err)
	assert.Equal(t, "iterate dev\n", out)
}

func TestFormatCompletion(t *testing.T) {
	ran := 12
	got := formatCompletion(events.Completion{
		URL:            "https://claude.ai/chat/1",
		Title:          "Refactor relay",
		SiteName:       "Claude",
		MessagePreview: "Done.\nAll tests pass.",
		Timestamp:      time.Date(2026, 3, 1, 9, 30, 5, 0, time.Local),
		RunTime:        &ran,
	})
	assert.Equal(t, "[09:30:05] Claude finished: Refactor relay (ran 12s)\n"+
		"  https://claude.ai/chat/1\n"+
		"  Done. All tests pass.", got)
}
