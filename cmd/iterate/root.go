package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HendryAvila/iterate/internal/config"
	"github.com/HendryAvila/iterate/internal/logging"
	"github.com/HendryAvila/iterate/internal/tools"
)

// cli carries what every command needs once flags are parsed.
type cli struct {
	configPath string
	logLevel   string

	settings *config.Settings
	logger   *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:           "iterate",
		Short:         "Human-in-the-loop MCP server with project memory and a browser bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ~/.iterate/config.toml, or $ITERATE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(c),
		newRelayCmd(c),
		newMonitorCmd(c),
		newSendCmd(c),
		newToolsCmd(c),
		newHistoryCmd(c),
		newSyncCmd(c),
		newVersionCmd(),
	)
	return rootCmd
}

func (c *cli) load(cmd *cobra.Command) error {
	settings, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	settings.Protect(tools.ProtectedIDs()...)

	level := settings.LogLevel()
	if c.logLevel != "" {
		level = c.logLevel
	}
	logger, err := logging.New(logging.Options{
		Level: level,
		File:  settings.LogFile(),
		// The MCP host reads stdout and usually shows stderr to the user.
		Quiet: cmd.Name() == "serve",
	})
	if err != nil {
		return err
	}
	c.settings = settings
	c.logger = logger
	return nil
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
