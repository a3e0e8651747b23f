package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HendryAvila/iterate/internal/server"
)

// shutdownTimeout bounds the final knowledge sync.
const shutdownTimeout = 30 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var opts server.StartOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio transport)",
		Long: "Start the MCP server on stdin/stdout. The relay hub is started too unless another " +
			"iterate process already holds the port.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := server.New(c.settings, c.logger)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			defer closeApp(app, c.logger)

			if err := app.Start(ctx, opts); err != nil {
				return err
			}

			stdio := mcpserver.NewStdioServer(app.MCP)
			stdio.SetErrorLogger(zap.NewStdLog(c.logger.Named("stdio")))
			c.logger.Info("serving MCP on stdio", zap.String("version", server.Version))

			if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Relay, "relay", true, "start the browser relay hub")
	cmd.Flags().BoolVar(&opts.Monitor, "monitor", false, "also watch chat tabs over Chrome's remote-debugging port")
	cmd.Flags().BoolVar(&opts.Notify, "notify", false, "ask about each completed chat response through the popup")
	return cmd
}

func closeApp(app *server.App, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
