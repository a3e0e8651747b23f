package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/HendryAvila/iterate/internal/events"
	"github.com/HendryAvila/iterate/internal/relay"
	"github.com/HendryAvila/iterate/internal/server"
)

func newRelayCmd(c *cli) *cobra.Command {
	opts := server.StartOptions{Relay: true}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the browser relay hub in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd, c, opts, true)
		},
	}
	cmd.Flags().BoolVar(&opts.Monitor, "monitor", false, "also watch chat tabs over Chrome's remote-debugging port")
	cmd.Flags().BoolVar(&opts.Notify, "notify", true, "ask about each completed chat response through the popup")
	return cmd
}

func newMonitorCmd(c *cli) *cobra.Command {
	opts := server.StartOptions{Monitor: true}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch AI chat tabs over Chrome's remote-debugging port",
		Long: "Poll every tab of a Chrome started with --remote-debugging-port and print a line " +
			"each time an AI chat site finishes a response.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd, c, opts, false)
		},
	}
	cmd.Flags().BoolVar(&opts.Notify, "notify", false, "ask about each completed chat response through the popup")
	return cmd
}

// runBridge runs the selected background components until interrupted and
// prints every completion.
func runBridge(cmd *cobra.Command, c *cli, opts server.StartOptions, requireRelay bool) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := server.New(c.settings, c.logger)
	if err != nil {
		return err
	}
	defer closeApp(app, c.logger)

	sub := app.Bus.Subscribe()
	defer sub.Close()

	if err := app.Start(ctx, opts); err != nil {
		return err
	}
	if requireRelay && !app.Hub.Running() {
		return fmt.Errorf("relay hub could not listen on %s (is another iterate running?)", app.Hub.Addr())
	}
	if opts.Monitor && !app.Monitor.Running() {
		return fmt.Errorf("chrome is not reachable on port %d; start it with --remote-debugging-port=%d",
			c.settings.DebugPort(), c.settings.DebugPort())
	}

	out := cmd.OutOrStdout()
	if app.Hub.Running() {
		_, _ = fmt.Fprintf(out, "relay listening on ws://%s\n", app.Hub.Addr())
	}
	if app.Monitor.Running() {
		_, _ = fmt.Fprintf(out, "monitoring chat tabs every %s\n", c.settings.PollInterval())
	}
	printCompletions(ctx, out, sub)
	return nil
}

func printCompletions(ctx context.Context, out io.Writer, sub *events.Subscription[events.Completion]) {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintln(out, formatCompletion(ev))
	}
}

func formatCompletion(ev events.Completion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s finished", ev.Timestamp.Format("15:04:05"), ev.SiteName)
	if ev.Title != "" {
		fmt.Fprintf(&b, ": %s", ev.Title)
	}
	if ev.RunTime != nil {
		fmt.Fprintf(&b, " (ran %ds)", *ev.RunTime)
	}
	if ev.URL != "" {
		fmt.Fprintf(&b, "\n  %s", ev.URL)
	}
	if ev.MessagePreview != "" {
		fmt.Fprintf(&b, "\n  %s", strings.ReplaceAll(ev.MessagePreview, "\n", " "))
	}
	return b.String()
}

func newSendCmd(c *cli) *cobra.Command {
	var tab int
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message to the chat page through the browser extension",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			hub := relay.New(relay.Config{
				Host: c.settings.RelayHost(),
				Port: c.settings.RelayPort(),
			}, nil, c.logger)

			out := relay.Outbound{Message: strings.Join(args, " ")}
			if cmd.Flags().Changed("tab") {
				out.TabID = &tab
			}
			if err := hub.SendToBrowser(ctx, out); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %s to ws://%s\n", humanize.Bytes(uint64(len(out.Message))), hub.Addr())
			return nil
		},
	}
	cmd.Flags().IntVar(&tab, "tab", 0, "target browser tab id (default: the extension's active chat tab)")
	return cmd
}
