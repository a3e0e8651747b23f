// Package server wires all components and creates the MCP server instance.
//
// This is the composition root: it creates concrete implementations and
// injects them into the tools, prompts and resources that depend on
// abstractions. No business logic lives here, only wiring and lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/iterate/internal/config"
	"github.com/HendryAvila/iterate/internal/events"
	"github.com/HendryAvila/iterate/internal/history"
	"github.com/HendryAvila/iterate/internal/logging"
	"github.com/HendryAvila/iterate/internal/memory"
	"github.com/HendryAvila/iterate/internal/monitor"
	"github.com/HendryAvila/iterate/internal/popup"
	"github.com/HendryAvila/iterate/internal/prompts"
	"github.com/HendryAvila/iterate/internal/relay"
	"github.com/HendryAvila/iterate/internal/resources"
	"github.com/HendryAvila/iterate/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// App is a fully wired iterate instance.
type App struct {
	Settings   *config.Settings
	Logger     *zap.Logger
	MCP        *server.MCPServer
	Dispatcher *tools.Dispatcher
	Bus        *events.CompletionBus
	Hub        *relay.Hub
	Monitor    *monitor.Monitor
	// History is nil when history.enabled is false or the database
	// could not be opened.
	History *history.Store
	Syncer  *memory.Syncer

	// prompter is nil when no popup command is configured.
	prompter popup.Prompter
	pool     *popup.Pool

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	subs   []*events.Subscription[events.Completion]
	closed bool
}

// StartOptions selects the background components Start launches.
type StartOptions struct {
	// Relay binds the websocket hub. A port already held by another
	// iterate process is logged, and sends then go through that process.
	Relay bool
	// Monitor polls Chrome over the remote-debugging port.
	Monitor bool
	// Notify asks the human about each completion and relays the answer.
	Notify bool
}

// New resolves every dependency from settings. Call Close on shutdown.
func New(settings *config.Settings, logger *zap.Logger) (*App, error) {
	if settings == nil {
		settings = config.Default()
	}
	logger = logging.OrNop(logger)

	settings.Protect(tools.ProtectedIDs()...)
	settings.Watch(logger.Named("config"))

	app := &App{
		Settings: settings,
		Logger:   logger,
		Syncer:   memory.NewSyncer(memory.ExecGit{}, settings.SyncDebounce(), logger.Named("sync")),
		Bus:      events.NewCompletionBus(),
	}

	// --- Human in the loop ---
	//
	// The popup program blocks for as long as the human takes, so every
	// question goes through a bounded pool instead of the caller's goroutine.

	if cmd := settings.PopupCommand(); cmd != "" {
		app.pool = popup.NewPool(&popup.CommandPrompter{
			Command: cmd,
			Args:    settings.PopupArgs(),
			Logger:  logger.Named("popup"),
		}, settings.PopupWorkers())
		app.prompter = app.pool
	} else {
		logger.Warn("popup.command not set; the confirmation tool will fail until it is configured")
	}

	// --- Tools ---

	dispatcher, err := tools.NewDispatcher(tools.Deps{
		Settings:      settings,
		Gate:          tools.NewGate(settings.GateWindow()),
		Prompter:      app.prompter,
		Conversations: memory.NewConversationLog(app.Syncer, logger.Named("conversations")),
		Syncer:        app.Syncer,
		Logger:        logger,
	})
	if err != nil {
		app.release()
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	app.Dispatcher = dispatcher

	// --- Browser bridge ---

	app.Hub = relay.New(relay.Config{
		Host: settings.RelayHost(),
		Port: settings.RelayPort(),
	}, app.Bus, logger)

	sites, err := monitor.LoadSites(settings.SitesFile())
	if err != nil {
		app.release()
		return nil, fmt.Errorf("loading site table: %w", err)
	}
	app.Monitor = monitor.New(monitor.Config{
		PollInterval: settings.PollInterval(),
		Sites:        sites,
	}, monitor.NewCDPBrowser(relay.DefaultHost, settings.DebugPort()), app.Bus, logger)

	// --- History ---
	//
	// History is optional: if the database cannot be opened the server
	// still works, it just has nothing to show under completions/recent.

	if settings.HistoryEnabled() {
		cfg := history.DefaultConfig()
		cfg.DataDir = settings.DataDir()
		store, err := history.New(cfg)
		if err != nil {
			logger.Warn("completion history disabled", zap.Error(err))
		} else {
			app.History = store
		}
	}

	// --- MCP server ---

	s := server.NewMCPServer(
		"iterate",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithToolFilter(dispatcher.Filter),
		server.WithInstructions(serverInstructions()),
	)

	dispatcher.Register(s)

	startPrompt := prompts.NewStartPrompt()
	s.AddPrompt(startPrompt.Definition(), startPrompt.Handle)

	settlePrompt := prompts.NewSettlePrompt()
	s.AddPrompt(settlePrompt.Definition(), settlePrompt.Handle)

	rh := &resources.Handler{Tools: dispatcher, Relay: app.Hub, Monitor: app.Monitor}
	if app.History != nil {
		rh.History = app.History
	}
	s.AddResource(rh.ToolsResource(), rh.HandleTools)
	s.AddResource(rh.BridgeResource(), rh.HandleBridge)
	s.AddResource(rh.CompletionsResource(), rh.HandleCompletions)

	app.MCP = s
	return app, nil
}

// Start launches the selected background components. Failures to reach
// Chrome or to bind the relay port are logged, not returned: the MCP tools
// keep working without them.
func (a *App) Start(ctx context.Context, opts StartOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("server: app is closed")
	}
	if a.group != nil {
		return nil
	}

	ctx, a.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	a.group = g

	if opts.Relay {
		if _, err := a.Hub.Start(gctx); err != nil {
			a.Logger.Warn("relay hub not started; sends will go through the running hub", zap.Error(err))
		}
	}
	if opts.Monitor {
		if err := a.Monitor.Start(gctx); err != nil {
			a.Logger.Warn("completion monitor not started", zap.Error(err))
		}
	}

	if a.History != nil {
		sub := a.subscribe()
		rec := history.NewRecorder(a.History, a.Logger.Named("history"))
		g.Go(func() error { return rec.Run(gctx, sub) })
	}

	notifier := &popup.CompletionNotifier{
		Notifier: popup.LogNotifier{Logger: a.Logger.Named("completions")},
		Send: func(ctx context.Context, message string) error {
			return a.Hub.SendToBrowser(ctx, relay.Outbound{Message: message})
		},
		Open:   popup.OpenURL,
		Logger: a.Logger.Named("notifier"),
	}
	if opts.Notify && a.prompter != nil {
		notifier.Prompter = a.prompter
	}
	sub := a.subscribe()
	g.Go(func() error { return notifier.Run(gctx, sub) })
	return nil
}

func (a *App) subscribe() *events.Subscription[events.Completion] {
	sub := a.Bus.Subscribe()
	a.subs = append(a.subs, sub)
	return sub
}

// Close stops background work, pushes pending knowledge changes and
// releases resources. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel, group, subs := a.cancel, a.group, a.subs
	a.mu.Unlock()

	a.Monitor.Stop()
	a.Hub.Stop()
	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Close()
	}
	var errs []error
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.Syncer.Flush(ctx); err != nil {
		a.Logger.Warn("final knowledge sync failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("flushing knowledge sync: %w", err))
	}
	a.release()
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

func (a *App) release() {
	if err := a.Settings.Close(); err != nil {
		a.Logger.Warn("stopping config watcher", zap.Error(err))
	}
	a.Syncer.Close()
	if a.pool != nil {
		a.pool.Close()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Warn("closing history", zap.Error(err))
		}
	}
}

// serverInstructions returns the system instructions that tell the agent
// how to use iterate.
func serverInstructions() string {
	return `You have access to iterate, a human-in-the-loop toolbox.

## The confirmation loop

The ` + "`iterate`" + ` tool shows a question to the user and blocks until they answer.
- Call it before ending ANY task. Summarize what you did and let the user
  decide what comes next instead of stopping.
- Call it before destructive changes and whenever a decision is needed.
- Offer predefined_options when the answer is one of a few choices.
- If the user cancels, stop and wait. Do not retry the question.

A successful answer authorizes the gated tools (` + "`memory`" + `, ` + "`dispatch`" + `)
for a few minutes. If a gated tool reports "confirmation required", ask
through ` + "`iterate`" + ` first.

## Memory

- Start each session with memory action=recall for the project.
- Store durable rules and preferences with action=remember.
- Write lessons to the shared knowledge base with action=settle:
  problems need an id like P-YYYY-NNN, regressions R-YYYY-NNN, patterns
  PAT-YYYY-NNN. Patterns return a preview; show it to the user and only
  then call action=confirm-settle with the returned settle_id.
- End the session with action=summarize.

## Search

- experience_search before fixing a bug or picking an approach.
- code_search to find code by content.
- prompt_search for reusable prompt templates.

## Dispatch

dispatch renders a hand-off prompt for a batch job. Show the prompt to the
user; do not execute it yourself.`
}
