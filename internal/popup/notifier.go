package popup

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"slices"
	"strings"

	"github.com/HendryAvila/iterate/internal/events"
	"go.uber.org/zap"
)

// Answer options offered for a completion popup.
const (
	OptionOpen   = "Open chat page"
	OptionIgnore = "Ignore"
)

// Notifier pushes a completion event outward for display.
type Notifier interface {
	Notify(ctx context.Context, ev events.Completion) error
}

// LogNotifier writes completion events to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev events.Completion) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.Info("ai completed",
		zap.String("site", ev.SiteName),
		zap.String("title", ev.Title),
		zap.String("url", ev.URL),
		zap.String("preview", ev.MessagePreview),
	)
	return nil
}

// SendFunc delivers a continuation message to the browser extension.
type SendFunc func(ctx context.Context, message string) error

// OpenFunc opens a URL for the human.
type OpenFunc func(url string) error

// OpenURL opens url with the platform's default handler.
func OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/C", "start", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// CompletionNotifier turns completion events into a notification plus a
// question for the human. Anything the human types is sent back to the
// browser as a continuation message.
type CompletionNotifier struct {
	Notifier Notifier
	Prompter Prompter
	Send     SendFunc
	Open     OpenFunc
	Logger   *zap.Logger
}

// Run consumes sub until ctx ends or the subscription is closed.
// Each question is asked on its own goroutine; with a Pool as Prompter the
// number of open popups is bounded by the pool size.
func (c *CompletionNotifier) Run(ctx context.Context, sub *events.Subscription[events.Completion]) error {
	logger := c.logger()
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, events.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if c.Notifier != nil {
			if err := c.Notifier.Notify(ctx, ev); err != nil {
				logger.Warn("notify failed", zap.Error(err))
			}
		}
		if c.Prompter != nil {
			go c.ask(ctx, ev)
		}
	}
}

func (c *CompletionNotifier) ask(ctx context.Context, ev events.Completion) {
	logger := c.logger()
	resp, err := c.Prompter.Ask(ctx, CompletionRequest(ev))
	if err != nil {
		logger.Warn("completion popup failed", zap.Error(err))
		return
	}
	if err := c.Handle(ctx, ev, resp); err != nil {
		logger.Warn("completion follow-up failed", zap.Error(err))
	}
}

// Handle acts on the human's answer to a completion popup.
func (c *CompletionNotifier) Handle(ctx context.Context, ev events.Completion, resp *Response) error {
	if resp == nil || resp.Cancelled {
		return nil
	}
	if slices.Contains(resp.SelectedOptions, OptionOpen) && c.Open != nil && ev.URL != "" {
		if err := c.Open(ev.URL); err != nil {
			return fmt.Errorf("opening %s: %w", ev.URL, err)
		}
	}
	text := strings.TrimSpace(resp.UserInput)
	if text == "" || c.Send == nil {
		return nil
	}
	if err := c.Send(ctx, text); err != nil {
		return fmt.Errorf("sending continuation: %w", err)
	}
	c.logger().Info("continuation sent", zap.String("site", ev.SiteName), zap.Int("bytes", len(text)))
	return nil
}

func (c *CompletionNotifier) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// CompletionRequest builds the popup shown for a finished response.
func CompletionRequest(ev events.Completion) Request {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s finished\n\n**Title**: %s", ev.SiteName, ev.Title)
	if ev.MessagePreview != "" {
		fmt.Fprintf(&b, "\n\n> %s", strings.ReplaceAll(ev.MessagePreview, "\n", "\n> "))
	}
	b.WriteString("\n\nType a reply to send it back to the chat.")

	return Request{
		ID:                NewRequestID(),
		Message:           b.String(),
		PredefinedOptions: []string{OptionOpen, OptionIgnore},
		IsMarkdown:        true,
		LinkURL:           ev.URL,
		LinkTitle:         ev.Title,
	}
}
