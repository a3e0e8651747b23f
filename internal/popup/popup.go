// Package popup is the "ask the human" collaborator.
//
// The popup surface itself lives outside this process. iterate only knows
// how to hand it a Request and read back a Response; CommandPrompter does
// that by running a configured program with the request as JSON on stdin.
package popup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CancelledReply is what a popup program prints when the human dismisses it.
const CancelledReply = "CANCELLED"

// ErrNoCommand is returned when no popup program is configured.
var ErrNoCommand = errors.New("popup command not configured (set popup.command)")

// Request is what the popup surface is asked to show.
type Request struct {
	ID                string   `json:"id"`
	Message           string   `json:"message"`
	PredefinedOptions []string `json:"predefined_options,omitempty"`
	IsMarkdown        bool     `json:"is_markdown"`
	ProjectPath       string   `json:"project_path,omitempty"`
	LinkURL           string   `json:"link_url,omitempty"`
	LinkTitle         string   `json:"link_title,omitempty"`
}

// Image is a picture the human attached to an answer.
type Image struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type"`
	Filename  string `json:"filename,omitempty"`
}

// Response is the human's answer. A cancelled response carries no content.
type Response struct {
	Cancelled       bool     `json:"-"`
	UserInput       string   `json:"user_input,omitempty"`
	SelectedOptions []string `json:"selected_options,omitempty"`
	Images          []Image  `json:"images,omitempty"`
}

// Empty reports whether the answer carries nothing at all.
func (r *Response) Empty() bool {
	return strings.TrimSpace(r.UserInput) == "" && len(r.SelectedOptions) == 0 && len(r.Images) == 0
}

// Prompter blocks until the human answers or cancels.
type Prompter interface {
	Ask(ctx context.Context, req Request) (*Response, error)
}

// NewRequestID returns a fresh popup request id.
func NewRequestID() string {
	return uuid.NewString()
}

// ParseReply decodes a popup program's stdout.
//
// Accepted forms: the CANCELLED marker, a JSON Response object, or any
// other text, which is taken verbatim as free-form user input.
func ParseReply(out []byte) (*Response, error) {
	text := strings.TrimSpace(string(out))
	if text == CancelledReply {
		return &Response{Cancelled: true}, nil
	}
	if strings.HasPrefix(text, "{") {
		var resp Response
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			return nil, fmt.Errorf("decoding popup reply: %w", err)
		}
		return &resp, nil
	}
	return &Response{UserInput: text}, nil
}

// CommandPrompter runs an external program for each question.
type CommandPrompter struct {
	Command string
	Args    []string
	Logger  *zap.Logger
}

// Ask implements Prompter.
func (p *CommandPrompter) Ask(ctx context.Context, req Request) (*Response, error) {
	if p.Command == "" {
		return nil, ErrNoCommand
	}
	if req.ID == "" {
		req.ID = NewRequestID()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding popup request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if p.Logger != nil {
		p.Logger.Debug("popup opened", zap.String("request_id", req.ID), zap.String("command", p.Command))
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("popup %s failed: %s", p.Command, msg)
	}
	return ParseReply(stdout.Bytes())
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req Request) (*Response, error)

// Ask implements Prompter.
func (f PrompterFunc) Ask(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
