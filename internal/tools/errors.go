package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HendryAvila/iterate/internal/memory"
)

// ErrorKind classifies dispatcher failures.
type ErrorKind int

const (
	KindInvalidParams ErrorKind = iota + 1
	KindConfirmationRequired
	KindToolDisabled
	KindUnknownTool
	KindResource
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidParams:
		return "invalid parameters"
	case KindConfirmationRequired:
		return "confirmation required"
	case KindToolDisabled:
		return "tool disabled"
	case KindUnknownTool:
		return "unknown tool"
	case KindResource:
		return "resource error"
	default:
		return "internal error"
	}
}

// ToolError is returned by Dispatcher.Call for every rejected or failed call.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
	// Fields names the offending arguments for KindInvalidParams.
	Fields []string
	Err    error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Tool != "" {
		fmt.Fprintf(&b, " (%s)", e.Tool)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error { return e.Err }

// Is matches any ToolError of the same kind, so callers can test against
// the Err* sentinels.
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidParams        = &ToolError{Kind: KindInvalidParams}
	ErrConfirmationRequired = &ToolError{Kind: KindConfirmationRequired}
	ErrToolDisabled         = &ToolError{Kind: KindToolDisabled}
	ErrUnknownTool          = &ToolError{Kind: KindUnknownTool}
	ErrResource             = &ToolError{Kind: KindResource}
	ErrInternal             = &ToolError{Kind: KindInternal}
)

// errInvalid marks a handler-level argument problem.
var errInvalid = errors.New("invalid argument")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalid, fmt.Sprintf(format, args...))
}

// classify turns a handler error into a ToolError.
func classify(tool string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	kind := KindInternal
	switch {
	case errors.Is(err, errInvalid),
		errors.Is(err, memory.ErrEmptyContent),
		errors.Is(err, memory.ErrUnknownCategory),
		errors.Is(err, memory.ErrInvalidIdentifier):
		kind = KindInvalidParams
	case errors.Is(err, memory.ErrProjectPathMissing),
		errors.Is(err, memory.ErrNotGitRepository),
		errors.Is(err, memory.ErrKnowledgeBaseMissing),
		errors.Is(err, memory.ErrDirectoryMissing):
		kind = KindResource
	}

	msg := err.Error()
	if kind == KindInvalidParams {
		msg = strings.TrimPrefix(msg, errInvalid.Error()+": ")
	}
	return &ToolError{Kind: kind, Tool: tool, Message: msg, Err: err}
}
