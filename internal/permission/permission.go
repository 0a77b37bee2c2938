// Package permission decides agent tool-permission requests and reports the
// decisions as events.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openclaude/acpcode/internal/acp"
	"github.com/openclaude/acpcode/internal/events"
)

// DeferToFirst may be returned by a Decider to select the first offered
// option.
const DeferToFirst = ""

var (
	// ErrNoOptions is returned when a request offers nothing to choose from.
	ErrNoOptions = errors.New("permission request has no options")
	// ErrUnknownOption is returned when a Decider picks an id that was not offered.
	ErrUnknownOption = errors.New("permission decision names an option that was not offered")
)

// UnknownOptionError reports the offending option id.
type UnknownOptionError struct {
	OptionID string
}

// Error implements error.
func (e *UnknownOptionError) Error() string {
	return fmt.Sprintf("permission decision names unknown option %q", e.OptionID)
}

// Is matches ErrUnknownOption.
func (e *UnknownOptionError) Is(target error) bool {
	return target == ErrUnknownOption
}

// Decider picks one option id for a permission request.
type Decider interface {
	Decide(ctx context.Context, title string, options []acp.PermissionOption) (string, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, title string, options []acp.PermissionOption) (string, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, title string, options []acp.PermissionOption) (string, error) {
	return f(ctx, title, options)
}

// AutoAllow approves every request with the first allow option, falling back
// to the first option when none allows. It never asks anyone.
type AutoAllow struct{}

// Decide implements Decider.
func (AutoAllow) Decide(_ context.Context, _ string, options []acp.PermissionOption) (string, error) {
	return FirstAllow(options)
}

// AutoReject refuses every request with the first reject option, falling
// back to the first option when none rejects.
type AutoReject struct{}

// Decide implements Decider.
func (AutoReject) Decide(_ context.Context, _ string, options []acp.PermissionOption) (string, error) {
	if len(options) == 0 {
		return "", ErrNoOptions
	}
	for _, option := range options {
		if !option.IsAllow() {
			return option.OptionID, nil
		}
	}
	return options[0].OptionID, nil
}

// FirstAllow returns the first allow_once or allow_always option, else the
// first option.
func FirstAllow(options []acp.PermissionOption) (string, error) {
	if len(options) == 0 {
		return "", ErrNoOptions
	}
	for _, option := range options {
		if option.IsAllow() {
			return option.OptionID, nil
		}
	}
	return options[0].OptionID, nil
}

// Denial records a request that was answered with a reject option.
type Denial struct {
	ToolCallID string `json:"tool_call_id"`
	Title      string `json:"title"`
	OptionID   string `json:"option_id"`
}

// Emitter receives permission_request events.
type Emitter interface {
	Emit(event events.Event)
}

// Negotiator answers permission requests with a Decider.
type Negotiator struct {
	decider Decider
	emitter Emitter

	mu      sync.Mutex
	denials []Denial
}

// NewNegotiator builds a negotiator. A nil decider means AutoAllow.
func NewNegotiator(decider Decider, emitter Emitter) *Negotiator {
	if decider == nil {
		decider = AutoAllow{}
	}
	return &Negotiator{decider: decider, emitter: emitter}
}

// Negotiate decides request, emits the decision and returns the protocol
// response.
func (n *Negotiator) Negotiate(ctx context.Context, request acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(request.Options) == 0 {
		return acp.RequestPermissionResponse{}, ErrNoOptions
	}
	title := ""
	if request.ToolCall.Title != nil {
		title = *request.ToolCall.Title
	}

	chosen, err := n.decider.Decide(ctx, title, request.Options)
	if err != nil {
		return acp.RequestPermissionResponse{}, fmt.Errorf("decide permission for %q: %w", title, err)
	}
	if chosen == DeferToFirst {
		chosen = request.Options[0].OptionID
	}
	option, ok := findOption(request.Options, chosen)
	if !ok {
		return acp.RequestPermissionResponse{}, &UnknownOptionError{OptionID: chosen}
	}

	if !option.IsAllow() {
		n.mu.Lock()
		n.denials = append(n.denials, Denial{ToolCallID: request.ToolCall.ToolCallID, Title: title, OptionID: chosen})
		n.mu.Unlock()
	}
	if n.emitter != nil {
		n.emitter.Emit(events.Event{
			Type:             events.TypePermissionRequest,
			ToolCallID:       request.ToolCall.ToolCallID,
			Title:            title,
			Options:          append([]acp.PermissionOption(nil), request.Options...),
			SelectedOptionID: chosen,
		})
	}
	return acp.Selected(chosen), nil
}

// Denials returns the denials recorded since the last TakeDenials.
func (n *Negotiator) Denials() []Denial {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Denial(nil), n.denials...)
}

// TakeDenials returns and clears the recorded denials.
func (n *Negotiator) TakeDenials() []Denial {
	n.mu.Lock()
	defer n.mu.Unlock()
	taken := n.denials
	n.denials = nil
	return taken
}

func findOption(options []acp.PermissionOption, optionID string) (acp.PermissionOption, bool) {
	for _, option := range options {
		if option.OptionID == optionID {
			return option, true
		}
	}
	return acp.PermissionOption{}, false
}
