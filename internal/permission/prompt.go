package permission

import (
	"context"
	"time"
)

// Outcome is the user's answer to a prompt.
type Outcome int

const (
	Allowed Outcome = iota
	Denied
	// Partial grants Response.Allowed and denies the rest.
	Partial
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Partial:
		return "partial"
	default:
		return "unknown"
	}
}

// PromptItem is one capability shown to the user.
type PromptItem struct {
	Capability Capability `json:"capability"`
	Reason     string     `json:"reason,omitempty"`
	Risk       RiskLevel  `json:"risk"`
}

// Request is sent to the PromptHandler.
type Request struct {
	ID         string       `json:"id"`
	PluginID   string       `json:"plugin_id"`
	PluginName string       `json:"plugin_name,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Items      []PromptItem `json:"items"`
	Deadline   time.Time    `json:"deadline"`
}

// Response is the PromptHandler's answer.
type Response struct {
	Outcome Outcome      `json:"outcome"`
	Allowed []Capability `json:"allowed,omitempty"`
}

// PromptHandler asks a human. It must return when ctx is done; the manager
// stops waiting at the deadline either way.
type PromptHandler interface {
	Prompt(ctx context.Context, req Request) (Response, error)
}

// PromptFunc adapts a function to PromptHandler.
type PromptFunc func(ctx context.Context, req Request) (Response, error)

func (f PromptFunc) Prompt(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }
