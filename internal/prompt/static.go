package prompt

import (
	"context"

	"warden/internal/permission"
)

// Static answers every prompt with the same outcome.
type Static permission.Outcome

const (
	AllowAll = Static(permission.Allowed)
	DenyAll  = Static(permission.Denied)
)

func (s Static) Prompt(context.Context, permission.Request) (permission.Response, error) {
	return permission.Response{Outcome: permission.Outcome(s)}, nil
}

// Select returns the terminal when it is interactive and fallback otherwise.
func Select(t *Terminal, fallback permission.PromptHandler) permission.PromptHandler {
	if t != nil && t.IsInteractive() {
		return t
	}
	return fallback
}
