package permission

import (
	"fmt"
	"strings"
	"time"
)

// Policy decides how requests without a live token are answered.
type Policy int

const (
	// AskOnce reuses persisted decisions and prompts only for new scopes.
	AskOnce Policy = iota
	// AlwaysAsk prompts for every request and ignores history.
	AlwaysAsk
	// AutoGrant grants whatever the enforcement level allows without a prompt.
	AutoGrant
	// AutoDeny refuses everything.
	AutoDeny
)

func (p Policy) String() string {
	switch p {
	case AskOnce:
		return "ask_once"
	case AlwaysAsk:
		return "always_ask"
	case AutoGrant:
		return "auto_grant"
	case AutoDeny:
		return "auto_deny"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ask_once":
		return AskOnce, nil
	case "always_ask":
		return AlwaysAsk, nil
	case "auto_grant":
		return AutoGrant, nil
	case "auto_deny":
		return AutoDeny, nil
	default:
		return AskOnce, fmt.Errorf("unknown permission policy %q", s)
	}
}

// Enforcement bounds which risks may be granted without a prompt.
type Enforcement int

const (
	// Normal auto-grants low-risk capabilities only.
	Normal Enforcement = iota
	// Strict never auto-grants.
	Strict
	// Relaxed auto-grants low and medium risk.
	Relaxed
	// Disabled grants everything. Development only.
	Disabled
)

func (e Enforcement) String() string {
	switch e {
	case Strict:
		return "strict"
	case Normal:
		return "normal"
	case Relaxed:
		return "relaxed"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

func ParseEnforcement(s string) (Enforcement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return Normal, nil
	case "strict":
		return Strict, nil
	case "relaxed":
		return Relaxed, nil
	case "disabled":
		return Disabled, nil
	default:
		return Normal, fmt.Errorf("unknown enforcement level %q", s)
	}
}

// autoGrantable reports whether risk r may be granted without a prompt at level e.
func (e Enforcement) autoGrantable(r RiskLevel) bool {
	switch e {
	case Disabled:
		return true
	case Relaxed:
		return r <= RiskMedium
	case Normal:
		return r == RiskLow
	default:
		return false
	}
}

// Settings are the hot-reloadable knobs of a Manager.
type Settings struct {
	Policy        Policy
	Enforcement   Enforcement
	Risk          RiskTable
	PromptTimeout time.Duration
	// TokenTTL bounds token lifetime; zero means no expiry.
	TokenTTL time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Policy:        AskOnce,
		Enforcement:   Normal,
		Risk:          DefaultRiskTable(),
		PromptTimeout: 60 * time.Second,
	}
}
