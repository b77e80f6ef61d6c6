// Package sandbox contains running plugins: it binds each plugin's process
// to a containment boundary, measures it on a fixed interval and applies the
// configured action when a limit is breached.
package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAlreadySandboxed = errors.New("plugin already sandboxed")
	ErrNoSession        = errors.New("no sandbox session")
	ErrCreateFailed     = errors.New("containment create failed")
	ErrBindFailed       = errors.New("process bind failed")
	ErrLimitFailed      = errors.New("limit application failed")
	ErrProcessGone      = errors.New("process not found")

	errUnsupported = errors.New("unsupported on this platform")
)

// ResourceType names one measured resource.
type ResourceType string

const (
	CPU        ResourceType = "cpu"         // percent of one core
	Memory     ResourceType = "memory"      // bytes, virtual
	WorkingSet ResourceType = "working_set" // bytes, resident
	Threads    ResourceType = "threads"
	Handles    ResourceType = "handles"
	Children   ResourceType = "children"
)

// Resources lists every resource type in evaluation order.
var Resources = []ResourceType{CPU, Memory, WorkingSet, Threads, Handles, Children}

// LimitAction is what happens when a hard limit is exceeded.
type LimitAction int

const (
	ActionWarn LimitAction = iota
	ActionThrottle
	ActionSuspend
	ActionTerminate
)

func (a LimitAction) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionThrottle:
		return "throttle"
	case ActionSuspend:
		return "suspend"
	case ActionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

func (a LimitAction) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func ParseLimitAction(s string) (LimitAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warn":
		return ActionWarn, nil
	case "throttle":
		return ActionThrottle, nil
	case "suspend":
		return ActionSuspend, nil
	case "terminate":
		return ActionTerminate, nil
	default:
		return ActionWarn, fmt.Errorf("unknown limit action %q", s)
	}
}

// Limit is a soft/hard threshold pair. Zero disables a threshold.
type Limit struct {
	Soft   float64     `json:"soft,omitempty"`
	Hard   float64     `json:"hard,omitempty"`
	Action LimitAction `json:"action"`
}

// Limits maps resource types to thresholds. Missing entries are unlimited.
type Limits map[ResourceType]Limit

func (l Limits) clone() Limits {
	out := make(Limits, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Sample is one reading. Resources the sampler could not read are absent.
type Sample map[ResourceType]float64

// Severity of a limit event.
type Severity string

const (
	SeverityWarn Severity = "warn"
	SeverityHard Severity = "hard"
)

// ResourceLimitEvent records one breach and the response to it.
type ResourceLimitEvent struct {
	PluginID  string       `json:"plugin_id"`
	SandboxID string       `json:"sandbox_id"`
	Resource  ResourceType `json:"resource"`
	Value     float64      `json:"value"`
	Threshold float64      `json:"threshold"`
	Severity  Severity     `json:"severity"`
	// ActionTaken is ActionWarn for every soft breach.
	ActionTaken LimitAction `json:"action_taken"`
	Error       string      `json:"error,omitempty"`
	At          time.Time   `json:"at"`
}

// ResourceStat is the running statistic for one resource.
type ResourceStat struct {
	Current    float64 `json:"current"`
	Peak       float64 `json:"peak"`
	Cumulative float64 `json:"cumulative"`
	Samples    uint64  `json:"samples"`
}

// UsageProfile is what the measurement loop has seen for one plugin.
type UsageProfile struct {
	PluginID  string                        `json:"plugin_id"`
	Started   time.Time                     `json:"started"`
	LastTick  time.Time                     `json:"last_tick,omitempty"`
	Resources map[ResourceType]ResourceStat `json:"resources"`
}

func (p UsageProfile) clone() UsageProfile {
	out := p
	out.Resources = make(map[ResourceType]ResourceStat, len(p.Resources))
	for k, v := range p.Resources {
		out.Resources[k] = v
	}
	return out
}

func (p *UsageProfile) observe(s Sample, at time.Time) {
	p.LastTick = at
	for rt, v := range s {
		st := p.Resources[rt]
		st.Current = v
		if v > st.Peak {
			st.Peak = v
		}
		st.Cumulative += v
		st.Samples++
		p.Resources[rt] = st
	}
}

// State of a sandbox session.
type State string

const (
	StateActive     State = "active"
	StateThrottled  State = "throttled"
	StateSuspended  State = "suspended"
	StateTerminated State = "terminated"
)

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID       string   `json:"id"`
	PluginID string   `json:"plugin_id"`
	PID      int      `json:"pid"`
	Limits   Limits   `json:"limits"`
	Levels   LevelSet `json:"levels"`
	// Enforced lists resources whose hard limit the OS holds; the rest are
	// watched by the measurement loop.
	Enforced []ResourceType `json:"enforced,omitempty"`
	State    State          `json:"state"`
	Created  time.Time      `json:"created"`
}
