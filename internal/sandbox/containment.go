package sandbox

import "context"

// Containment creates boundaries. Implementations own the OS resources
// behind each Boundary; nothing outside this package holds them.
type Containment interface {
	// Create returns an empty boundary for limits. Limits it cannot hold fail
	// here with ErrLimitFailed; the rest take effect in Assign.
	Create(ctx context.Context, limits Limits) (Boundary, error)
}

// Enforcer is a Boundary that reports which hard limits the OS holds for it.
type Enforcer interface {
	Enforced() []ResourceType
}

// Boundary is one containment object.
type Boundary interface {
	// Assign binds a running process and applies the hard limits to it. The
	// boundary is not active until it succeeds.
	Assign(ctx context.Context, pid int) error
	Throttle(ctx context.Context) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	// Terminate ends the process without waiting for it to cooperate.
	Terminate(ctx context.Context) error
	// Close releases the boundary. Called exactly once.
	Close() error
}

// Sampler reads resource usage for a process.
type Sampler interface {
	// Measure returns ErrProcessGone once pid no longer exists.
	Measure(ctx context.Context, pid int) (Sample, error)
	// Forget drops any per-process state.
	Forget(pid int)
}
