package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	logx "warden/pkg/logx"
)

// ProcessContainment contains OS processes with gopsutil signals plus
// rlimit and priority calls where the platform has them.
//
// Protected pids (the host itself by default) get a virtual boundary:
// limit actions are logged but never applied, so a misbehaving in-process
// plugin cannot take the host down with it.
type ProcessContainment struct {
	log       logx.Logger
	protected map[int]bool
	grace     time.Duration
}

func NewProcessContainment(log logx.Logger, protect ...int) *ProcessContainment {
	p := &ProcessContainment{
		log:       log.OrNop().With(logx.String("comp", "containment")),
		protected: map[int]bool{os.Getpid(): true},
		grace:     2 * time.Second,
	}
	for _, pid := range protect {
		p.protected[pid] = true
	}
	return p
}

// Create checks limits and plans the ones the OS holds for a process. Assign
// applies the plan before the boundary is active.
func (c *ProcessContainment) Create(_ context.Context, limits Limits) (Boundary, error) {
	plan, err := planLimits(limits)
	if err != nil {
		return nil, err
	}
	return &procBoundary{c: c, limits: limits.clone(), plan: plan}, nil
}

// hardLimit is one limit set on the process itself. value is the rlimit, or
// the nice value for CPU.
type hardLimit struct {
	resource ResourceType
	value    uint64
}

// planLimits picks the hard limits the OS can hold. Warn only observes, so
// those stay with the measurement loop. So do threads and children:
// RLIMIT_NPROC counts every process of the user, not of one process.
func planLimits(l Limits) ([]hardLimit, error) {
	var plan []hardLimit
	for _, rt := range Resources {
		lim, ok := l[rt]
		if !ok {
			continue
		}
		if lim.Hard < 0 || lim.Soft < 0 {
			return nil, fmt.Errorf("%w: %s: negative threshold", ErrLimitFailed, rt)
		}
		if lim.Hard == 0 || lim.Action == ActionWarn {
			continue
		}
		switch rt {
		case CPU:
			plan = append(plan, hardLimit{resource: rt, value: uint64(cpuNice(lim.Hard))})
		case Memory, WorkingSet, Handles:
			plan = append(plan, hardLimit{resource: rt, value: uint64(math.Ceil(lim.Hard))})
		}
	}
	return plan, nil
}

// cpuNice maps a CPU cap in percent of one core to a starting nice value.
// A full core keeps 0; smaller shares run proportionally nicer.
func cpuNice(pct float64) int {
	if pct >= 100 {
		return 0
	}
	return min(19, int(math.Round((100-pct)*19/100)))
}

type procBoundary struct {
	c        *ProcessContainment
	limits   Limits
	plan     []hardLimit
	enforced []ResourceType
	proc     *process.Process
	virtual  bool

	mu        sync.Mutex
	suspended bool
}

func (b *procBoundary) Assign(ctx context.Context, pid int) error {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	b.proc = p
	b.virtual = b.c.protected[pid]
	if b.virtual {
		b.c.log.Debug("virtual boundary for protected process", logx.Int("pid", pid))
		return nil
	}
	for _, h := range b.plan {
		var err error
		if h.resource == CPU {
			err = setNice(pid, int(h.value))
		} else {
			err = setRlimit(pid, h.resource, h.value)
		}
		switch {
		case err == nil:
			b.enforced = append(b.enforced, h.resource)
		case errors.Is(err, errUnsupported):
			b.c.log.Debug("hard limit left to the measurement loop", logx.String("resource", string(h.resource)), logx.Int("pid", pid))
		default:
			return fmt.Errorf("%w: %s: %v", ErrLimitFailed, h.resource, err)
		}
	}
	return nil
}

// Enforced lists the resources whose hard limit the OS now holds.
func (b *procBoundary) Enforced() []ResourceType {
	return append([]ResourceType(nil), b.enforced...)
}

func (b *procBoundary) skip(action string) bool {
	if b.proc == nil {
		return true
	}
	if b.virtual {
		b.c.log.Warn("limit action not applied to protected process", logx.String("action", action), logx.Int("pid", int(b.proc.Pid)))
		return true
	}
	return false
}

func (b *procBoundary) Throttle(context.Context) error {
	if b.skip("throttle") {
		return nil
	}
	err := setNice(int(b.proc.Pid), 19)
	if errors.Is(err, errUnsupported) {
		return nil
	}
	return err
}

func (b *procBoundary) Suspend(ctx context.Context) error {
	if b.skip("suspend") {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.proc.SuspendWithContext(ctx); err != nil {
		return err
	}
	b.suspended = true
	return nil
}

func (b *procBoundary) Resume(ctx context.Context) error {
	if b.skip("resume") {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.suspended {
		return nil
	}
	if err := b.proc.ResumeWithContext(ctx); err != nil {
		return err
	}
	b.suspended = false
	return nil
}

// Terminate signals the process, then kills it if it is still running after
// the grace period.
func (b *procBoundary) Terminate(ctx context.Context) error {
	if b.skip("terminate") {
		return nil
	}
	if err := b.proc.TerminateWithContext(ctx); err != nil {
		return b.proc.KillWithContext(ctx)
	}
	deadline := time.Now().Add(b.c.grace)
	for time.Now().Before(deadline) {
		running, err := b.proc.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return b.proc.KillWithContext(context.Background())
		case <-time.After(50 * time.Millisecond):
		}
	}
	return b.proc.KillWithContext(ctx)
}

// Close leaves a suspended process runnable again.
func (b *procBoundary) Close() error {
	if b.proc == nil || b.virtual {
		return nil
	}
	b.mu.Lock()
	suspended := b.suspended
	b.mu.Unlock()
	if suspended {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return b.Resume(ctx)
	}
	return nil
}

// ProcessSampler measures processes with gopsutil. CPU is the percentage
// since the previous Measure for the same pid, so the first reading is 0.
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: map[int]*process.Process{}}
}

func (p *ProcessSampler) handle(ctx context.Context, pid int) (*process.Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.procs[pid]; ok {
		return h, nil
	}
	h, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
		}
		return nil, err
	}
	p.procs[pid] = h
	return h, nil
}

func (p *ProcessSampler) Measure(ctx context.Context, pid int) (Sample, error) {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err == nil && !ok {
		p.Forget(pid)
		return nil, fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	h, err := p.handle(ctx, pid)
	if err != nil {
		return nil, err
	}

	// Each reading is best effort; platforms lacking one simply omit it.
	s := Sample{}
	if v, err := h.PercentWithContext(ctx, 0); err == nil {
		s[CPU] = v
	}
	if mi, err := h.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		s[Memory] = float64(mi.VMS)
		s[WorkingSet] = float64(mi.RSS)
	}
	if n, err := h.NumThreadsWithContext(ctx); err == nil {
		s[Threads] = float64(n)
	}
	if n, err := h.NumFDsWithContext(ctx); err == nil {
		s[Handles] = float64(n)
	}
	kids, err := h.ChildrenWithContext(ctx)
	switch {
	case err == nil:
		s[Children] = float64(len(kids))
	case errors.Is(err, process.ErrorNoChildren):
		s[Children] = 0
	}
	return s, nil
}

func (p *ProcessSampler) Forget(pid int) {
	p.mu.Lock()
	delete(p.procs, pid)
	p.mu.Unlock()
}
