package sandbox

import (
	"context"
	"errors"
	"fmt"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

// Tick measures every session once. The session set is snapshotted under the
// lock and measured outside it; a session destroyed meanwhile is skipped.
func (s *Sandbox) Tick(ctx context.Context) {
	s.mu.RLock()
	list := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		list = append(list, ss)
	}
	s.mu.RUnlock()

	for _, ss := range list {
		if ctx.Err() != nil {
			return
		}
		s.measure(ctx, ss)
	}
}

func (s *Sandbox) measure(ctx context.Context, ss *session) {
	sample, err := s.sampler.Measure(ctx, ss.pid)
	if errors.Is(err, ErrProcessGone) {
		s.log.Warn("sandboxed process is gone", logx.Plugin(ss.pluginID), logx.Int("pid", ss.pid))
		s.end(ss, "process exited")
		return
	}
	if err != nil {
		s.log.Debug("measure failed", logx.Plugin(ss.pluginID), logx.Err(err))
		return
	}

	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	now := s.clock()
	ss.profile.observe(sample, now)

	var (
		fired     []ResourceLimitEvent
		terminate bool
	)
	for _, rt := range Resources {
		v, ok := sample[rt]
		l, limited := ss.limits[rt]
		if !ok || !limited {
			continue
		}
		ev := ResourceLimitEvent{PluginID: ss.pluginID, SandboxID: ss.id, Resource: rt, Value: v, At: now}
		switch {
		case l.Hard > 0 && v > l.Hard:
			ev.Severity, ev.Threshold, ev.ActionTaken = SeverityHard, l.Hard, l.Action
			if err := s.apply(ctx, ss, l.Action); err != nil {
				ev.Error = err.Error()
			}
			if l.Action == ActionTerminate {
				terminate = true
			}
		case l.Soft > 0 && v > l.Soft:
			if ss.warn != nil && !ss.warn.AllowN(now, 1) {
				continue
			}
			ev.Severity, ev.Threshold, ev.ActionTaken = SeverityWarn, l.Soft, ActionWarn
		default:
			continue
		}
		fired = append(fired, ev)
		ss.events = append(ss.events, ev)
		if n := len(ss.events) - s.history; s.history > 0 && n > 0 {
			ss.events = append(ss.events[:0], ss.events[n:]...)
		}
		if terminate {
			break
		}
	}
	ss.mu.Unlock()

	for _, ev := range fired {
		s.report(ev)
	}
	if terminate {
		ev := fired[len(fired)-1]
		s.end(ss, fmt.Sprintf("%s %.0f exceeded hard limit %.0f", ev.Resource, ev.Value, ev.Threshold))
	}
}

// apply runs a hard-limit action. Caller holds ss.mu.
func (s *Sandbox) apply(ctx context.Context, ss *session, a LimitAction) error {
	switch a {
	case ActionThrottle:
		if ss.state == StateThrottled || ss.state == StateSuspended {
			return nil
		}
		if err := ss.boundary.Throttle(ctx); err != nil {
			return err
		}
		ss.state = StateThrottled
	case ActionSuspend:
		if ss.state == StateSuspended {
			return nil
		}
		if err := ss.boundary.Suspend(ctx); err != nil {
			return err
		}
		ss.state = StateSuspended
	case ActionTerminate:
		ss.state = StateTerminated
		return ss.boundary.Terminate(ctx)
	}
	return nil
}

func (s *Sandbox) report(ev ResourceLimitEvent) {
	fields := []logx.Field{
		logx.Plugin(ev.PluginID),
		logx.String("resource", string(ev.Resource)),
		logx.Float64("value", ev.Value),
		logx.Float64("threshold", ev.Threshold),
		logx.String("action", ev.ActionTaken.String()),
	}
	if ev.Error != "" {
		fields = append(fields, logx.String("error", ev.Error))
	}
	if ev.Severity == SeverityWarn {
		s.log.Warn("soft resource limit exceeded", fields...)
	} else {
		s.log.Error("hard resource limit exceeded", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.SandboxLimitExceeded, Plugin: ev.PluginID, Time: ev.At, Data: ev})
}

// end removes a session the sandbox decided to stop and tells the hook.
func (s *Sandbox) end(ss *session, reason string) {
	s.mu.Lock()
	cur, ok := s.sessions[ss.pluginID]
	if ok && cur == ss {
		delete(s.sessions, ss.pluginID)
	}
	hook := s.onTerminate
	s.mu.Unlock()
	if !ok || cur != ss {
		return
	}
	if err := ss.release(); err != nil {
		s.log.Warn("release boundary", logx.Plugin(ss.pluginID), logx.Err(err))
	}
	s.forget(ss.pid)

	s.log.Warn("sandbox terminated", logx.Plugin(ss.pluginID), logx.String("reason", reason))
	s.bus.Publish(eventbus.Event{Type: eventbus.SandboxTerminated, Plugin: ss.pluginID, Data: map[string]any{
		"sandbox": ss.id,
		"reason":  reason,
	}})
	if hook != nil {
		hook(ss.pluginID, reason)
	}
}
