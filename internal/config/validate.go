package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validPolicies    = []string{"always_ask", "ask_once", "auto_grant", "auto_deny"}
	validEnforcement = []string{"strict", "normal", "relaxed", "disabled"}
	validTrust       = []string{"none", "basic", "full"}
	validActions     = []string{"warn", "throttle", "suspend", "terminate"}
	validDrivers     = []string{"file", "sqlite", "sqlite3", "memory"}
)

// Validate checks enumerations and durations. It does not touch the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if err := oneOf("permissions.policy", cfg.Permissions.Policy, validPolicies); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("permissions.enforcement", cfg.Permissions.Enforcement, validEnforcement); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("permissions.prompt_timeout", cfg.Permissions.PromptTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("permissions.token_ttl", cfg.Permissions.TokenTTL); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("signature.trust_level", cfg.Signature.TrustLevel, validTrust); err != nil {
		errs = append(errs, err)
	}
	if spec := strings.TrimSpace(cfg.Signature.RevocationRefresh); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("signature.revocation_refresh: %w", err))
		}
	}
	if _, err := ParseDurationField("sandbox.interval", cfg.Sandbox.Interval); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, validateLimits("sandbox.limits", cfg.Sandbox.Limits)...)
	for id, o := range cfg.Plugins {
		errs = append(errs, validateLimits("plugins."+id+".limits", o.Limits)...)
	}
	if cfg.Storage != nil {
		if err := oneOf("storage.driver", cfg.Storage.Driver, validDrivers); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if addr := strings.TrimSpace(cfg.Status.Addr); cfg.Status.Enabled && addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("status.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateLimits(path string, l LimitsConfig) []error {
	var errs []error
	for name, lc := range l.entries() {
		if lc == nil {
			continue
		}
		p := path + "." + name
		if lc.Soft < 0 || lc.Hard < 0 {
			errs = append(errs, fmt.Errorf("%s: thresholds must be >= 0", p))
		}
		if lc.Soft > 0 && lc.Hard > 0 && lc.Soft > lc.Hard {
			errs = append(errs, fmt.Errorf("%s: soft (%v) exceeds hard (%v)", p, lc.Soft, lc.Hard))
		}
		if err := oneOf(p+".action", lc.Action, validActions); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (l LimitsConfig) entries() map[string]*LimitConfig {
	return map[string]*LimitConfig{
		"cpu":         l.CPU,
		"memory":      l.Memory,
		"working_set": l.WorkingSet,
		"threads":     l.Threads,
		"handles":     l.Handles,
		"children":    l.Children,
	}
}

// Merge overlays o onto l, entry by entry.
func (l LimitsConfig) Merge(o LimitsConfig) LimitsConfig {
	pick := func(base, over *LimitConfig) *LimitConfig {
		if over != nil {
			return over
		}
		return base
	}
	return LimitsConfig{
		CPU:        pick(l.CPU, o.CPU),
		Memory:     pick(l.Memory, o.Memory),
		WorkingSet: pick(l.WorkingSet, o.WorkingSet),
		Threads:    pick(l.Threads, o.Threads),
		Handles:    pick(l.Handles, o.Handles),
		Children:   pick(l.Children, o.Children),
	}
}

// ResolvedPluginsDir returns plugins_dir, defaulting under data_dir.
func (c *Config) ResolvedPluginsDir() string {
	if d := strings.TrimSpace(c.PluginsDir); d != "" {
		return d
	}
	return filepath.Join(c.DataDir, "plugins")
}

// RequireSignature reports whether unsigned packages are rejected.
func (c *Config) RequireSignature() bool {
	return c.Signature.Require == nil || *c.Signature.Require
}

// Autostart reports whether plugin id should be re-enabled at startup.
func (c *Config) Autostart(id string) bool {
	o, ok := c.Plugins[id]
	return !ok || o.Autostart == nil || *o.Autostart
}

func oneOf(path, v string, allowed []string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", path, v, strings.Join(allowed, ", "))
}
