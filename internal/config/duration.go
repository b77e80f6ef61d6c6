package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// PromptTimeoutValue returns permissions.prompt_timeout, defaulting to 60s.
func (p PermissionsConfig) PromptTimeoutValue() time.Duration {
	d, err := ParseDurationOrDefault("permissions.prompt_timeout", p.PromptTimeout, 60*time.Second)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// TokenTTLValue returns permissions.token_ttl; zero means tokens never expire.
func (p PermissionsConfig) TokenTTLValue() time.Duration {
	d, _ := ParseDurationField("permissions.token_ttl", p.TokenTTL)
	return d
}

// IntervalValue returns sandbox.interval, defaulting to 2s.
func (s SandboxConfig) IntervalValue() time.Duration {
	d, err := ParseDurationOrDefault("sandbox.interval", s.Interval, 2*time.Second)
	if err != nil {
		return 2 * time.Second
	}
	return d
}
