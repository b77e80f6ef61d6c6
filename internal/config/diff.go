package config

import (
	"reflect"
	"sort"
	"strings"

	logx "warden/pkg/logx"
)

// SummarizeConfigChange returns the names of changed top-level sections and
// safe structured attrs describing the new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Permissions, newCfg.Permissions) {
		changed = append(changed, "permissions")
		attrs = append(attrs,
			logx.String("permissions.policy", newCfg.Permissions.Policy),
			logx.String("permissions.enforcement", newCfg.Permissions.Enforcement),
		)
	}
	if !reflect.DeepEqual(oldCfg.Signature, newCfg.Signature) {
		changed = append(changed, "signature")
		attrs = append(attrs,
			logx.String("signature.trust_level", newCfg.Signature.TrustLevel),
			logx.Int("signature.trusted_roots", len(newCfg.Signature.TrustedRoots)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sandbox, newCfg.Sandbox) || !reflect.DeepEqual(oldCfg.Plugins, newCfg.Plugins) {
		changed = append(changed, "sandbox")
		attrs = append(attrs, logx.String("sandbox.interval", newCfg.Sandbox.Interval))
	}
	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if strings.TrimSpace(oldCfg.DataDir) != strings.TrimSpace(newCfg.DataDir) ||
		oldCfg.ResolvedPluginsDir() != newCfg.ResolvedPluginsDir() {
		changed = append(changed, "paths")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that cannot be applied without a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "paths", "sandbox", "status":
			out = append(out, c)
		}
	}
	return out
}
