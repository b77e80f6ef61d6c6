package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/observability/status"
	"warden/internal/permission"
	"warden/internal/plugin"
	"warden/internal/sandbox"
	"warden/internal/signature"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Forward.Enabled,
			MinLevel:   cfg.Logging.Forward.MinLevel,
			RatePerSec: cfg.Logging.Forward.RatePerSec,
		},
	}
}

// mapStorageConfig defaults to the file driver under data_dir.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	def := storage.Config{Driver: "file", Path: filepath.Join(cfg.DataDir, "state", "warden")}
	if cfg.Storage == nil {
		return def, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path != "" {
			def.Path = path
		}
		return def, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = filepath.Join(cfg.DataDir, "state", "warden.db")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPermissionSettings(cfg *Config) (permission.Settings, error) {
	s := permission.DefaultSettings()
	pc := cfg.Permissions
	var err error
	if strings.TrimSpace(pc.Policy) != "" {
		if s.Policy, err = permission.ParsePolicy(pc.Policy); err != nil {
			return s, err
		}
	}
	if strings.TrimSpace(pc.Enforcement) != "" {
		if s.Enforcement, err = permission.ParseEnforcement(pc.Enforcement); err != nil {
			return s, err
		}
	}
	if s.Risk, err = mapRiskTable(pc.Risk); err != nil {
		return s, err
	}
	s.PromptTimeout = pc.PromptTimeoutValue()
	s.TokenTTL = pc.TokenTTLValue()
	return s, nil
}

// mapRiskTable falls back to the default table when nothing is configured.
func mapRiskTable(rc config.RiskConfig) (permission.RiskTable, error) {
	if len(rc.LowUI) == 0 && len(rc.LowSystem) == 0 && len(rc.HighSystem) == 0 && !rc.HTTPSOnlyLow && !rc.ReadOnlyFilesystemLow {
		return permission.DefaultRiskTable(), nil
	}
	lowUI, err := permission.ParseUIFlags(rc.LowUI...)
	if err != nil {
		return permission.RiskTable{}, fmt.Errorf("permissions.risk.low_ui: %w", err)
	}
	lowSys, err := permission.ParseSystemFlags(rc.LowSystem...)
	if err != nil {
		return permission.RiskTable{}, fmt.Errorf("permissions.risk.low_system: %w", err)
	}
	highSys, err := permission.ParseSystemFlags(rc.HighSystem...)
	if err != nil {
		return permission.RiskTable{}, fmt.Errorf("permissions.risk.high_system: %w", err)
	}
	return permission.RiskTable{
		LowUI:                 lowUI,
		LowSystem:             lowSys,
		HighSystem:            highSys,
		HTTPSOnlyLow:          rc.HTTPSOnlyLow,
		ReadOnlyFilesystemLow: rc.ReadOnlyFilesystemLow,
	}, nil
}

func mapLimits(lc config.LimitsConfig) (sandbox.Limits, error) {
	out := sandbox.Limits{}
	for rt, l := range map[sandbox.ResourceType]*config.LimitConfig{
		sandbox.CPU:        lc.CPU,
		sandbox.Memory:     lc.Memory,
		sandbox.WorkingSet: lc.WorkingSet,
		sandbox.Threads:    lc.Threads,
		sandbox.Handles:    lc.Handles,
		sandbox.Children:   lc.Children,
	} {
		if l == nil || (l.Soft <= 0 && l.Hard <= 0) {
			continue
		}
		action, err := sandbox.ParseLimitAction(l.Action)
		if err != nil {
			return nil, fmt.Errorf("limits.%s: %w", rt, err)
		}
		out[rt] = sandbox.Limit{Soft: l.Soft, Hard: l.Hard, Action: action}
	}
	return out, nil
}

// limitsFor merges the global limits with the plugin's override. Config
// validation already rejected bad actions, so errors only log.
func limitsFor(cfg *Config, log logx.Logger) func(id string) sandbox.Limits {
	return func(id string) sandbox.Limits {
		lc := cfg.Sandbox.Limits
		if o, ok := cfg.Plugins[id]; ok {
			lc = lc.Merge(o.Limits)
		}
		l, err := mapLimits(lc)
		if err != nil {
			log.Warn("invalid limits; plugin runs unlimited", logx.Plugin(id), logx.Err(err))
			return nil
		}
		return l
	}
}

func mapPluginPolicy(cfg *Config, log logx.Logger) (plugin.Policy, error) {
	trust := signature.TrustBasic
	if s := strings.TrimSpace(cfg.Signature.TrustLevel); s != "" {
		var err error
		if trust, err = signature.ParseTrustLevel(s); err != nil {
			return plugin.Policy{}, err
		}
	}
	return plugin.Policy{
		RequireSignature: cfg.RequireSignature(),
		TrustLevel:       trust,
		CallTimeout:      10 * time.Second,
		Limits:           limitsFor(cfg, log),
		Autostart:        cfg.Autostart,
	}, nil
}

func mapStatusConfig(cfg *Config) status.Config {
	sc := cfg.Status
	return status.Config{
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
	}
}

// validate is the transactional reload check: a config that fails here is
// never committed.
func validate(cfg *Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPermissionSettings(cfg); err != nil {
		return err
	}
	if _, err := mapLimits(cfg.Sandbox.Limits); err != nil {
		return err
	}
	_, err := mapPluginPolicy(cfg, logx.Nop())
	return err
}
