package config

// Config is the on-disk runtime configuration. Both JSON and YAML are accepted;
// YAML is coerced to JSON so a single strict decoder handles both.
type Config struct {
	// DataDir holds the registry document, decision store and update backups.
	DataDir string `json:"data_dir"`
	// PluginsDir holds one install directory per plugin id.
	// Defaults to <data_dir>/plugins.
	PluginsDir string `json:"plugins_dir,omitempty"`

	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Permissions PermissionsConfig `json:"permissions"`
	Signature   SignatureConfig   `json:"signature"`
	Sandbox     SandboxConfig     `json:"sandbox"`
	Status      StatusConfig      `json:"status,omitempty"`

	// Plugins holds per-plugin overrides keyed by plugin id.
	Plugins map[string]PluginOverride `json:"plugins,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// JSON switches console output to JSON lines.
	JSON    bool             `json:"json,omitempty"`
	File    LogFileConfig    `json:"file"`
	Forward LogForwardConfig `json:"forward,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogForwardConfig republishes warn+ log records on the event bus.
type LogForwardConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the decision/audit store.
//
// Driver values: "file" (default), "sqlite", "memory".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PermissionsConfig controls how capability requests are decided.
//
// Defaults (when fields are omitted/zero):
//   - policy: "ask_once"
//   - enforcement: "normal"
//   - prompt_timeout: "60s"
//   - token_ttl: "0s" (tokens never expire)
type PermissionsConfig struct {
	// Policy: always_ask | ask_once | auto_grant | auto_deny.
	Policy string `json:"policy,omitempty"`
	// Enforcement: strict | normal | relaxed | disabled.
	// "disabled" auto-grants everything and is meant for local development only.
	Enforcement   string     `json:"enforcement,omitempty"`
	PromptTimeout string     `json:"prompt_timeout,omitempty"`
	TokenTTL      string     `json:"token_ttl,omitempty"`
	Risk          RiskConfig `json:"risk,omitempty"`
}

// RiskConfig decides which capabilities count as low or high risk.
// Everything not classified low or high is medium.
type RiskConfig struct {
	// LowUI lists UI flags that are low risk (e.g. "notifications").
	LowUI []string `json:"low_ui,omitempty"`
	// LowSystem lists system flags that are low risk (e.g. "clipboard").
	LowSystem []string `json:"low_system,omitempty"`
	// HighSystem lists system flags that are high risk (e.g. "processes").
	HighSystem []string `json:"high_system,omitempty"`
	// HTTPSOnlyLow makes https-only network access to explicit hosts low risk.
	HTTPSOnlyLow bool `json:"https_only_low,omitempty"`
	// ReadOnlyFilesystemLow makes read-only filesystem access low risk.
	ReadOnlyFilesystemLow bool `json:"read_only_filesystem_low,omitempty"`
}

type SignatureConfig struct {
	// Require rejects unsigned packages. Defaults to true.
	Require *bool `json:"require,omitempty"`
	// TrustLevel: none | basic | full. Defaults to "basic".
	TrustLevel string `json:"trust_level,omitempty"`
	// TrustedRoots are PEM files holding trusted issuer certificates.
	TrustedRoots []string `json:"trusted_roots,omitempty"`
	// RevocationList is a text file of revoked certificate thumbprints.
	RevocationList string `json:"revocation_list,omitempty"`
	// RevocationRefresh is a cron spec (e.g. "@every 5m").
	RevocationRefresh string `json:"revocation_refresh,omitempty"`
}

// SandboxConfig controls the resource sandbox.
type SandboxConfig struct {
	// Interval between measurement ticks. Defaults to "2s".
	Interval string `json:"interval,omitempty"`
	// WarnRatePerSec caps soft-limit warnings per session.
	WarnRatePerSec float64      `json:"warn_rate_per_sec,omitempty"`
	Limits         LimitsConfig `json:"limits"`
}

// LimitsConfig holds one entry per resource type. Omitted entries are unlimited.
type LimitsConfig struct {
	CPU        *LimitConfig `json:"cpu,omitempty"`
	Memory     *LimitConfig `json:"memory,omitempty"`
	WorkingSet *LimitConfig `json:"working_set,omitempty"`
	Threads    *LimitConfig `json:"threads,omitempty"`
	Handles    *LimitConfig `json:"handles,omitempty"`
	Children   *LimitConfig `json:"children,omitempty"`
}

// LimitConfig is a soft/hard threshold pair. Zero disables a threshold.
// CPU is in percent of one core, memory and working set in bytes.
type LimitConfig struct {
	Soft float64 `json:"soft,omitempty"`
	Hard float64 `json:"hard,omitempty"`
	// Action taken on a hard breach: warn | throttle | suspend | terminate.
	Action string `json:"action,omitempty"`
}

// StatusConfig controls the local read-only HTTP status server.
type StatusConfig struct {
	Enabled bool `json:"enabled"`
	// Addr defaults to 127.0.0.1:7090. Non-loopback addresses need Token
	// unless AllowInsecure is set.
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof also mounts /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// PluginOverride customizes a single installed plugin.
type PluginOverride struct {
	// Autostart re-enables the plugin on startup when it was enabled at shutdown.
	// Defaults to true.
	Autostart *bool        `json:"autostart,omitempty"`
	Limits    LimitsConfig `json:"limits,omitempty"`
}
