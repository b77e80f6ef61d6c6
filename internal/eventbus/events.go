package eventbus

// Lifecycle event types published by the loader, permission manager and sandbox.
const (
	PluginInstalled   = "plugin.installed"
	PluginEnabled     = "plugin.enabled"
	PluginDisabled    = "plugin.disabled"
	PluginUninstalled = "plugin.uninstalled"
	PluginUpdated     = "plugin.updated"
	PluginError       = "plugin.error"

	PermissionGranted = "permission.granted"
	PermissionDenied  = "permission.denied"
	PermissionRevoked = "permission.revoked"

	SandboxLimitExceeded = "sandbox.limit_exceeded"
	SandboxTerminated    = "sandbox.terminated"

	Log = "log"
)
