package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/permission"
	"warden/internal/plugin"
	"warden/internal/sandbox"
	logx "warden/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/warden"}
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "file", sc.Driver)
	assert.Equal(t, filepath.Join("/var/lib/warden", "state", "warden"), sc.Path)

	cfg.Storage = &config.StorageConfig{Driver: "SQLite", BusyTimeout: "3s"}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, filepath.Join("/var/lib/warden", "state", "warden.db"), sc.Path)
	assert.Equal(t, 3*time.Second, sc.BusyTimeout)

	cfg.Storage = &config.StorageConfig{Driver: "etcd"}
	_, err = mapStorageConfig(cfg)
	assert.Error(t, err)
}

func TestMapPermissionSettings(t *testing.T) {
	s, err := mapPermissionSettings(&Config{})
	require.NoError(t, err)
	assert.Equal(t, permission.DefaultSettings().Policy, s.Policy)

	s, err = mapPermissionSettings(&Config{Permissions: config.PermissionsConfig{
		Policy:      "auto_deny",
		Enforcement: "strict",
		Risk:        config.RiskConfig{LowSystem: []string{"clipboard"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, permission.AutoDeny, s.Policy)
	assert.Equal(t, permission.Strict, s.Enforcement)

	_, err = mapPermissionSettings(&Config{Permissions: config.PermissionsConfig{
		Risk: config.RiskConfig{HighSystem: []string{"teleport"}},
	}})
	assert.Error(t, err)
}

func TestLimitsForMergesOverride(t *testing.T) {
	cfg := &Config{
		Sandbox: config.SandboxConfig{Limits: config.LimitsConfig{
			CPU:    &config.LimitConfig{Soft: 50, Hard: 90, Action: "throttle"},
			Memory: &config.LimitConfig{Hard: 1 << 30, Action: "terminate"},
		}},
		Plugins: map[string]config.PluginOverride{
			"heavy-1.0.0": {Limits: config.LimitsConfig{CPU: &config.LimitConfig{Hard: 200, Action: "warn"}}},
		},
	}
	lf := limitsFor(cfg, logx.Nop())

	l := lf("light-1.0.0")
	require.Len(t, l, 2)
	assert.Equal(t, sandbox.ActionThrottle, l[sandbox.CPU].Action)

	l = lf("heavy-1.0.0")
	assert.Equal(t, 200.0, l[sandbox.CPU].Hard)
	assert.Equal(t, sandbox.ActionWarn, l[sandbox.CPU].Action)
	assert.Equal(t, sandbox.ActionTerminate, l[sandbox.Memory].Action)
}

func TestMapPluginPolicy(t *testing.T) {
	no := false
	cfg := &Config{Signature: config.SignatureConfig{Require: &no, TrustLevel: "full"}}
	pol, err := mapPluginPolicy(cfg, logx.Nop())
	require.NoError(t, err)
	assert.False(t, pol.RequireSignature)
	assert.True(t, pol.Autostart("anything"))

	cfg.Signature.TrustLevel = "paranoid"
	_, err = mapPluginPolicy(cfg, logx.Nop())
	assert.Error(t, err)
}

func TestSweepStale(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{".staging-123", "demo-1.0.0.bak-99", "demo-1.0.0", ".staging-new"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{".staging-123", "demo-1.0.0.bak-99", "demo-1.0.0"} {
		require.NoError(t, os.Chtimes(filepath.Join(dir, name), old, old))
	}

	n, err := sweepStale(dir, staleAfter, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	assert.ElementsMatch(t, []string{"demo-1.0.0", ".staging-new"}, left)
}

func TestJobsRejectBadSpec(t *testing.T) {
	j := newJobs(logx.Nop())
	err := j.Set(jobDef{name: "bad", spec: "every now and then", run: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, map[string]any{"data_dir": t.TempDir(), "permissions": map[string]any{"policy": "maybe"}})
	_, err := NewApp(path)
	assert.Error(t, err)
}

func TestAppRunsEchoPlugin(t *testing.T) {
	data := t.TempDir()
	path := writeConfig(t, map[string]any{
		"data_dir":    data,
		"storage":     map[string]any{"driver": "memory"},
		"permissions": map[string]any{"policy": "auto_grant"},
		"signature":   map[string]any{"require": false},
		"sandbox":     map[string]any{"interval": "50ms"},
	})

	a, err := NewApp(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	pkg := t.TempDir()
	man, err := json.Marshal(map[string]any{
		"name":        "echo",
		"version":     "1.0.0",
		"entry":       "builtin:echo",
		"api_version": plugin.APIVersion,
		"permissions": []any{},
		"description": "echoes trigger payloads",
		"author":      "tests",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pkg, plugin.ManifestFile), man, 0o644))

	rec, err := a.Plugins().Install(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusDisabled, rec.Status)

	_, err = a.Plugins().Enable(ctx, rec.ID)
	require.NoError(t, err)

	n, err := a.Plugins().TriggerEvent(ctx, rec.ID, "upper", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, a.Stop(context.Background(), StopCommand))

	// Stop keeps the persisted status so the next start re-enables it.
	reg := plugin.NewRegistry(filepath.Join(data, "plugins", plugin.RegistryFile))
	require.NoError(t, reg.Load())
	got, ok := reg.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, plugin.StatusEnabled, got.Status)
}
