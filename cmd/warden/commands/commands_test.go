package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/plugin"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygenPackSignVerify(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.Mkdir(src, 0o755))
	man, err := json.Marshal(map[string]any{
		"name":        "echo",
		"version":     "1.2.0",
		"entry":       "builtin:echo",
		"api_version": plugin.APIVersion,
		"permissions": []any{},
		"description": "echoes trigger payloads",
		"author":      "tests",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, plugin.ManifestFile), man, 0o644))

	prefix := filepath.Join(dir, "pub")
	_, err = run(t, "keygen", "--cn", "tests", "-o", prefix)
	require.NoError(t, err)

	pkg := filepath.Join(dir, "echo.zip")
	out, err := run(t, "pack", src, pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "echo 1.2.0")

	_, err = run(t, "sign", pkg, "--key", prefix+".key", "--cert", prefix+".crt")
	require.NoError(t, err)
	assert.FileExists(t, pkg+".sig")

	out, err = run(t, "verify", pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	// Self-signed signer does not chain to any configured root.
	out, err = run(t, "verify", pkg, "--trust", "full")
	assert.Error(t, err)
	assert.Contains(t, out, "valid_but_untrusted")

	require.NoError(t, os.WriteFile(pkg, []byte("tampered"), 0o644))
	_, err = run(t, "verify", pkg)
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	out, err := run(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "api_version")
}

func TestInstallListThroughConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := json.Marshal(map[string]any{
		"data_dir":  filepath.Join(dir, "data"),
		"signature": map[string]any{"require": false},
	})
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, cfg, 0o644))

	src := filepath.Join(dir, "src")
	require.NoError(t, os.Mkdir(src, 0o755))
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
	require.NoError(t, os.WriteFile(filepath.Join(src, plugin.ManifestFile), man, 0o644))

	out, err := run(t, "-c", cfgPath, "install", src)
	require.NoError(t, err)
	assert.Contains(t, out, "installed echo-1.0.0")

	out, err = run(t, "-c", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "echo-1.0.0")
	assert.Contains(t, out, "disabled")
}
