package plugin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/errs"
	"warden/internal/permission"
)

const validManifest = `{
  "name": "Clipboard Sync",
  "version": "1.2.3",
  "entry": "lib/clipsync.so",
  "api_version": "1.0.0",
  "permissions": [
    {"type": "system", "flags": ["clipboard"], "reason": "sync"},
    {"type": "network", "hosts": ["sync.example.com"], "https_only": true}
  ],
  "description": "Keeps clipboards in step",
  "author": "someone",
  "homepage": "https://example.com/clipsync"
}`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)
	assert.Equal(t, "Clipboard Sync", m.Name)
	assert.Equal(t, RuntimeNative, m.Runtime)
	require.Len(t, m.Permissions, 2)
	assert.Equal(t, permission.CategorySystem, m.Permissions[0].Capability.Category)
	assert.Equal(t, "sync", m.Permissions[0].Reason)
	assert.Equal(t, "clipboard-sync-1.2.3", DeriveID(m.Name, m.Version))
}

func mutate(t *testing.T, fn func(map[string]any)) []byte {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(validManifest), &raw))
	fn(raw)
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	return b
}

func TestParseManifestRejects(t *testing.T) {
	cases := []struct {
		name string
		fn   func(map[string]any)
		want error
		msg  string
	}{
		{"missing keys", func(m map[string]any) { delete(m, "author"); delete(m, "permissions") }, ErrManifest, "missing permissions, author"},
		{"empty name", func(m map[string]any) { m["name"] = "  " }, ErrManifest, "name is empty"},
		{"bad version", func(m map[string]any) { m["version"] = "one" }, ErrManifest, "not a semantic version"},
		{"unknown field", func(m map[string]any) { m["color"] = "blue" }, ErrManifest, "color"},
		{"escaping entry", func(m map[string]any) { m["entry"] = "../../bin/sh" }, ErrManifest, "escapes"},
		{"bad homepage", func(m map[string]any) { m["homepage"] = "not a url" }, ErrManifest, "homepage"},
		{"bad runtime", func(m map[string]any) { m["runtime"] = "jvm" }, ErrManifest, "runtime"},
		{"api version", func(m map[string]any) { m["api_version"] = "0.9.0" }, ErrIncompatible, "Unsupported API version: 0.9.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseManifest(mutate(t, tc.fn))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), tc.msg)
			assert.Equal(t, errs.KindManifest, errs.KindOf(err))
		})
	}

	_, err := ParseManifest([]byte("{"))
	assert.ErrorIs(t, err, ErrManifest)
}

func TestRuntimeInference(t *testing.T) {
	for entry, want := range map[string]Runtime{
		"builtin:echo":     RuntimeBuiltin,
		"plugin.WASM":      RuntimeWasm,
		"lib/plugin.dylib": RuntimeNative,
	} {
		m, err := ParseManifest(mutate(t, func(m map[string]any) { m["entry"] = entry }))
		require.NoError(t, err, entry)
		assert.Equal(t, want, m.Runtime, entry)
	}

	m, err := ParseManifest(mutate(t, func(m map[string]any) { m["entry"] = "builtin:echo" }))
	require.NoError(t, err)
	assert.Equal(t, "echo", m.BuiltinName())
}

func TestManifestSchema(t *testing.T) {
	b, err := ManifestSchema()
	require.NoError(t, err)

	var s struct {
		Title      string                     `json:"title"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(b, &s))
	assert.ElementsMatch(t, requiredKeys, s.Required)
	assert.Contains(t, s.Properties, "api_version")
	assert.Contains(t, string(s.Properties["permissions"]), `"filesystem"`)
	assert.Contains(t, string(s.Properties["runtime"]), `"wasm"`)
}
