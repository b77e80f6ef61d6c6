package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsBroadScopes(t *testing.T) {
	cases := []struct {
		name string
		cap  Capability
		want error
	}{
		{"fs star", FileSystem(true, false, "*"), ErrScopeTooLarge},
		{"fs root glob", FileSystem(true, false, "/**"), ErrScopeTooLarge},
		{"fs root", FileSystem(true, true, "/"), ErrScopeTooLarge},
		{"fs empty", FileSystem(true, false), ErrScopeTooLarge},
		{"fs no mode", FileSystem(false, false, "/data"), ErrInvalidCapability},
		{"net star", Network(false, "*"), ErrScopeTooLarge},
		{"net tld", Network(true, "*.com"), ErrScopeTooLarge},
		{"net empty", Network(true), ErrScopeTooLarge},
		{"ui empty", UI(0), ErrInvalidCapability},
		{"ui bad bits", UI(UIFlags(0x80)), ErrInvalidCapability},
		{"unknown", Capability{Category: "camera"}, ErrInvalidCapability},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.cap.Validate(), tc.want)
		})
	}

	for _, ok := range []Capability{
		FileSystem(true, false, "/var/lib/app"),
		FileSystem(true, true, "/home/*/notes/**"),
		Network(true, "api.example.com", "*.cdn.example.com"),
		UI(UINotifications | UIDialogs),
		System(SysClipboard),
	} {
		assert.NoError(t, ok.Validate(), ok.String())
	}
}

func TestFlagConstruction(t *testing.T) {
	_, err := NewUIFlags(0xF0)
	assert.ErrorIs(t, err, ErrInvalidCapability)

	f, err := NewSystemFlags(uint8(SysClipboard | SysIPC))
	require.NoError(t, err)
	assert.Equal(t, []string{"clipboard", "ipc"}, f.Names())

	_, err = ParseUIFlags("notifications", "teleport")
	assert.ErrorIs(t, err, ErrInvalidCapability)
}

func TestCovers(t *testing.T) {
	cases := []struct {
		name     string
		granted  Capability
		req      Capability
		expected bool
	}{
		{"same path", FileSystem(true, false, "/data"), FileSystem(true, false, "/data"), true},
		{"child path", FileSystem(true, false, "/data"), FileSystem(true, false, "/data/sub/file"), true},
		{"sibling prefix", FileSystem(true, false, "/data"), FileSystem(true, false, "/data2"), false},
		{"write not granted", FileSystem(true, false, "/data"), FileSystem(false, true, "/data"), false},
		{"glob grant", FileSystem(true, false, "/home/*/notes/**"), FileSystem(true, false, "/home/ana/notes/a.txt"), true},
		{"glob request under literal", FileSystem(true, false, "/data"), FileSystem(true, false, "/data/**/*.json"), true},
		{"glob request outside", FileSystem(true, false, "/data"), FileSystem(true, false, "/etc/**"), false},
		{"host exact", Network(false, "api.example.com"), Network(false, "API.example.com"), true},
		{"host wildcard", Network(false, "*.example.com"), Network(false, "a.b.example.com"), true},
		{"https only grant", Network(true, "api.example.com"), Network(false, "api.example.com"), false},
		{"https request under plain grant", Network(false, "api.example.com"), Network(true, "api.example.com"), true},
		{"ui subset", UI(UINotifications | UIDialogs), UI(UIDialogs), true},
		{"ui superset", UI(UIDialogs), UI(UINotifications | UIDialogs), false},
		{"cross category", System(SysClipboard), UI(UINotifications), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.granted.Covers(tc.req))
		})
	}
}

func TestScopeHashIsOrderIndependent(t *testing.T) {
	a := FileSystem(true, false, "/b", "/a")
	b := FileSystem(true, false, "/a/", "/b")
	assert.Equal(t, a.ScopeHash(), b.ScopeHash())
	assert.True(t, a.Same(b))
	assert.NotEqual(t, a.ScopeHash(), FileSystem(true, true, "/a", "/b").ScopeHash())
}

func TestDescriptorManifestForm(t *testing.T) {
	var ds []Descriptor
	raw := `[
		{"type":"filesystem","read":true,"paths":["/srv/data"],"reason":"reads fixtures"},
		{"type":"network","hosts":["api.example.com"],"https_only":true},
		{"type":"ui","flags":["notifications"]},
		{"capability":{"type":"system","flags":["clipboard"]},"reason":"copy results"}
	]`
	require.NoError(t, json.Unmarshal([]byte(raw), &ds))
	require.Len(t, ds, 4)
	assert.Equal(t, "reads fixtures", ds[0].Reason)
	assert.True(t, ds[0].Capability.FS.Read)
	assert.True(t, ds[1].Capability.Net.HTTPSOnly)
	assert.Equal(t, UINotifications, ds[2].Capability.UI)
	assert.Equal(t, SysClipboard, ds[3].Capability.Sys)
	assert.Equal(t, "copy results", ds[3].Reason)

	b, err := json.Marshal(ds[0])
	require.NoError(t, err)
	var back Descriptor
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Capability.Same(ds[0].Capability))

	var bad Capability
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"type":"ui","flags":["telepathy"]}`), &bad), ErrInvalidCapability)
}

func TestRiskTable(t *testing.T) {
	rt := DefaultRiskTable()
	assert.Equal(t, RiskLow, rt.Assess(UI(UINotifications)))
	assert.Equal(t, RiskMedium, rt.Assess(UI(UIDialogs)))
	assert.Equal(t, RiskHigh, rt.Assess(System(SysProcesses)))
	assert.Equal(t, RiskHigh, rt.Assess(FileSystem(false, true, "/tmp/x")))
	assert.Equal(t, RiskMedium, rt.Assess(FileSystem(true, false, "/tmp/x")))
	assert.Equal(t, RiskLow, rt.Assess(Network(true, "api.example.com")))
	assert.Equal(t, RiskMedium, rt.Assess(Network(true, "*.example.com")))
	assert.Equal(t, RiskHigh, rt.Highest([]Capability{UI(UINotifications), System(SysIPC)}))
}
