package plugin

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/permission"
)

func TestRegistryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	r := NewRegistry(path)
	require.NoError(t, r.Load())
	assert.Empty(t, r.List())

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := Record{
		ID:                 "b-1.0.0",
		Manifest:           Manifest{Name: "b", Version: "1.0.0", Entry: "builtin:b", APIVersion: APIVersion, Runtime: RuntimeBuiltin},
		Status:             StatusEnabled,
		GrantedPermissions: []permission.Capability{permission.UI(permission.UINotifications)},
		InstalledAt:        now,
	}
	require.NoError(t, r.Put(a))
	require.NoError(t, r.Put(Record{ID: "a-1.0.0", Manifest: Manifest{Name: "a", Version: "1.0.0"}, Status: StatusDisabled, InstalledAt: now}))

	r2 := NewRegistry(path)
	require.NoError(t, r2.Load())
	list := r2.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a-1.0.0", list[0].ID)
	assert.Equal(t, StatusEnabled, list[1].Status)
	assert.True(t, list[1].GrantedPermissions[0].Same(permission.UI(permission.UINotifications)))

	require.NoError(t, r2.Delete("a-1.0.0"))
	require.NoError(t, r2.Delete("a-1.0.0"))
	_, ok := r2.Get("a-1.0.0")
	assert.False(t, ok)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), RegistryFile))
	require.NoError(t, r.Put(Record{ID: "x", GrantedPermissions: []permission.Capability{permission.System(permission.SysClipboard)}}))

	got, _ := r.Get("x")
	got.GrantedPermissions[0] = permission.System(permission.SysIPC)
	again, _ := r.Get("x")
	assert.True(t, again.GrantedPermissions[0].Same(permission.System(permission.SysClipboard)))
}

func TestRegistryFailedWriteKeepsState(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	r := NewRegistry(filepath.Join(blocker, RegistryFile))
	err := r.Put(Record{ID: "x"})
	require.Error(t, err)
	_, ok := r.Get("x")
	assert.False(t, ok)
}

func TestRegistryCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	require.NoError(t, os.WriteFile(path, []byte("[{"), 0o644))
	assert.Error(t, NewRegistry(path).Load())
}
