package plugin

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func TestPackExtractRoundTrip(t *testing.T) {
	files := map[string]string{
		ManifestFile:       `{"name":"x"}`,
		"lib/plugin.wasm":  "\x00asm",
		"assets/icons/a.b": "icon",
	}
	src := writeTree(t, files)

	for _, name := range []string{"p.zip", "p.tar.lz4"} {
		t.Run(name, func(t *testing.T) {
			pkg := filepath.Join(t.TempDir(), name)
			require.NoError(t, Pack(src, pkg))

			format, err := DetectFormat(pkg)
			require.NoError(t, err)
			assert.NotEqual(t, FormatDir, format)

			dst := t.TempDir()
			require.NoError(t, Extract(pkg, dst))
			for rel, body := range files {
				got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
				require.NoError(t, err, rel)
				assert.Equal(t, body, string(got))
			}
		})
	}
}

func TestExtractDirectoryCopies(t *testing.T) {
	src := writeTree(t, map[string]string{ManifestFile: "{}", "a/b": "c"})
	dst := t.TempDir()
	require.NoError(t, Extract(src, dst))
	got, err := os.ReadFile(filepath.Join(dst, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(got))
}

func TestExtractRejectsUnsafeMembers(t *testing.T) {
	for _, member := range []string{"../evil", "/abs/evil", `..\evil`, "a/../../evil"} {
		t.Run(member, func(t *testing.T) {
			pkg := filepath.Join(t.TempDir(), "bad.zip")
			f, err := os.Create(pkg)
			require.NoError(t, err)
			zw := zip.NewWriter(f)
			w, err := zw.CreateHeader(&zip.FileHeader{Name: member, Method: zip.Store, Modified: time.Now()})
			require.NoError(t, err)
			_, _ = w.Write([]byte("x"))
			require.NoError(t, zw.Close())
			require.NoError(t, f.Close())

			dst := filepath.Join(t.TempDir(), "out")
			require.NoError(t, os.Mkdir(dst, 0o755))
			err = Extract(pkg, dst)
			assert.ErrorIs(t, err, ErrPackage)
			assert.NoFileExists(t, filepath.Join(filepath.Dir(dst), "evil"))
		})
	}
}

func TestDetectFormatUnknown(t *testing.T) {
	p := filepath.Join(t.TempDir(), "plugin.rar")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	_, err := DetectFormat(p)
	assert.ErrorIs(t, err, ErrPackage)
}
