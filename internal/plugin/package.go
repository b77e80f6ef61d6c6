package plugin

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4"
)

// PackageFormat is how a plugin package is laid out on disk.
type PackageFormat string

const (
	FormatDir    PackageFormat = "dir"
	FormatZip    PackageFormat = "zip"
	FormatTarLZ4 PackageFormat = "tar.lz4"
)

const (
	maxPackageBytes = 512 << 20
	maxPackageFiles = 10000
)

// DetectFormat classifies src by file type and extension.
func DetectFormat(src string) (PackageFormat, error) {
	st, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	if st.IsDir() {
		return FormatDir, nil
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.lz4"), strings.HasSuffix(lower, ".tlz4"):
		return FormatTarLZ4, nil
	default:
		return "", fmt.Errorf("%w: unknown package format %q", ErrPackage, filepath.Base(src))
	}
}

// Extract unpacks src into dst, which must exist and be empty.
func Extract(src, dst string) error {
	format, err := DetectFormat(src)
	if err != nil {
		return err
	}
	switch format {
	case FormatDir:
		return copyTree(src, dst)
	case FormatZip:
		return extractZip(src, dst)
	default:
		return extractTarLZ4(src, dst)
	}
}

// target resolves an archive member name under dst, rejecting escapes.
func target(dst, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	clean := path.Clean("/" + name)[1:]
	if clean == "" || strings.HasPrefix(name, "/") || strings.Contains("/"+name+"/", "/../") {
		return "", fmt.Errorf("%w: unsafe member %q", ErrPackage, name)
	}
	return filepath.Join(dst, filepath.FromSlash(clean)), nil
}

type budget struct{ files, bytes int64 }

func (b *budget) take(n int64) error {
	b.files++
	b.bytes += n
	if b.files > maxPackageFiles || b.bytes > maxPackageBytes {
		return fmt.Errorf("%w: package too large", ErrPackage)
	}
	return nil
}

func writeMember(dst string, r io.Reader, mode fs.FileMode, b *budget) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(r, maxPackageBytes-b.bytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return b.take(n)
}

func extractZip(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPackage, err)
	}
	defer zr.Close()
	var b budget
	for _, f := range zr.File {
		p, err := target(dst, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrPackage, err)
			}
			err = writeMember(p, rc, mode, &b)
			rc.Close()
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q is not a regular file", ErrPackage, f.Name)
		}
	}
	return nil
}

func extractTarLZ4(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	tr := tar.NewReader(lz4.NewReader(f))
	var b budget
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPackage, err)
		}
		p, err := target(dst, h.Name)
		if err != nil {
			return err
		}
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeMember(p, tr, fs.FileMode(h.Mode), &b); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q is not a regular file", ErrPackage, h.Name)
		}
	}
}

func copyTree(src, dst string) error {
	var b budget
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		out := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(out, 0o755)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			return writeMember(out, in, info.Mode(), &b)
		default:
			return fmt.Errorf("%w: %q is not a regular file", ErrPackage, rel)
		}
	})
}

// Pack writes the directory src as a package at dst. The format follows
// dst's extension.
func Pack(src, dst string) (err error) {
	format := FormatZip
	if l := strings.ToLower(dst); strings.HasSuffix(l, ".tar.lz4") || strings.HasSuffix(l, ".tlz4") {
		format = FormatTarLZ4
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	walk := func(add func(rel string, info fs.FileInfo, r io.Reader) error) error {
		return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if !d.Type().IsRegular() {
				return fmt.Errorf("%w: %q is not a regular file", ErrPackage, p)
			}
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			return add(filepath.ToSlash(rel), info, f)
		})
	}

	if format == FormatZip {
		zw := zip.NewWriter(out)
		err = walk(func(rel string, info fs.FileInfo, r io.Reader) error {
			h, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			h.Name, h.Method = rel, zip.Deflate
			w, err := zw.CreateHeader(h)
			if err != nil {
				return err
			}
			_, err = io.Copy(w, r)
			return err
		})
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		return err
	}

	lw := lz4.NewWriter(out)
	tw := tar.NewWriter(lw)
	err = walk(func(rel string, info fs.FileInfo, r io.Reader) error {
		h, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		h.Name = rel
		if err := tw.WriteHeader(h); err != nil {
			return err
		}
		_, err = io.Copy(tw, r)
		return err
	})
	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if cerr := lw.Close(); err == nil {
		err = cerr
	}
	return err
}
