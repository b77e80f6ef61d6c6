package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("plugin not found")
	ErrAlreadyInstalled  = errors.New("plugin already installed")
	ErrInvalidState      = errors.New("invalid state for transition")
	ErrIncompatible      = errors.New("plugin incompatible")
	ErrManifest          = errors.New("invalid manifest")
	ErrUnsigned          = errors.New("package signature required")
	ErrUntrusted         = errors.New("package signature rejected")
	ErrNoUpdateAvailable = errors.New("no update available")
	ErrPackage           = errors.New("invalid package")

	ErrLoadFailed         = errors.New("plugin binary failed to load")
	ErrMissingExport      = errors.New("required export missing")
	ErrInitFailed         = errors.New("plugin initialization failed")
	ErrTeardownFailed     = errors.New("plugin teardown failed")
	ErrUnsupportedRuntime = errors.New("runtime not supported on this host")

	ErrNotRunning  = errors.New("plugin not running")
	ErrNoSuchEvent = errors.New("no callback registered for event")
)

// CodeError carries a non-zero status returned by a plugin's init or
// teardown export.
type CodeError struct {
	Export string
	Code   int
	base   error
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s returned %d", e.Export, e.Code)
}

func (e *CodeError) Unwrap() error { return e.base }

func initError(export string, code int) error {
	return &CodeError{Export: export, Code: code, base: ErrInitFailed}
}

func teardownError(export string, code int) error {
	return &CodeError{Export: export, Code: code, base: ErrTeardownFailed}
}
