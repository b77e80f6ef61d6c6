//go:build !((darwin || linux) && (amd64 || arm64))

package plugin

import (
	"context"
	"fmt"
	"runtime"

	logx "warden/pkg/logx"
)

// NativeLinker is unavailable on this platform; every link reports the
// plugin as incompatible.
type NativeLinker struct{}

func NewNativeLinker(logx.Logger) *NativeLinker { return &NativeLinker{} }

func (*NativeLinker) Link(context.Context, string, Manifest) (Module, error) {
	return nil, fmt.Errorf("%w: native plugins on %s/%s", ErrUnsupportedRuntime, runtime.GOOS, runtime.GOARCH)
}
