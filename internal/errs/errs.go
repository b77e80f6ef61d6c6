// Package errs is the error taxonomy shared by the verifier, permission
// manager, sandbox and loader. Callers branch on Kind or on a package's
// sentinel errors with errors.Is, never on message text.
package errs

import (
	"errors"
	"strings"
)

// Kind classifies failures by the component that produced them.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindManifest
	KindSignature
	KindPermission
	KindSandbox
	KindLoad
	KindRegistry
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindSignature:
		return "signature"
	case KindPermission:
		return "permission"
	case KindSandbox:
		return "sandbox"
	case KindLoad:
		return "load"
	case KindRegistry:
		return "registry"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the failing operation and the plugin it concerns.
type Error struct {
	Kind   Kind
	Op     string
	Plugin string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Plugin != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.Plugin)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return e.Kind.String() + " error"
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// P is E with a plugin id.
func P(kind Kind, op, plugin string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Plugin: plugin, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
