package permission

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDenied            = errors.New("permission denied")
	ErrScopeTooLarge     = errors.New("capability scope too large")
	ErrInvalidCapability = errors.New("invalid capability")
	ErrRequestTimeout    = errors.New("permission prompt timed out")
	ErrPromptFailed      = errors.New("permission prompt failed")
	ErrNoPromptHandler   = errors.New("no prompt handler configured")
)

// DeniedError lists the capabilities that were refused.
type DeniedError struct {
	Plugin       string
	Capabilities []Capability
	// Source is "policy", "history" or "user".
	Source string
}

func (e *DeniedError) Error() string {
	parts := make([]string, 0, len(e.Capabilities))
	for _, c := range e.Capabilities {
		parts = append(parts, c.String())
	}
	return fmt.Sprintf("permission denied by %s: %s", e.Source, strings.Join(parts, "; "))
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }
