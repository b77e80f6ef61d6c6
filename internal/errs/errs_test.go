package errs

import (
	"errors"
	"fmt"
	"testing"
)

var errSentinel = errors.New("not found")

func TestKindOfAndUnwrap(t *testing.T) {
	err := P(KindRegistry, "enable", "echo-1.0.0", errSentinel)
	wrapped := fmt.Errorf("cli: %w", err)

	if KindOf(wrapped) != KindRegistry {
		t.Fatalf("KindOf = %v", KindOf(wrapped))
	}
	if !errors.Is(wrapped, errSentinel) {
		t.Fatalf("sentinel lost through wrapping")
	}
	if got := err.Error(); got != "enable echo-1.0.0: not found" {
		t.Fatalf("Error() = %q", got)
	}
	if E(KindIO, "read", nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
	if KindOf(errSentinel) != KindUnknown {
		t.Fatalf("plain errors have no kind")
	}
}
