package farmerr

import (
	"errors"
	"testing"
)

func TestErrorKindsUnwrapToUnderlyingCause(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
	}{
		{"Protocol", NewProtocol("slave", "unexpected message: %w", cause)},
		{"Storage", NewStorage(cause)},
		{"Integrity", NewIntegrity("hash mismatch: %w", cause)},
		{"Timeout", NewTimeout("slave", cause)},
		{"Fatal", NewFatal("task did not join: %w", cause)},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, cause) {
			t.Errorf("%s: errors.Is(err, cause) = false, want true (err: %v)", tt.name, tt.err)
		}
		if tt.err.Error() == "" {
			t.Errorf("%s: Error() returned empty string", tt.name)
		}
	}
}
