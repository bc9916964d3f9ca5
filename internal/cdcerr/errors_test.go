package cdcerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageShapes(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"detail only", New(KindSchemaMissing, "slot missing"), "SchemaMissing: slot missing"},
		{"detail and cause", Wrap(KindConnectFailed, "dialing", errors.New("refused")), "ConnectFailed: dialing: refused"},
		{"cause only", &Error{Kind: KindTimeout, Cause: errors.New("deadline")}, "Timeout: deadline"},
		{"server error", ServerErr("42P01", "relation does not exist"), "server error 42P01 (ServerError): relation does not exist"},
		{"bare kind", &Error{Kind: KindClosed}, "Closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindDecodeError, "column 3", cause)
	if got := err.Unwrap(); got != cause {
		t.Errorf("Unwrap() = %v, want %v", got, cause)
	}
}

func TestIsMatchesKindThroughWrapChain(t *testing.T) {
	inner := New(KindSchemaMissing, "no table_map seen")
	wrapped := fmt.Errorf("decoding rows event: %w", inner)
	if !Is(wrapped, KindSchemaMissing) {
		t.Error("expected Is to find KindSchemaMissing through an fmt.Errorf wrap")
	}
	if Is(wrapped, KindTimeout) {
		t.Error("expected Is(KindTimeout) to be false")
	}
}

func TestIsFalseOnPlainError(t *testing.T) {
	if Is(errors.New("plain"), KindUnknown) {
		t.Error("a plain error should never match a specific Kind")
	}
}

func TestDecodeErrFormatsColumnAndByteCount(t *testing.T) {
	err := DecodeErr("price", "unsupported DECIMAL", []byte{1, 2, 3})
	if err.Kind != KindDecodeError {
		t.Errorf("Kind = %v, want KindDecodeError", err.Kind)
	}
	want := "DecodeError: column=price reason=unsupported DECIMAL bytes=3"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
