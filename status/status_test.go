package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{"nil", nil, CodeOK},
		{"invalid argument", ErrInvalidArgument, CodeInvalidArgument},
		{"not found", ErrNotFound, CodeNotFound},
		{"no such stream", ErrNoSuchStream, CodeNoSuchStream},
		{"busy", ErrBusy, CodeBusy},
		{"permission denied", ErrPermissionDenied, CodePermissionDenied},
		{"channel full", ErrChannelFull, CodeChannelFull},
		{"deadline exceeded", ErrDeadlineExceeded, CodeDeadlineExceeded},
		{"size mismatch", ErrSizeMismatch, CodeSizeMismatch},
		{"invalid address", ErrInvalidAddress, CodeInvalidAddress},
		{"xrun", ErrXRun, CodeXRun},
		{"unclassified", errors.New("disk on fire"), CodeInternal},
		{"wrapped sentinel", fmt.Errorf("open: %w", ErrBusy), CodeBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestFromCode_RoundTrip(t *testing.T) {
	codes := []int32{
		CodeInvalidArgument, CodeNotFound, CodeNoSuchStream, CodeBusy,
		CodePermissionDenied, CodeChannelFull, CodeDeadlineExceeded,
		CodeSizeMismatch, CodeInvalidAddress, CodeXRun,
	}
	for _, code := range codes {
		err := FromCode(code)
		if err == nil {
			t.Errorf("FromCode(%d) = nil", code)
			continue
		}
		if got := Code(err); got != code {
			t.Errorf("Code(FromCode(%d)) = %d", code, got)
		}
	}
}

func TestFromCode_OKAndUnknown(t *testing.T) {
	if err := FromCode(CodeOK); err != nil {
		t.Errorf("FromCode(CodeOK) = %v, want nil", err)
	}

	err := FromCode(-77)
	if err == nil {
		t.Fatal("FromCode(-77) should not be nil")
	}
	if Code(err) != CodeInternal {
		t.Errorf("unknown code should classify as internal, got %d", Code(err))
	}
}

func TestProtocolError_IsMatchesKind(t *testing.T) {
	err := Errorf(ErrBusy, "pcm_open", "Speaker")

	if !errors.Is(err, ErrBusy) {
		t.Error("errors.Is should match the kind sentinel")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("errors.Is should not match other sentinels")
	}
	if got := err.Error(); got != "pcm_open Speaker: stream busy" {
		t.Errorf("Error() = %q", got)
	}
}

func TestProtocolError_UnwrapsCause(t *testing.T) {
	cause := errors.New("mmap failed")
	err := Wrap(ErrInvalidAddress, "pcm_open", "Speaker", cause)

	if !errors.Is(err, ErrInvalidAddress) {
		t.Error("errors.Is should match the kind")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the underlying cause")
	}

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatal("errors.As should find ProtocolError")
	}
	if perr.Op != "pcm_open" || perr.Target != "Speaker" {
		t.Errorf("perr = %+v", perr)
	}
}

func TestWrap_NilErrReturnsNil(t *testing.T) {
	if err := Wrap(ErrBusy, "op", "target", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}
