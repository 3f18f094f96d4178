// Package status defines the error taxonomy shared by the frontend and
// backend protocol cores, together with the i32 status codes carried in
// reply payloads on the wire.
//
// Sentinel errors enable callers to use errors.Is/errors.As for typed
// assertions rather than string matching. Code/FromCode translate between
// sentinels and wire status values.
package status

import (
	"errors"
	"fmt"
)

// Sentinel errors for protocol failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrInvalidArgument indicates a malformed request (empty pcm id, nil name).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates an unknown resource, domain, or widget.
	ErrNotFound = errors.New("not found")

	// ErrNoSuchStream indicates an operation on a stream with no open session.
	ErrNoSuchStream = errors.New("no such stream")

	// ErrBusy indicates the stream is already open somewhere.
	ErrBusy = errors.New("stream busy")

	// ErrPermissionDenied indicates a cross-domain access attempt.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrChannelFull indicates transport backpressure. Recovered locally via
	// the pending queue and never surfaced for notifications.
	ErrChannelFull = errors.New("channel full")

	// ErrDeadlineExceeded indicates a request timed out waiting for its reply.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrSizeMismatch indicates a payload or resource size did not match the
	// size agreed by the protocol.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrInvalidAddress indicates guest address translation or mapping failed.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrXRun indicates a stream over/underrun detected from pointer progress.
	ErrXRun = errors.New("stream xrun")
)

// Wire status codes, carried as i32 in the status field of reply payloads.
// Zero is success; failures are negative, mirroring the errno convention of
// the protocol peers.
const (
	CodeOK               int32 = 0
	CodeInvalidArgument  int32 = -1
	CodeNotFound         int32 = -2
	CodeNoSuchStream     int32 = -3
	CodeBusy             int32 = -4
	CodePermissionDenied int32 = -5
	CodeChannelFull      int32 = -6
	CodeDeadlineExceeded int32 = -7
	CodeSizeMismatch     int32 = -8
	CodeInvalidAddress   int32 = -9
	CodeXRun             int32 = -10
	CodeInternal         int32 = -128
)

var codeToErr = map[int32]error{
	CodeInvalidArgument:  ErrInvalidArgument,
	CodeNotFound:         ErrNotFound,
	CodeNoSuchStream:     ErrNoSuchStream,
	CodeBusy:             ErrBusy,
	CodePermissionDenied: ErrPermissionDenied,
	CodeChannelFull:      ErrChannelFull,
	CodeDeadlineExceeded: ErrDeadlineExceeded,
	CodeSizeMismatch:     ErrSizeMismatch,
	CodeInvalidAddress:   ErrInvalidAddress,
	CodeXRun:             ErrXRun,
}

// Code maps an error to its wire status code. A nil error maps to CodeOK;
// unclassified errors map to CodeInternal.
func Code(err error) int32 {
	if err == nil {
		return CodeOK
	}
	for code, sentinel := range codeToErr {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// FromCode maps a wire status code back to a sentinel error.
// CodeOK maps to nil; unknown negative codes map to a generic error
// carrying the raw value.
func FromCode(code int32) error {
	if code == CodeOK {
		return nil
	}
	if err, ok := codeToErr[code]; ok {
		return err
	}
	return fmt.Errorf("remote status %d", code)
}

// ProtocolError wraps an underlying error with the operation and resource it
// concerned. It preserves the sentinel in the chain for errors.Is traversal.
type ProtocolError struct {
	// Kind is the sentinel error for classification (e.g. ErrBusy).
	Kind error
	// Op is the operation that failed (e.g. "pcm_open", "res_desc").
	Op string
	// Target is the resource involved: a pcm id, control id, or resource name.
	Target string
	// Err is the underlying error, if any.
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Target, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *ProtocolError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is reports whether the error matches the target sentinel.
func (e *ProtocolError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// Errorf creates a classified protocol error.
func Errorf(kind error, op, target string) *ProtocolError {
	return &ProtocolError{Kind: kind, Op: op, Target: target}
}

// Wrap creates a classified protocol error with an underlying cause.
// Returns nil if err is nil.
func Wrap(kind error, op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Kind: kind, Op: op, Target: target, Err: err}
}
