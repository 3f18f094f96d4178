// Package trace records protocol message traffic as length-prefixed msgpack
// frames for offline inspection.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/virtsnd/wire"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (1 MiB), including length prefix.
	MaxFrameSize = 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Message directions.
const (
	DirRequest = "request"
	DirReply   = "reply"
	DirNotify  = "notify"
)

// Record is one traced message.
type Record struct {
	ID         string    `msgpack:"id"`
	Time       time.Time `msgpack:"time"`
	Direction  string    `msgpack:"direction"`
	Cmd        uint32    `msgpack:"cmd"`
	DomainID   uint32    `msgpack:"domain_id"`
	DomainName string    `msgpack:"domain_name"`
	Target     string    `msgpack:"target"`
	Size       int       `msgpack:"size"`
	Status     int32     `msgpack:"status"`
}

// NewRecord builds a record for one decoded envelope.
func NewRecord(direction string, hdr *wire.Header, size int, code int32) Record {
	target := hdr.PCM.PCMID
	if hdr.Type() == wire.MsgTypeKctl {
		target = hdr.Kctl.ControlID
	}
	return Record{
		ID:         uuid.NewString(),
		Time:       time.Now().UTC(),
		Direction:  direction,
		Cmd:        hdr.Cmd,
		DomainID:   hdr.DomainID,
		DomainName: hdr.DomainName,
		Target:     target,
		Size:       size,
		Status:     code,
	}
}

// Writer appends records to a trace stream. Safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewWriter wraps an output stream.
func NewWriter(w io.WriteCloser) *Writer {
	return &Writer{w: w}
}

// Create opens a trace file for appending.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open trace file %q: %w", path, err)
	}
	return NewWriter(f), nil
}

// Write appends one record as a length-prefixed msgpack frame.
func (t *Writer) Write(r Record) error {
	payload, err := msgpack.Marshal(&r)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("trace record size %d exceeds maximum %d", len(payload), MaxPayloadSize)
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = t.w.Write(payload)
	return err
}

// Close closes the underlying stream.
func (t *Writer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Close()
}

// FrameErrorKind classifies trace decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a trace frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true when the stream cannot be read past this error.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Reader decodes length-prefixed trace frames from a stream.
type Reader struct {
	reader io.Reader
}

// NewReader creates a trace reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: r}
}

// Next reads and decodes the next record.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
//   - *FrameError with Kind=FrameErrorDecode: bad record body
func (d *Reader) Next() (*Record, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	var r Record
	if err := msgpack.Unmarshal(payload, &r); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode trace record",
			Err:  err,
		}
	}
	return &r, nil
}
