// Package protocol implements the framing used between the coordinator and
// its workers over a TCP byte stream.
//
// Every message, in both directions, is a single frame:
//
//	+-----------------------------+---------------------------+
//	| length: uint64, big-endian  | payload: exactly `length` |
//	+-----------------------------+---------------------------+
//
// A job frame (coordinator → worker) carries the item identifier bytes with
// no terminator. A result frame (worker → coordinator) carries exactly eight
// bytes: the worker's uint64 count for the oldest job it has not yet answered,
// big-endian. Results carry no item identifier, so a worker must answer jobs
// in the order it received them.
//
// Readers loop until the declared number of bytes has arrived, because one
// network read may return fewer bytes than requested. A read that returns no
// bytes at a frame boundary is peer closure (ErrPeerClosed), never an empty
// message. Anything else that prevents a full frame from being read is a
// framing error (ErrFraming).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	// HeaderSize is the size in bytes of the length prefix.
	HeaderSize = 8

	// ResultPayloadSize is the payload size of a result frame.
	ResultPayloadSize = 8

	// DefaultMaxPayload bounds job payloads when no limit is configured.
	DefaultMaxPayload = 64 << 10
)

var (
	// ErrPeerClosed is returned when the stream ends cleanly on a frame boundary.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrFraming is returned for any frame that cannot be read in full or
	// whose header is inconsistent with the message it should carry.
	ErrFraming = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a header declares more bytes than
	// the receiver accepts. It is a framing error.
	ErrFrameTooLarge = fmt.Errorf("%w: declared length exceeds limit", ErrFraming)
)

// Encoder writes frames to an underlying writer.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder returns an encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// WriteFrame writes a single frame with the given payload. The frame is
// considered sent only once every byte has been accepted by the writer.
func (e *Encoder) WriteFrame(payload []byte) error {
	n := HeaderSize + len(payload)
	if cap(e.buf) < n {
		e.buf = make([]byte, n)
	}
	frame := e.buf[:n]
	binary.BigEndian.PutUint64(frame[:HeaderSize], uint64(len(payload)))
	copy(frame[HeaderSize:], payload)

	for len(frame) > 0 {
		written, err := e.w.Write(frame)
		if err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
		if written == 0 {
			return fmt.Errorf("writing frame: %w", io.ErrShortWrite)
		}
		frame = frame[written:]
	}
	return nil
}

// WriteJob frames and writes an item identifier.
func (e *Encoder) WriteJob(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty job payload", ErrFraming)
	}
	return e.WriteFrame([]byte(id))
}

// WriteResult frames and writes a count.
func (e *Encoder) WriteResult(count uint64) error {
	var payload [ResultPayloadSize]byte
	binary.BigEndian.PutUint64(payload[:], count)
	return e.WriteFrame(payload[:])
}

// deadlineReader is satisfied by net.Conn.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// Decoder reads frames from an underlying reader.
type Decoder struct {
	r           io.Reader
	maxPayload  uint64
	bodyTimeout time.Duration
	hdr         [HeaderSize]byte
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxPayload sets the largest payload the decoder accepts.
func WithMaxPayload(n uint64) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxPayload = n
		}
	}
}

// WithBodyTimeout bounds how long the decoder waits for the rest of a frame
// once its first byte has arrived. It only applies when the reader supports
// read deadlines (net.Conn does). A frame that does not complete in time is a
// framing error. Waiting for the first byte of the next frame is never bounded.
func WithBodyTimeout(timeout time.Duration) DecoderOption {
	return func(d *Decoder) { d.bodyTimeout = timeout }
}

// NewDecoder returns a decoder that reads from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: r, maxPayload: DefaultMaxPayload}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next reads one complete frame and returns its payload.
func (d *Decoder) Next() ([]byte, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:1]); err != nil {
		return nil, classifyReadErr(err, "header")
	}

	// The frame has started; the rest of it is bounded.
	dl, hasDeadline := d.r.(deadlineReader)
	if hasDeadline && d.bodyTimeout > 0 {
		_ = dl.SetReadDeadline(time.Now().Add(d.bodyTimeout))
		defer func() { _ = dl.SetReadDeadline(time.Time{}) }()
	}

	if _, err := io.ReadFull(d.r, d.hdr[1:]); err != nil {
		return nil, classifyReadErr(midFrame(err), "header")
	}

	size := binary.BigEndian.Uint64(d.hdr[:])
	if size > d.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, d.maxPayload)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, classifyReadErr(midFrame(err), "payload")
	}
	return payload, nil
}

// ReadJob reads one job frame and returns the item identifier.
func (d *Decoder) ReadJob() (string, error) {
	payload, err := d.Next()
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty job payload", ErrFraming)
	}
	return string(payload), nil
}

// ReadResult reads one result frame and returns the count.
func (d *Decoder) ReadResult() (uint64, error) {
	payload, err := d.Next()
	if err != nil {
		return 0, err
	}
	if len(payload) != ResultPayloadSize {
		return 0, fmt.Errorf("%w: result payload is %d bytes, want %d", ErrFraming, len(payload), ResultPayloadSize)
	}
	return binary.BigEndian.Uint64(payload), nil
}

// midFrame turns a clean EOF into a truncation: past the first byte of a
// frame the stream may not end.
func midFrame(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func classifyReadErr(err error, part string) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrPeerClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated %s: %w", ErrFraming, part, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: incomplete %s: %w", ErrFraming, part, err)
	default:
		return fmt.Errorf("reading frame %s: %w", part, err)
	}
}
