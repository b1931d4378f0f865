package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// ValueSize is the size of one encoded clock value.
	ValueSize = 4

	// FrameSize is the size of a frame produced by Encode.
	FrameSize = HeaderSize + ValueSize

	// MaxPayload bounds the declared length a decoder will accept.
	MaxPayload = 64 * 1024
)

// ErrPeerClosed is returned when the remote end closed the stream.
var ErrPeerClosed = errors.New("peer closed connection")

// MalformedFrameError reports a frame whose declared length cannot hold a
// clock value or exceeds MaxPayload.
type MalformedFrameError struct {
	Length uint32
}

// Error implements the error interface.
func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: declared length %d outside [%d, %d]",
		e.Length, ValueSize, MaxPayload)
}

// IsMalformed returns true if err is a *MalformedFrameError.
// Uses errors.As to handle wrapped errors.
func IsMalformed(err error) bool {
	var me *MalformedFrameError
	return errors.As(err, &me)
}

// IsPeerClosed returns true if err reports a peer disconnect.
func IsPeerClosed(err error) bool {
	return errors.Is(err, ErrPeerClosed)
}

// Encode returns the 8-byte frame carrying v.
func Encode(v uint32) []byte {
	return AppendFrame(make([]byte, 0, FrameSize), v)
}

// AppendFrame appends the frame carrying v to dst.
func AppendFrame(dst []byte, v uint32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, ValueSize)
	return binary.BigEndian.AppendUint32(dst, v)
}

// WriteFrame writes one complete frame carrying v.
func WriteFrame(w io.Writer, v uint32) error {
	var buf [FrameSize]byte
	frame := AppendFrame(buf[:0], v)
	n, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("write frame: %w", io.ErrShortWrite)
	}
	return nil
}

// ReadFrame reads exactly one frame from r and returns its clock value.
//
// io.ReadFull accumulates short reads, so r may hand back fewer bytes per
// call than requested.
func ReadFrame(r io.Reader) (uint32, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, classify(err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length < ValueSize || length > MaxPayload {
		return 0, &MalformedFrameError{Length: length}
	}

	var val [ValueSize]byte
	if _, err := io.ReadFull(r, val[:]); err != nil {
		return 0, classify(midFrame(err))
	}

	if extra := int64(length - ValueSize); extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return 0, classify(midFrame(err))
		}
	}

	return binary.BigEndian.Uint32(val[:]), nil
}

// midFrame converts a clean EOF into io.ErrUnexpectedEOF; once the header
// has been consumed there is no clean place for the stream to end.
func midFrame(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func classify(err error) error {
	switch {
	case err == io.EOF:
		return ErrPeerClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrPeerClosed, io.ErrUnexpectedEOF)
	default:
		return fmt.Errorf("read frame: %w", err)
	}
}

// Reader decodes frames from a buffered stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r in a frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next blocks until one frame has been read.
func (r *Reader) Next() (uint32, error) {
	return ReadFrame(r.br)
}

// FrameBuffered reports whether a complete frame can be decoded without
// touching the underlying stream. A malformed header counts as buffered so
// the next call to Next surfaces the error.
func (r *Reader) FrameBuffered() bool {
	if r.br.Buffered() < HeaderSize {
		return false
	}
	hdr, err := r.br.Peek(HeaderSize)
	if err != nil {
		return false
	}
	length := binary.BigEndian.Uint32(hdr)
	if length < ValueSize || length > MaxPayload {
		return true
	}
	return r.br.Buffered() >= HeaderSize+int(length)
}

// Drain blocks for one frame, then keeps decoding while complete frames are
// already buffered, handing each value to fn in stream order. It returns the
// number of values delivered. fn errors stop the drain and are returned as is.
func (r *Reader) Drain(fn func(uint32) error) (int, error) {
	delivered := 0
	for {
		v, err := r.Next()
		if err != nil {
			return delivered, err
		}
		if err := fn(v); err != nil {
			return delivered, err
		}
		delivered++

		if !r.FrameBuffered() {
			return delivered, nil
		}
	}
}
