// Package wire implements the peer-to-peer frame format used to carry
// logical clock values between machines.
//
// A frame is a 4-byte big-endian length followed by that many payload bytes.
// The current protocol always sends a 4-byte payload holding one big-endian
// uint32 clock value:
//
//	+----------------+----------------+
//	| length (BE u32)| value (BE u32) |
//	+----------------+----------------+
//	      = 4
//
// Decoders honor the declared length rather than assuming 4, so a peer that
// appends extra payload bytes is still understood: the clock value is the
// first 4 payload bytes and the rest is skipped.
//
// # Disconnects
//
// A stream that ends before the first byte of a frame is a clean peer
// disconnect and yields ErrPeerClosed. A stream that ends inside a frame also
// yields ErrPeerClosed, wrapped together with io.ErrUnexpectedEOF. Frames with
// an impossible declared length yield a *MalformedFrameError; callers should
// drop the connection, never the process.
package wire
