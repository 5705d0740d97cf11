package pipesock

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// HeaderSize is the width of the big-endian length prefix in front of every frame.
const HeaderSize = 4

// FrameCodec implements the wire format: a 4-byte big-endian length followed
// by exactly that many content bytes.
type FrameCodec struct {
	// MaxMessageSize is the largest content length accepted in either direction.
	MaxMessageSize int
}

// Encode returns payload as a single frame.
// It fails with ErrMessageTooLarge without producing any bytes if payload exceeds MaxMessageSize.
func (c FrameCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > c.MaxMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "encode %d bytes, max %d", len(payload), c.MaxMessageSize)
	}

	frame := make([]byte, HeaderSize+len(payload))
	putFrame(frame, payload)
	return frame, nil
}

// EncodeBatch writes every payload back to back into dst as consecutive frames.
// dst is only replaced when its capacity is smaller than the total size, so a
// caller that keeps the returned slice pays no allocation in steady state.
func (c FrameCodec) EncodeBatch(dst []byte, payloads ...[]byte) ([]byte, error) {
	total := 0
	for _, p := range payloads {
		if len(p) > c.MaxMessageSize {
			return dst[:0], errors.Wrapf(ErrMessageTooLarge, "encode %d bytes, max %d", len(p), c.MaxMessageSize)
		}
		total += HeaderSize + len(p)
	}

	dst = growTo(dst, total)

	offset := 0
	for _, p := range payloads {
		offset += putFrame(dst[offset:], p)
	}
	return dst, nil
}

// Decode reads one frame from r into content and returns the payload as a view
// into content. header must be at least HeaderSize bytes and content at least
// MaxMessageSize bytes.
//
// A peer that goes away mid-frame or between frames yields io.EOF. A declared
// length above MaxMessageSize yields an error wrapping ErrMessageTooLarge.
func (c FrameCodec) Decode(r io.Reader, header, content []byte) ([]byte, error) {
	if !ReadExactly(r, header, HeaderSize) {
		return nil, io.EOF
	}

	size := binary.BigEndian.Uint32(header[:HeaderSize])
	if uint64(size) > uint64(c.MaxMessageSize) {
		return nil, errors.Wrapf(ErrMessageTooLarge, "declared frame length %d, max %d", size, c.MaxMessageSize)
	}

	if !ReadExactly(r, content, int(size)) {
		return nil, io.EOF
	}
	return content[:size], nil
}

// ReadExactly reads until n bytes have been stored in buf. It reports false as
// soon as the stream fails or returns an empty read, whether the remote side
// closed or the local side did; a partial read is never reported as success.
func ReadExactly(r io.Reader, buf []byte, n int) bool {
	if n > len(buf) {
		return false
	}

	read := 0
	for read < n {
		m, err := r.Read(buf[read:n])
		read += m
		if read == n {
			return true
		}
		if err != nil || m == 0 {
			return false
		}
	}
	return true
}

// putFrame writes the header and payload at the start of dst and returns the number of bytes written.
func putFrame(dst, payload []byte) int {
	binary.BigEndian.PutUint32(dst, uint32(len(payload)))
	return HeaderSize + copy(dst[HeaderSize:], payload)
}

// growTo returns a slice of length n, reusing buf's storage when it is large enough.
func growTo(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
