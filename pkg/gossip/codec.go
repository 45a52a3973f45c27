package gossip

import (
	"encoding/binary"
	"fmt"
)

// FramePrefixSize is the width of the big-endian length prefix preceding
// every gossip frame. The length excludes the prefix itself.
const FramePrefixSize = 4

// Codec frames and deframes opaque gossip messages. It is independent of
// any I/O: Decode is a restartable pull over a caller-owned buffer, so
// framing edge cases can be exercised without a live connection.
type Codec struct {
	maxFrame int
}

// NewCodec creates a codec enforcing the given maximum payload size.
func NewCodec(maxFrame int) *Codec {
	return &Codec{maxFrame: maxFrame}
}

// MaxFrameSize returns the maximum payload size accepted by the codec.
func (c *Codec) MaxFrameSize() int {
	return c.maxFrame
}

// Encode prepends the length prefix to the payload and returns the frame.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > c.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.maxFrame)
	}
	frame := make([]byte, FramePrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[FramePrefixSize:], payload)
	return frame, nil
}

// Decode extracts the first complete frame from buf. It returns the
// payload and the number of bytes consumed. A (nil, 0, nil) result means
// more data is needed; the caller keeps accumulating into the same buffer
// and retries. The payload is copied out of buf, so the caller may reuse
// the buffer immediately.
//
// A length prefix above the maximum fails with ErrFrameTooLarge before any
// payload bytes are buffered, bounding memory against hostile prefixes.
func (c *Codec) Decode(buf []byte) ([]byte, int, error) {
	if len(buf) < FramePrefixSize {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf)
	if length > uint32(c.maxFrame) {
		return nil, 0, fmt.Errorf("%w: announced %d > %d", ErrFrameTooLarge, length, c.maxFrame)
	}
	total := FramePrefixSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, buf[FramePrefixSize:total])
	return payload, total, nil
}
