package relay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrInvalidPadding = errors.New("invalid padding frame")

const lengthPrefix = 4

// PaddedSize returns the frame size for an n byte payload: the smallest bucket
// that fits the length prefix and payload, or a multiple of the largest bucket
// when none does. buckets must be strictly increasing.
func PaddedSize(n int, buckets []int) int {
	need := lengthPrefix + n
	if len(buckets) == 0 {
		return need
	}
	for _, b := range buckets {
		if need <= b {
			return b
		}
	}
	largest := buckets[len(buckets)-1]
	return ((need + largest - 1) / largest) * largest
}

// Pad wraps payload as [4-byte big endian length][payload][random filler]
// sized by PaddedSize. A nil r uses crypto/rand.
func Pad(payload []byte, buckets []int, r io.Reader) ([]byte, error) {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: payload too large", ErrInvalidPadding)
	}
	if r == nil {
		r = rand.Reader
	}
	frame := make([]byte, PaddedSize(len(payload), buckets))
	binary.BigEndian.PutUint32(frame[:lengthPrefix], uint32(len(payload)))
	copy(frame[lengthPrefix:], payload)
	if _, err := io.ReadFull(r, frame[lengthPrefix+len(payload):]); err != nil {
		return nil, fmt.Errorf("padding: %w", err)
	}
	return frame, nil
}

// Unpad returns the payload carried by a frame built with Pad.
func Unpad(frame []byte) ([]byte, error) {
	if len(frame) < lengthPrefix {
		return nil, ErrInvalidPadding
	}
	n := binary.BigEndian.Uint32(frame[:lengthPrefix])
	if uint64(n) > uint64(len(frame)-lengthPrefix) {
		return nil, fmt.Errorf("%w: length %d exceeds frame", ErrInvalidPadding, n)
	}
	return frame[lengthPrefix : lengthPrefix+int(n)], nil
}
