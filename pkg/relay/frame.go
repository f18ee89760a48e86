package relay

import (
	"bytes"
	"errors"
)

var ErrInvalidFrame = errors.New("invalid frame")

// BuildDatagram prefixes payload with the destination target and a newline.
// Targets therefore must not contain '\n'.
func BuildDatagram(target string, payload []byte) []byte {
	frame := make([]byte, 0, len(target)+1+len(payload))
	frame = append(frame, target...)
	frame = append(frame, '\n')
	frame = append(frame, payload...)
	return frame
}

// ParseDatagram splits a frame built by BuildDatagram. An empty payload is
// allowed; an empty target is not.
func ParseDatagram(frame []byte) (string, []byte, error) {
	idx := bytes.IndexByte(frame, '\n')
	if idx <= 0 {
		return "", nil, ErrInvalidFrame
	}
	return string(frame[:idx]), frame[idx+1:], nil
}
