package overlay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"privacyroute/pkg/crypto"
)

var ErrMalformedEnvelope = errors.New("malformed selective envelope")

// PrivacyLevel selects how much of a payload SmartEncrypt covers.
type PrivacyLevel uint8

const (
	// LevelPerformance encrypts only detected sensitive ranges.
	LevelPerformance PrivacyLevel = iota
	// LevelBalanced adds random decoy ranges on top of the sensitive ones.
	LevelBalanced
	// LevelMaximum encrypts the whole payload.
	LevelMaximum
)

func (l PrivacyLevel) String() string {
	switch l {
	case LevelPerformance:
		return "performance"
	case LevelBalanced:
		return "balanced"
	case LevelMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

const (
	decoyFraction = 0.3
	minDecoyLen   = 4
	maxDecoyLen   = 16
)

// Envelope layout: [body][cbor trailer][4-byte big endian trailer length][magic].
var envelopeMagic = []byte("SEL1")

const footerSize = 8

type envelope struct {
	Ranges    []Range          `cbor:"1,keyasint"`
	Nonce     []byte           `cbor:"2,keyasint"`
	Algorithm crypto.Algorithm `cbor:"3,keyasint"`
	Overflow  []byte           `cbor:"4,keyasint,omitempty"`
}

// SelectiveEncryption encrypts the sensitive parts of a payload in place. The
// output keeps the payload's byte layout and appends a trailer naming the
// encrypted ranges, so SmartDecrypt restores the exact input at every level.
type SelectiveEncryption struct {
	engine *crypto.Engine

	mu       sync.RWMutex
	patterns []string
}

func NewSelectiveEncryption(engine *crypto.Engine, patterns []string) *SelectiveEncryption {
	s := &SelectiveEncryption{engine: engine}
	for _, p := range patterns {
		s.AddPattern(p)
	}
	return s
}

// AddPattern registers a case-insensitive substring. Duplicates and blanks are
// ignored.
func (s *SelectiveEncryption) AddPattern(pattern string) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.patterns {
		if existing == p {
			return
		}
	}
	s.patterns = append(s.patterns, p)
}

func (s *SelectiveEncryption) RemovePattern(pattern string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.patterns {
		if existing == p {
			s.patterns = append(s.patterns[:i], s.patterns[i+1:]...)
			return true
		}
	}
	return false
}

func (s *SelectiveEncryption) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.patterns...)
}

// DetectSensitiveParts returns sorted, disjoint ranges covering every pattern
// occurrence together with the value that follows it, e.g. all of
// "password=secret" in a query string.
func (s *SelectiveEncryption) DetectSensitiveParts(data []byte) []Range {
	if len(data) == 0 {
		return nil
	}
	patterns := s.Patterns()
	lower := asciiLower(data)
	var found []Range
	for _, p := range patterns {
		pb := []byte(p)
		for from := 0; from < len(lower); {
			idx := bytes.Index(lower[from:], pb)
			if idx < 0 {
				break
			}
			start := from + idx
			found = append(found, Range{Start: start, End: tokenEnd(data, start+len(pb))})
			from = start + 1
		}
	}
	return mergeRanges(found)
}

func (s *SelectiveEncryption) SmartEncrypt(data []byte, key *crypto.Key, level PrivacyLevel) ([]byte, error) {
	out, _, err := s.smartEncrypt(data, key, level)
	return out, err
}

// smartEncrypt also reports how many payload bytes were encrypted.
func (s *SelectiveEncryption) smartEncrypt(data []byte, key *crypto.Key, level PrivacyLevel) ([]byte, int, error) {
	ranges := s.plan(data, level)
	if len(ranges) == 0 && level != LevelMaximum {
		return append([]byte(nil), data...), 0, nil
	}

	covered := coveredBytes(ranges)
	plain := make([]byte, 0, covered)
	for _, r := range ranges {
		plain = append(plain, data[r.Start:r.End]...)
	}
	sealed, err := s.engine.Encrypt(plain, key)
	if err != nil {
		return nil, 0, err
	}

	body := append([]byte(nil), data...)
	off := 0
	for _, r := range ranges {
		off += copy(body[r.Start:r.End], sealed.Ciphertext[off:])
	}
	trailer, err := cbor.Marshal(envelope{
		Ranges:    ranges,
		Nonce:     sealed.Nonce,
		Algorithm: sealed.Algorithm,
		Overflow:  sealed.Ciphertext[off:],
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode envelope: %w", err)
	}

	out := make([]byte, 0, len(body)+len(trailer)+footerSize)
	out = append(out, body...)
	out = append(out, trailer...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(trailer)))
	out = append(out, envelopeMagic...)
	return out, covered, nil
}

// SmartDecrypt reverses SmartEncrypt. Input without a readable envelope is
// returned unchanged below LevelMaximum, since Performance may legitimately
// have left it untouched; at LevelMaximum it is an error. A readable envelope
// that fails to decrypt is always an error.
//
// The pair is not self-delimiting on its own: an untouched Performance payload
// that already ends in a valid envelope, such as a sealed envelope being
// forwarded, is decrypted here. PrivacyOverlay frames carry a flag that keeps
// such payloads opaque.
func (s *SelectiveEncryption) SmartDecrypt(data []byte, key *crypto.Key, level PrivacyLevel) ([]byte, error) {
	body, env, err := splitEnvelope(data)
	if err != nil {
		if level == LevelMaximum {
			return nil, err
		}
		return append([]byte(nil), data...), nil
	}

	ct := make([]byte, 0, coveredBytes(env.Ranges)+len(env.Overflow))
	for _, r := range env.Ranges {
		ct = append(ct, body[r.Start:r.End]...)
	}
	ct = append(ct, env.Overflow...)
	plain, err := s.engine.Decrypt(&crypto.EncryptedData{Ciphertext: ct, Nonce: env.Nonce, Algorithm: env.Algorithm}, key)
	if err != nil {
		return nil, err
	}
	if len(plain) != coveredBytes(env.Ranges) {
		return nil, fmt.Errorf("%w: plaintext length %d does not match ranges", ErrMalformedEnvelope, len(plain))
	}

	out := append([]byte(nil), body...)
	off := 0
	for _, r := range env.Ranges {
		off += copy(out[r.Start:r.End], plain[off:])
	}
	return out, nil
}

// GetEncryptionCoverage estimates the fraction of data SmartEncrypt would
// encrypt at level. Balanced reports the sensitive share plus the decoy
// target, capped at 1.
func (s *SelectiveEncryption) GetEncryptionCoverage(data []byte, level PrivacyLevel) float64 {
	if len(data) == 0 {
		return 0
	}
	if level == LevelMaximum {
		return 1
	}
	frac := float64(coveredBytes(s.DetectSensitiveParts(data))) / float64(len(data))
	if level == LevelBalanced {
		frac += decoyFraction
	}
	return math.Min(1, frac)
}

func (s *SelectiveEncryption) plan(data []byte, level PrivacyLevel) []Range {
	switch level {
	case LevelMaximum:
		if len(data) == 0 {
			return nil
		}
		return []Range{{Start: 0, End: len(data)}}
	case LevelBalanced:
		return addDecoys(s.DetectSensitiveParts(data), len(data))
	default:
		return s.DetectSensitiveParts(data)
	}
}

// addDecoys grows ranges with random chunks until roughly decoyFraction of
// size is covered on top of the sensitive bytes.
func addDecoys(sensitive []Range, size int) []Range {
	if size == 0 {
		return sensitive
	}
	out := append([]Range(nil), sensitive...)
	have := coveredBytes(out)
	want := have + int(math.Ceil(decoyFraction*float64(size)))
	if want > size {
		want = size
	}
	for attempts := 0; have < want && attempts < 4*size; attempts++ {
		n := minDecoyLen + rand.Intn(maxDecoyLen-minDecoyLen+1)
		if n > size {
			n = size
		}
		start := rand.Intn(size - n + 1)
		out = mergeRanges(append(out, Range{Start: start, End: start + n}))
		have = coveredBytes(out)
	}
	return out
}

func splitEnvelope(data []byte) ([]byte, envelope, error) {
	var env envelope
	if len(data) < footerSize || !bytes.Equal(data[len(data)-len(envelopeMagic):], envelopeMagic) {
		return nil, env, fmt.Errorf("%w: missing trailer", ErrMalformedEnvelope)
	}
	n := binary.BigEndian.Uint32(data[len(data)-footerSize:])
	if uint64(n) > uint64(len(data)-footerSize) {
		return nil, env, fmt.Errorf("%w: trailer length %d", ErrMalformedEnvelope, n)
	}
	bodyLen := len(data) - footerSize - int(n)
	if err := cbor.Unmarshal(data[bodyLen:len(data)-footerSize], &env); err != nil {
		return nil, env, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !validRanges(env.Ranges, bodyLen) {
		return nil, env, fmt.Errorf("%w: ranges out of bounds", ErrMalformedEnvelope)
	}
	return data[:bodyLen], env, nil
}
