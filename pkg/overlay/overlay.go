// Package overlay transforms payloads before they reach a route's transport:
// selective or full encryption according to the balance mode, followed by
// length padding to a fixed set of bucket sizes.
package overlay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"privacyroute/pkg/config"
	"privacyroute/pkg/crypto"
	plog "privacyroute/pkg/logging"
	"privacyroute/pkg/metrics"
	"privacyroute/pkg/proto"
	"privacyroute/pkg/relay"
)

const (
	framePlain  byte = 0
	frameSealed byte = 1

	frameHeader = 2

	keyInfo = "privacyroute overlay v1"
)

var ErrMalformedFrame = errors.New("malformed overlay frame")

type Stats struct {
	EncryptedBytes    uint64 `json:"encrypted_bytes"`
	ObfuscatedPackets uint64 `json:"obfuscated_packets"`
	Mode              string `json:"mode"`
	Level             string `json:"level"`
}

type Option func(*PrivacyOverlay)

// WithKey overrides the key derived from configuration. The overlay does not
// take ownership; the caller destroys it.
func WithKey(k *crypto.Key) Option {
	return func(o *PrivacyOverlay) { o.key = k }
}

func WithEngine(e *crypto.Engine) Option {
	return func(o *PrivacyOverlay) { o.engine = e }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *PrivacyOverlay) { o.log = l }
}

// WithPaddingSource sets the reader used for padding filler.
func WithPaddingSource(r io.Reader) Option {
	return func(o *PrivacyOverlay) { o.padRand = r }
}

type PrivacyOverlay struct {
	mode      proto.BalanceMode
	engine    *crypto.Engine
	key       *crypto.Key
	ownsKey   bool
	selective *SelectiveEncryption
	buckets   []int
	padRand   io.Reader
	log       *logging.Logger

	mu          sync.RWMutex
	adaptive    PrivacyLevel
	adaptiveSet bool

	encryptedBytes    atomic.Uint64
	obfuscatedPackets atomic.Uint64
}

// NewPrivacyOverlay builds an overlay from the loaded configuration. Without
// WithKey the key is derived from Crypto.Key, or generated when that is empty.
func NewPrivacyOverlay(cfg *config.Config, opts ...Option) (*PrivacyOverlay, error) {
	o := &PrivacyOverlay{
		mode:    cfg.Routing.Mode,
		buckets: append([]int(nil), cfg.Overlay.PaddingBuckets...),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = plog.Discard().GetLogger("overlay")
	}
	if o.engine == nil {
		alg, err := crypto.ParseAlgorithm(cfg.Crypto.Algorithm)
		if err != nil {
			return nil, err
		}
		o.engine, err = crypto.NewEngine(alg, crypto.Options{
			BatchProcessing: cfg.Crypto.BatchProcessing,
			Workers:         cfg.Crypto.BatchWorkers,
		})
		if err != nil {
			return nil, err
		}
	}
	if o.key == nil {
		key, err := overlayKey(o.engine, cfg.Crypto.Key)
		if err != nil {
			return nil, err
		}
		o.key = key
		o.ownsKey = true
	}
	o.selective = NewSelectiveEncryption(o.engine, cfg.Overlay.SensitivePatterns)
	o.log.Noticef("overlay ready mode=%s algorithm=%s level=%s", o.mode, o.engine.Algorithm(), o.Level())
	return o, nil
}

func overlayKey(engine *crypto.Engine, secret string) (*crypto.Key, error) {
	if secret == "" {
		return engine.GenerateKey()
	}
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("overlay: Crypto.Key is not base64: %w", err)
	}
	return crypto.DeriveKey(engine.Algorithm(), raw, keyInfo)
}

func (o *PrivacyOverlay) Selective() *SelectiveEncryption {
	return o.selective
}

func (o *PrivacyOverlay) Engine() *crypto.Engine {
	return o.engine
}

// Level is the privacy level ProcessOutbound applies.
func (o *PrivacyOverlay) Level() PrivacyLevel {
	switch o.mode {
	case proto.ModePerformance:
		return LevelPerformance
	case proto.ModePrivacy:
		return LevelMaximum
	case proto.ModeAdaptive:
		o.mu.RLock()
		defer o.mu.RUnlock()
		if o.adaptiveSet {
			return o.adaptive
		}
		return LevelBalanced
	default:
		return LevelBalanced
	}
}

// SetAdaptiveLevel pins the level used in Adaptive mode. Other modes ignore it.
func (o *PrivacyOverlay) SetAdaptiveLevel(level PrivacyLevel) {
	o.mu.Lock()
	o.adaptive = level
	o.adaptiveSet = true
	o.mu.Unlock()
}

// LevelForRoute picks the level for traffic on route. Outside Adaptive mode it
// is the configured level. In Adaptive mode routes that already hide the
// sender need less payload protection than a direct path.
func (o *PrivacyOverlay) LevelForRoute(route proto.RouteInfo) PrivacyLevel {
	if o.mode != proto.ModeAdaptive {
		return o.Level()
	}
	switch route.RouteType {
	case proto.RouteDirect:
		return LevelMaximum
	case proto.RouteProxy, proto.RouteTor:
		return LevelPerformance
	default:
		return LevelBalanced
	}
}

func (o *PrivacyOverlay) ProcessOutbound(data []byte) ([]byte, error) {
	return o.outbound(data, o.Level())
}

func (o *PrivacyOverlay) ProcessOutboundForRoute(data []byte, route proto.RouteInfo) ([]byte, error) {
	return o.outbound(data, o.LevelForRoute(route))
}

// ProcessInbound strips padding and decrypts. The level travels in the frame,
// so the receiver does not need to know the sender's mode.
func (o *PrivacyOverlay) ProcessInbound(data []byte) ([]byte, error) {
	inner, err := relay.Unpad(data)
	if err != nil {
		return nil, err
	}
	if len(inner) < frameHeader {
		return nil, ErrMalformedFrame
	}
	flag, level, payload := inner[0], PrivacyLevel(inner[1]), inner[frameHeader:]
	if level > LevelMaximum {
		return nil, fmt.Errorf("%w: level %d", ErrMalformedFrame, level)
	}
	metrics.OverlayPacket("inbound")
	switch flag {
	case framePlain:
		return append([]byte(nil), payload...), nil
	case frameSealed:
		out, err := o.selective.SmartDecrypt(payload, o.key, LevelMaximum)
		if err != nil {
			o.log.Warningf("inbound decrypt failed level=%s err=%v", level, err)
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: flag %d", ErrMalformedFrame, flag)
	}
}

func (o *PrivacyOverlay) GetStats() Stats {
	return Stats{
		EncryptedBytes:    o.encryptedBytes.Load(),
		ObfuscatedPackets: o.obfuscatedPackets.Load(),
		Mode:              string(o.mode),
		Level:             o.Level().String(),
	}
}

// Close destroys the overlay key when the overlay created it.
func (o *PrivacyOverlay) Close() {
	if o.ownsKey {
		o.key.Destroy()
	}
}

func (o *PrivacyOverlay) outbound(data []byte, level PrivacyLevel) ([]byte, error) {
	body, covered, err := o.selective.smartEncrypt(data, o.key, level)
	if err != nil {
		return nil, err
	}
	flag := frameSealed
	if level != LevelMaximum && covered == 0 {
		flag = framePlain
	}
	inner := make([]byte, 0, frameHeader+len(body))
	inner = append(inner, flag, byte(level))
	inner = append(inner, body...)

	out, err := relay.Pad(inner, o.buckets, o.padRand)
	if err != nil {
		return nil, err
	}
	o.encryptedBytes.Add(uint64(covered))
	o.obfuscatedPackets.Add(1)
	metrics.OverlayEncrypted(covered)
	metrics.OverlayPacket("outbound")
	o.log.Debugf("outbound level=%s size=%d encrypted=%d padded=%d", level, len(data), covered, len(out))
	return out, nil
}
