// Package config loads the node configuration from a TOML file, applies
// environment overrides and validates the result. The loaded Config is
// treated as immutable for the lifetime of the process.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"privacyroute/pkg/logging"
	"privacyroute/pkg/proto"
)

const (
	DefaultConnectionPoolSize    = 8
	DefaultMonitoringIntervalSec = 30
	DefaultMaxRouteFailures      = 3
	DefaultHistorySize           = 100
	DefaultQualityCapacity       = 100
	DefaultAlgorithm             = "chacha20poly1305"
	DefaultBatchWorkers          = 4
	DefaultSelectorAddr          = "127.0.0.1:8091"
	DefaultBridgeLocalAddr       = "127.0.0.1:52100"
	DefaultBridgeDataAddr        = "127.0.0.1:52101"
	DefaultBridgeSinkAddr        = "127.0.0.1:52102"
	DefaultRedisKeyPrefix        = "privacyroute"
	DefaultRedisHistoryLimit     = 1000
)

var DefaultSensitivePatterns = []string{"password", "passwd", "secret", "token", "api_key", "apikey", "private_key", "credential", "session"}

var DefaultPaddingBuckets = []int{128, 256, 512, 1024, 1500, 4096, 8192, 16384}

// PrivacyPerformance holds the options the routing and overlay core
// interprets. CongestionControl and EnableZeroRTT are handed to the transport
// untouched.
type PrivacyPerformance struct {
	Mode                  proto.BalanceMode
	PerformanceWeight     float64
	MinPrivacyScore       float64
	MinPerformanceScore   float64
	FallbackToDirect      bool
	ConnectionPoolSize    int
	MonitoringIntervalSec int
	MaxRouteFailures      int
	HistorySize           int
	QualityCapacity       int
	CongestionControl     string
	EnableZeroRTT         bool
}

func (p *PrivacyPerformance) MonitoringInterval() time.Duration {
	return time.Duration(p.MonitoringIntervalSec) * time.Second
}

// ModeWeight is the performance weight used when none is configured.
func ModeWeight(mode proto.BalanceMode) float64 {
	switch mode {
	case proto.ModePerformance:
		return 0.8
	case proto.ModePrivacy:
		return 0.2
	default:
		return 0.5
	}
}

type Discovery struct {
	KnownRelays  []string
	ProxyServers []string
	TorNodes     []string
}

type Crypto struct {
	// Algorithm is one of chacha20poly1305, aes-256-cbc, blake3-xor.
	Algorithm       string
	BatchProcessing bool
	BatchWorkers    int
	// Key is a base64 secret the overlay key is derived from. Empty means a
	// random per-process key.
	Key string
}

type Overlay struct {
	SensitivePatterns []string
	PaddingBuckets    []int
}

type Logging struct {
	Disable bool
	File    string
	Level   string
}

type Redis struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	HistoryLimit int
}

func (r *Redis) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type Selector struct {
	Addr string
}

type Bridge struct {
	LocalAddr string
	DataAddr  string
	SinkAddr  string
}

type Config struct {
	Routing   PrivacyPerformance
	Discovery Discovery
	Crypto    Crypto
	Overlay   Overlay
	Logging   Logging
	Redis     Redis
	Selector  Selector
	Bridge    Bridge
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.fixupAndValidate(false); err != nil {
		panic("config: defaults invalid: " + err.Error())
	}
	return cfg
}

// Load parses b as TOML, applies environment overrides and validates.
func Load(b []byte) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys: %v", undecoded)
	}
	weightSet := md.IsDefined("Routing", "PerformanceWeight")
	if err := cfg.applyEnv(&weightSet); err != nil {
		return nil, err
	}
	if err := cfg.fixupAndValidate(weightSet); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads path, or only environment and defaults when path is empty.
func LoadFile(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Load(nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(b)
}

func (c *Config) applyEnv(weightSet *bool) error {
	if v := strings.TrimSpace(os.Getenv("ROUTING_MODE")); v != "" {
		c.Routing.Mode = proto.BalanceMode(v)
	}
	if v := strings.TrimSpace(os.Getenv("ROUTING_PERFORMANCE_WEIGHT")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: ROUTING_PERFORMANCE_WEIGHT: %w", err)
		}
		c.Routing.PerformanceWeight = f
		*weightSet = true
	}
	if v := strings.TrimSpace(os.Getenv("ROUTING_MIN_PRIVACY_SCORE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: ROUTING_MIN_PRIVACY_SCORE: %w", err)
		}
		c.Routing.MinPrivacyScore = f
	}
	if v := strings.TrimSpace(os.Getenv("ROUTING_MIN_PERFORMANCE_SCORE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: ROUTING_MIN_PERFORMANCE_SCORE: %w", err)
		}
		c.Routing.MinPerformanceScore = f
	}
	if raw := os.Getenv("ROUTING_FALLBACK_TO_DIRECT"); raw != "" {
		c.Routing.FallbackToDirect = raw == "1"
	}
	if v, err := strconv.Atoi(os.Getenv("ROUTING_MONITORING_INTERVAL_SEC")); err == nil && v > 0 {
		c.Routing.MonitoringIntervalSec = v
	}
	if v := os.Getenv("SELECTOR_ADDR"); v != "" {
		c.Selector.Addr = v
	}
	if v := os.Getenv("BRIDGE_LOCAL_ADDR"); v != "" {
		c.Bridge.LocalAddr = v
	}
	if v := os.Getenv("BRIDGE_DATA_ADDR"); v != "" {
		c.Bridge.DataAddr = v
	}
	if v := os.Getenv("BRIDGE_SINK_ADDR"); v != "" {
		c.Bridge.SinkAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CRYPTO_ALGORITHM"); v != "" {
		c.Crypto.Algorithm = v
	}
	return nil
}

func (c *Config) fixupAndValidate(weightSet bool) error {
	mode, err := proto.ParseBalanceMode(string(c.Routing.Mode))
	if err != nil {
		return fmt.Errorf("config: Routing: %w", err)
	}
	c.Routing.Mode = mode
	if !weightSet {
		c.Routing.PerformanceWeight = ModeWeight(mode)
	}
	if err := unitInterval("PerformanceWeight", c.Routing.PerformanceWeight); err != nil {
		return err
	}
	if err := unitInterval("MinPrivacyScore", c.Routing.MinPrivacyScore); err != nil {
		return err
	}
	if err := unitInterval("MinPerformanceScore", c.Routing.MinPerformanceScore); err != nil {
		return err
	}
	if c.Routing.ConnectionPoolSize <= 0 {
		c.Routing.ConnectionPoolSize = DefaultConnectionPoolSize
	}
	if c.Routing.MonitoringIntervalSec <= 0 {
		c.Routing.MonitoringIntervalSec = DefaultMonitoringIntervalSec
	}
	if c.Routing.MaxRouteFailures <= 0 {
		c.Routing.MaxRouteFailures = DefaultMaxRouteFailures
	}
	if c.Routing.HistorySize <= 0 {
		c.Routing.HistorySize = DefaultHistorySize
	}
	if c.Routing.QualityCapacity <= 0 {
		c.Routing.QualityCapacity = DefaultQualityCapacity
	}

	c.Crypto.Algorithm = strings.ToLower(strings.TrimSpace(c.Crypto.Algorithm))
	switch c.Crypto.Algorithm {
	case "":
		c.Crypto.Algorithm = DefaultAlgorithm
	case "chacha20poly1305", "aes-256-cbc", "blake3-xor":
	default:
		return fmt.Errorf("config: Crypto: Algorithm %q is invalid", c.Crypto.Algorithm)
	}
	if c.Crypto.BatchWorkers <= 0 {
		c.Crypto.BatchWorkers = DefaultBatchWorkers
	}

	if len(c.Overlay.SensitivePatterns) == 0 {
		c.Overlay.SensitivePatterns = append([]string(nil), DefaultSensitivePatterns...)
	}
	if len(c.Overlay.PaddingBuckets) == 0 {
		c.Overlay.PaddingBuckets = append([]int(nil), DefaultPaddingBuckets...)
	}
	prev := 0
	for _, b := range c.Overlay.PaddingBuckets {
		if b <= prev {
			return errors.New("config: Overlay: PaddingBuckets must be positive and strictly increasing")
		}
		prev = b
	}

	c.Logging.Level = strings.ToUpper(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = logging.DefaultLevel
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("config: Logging: Level %q is invalid", c.Logging.Level)
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Redis.HistoryLimit <= 0 {
		c.Redis.HistoryLimit = DefaultRedisHistoryLimit
	}
	if c.Selector.Addr == "" {
		c.Selector.Addr = DefaultSelectorAddr
	}
	if c.Bridge.LocalAddr == "" {
		c.Bridge.LocalAddr = DefaultBridgeLocalAddr
	}
	if c.Bridge.DataAddr == "" {
		c.Bridge.DataAddr = DefaultBridgeDataAddr
	}
	if c.Bridge.SinkAddr == "" {
		c.Bridge.SinkAddr = DefaultBridgeSinkAddr
	}
	return nil
}

func unitInterval(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("config: Routing: %s %v not in [0,1]", name, v)
	}
	return nil
}
