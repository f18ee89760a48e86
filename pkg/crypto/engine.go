package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"privacyroute/pkg/metrics"
)

// emaOld is the weight kept from the previous metric value.
const emaOld = 0.9

// EncryptedData is self-describing: it names the algorithm and carries the
// nonce it was sealed with.
type EncryptedData struct {
	Ciphertext []byte    `cbor:"1,keyasint" json:"ciphertext"`
	Nonce      []byte    `cbor:"2,keyasint" json:"nonce"`
	Algorithm  Algorithm `cbor:"3,keyasint" json:"algorithm"`
}

type Options struct {
	// BatchProcessing lets EncryptBatch and DecryptBatch fan items out to
	// Workers goroutines.
	BatchProcessing bool
	Workers         int
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

type Metrics struct {
	EncryptionLatencyMS float64 `json:"encryption_latency_ms"`
	DecryptionLatencyMS float64 `json:"decryption_latency_ms"`
	ThroughputMbps      float64 `json:"throughput_mbps"`
	Operations          uint64  `json:"operations"`
}

// Engine seals and opens payloads with one fixed algorithm.
type Engine struct {
	alg     Algorithm
	batch   bool
	workers int

	randMu sync.Mutex
	rand   io.Reader

	metricsMu sync.Mutex
	metrics   Metrics
	encSeen   bool
	decSeen   bool
	tputSeen  bool
}

func NewEngine(alg Algorithm, opts Options) (*Engine, error) {
	if alg.NonceSize() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Engine{alg: alg, batch: opts.BatchProcessing, workers: workers, rand: r}, nil
}

func (e *Engine) Algorithm() Algorithm {
	return e.alg
}

// GenerateKey returns a fresh key for the engine's algorithm.
func (e *Engine) GenerateKey() (*Key, error) {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return generateKey(e.alg, e.rand)
}

func (e *Engine) Encrypt(plaintext []byte, key *Key) (*EncryptedData, error) {
	nonce, err := e.nonce()
	if err != nil {
		return nil, err
	}
	return e.encryptWithNonce(plaintext, key, nonce)
}

func (e *Engine) Decrypt(data *EncryptedData, key *Key) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil data", ErrDecryptFailed)
	}
	if data.Algorithm != e.alg {
		return nil, fmt.Errorf("%w: data is %s, engine is %s", ErrAlgorithmMismatch, data.Algorithm, e.alg)
	}
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	start := time.Now()
	var out []byte
	err := key.use(func(material []byte) error {
		var err error
		out, err = open(e.alg, material, data.Nonce, data.Ciphertext)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.observe(false, time.Since(start), len(out))
	return out, nil
}

// EncryptBatch seals every item with the same key. Nonces are drawn in item
// order before any sealing starts, so the output does not depend on whether
// items run in parallel.
func (e *Engine) EncryptBatch(items [][]byte, key *Key) ([]*EncryptedData, error) {
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	nonces := make([][]byte, len(items))
	for i := range items {
		n, err := e.nonce()
		if err != nil {
			return nil, err
		}
		nonces[i] = n
	}
	out := make([]*EncryptedData, len(items))
	err := e.each(len(items), func(i int) error {
		d, err := e.encryptWithNonce(items[i], key, nonces[i])
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) DecryptBatch(items []*EncryptedData, key *Key) ([][]byte, error) {
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	out := make([][]byte, len(items))
	err := e.each(len(items), func(i int) error {
		pt, err := e.Decrypt(items[i], key)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = pt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) Metrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return e.metrics
}

func (e *Engine) each(n int, fn func(i int) error) error {
	if !e.batch || e.workers == 1 || n < 2 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}

func (e *Engine) encryptWithNonce(plaintext []byte, key *Key, nonce []byte) (*EncryptedData, error) {
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	start := time.Now()
	var ct []byte
	err := key.use(func(material []byte) error {
		var err error
		ct, err = seal(e.alg, material, nonce, plaintext)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.observe(true, time.Since(start), len(plaintext))
	return &EncryptedData{Ciphertext: ct, Nonce: nonce, Algorithm: e.alg}, nil
}

func (e *Engine) checkKey(key *Key) error {
	if key == nil {
		return fmt.Errorf("%w: nil key", ErrInvalidKey)
	}
	if key.Algorithm() != e.alg {
		return fmt.Errorf("%w: key is %s, engine is %s", ErrAlgorithmMismatch, key.Algorithm(), e.alg)
	}
	return nil
}

func (e *Engine) nonce() ([]byte, error) {
	n := make([]byte, e.alg.NonceSize())
	e.randMu.Lock()
	_, err := io.ReadFull(e.rand, n)
	e.randMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return n, nil
}

func (e *Engine) observe(encrypt bool, elapsed time.Duration, n int) {
	ms := float64(elapsed) / float64(time.Millisecond)
	var mbps float64
	if secs := elapsed.Seconds(); secs > 0 {
		mbps = float64(n) * 8 / 1e6 / secs
	}

	e.metricsMu.Lock()
	if encrypt {
		e.metrics.EncryptionLatencyMS = ema(e.metrics.EncryptionLatencyMS, ms, &e.encSeen)
	} else {
		e.metrics.DecryptionLatencyMS = ema(e.metrics.DecryptionLatencyMS, ms, &e.decSeen)
	}
	if mbps > 0 {
		e.metrics.ThroughputMbps = ema(e.metrics.ThroughputMbps, mbps, &e.tputSeen)
	}
	e.metrics.Operations++
	snap := e.metrics
	e.metricsMu.Unlock()

	metrics.CryptoSample(snap.EncryptionLatencyMS, snap.DecryptionLatencyMS, snap.ThroughputMbps)
}

func ema(old float64, sample float64, seen *bool) float64 {
	if !*seen {
		*seen = true
		return sample
	}
	return emaOld*old + (1-emaOld)*sample
}
