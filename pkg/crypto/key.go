package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"runtime"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Key is symmetric key material bound to one algorithm. The bytes are pinned
// in memory where the platform allows it and overwritten with zeros by
// Destroy, or by the finalizer once the Key is unreachable.
type Key struct {
	alg Algorithm

	mu        sync.RWMutex
	material  []byte
	locked    bool
	destroyed bool
}

func GenerateKey(alg Algorithm) (*Key, error) {
	return generateKey(alg, rand.Reader)
}

func generateKey(alg Algorithm, r io.Reader) (*Key, error) {
	buf := make([]byte, KeySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newKeyOwned(alg, buf)
}

// NewKey copies material into a new Key.
func NewKey(alg Algorithm, material []byte) (*Key, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(material))
	}
	buf := make([]byte, KeySize)
	copy(buf, material)
	return newKeyOwned(alg, buf)
}

// DeriveKey expands secret with HKDF-SHA256. info binds the key to its use.
func DeriveKey(alg Algorithm, secret []byte, info string) (*Key, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidKey)
	}
	buf := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(string(alg)+"|"+info))
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return newKeyOwned(alg, buf)
}

func newKeyOwned(alg Algorithm, buf []byte) (*Key, error) {
	if alg.NonceSize() == 0 {
		zero(buf)
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	k := &Key{alg: alg, material: buf}
	k.locked = lockMemory(buf)
	runtime.SetFinalizer(k, (*Key).Destroy)
	return k, nil
}

func (k *Key) Algorithm() Algorithm {
	return k.alg
}

// Destroy zeroes the key. It is safe to call more than once.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return
	}
	zero(k.material)
	if k.locked {
		unlockMemory(k.material)
		k.locked = false
	}
	k.destroyed = true
}

// use runs fn with the raw key bytes. fn must not retain them.
func (k *Key) use(fn func(material []byte) error) error {
	if k == nil {
		return ErrInvalidKey
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.destroyed {
		return fmt.Errorf("%w: key destroyed", ErrInvalidKey)
	}
	return fn(k.material)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
