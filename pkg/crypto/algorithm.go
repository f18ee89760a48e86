package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrAlgorithmMismatch = errors.New("algorithm mismatch")
	ErrInvalidNonce      = errors.New("invalid nonce length")
	ErrInvalidKey        = errors.New("invalid key")
	ErrDecryptFailed     = errors.New("decryption failed")
	ErrUnknownAlgorithm  = errors.New("unknown algorithm")
)

// KeySize is shared by every supported algorithm.
const KeySize = 32

// Algorithm is the closed set of payload ciphers. Dispatch is a switch on the
// tag; there is no registration.
type Algorithm string

const (
	ChaCha20Poly1305 Algorithm = "chacha20poly1305"
	AES256CBC        Algorithm = "aes-256-cbc"
	Blake3XOR        Algorithm = "blake3-xor"
)

func ParseAlgorithm(raw string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(raw))); a {
	case ChaCha20Poly1305, AES256CBC, Blake3XOR:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, raw)
	}
}

func (a Algorithm) NonceSize() int {
	switch a {
	case ChaCha20Poly1305:
		return chacha20poly1305.NonceSize
	case AES256CBC:
		return aes.BlockSize
	case Blake3XOR:
		return 24
	default:
		return 0
	}
}

func seal(alg Algorithm, key []byte, nonce []byte, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(nonce) != alg.NonceSize() {
		return nil, ErrInvalidNonce
	}
	switch alg {
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		return aead.Seal(nil, nonce, plaintext, nil), nil
	case AES256CBC:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		out := pkcs7Pad(plaintext, aes.BlockSize)
		cipher.NewCBCEncrypter(block, nonce).CryptBlocks(out, out)
		return out, nil
	case Blake3XOR:
		return blake3XOR(key, nonce, plaintext)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

func open(alg Algorithm, key []byte, nonce []byte, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(nonce) != alg.NonceSize() {
		return nil, ErrInvalidNonce
	}
	switch alg {
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		out, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
		return out, nil
	case AES256CBC:
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext not a multiple of the block size", ErrDecryptFailed)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, nonce).CryptBlocks(out, ciphertext)
		return pkcs7Unpad(out, aes.BlockSize)
	case Blake3XOR:
		return blake3XOR(key, nonce, ciphertext)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// blake3XOR XORs data with the keyed BLAKE3 XOF of the nonce. It is its own
// inverse and provides no integrity.
func blake3XOR(key []byte, nonce []byte, data []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, err
	}
	_, _ = h.Write(nonce)
	out := make([]byte, len(data))
	if _, err := h.Digest().Read(out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i] ^= data[i]
	}
	return out, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrDecryptFailed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptFailed)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptFailed)
		}
	}
	return b[:len(b)-n], nil
}
