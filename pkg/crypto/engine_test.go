package crypto

import (
	"bytes"
	"errors"
	"fmt"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

var allAlgorithms = []Algorithm{ChaCha20Poly1305, AES256CBC, Blake3XOR}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, alg := range allAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			e, err := NewEngine(alg, Options{})
			require.NoError(t, err)
			key, err := e.GenerateKey()
			require.NoError(t, err)
			defer key.Destroy()

			for _, size := range []int{0, 1, 15, 16, 17, 1500} {
				pt := bytes.Repeat([]byte{0xa5}, size)
				data, err := e.Encrypt(pt, key)
				require.NoError(t, err)
				require.Equal(t, alg, data.Algorithm)
				require.Len(t, data.Nonce, alg.NonceSize())

				got, err := e.Decrypt(data, key)
				require.NoError(t, err)
				require.True(t, bytes.Equal(pt, got), "size %d", size)
			}
		})
	}
}

func TestAlgorithmMismatchIsRejected(t *testing.T) {
	chacha, err := NewEngine(ChaCha20Poly1305, Options{})
	require.NoError(t, err)
	aes, err := NewEngine(AES256CBC, Options{})
	require.NoError(t, err)

	aesKey, err := aes.GenerateKey()
	require.NoError(t, err)
	_, err = chacha.Encrypt([]byte("x"), aesKey)
	require.ErrorIs(t, err, ErrAlgorithmMismatch)

	chachaKey, err := chacha.GenerateKey()
	require.NoError(t, err)
	data, err := chacha.Encrypt([]byte("x"), chachaKey)
	require.NoError(t, err)
	data.Algorithm = AES256CBC
	_, err = chacha.Decrypt(data, chachaKey)
	require.ErrorIs(t, err, ErrAlgorithmMismatch)
}

func TestDecryptRejectsBadInput(t *testing.T) {
	e, err := NewEngine(ChaCha20Poly1305, Options{})
	require.NoError(t, err)
	key, err := e.GenerateKey()
	require.NoError(t, err)

	data, err := e.Encrypt([]byte("attack at dawn"), key)
	require.NoError(t, err)

	short := *data
	short.Nonce = data.Nonce[:4]
	_, err = e.Decrypt(&short, key)
	require.ErrorIs(t, err, ErrInvalidNonce)

	tampered := *data
	tampered.Ciphertext = append([]byte(nil), data.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	_, err = e.Decrypt(&tampered, key)
	require.ErrorIs(t, err, ErrDecryptFailed)

	other, err := e.GenerateKey()
	require.NoError(t, err)
	_, err = e.Decrypt(data, other)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDestroyedKeyCannotBeUsed(t *testing.T) {
	e, err := NewEngine(Blake3XOR, Options{})
	require.NoError(t, err)
	key, err := e.GenerateKey()
	require.NoError(t, err)

	key.Destroy()
	key.Destroy()
	for _, b := range key.material {
		require.Zero(t, b)
	}
	_, err = e.Encrypt([]byte("x"), key)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewKeyValidatesLength(t *testing.T) {
	_, err := NewKey(ChaCha20Poly1305, make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidKey)

	material := bytes.Repeat([]byte{7}, KeySize)
	key, err := NewKey(ChaCha20Poly1305, material)
	require.NoError(t, err)
	material[0] = 0
	require.NoError(t, key.use(func(m []byte) error {
		if m[0] != 7 {
			return errors.New("key aliases caller buffer")
		}
		return nil
	}))
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a, err := DeriveKey(AES256CBC, []byte("shared secret"), "overlay")
	require.NoError(t, err)
	b, err := DeriveKey(AES256CBC, []byte("shared secret"), "overlay")
	require.NoError(t, err)
	c, err := DeriveKey(AES256CBC, []byte("shared secret"), "other")
	require.NoError(t, err)

	require.Equal(t, a.material, b.material)
	require.NotEqual(t, a.material, c.material)

	_, err = DeriveKey(AES256CBC, nil, "overlay")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestBatchParallelMatchesSequential(t *testing.T) {
	items := make([][]byte, 32)
	for i := range items {
		items[i] = []byte(fmt.Sprintf("payload-%02d-%s", i, bytes.Repeat([]byte{'z'}, i)))
	}
	material := bytes.Repeat([]byte{3}, KeySize)

	for _, alg := range allAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			seq, err := NewEngine(alg, Options{Rand: mrand.New(mrand.NewSource(7))})
			require.NoError(t, err)
			par, err := NewEngine(alg, Options{BatchProcessing: true, Workers: 4, Rand: mrand.New(mrand.NewSource(7))})
			require.NoError(t, err)
			key, err := NewKey(alg, material)
			require.NoError(t, err)

			a, err := seq.EncryptBatch(items, key)
			require.NoError(t, err)
			b, err := par.EncryptBatch(items, key)
			require.NoError(t, err)
			require.Equal(t, a, b)

			plain, err := par.DecryptBatch(b, key)
			require.NoError(t, err)
			require.Equal(t, items, plain)
		})
	}
}

func TestDecryptBatchReportsFailingItem(t *testing.T) {
	e, err := NewEngine(ChaCha20Poly1305, Options{BatchProcessing: true, Workers: 2})
	require.NoError(t, err)
	key, err := e.GenerateKey()
	require.NoError(t, err)

	out, err := e.EncryptBatch([][]byte{[]byte("a"), []byte("b"), []byte("c")}, key)
	require.NoError(t, err)
	out[1].Ciphertext[0] ^= 1

	_, err = e.DecryptBatch(out, key)
	require.ErrorIs(t, err, ErrDecryptFailed)
	require.Contains(t, err.Error(), "item 1")
}

func TestMetricsAreSmoothed(t *testing.T) {
	e, err := NewEngine(ChaCha20Poly1305, Options{})
	require.NoError(t, err)
	key, err := e.GenerateKey()
	require.NoError(t, err)

	require.Zero(t, e.Metrics().Operations)
	data, err := e.Encrypt(bytes.Repeat([]byte{1}, 4096), key)
	require.NoError(t, err)
	_, err = e.Decrypt(data, key)
	require.NoError(t, err)

	m := e.Metrics()
	require.Equal(t, uint64(2), m.Operations)
	require.GreaterOrEqual(t, m.EncryptionLatencyMS, 0.0)
	require.GreaterOrEqual(t, m.DecryptionLatencyMS, 0.0)

	seen := false
	require.Equal(t, 10.0, ema(0, 10, &seen))
	require.InDelta(t, 9.1, ema(10, 1, &seen), 1e-9)
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm(" AES-256-CBC ")
	require.NoError(t, err)
	require.Equal(t, AES256CBC, alg)

	_, err = ParseAlgorithm("rot13")
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}
