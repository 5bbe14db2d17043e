package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// KeySealSalt holds the Argon2id salt of a sealed store. It is stored in
// the clear and survives ClearAll.
const KeySealSalt = "seal_salt"

const (
	sealPrefix    = "sealed:v1:"
	sealSaltSize  = 32
	sealNonceSize = 12
)

// ErrSealOpen is returned when a sealed value cannot be decrypted, which
// almost always means the passphrase is wrong.
var ErrSealOpen = errors.New("cannot open sealed value (wrong passphrase?)")

// Argon2Params tunes the key derivation.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2Params returns interactive-strength parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    3,
		Memory:  64 * 1024,
		Threads: 4,
		KeyLen:  32,
	}
}

// SealedBackend encrypts every value with AES-256-GCM under a key derived
// from a passphrase. The entry key is bound as additional data, so a value
// copied under another key fails to open.
type SealedBackend struct {
	inner      Backend
	passphrase []byte
	params     Argon2Params

	mu   sync.Mutex
	aead cipher.AEAD
}

// NewSealedBackend wraps inner. The key is derived lazily on first use.
func NewSealedBackend(inner Backend, passphrase string, params Argon2Params) (*SealedBackend, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if params.KeyLen != 32 {
		return nil, fmt.Errorf("argon2 key length must be 32, got %d", params.KeyLen)
	}
	return &SealedBackend{
		inner:      inner,
		passphrase: []byte(passphrase),
		params:     params,
	}, nil
}

// Inner returns the wrapped backend.
func (b *SealedBackend) Inner() Backend {
	return b.inner
}

// Get implements Backend.
func (b *SealedBackend) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	raw, err := b.inner.Get(ctx, keys...)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return raw, nil
	}
	aead, err := b.cipher(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		plain, err := openValue(aead, k, v)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}

// Set implements Backend.
func (b *SealedBackend) Set(ctx context.Context, values map[string]string) error {
	aead, err := b.cipher(ctx)
	if err != nil {
		return err
	}
	sealed := make(map[string]string, len(values))
	for k, v := range values {
		s, err := sealValue(aead, k, v)
		if err != nil {
			return fmt.Errorf("seal %s: %w", k, err)
		}
		sealed[k] = s
	}
	return b.inner.Set(ctx, sealed)
}

// Delete implements Backend.
func (b *SealedBackend) Delete(ctx context.Context, keys ...string) error {
	return b.inner.Delete(ctx, keys...)
}

// Close implements Backend.
func (b *SealedBackend) Close() error {
	b.mu.Lock()
	for i := range b.passphrase {
		b.passphrase[i] = 0
	}
	b.aead = nil
	b.mu.Unlock()
	return b.inner.Close()
}

// cipher derives the key once, creating and persisting the salt on first use.
func (b *SealedBackend) cipher(ctx context.Context) (cipher.AEAD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.aead != nil {
		return b.aead, nil
	}

	salt, err := b.loadOrCreateSalt(ctx)
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey(b.passphrase, salt, b.params.Time, b.params.Memory, b.params.Threads, b.params.KeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	b.aead = gcm
	return gcm, nil
}

func (b *SealedBackend) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	vals, err := b.inner.Get(ctx, KeySealSalt)
	if err != nil {
		return nil, fmt.Errorf("load seal salt: %w", err)
	}
	if encoded, ok := vals[KeySealSalt]; ok {
		salt, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode seal salt: %w", err)
		}
		return salt, nil
	}

	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := b.inner.Set(ctx, map[string]string{KeySealSalt: base64.StdEncoding.EncodeToString(salt)}); err != nil {
		return nil, fmt.Errorf("save seal salt: %w", err)
	}
	return salt, nil
}

func sealValue(aead cipher.AEAD, key, value string) (string, error) {
	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(value), []byte(key))
	return sealPrefix + base64.StdEncoding.EncodeToString(append(nonce, ct...)), nil
}

func openValue(aead cipher.AEAD, key, value string) (string, error) {
	if !strings.HasPrefix(value, sealPrefix) {
		return "", fmt.Errorf("%w: value is not sealed", ErrSealOpen)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(data) < sealNonceSize {
		return "", fmt.Errorf("%w: value too short", ErrSealOpen)
	}
	plain, err := aead.Open(nil, data[:sealNonceSize], data[sealNonceSize:], []byte(key))
	if err != nil {
		return "", ErrSealOpen
	}
	return string(plain), nil
}
