package crypt

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/pkg/crypto/adaptive"
)

// KeyStore is the slice of the host store the codec needs to persist its key.
type KeyStore interface {
	Get(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, items map[string][]byte) error
}

// Codec encrypts and decrypts record payloads with the install key.
type Codec struct {
	key    adaptive.Key
	cipher adaptive.Cipher
}

// NewCodec creates a codec for key.
func NewCodec(key adaptive.Key) (*Codec, error) {
	c, err := key.Cipher()
	if err != nil {
		return nil, domain.ErrKeyUnavailable.WithCause(err)
	}
	return &Codec{key: key, cipher: c}, nil
}

// LoadOrCreate loads the install key stored under storageKey, generating and
// persisting a new one when none exists. A stored key that cannot be parsed
// is an error: replacing it would orphan every encrypted record.
func LoadOrCreate(ctx context.Context, ks KeyStore, storageKey string, logger *slog.Logger) (*Codec, error) {
	if logger == nil {
		logger = slog.Default()
	}

	found, err := ks.Get(ctx, []string{storageKey})
	if err != nil {
		return nil, domain.ErrKeyUnavailable.WithCause(err)
	}

	if raw, ok := found[storageKey]; ok {
		key, err := adaptive.ImportKey(string(raw))
		if err != nil {
			return nil, domain.ErrKeyUnavailable.WithCause(err)
		}
		logger.Debug("install key loaded", "cipher", string(key.Type))
		return NewCodec(key)
	}

	key, err := adaptive.GenerateKey(adaptive.Preferred())
	if err != nil {
		return nil, domain.ErrKeyUnavailable.WithCause(err)
	}
	if err := ks.Set(ctx, map[string][]byte{storageKey: []byte(key.Export())}); err != nil {
		return nil, domain.ErrKeyUnavailable.WithCause(fmt.Errorf("persist install key: %w", err))
	}
	logger.Info("install key generated", "cipher", string(key.Type))
	return NewCodec(key)
}

// Encrypt returns nonce||ciphertext for data under a fresh nonce.
func (c *Codec) Encrypt(data []byte) ([]byte, error) {
	out, err := c.cipher.Encrypt(data, nil)
	if err != nil {
		return nil, domain.ErrCrypto.WithDetails("encrypt").WithCause(err)
	}
	return out, nil
}

// Decrypt reverses Encrypt. Wrong keys and corrupted input both yield ErrCrypto.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	out, err := c.cipher.Decrypt(data, nil)
	if err != nil {
		return nil, domain.ErrCrypto.WithCause(err)
	}
	return out, nil
}

// Type returns the algorithm behind the install key.
func (c *Codec) Type() adaptive.CipherType {
	return c.cipher.Type()
}

// Derive returns a codec keyed by an HKDF subkey of this codec's key, so a
// purpose such as backups never shares key material with records.
func (c *Codec) Derive(info string) (*Codec, error) {
	if len(c.key.Material) < 16 {
		return nil, domain.ErrKeyUnavailable.WithDetails("key too short to derive from")
	}
	reader := hkdf.New(sha256.New, c.key.Material, nil, []byte(info))
	sub := make([]byte, adaptive.KeySize)
	if _, err := io.ReadFull(reader, sub); err != nil {
		return nil, domain.ErrKeyUnavailable.WithCause(err)
	}
	return NewCodec(adaptive.Key{Type: c.key.Type, Material: sub})
}
