package crypt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/pkg/crypto/adaptive"
)

const (
	// MinPassphraseLength is the minimum accepted passphrase length.
	MinPassphraseLength = 8

	// SaltLength is the per-blob random salt length.
	SaltLength = 16

	passphraseFormat = 1
	headerLength     = 1 + 4 + 4 + 1 + SaltLength

	// Upper bounds on header-supplied cost parameters.
	maxTime      = 64
	maxMemoryKiB = 1 << 20
)

// ErrPassphraseTooWeak is returned for passphrases shorter than MinPassphraseLength.
var ErrPassphraseTooWeak = errors.New("crypt: passphrase too weak (minimum 8 characters)")

// PassphraseParams are the Argon2id cost parameters.
type PassphraseParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultPassphraseParams are the parameters used for new blobs.
func DefaultPassphraseParams() PassphraseParams {
	return PassphraseParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

// PassphraseCodec seals data under a passphrase-derived key.
type PassphraseCodec struct {
	params PassphraseParams
}

// NewPassphraseCodec creates a codec that seals with params.
// Zero-valued fields fall back to DefaultPassphraseParams.
func NewPassphraseCodec(params PassphraseParams) *PassphraseCodec {
	def := DefaultPassphraseParams()
	if params.Time == 0 {
		params.Time = def.Time
	}
	if params.MemoryKiB == 0 {
		params.MemoryKiB = def.MemoryKiB
	}
	if params.Threads == 0 {
		params.Threads = def.Threads
	}
	return &PassphraseCodec{params: params}
}

// Seal encrypts plaintext under a key derived from passphrase and a new salt.
func (p *PassphraseCodec) Seal(passphrase, plaintext []byte) ([]byte, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooWeak
	}

	header := make([]byte, headerLength)
	header[0] = passphraseFormat
	binary.BigEndian.PutUint32(header[1:5], p.params.Time)
	binary.BigEndian.PutUint32(header[5:9], p.params.MemoryKiB)
	header[9] = p.params.Threads
	salt := header[10:headerLength]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypt: generate salt: %w", err)
	}

	c, err := deriveCipher(passphrase, salt, p.params)
	if err != nil {
		return nil, err
	}
	sealed, err := c.Encrypt(plaintext, header)
	if err != nil {
		return nil, domain.ErrCrypto.WithDetails("seal").WithCause(err)
	}
	return append(header, sealed...), nil
}

// Open reverses Seal. The header is authenticated as additional data.
func (p *PassphraseCodec) Open(passphrase, sealed []byte) ([]byte, error) {
	if len(sealed) < headerLength {
		return nil, domain.ErrCrypto.WithDetails("sealed blob too short")
	}
	if sealed[0] != passphraseFormat {
		return nil, domain.ErrCrypto.WithDetails(fmt.Sprintf("unknown passphrase format %d", sealed[0]))
	}

	header := sealed[:headerLength]
	params := PassphraseParams{
		Time:      binary.BigEndian.Uint32(header[1:5]),
		MemoryKiB: binary.BigEndian.Uint32(header[5:9]),
		Threads:   header[9],
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 ||
		params.Time > maxTime || params.MemoryKiB > maxMemoryKiB {
		return nil, domain.ErrCrypto.WithDetails("invalid key derivation parameters")
	}

	c, err := deriveCipher(passphrase, header[10:headerLength], params)
	if err != nil {
		return nil, err
	}
	plain, err := c.Decrypt(sealed[headerLength:], header)
	if err != nil {
		return nil, domain.ErrCrypto.WithDetails("wrong passphrase or corrupted data").WithCause(err)
	}
	return plain, nil
}

func deriveCipher(passphrase, salt []byte, params PassphraseParams) (adaptive.Cipher, error) {
	key := argon2.IDKey(passphrase, salt, params.Time, params.MemoryKiB, params.Threads, adaptive.KeySize)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	c, err := adaptive.NewChaCha20(key)
	if err != nil {
		return nil, domain.ErrKeyUnavailable.WithCause(err)
	}
	return c, nil
}
