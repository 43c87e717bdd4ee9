package adaptive

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedKey is returned when an exported key cannot be parsed.
var ErrMalformedKey = errors.New("adaptive: malformed exported key")

// Key is raw key material bound to the algorithm it was generated for.
type Key struct {
	Type     CipherType
	Material []byte
}

// GenerateKey creates a random key for the given cipher type.
func GenerateKey(cipherType CipherType) (Key, error) {
	if cipherType != CipherAESGCM && cipherType != CipherChaCha20 {
		return Key{}, fmt.Errorf("%w: %s", ErrUnknownCipher, cipherType)
	}
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return Key{}, fmt.Errorf("adaptive: generate key: %w", err)
	}
	return Key{Type: cipherType, Material: material}, nil
}

// Cipher builds the cipher for this key.
func (k Key) Cipher() (Cipher, error) {
	return NewWithType(k.Material, k.Type)
}

// Export renders the key in its persisted form: "<type>:<base64 material>".
func (k Key) Export() string {
	return string(k.Type) + ":" + base64.StdEncoding.EncodeToString(k.Material)
}

// ImportKey parses a key previously produced by Export.
func ImportKey(exported string) (Key, error) {
	typ, b64, ok := strings.Cut(exported, ":")
	if !ok || typ == "" || b64 == "" {
		return Key{}, ErrMalformedKey
	}
	material, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	k := Key{Type: CipherType(typ), Material: material}
	if _, err := k.Cipher(); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return k, nil
}

// Zero wipes the key material.
func (k Key) Zero() {
	for i := range k.Material {
		k.Material[i] = 0
	}
}
