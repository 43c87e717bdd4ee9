package crypt

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/pkg/crypto/adaptive"
)

type mapKeyStore struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func (m *mapKeyStore) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *mapKeyStore) Set(_ context.Context, items map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	for k, v := range items {
		m.data[k] = v
	}
	return nil
}

// cheapParams keeps Argon2 fast in tests.
var cheapParams = PassphraseParams{Time: 1, MemoryKiB: 1024, Threads: 1}

func TestLoadOrCreate_GeneratesOnceThenReloads(t *testing.T) {
	ctx := context.Background()
	ks := &mapKeyStore{data: map[string][]byte{}}

	c1, err := LoadOrCreate(ctx, ks, "install_key", nil)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if ks.sets != 1 {
		t.Fatalf("key persisted %d times, want 1", ks.sets)
	}

	sealed, err := c1.Encrypt([]byte(`{"token":"abc"}`))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	c2, err := LoadOrCreate(ctx, ks, "install_key", nil)
	if err != nil {
		t.Fatalf("second LoadOrCreate() error = %v", err)
	}
	if ks.sets != 1 {
		t.Fatalf("existing key was regenerated")
	}

	plain, err := c2.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() after reload error = %v", err)
	}
	if string(plain) != `{"token":"abc"}` {
		t.Errorf("Decrypt() = %s", plain)
	}
}

func TestLoadOrCreate_CorruptStoredKey(t *testing.T) {
	ks := &mapKeyStore{data: map[string][]byte{"install_key": []byte("garbage")}}
	_, err := LoadOrCreate(context.Background(), ks, "install_key", nil)
	if !errors.Is(err, domain.ErrKeyUnavailable) {
		t.Fatalf("error = %v, want ErrKeyUnavailable", err)
	}
	if string(ks.data["install_key"]) != "garbage" {
		t.Error("corrupt key must not be overwritten")
	}
}

func TestCodec_FreshNoncePerCall(t *testing.T) {
	key, _ := adaptive.GenerateKey(adaptive.CipherAESGCM)
	c, err := NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same data should differ")
	}
}

func TestCodec_DecryptFailures(t *testing.T) {
	k1, _ := adaptive.GenerateKey(adaptive.CipherChaCha20)
	k2, _ := adaptive.GenerateKey(adaptive.CipherChaCha20)
	c1, _ := NewCodec(k1)
	c2, _ := NewCodec(k2)

	sealed, _ := c1.Encrypt([]byte("hello"))

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name  string
		codec *Codec
		data  []byte
	}{
		{"wrong key", c2, sealed},
		{"tampered", c1, tampered},
		{"truncated", c1, sealed[:4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.codec.Decrypt(tt.data); !errors.Is(err, domain.ErrCrypto) {
				t.Errorf("Decrypt() error = %v, want ErrCrypto", err)
			}
		})
	}
}

func TestCodec_Derive(t *testing.T) {
	key, _ := adaptive.GenerateKey(adaptive.CipherAESGCM)
	base, _ := NewCodec(key)

	d1, err := base.Derive("backup")
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	d2, _ := base.Derive("backup")
	other, _ := base.Derive("export")

	sealed, _ := d1.Encrypt([]byte("x"))
	if _, err := d2.Decrypt(sealed); err != nil {
		t.Errorf("same info should derive the same key: %v", err)
	}
	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("different info should derive a different key")
	}
	if _, err := base.Decrypt(sealed); err == nil {
		t.Error("derived key should differ from the base key")
	}
}

func TestPassphraseCodec_RoundTrip(t *testing.T) {
	p := NewPassphraseCodec(cheapParams)
	pass := []byte("correct horse battery")

	sealed, err := p.Seal(pass, []byte("backup data"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	// A codec with different default params still opens it: params travel in the header.
	plain, err := NewPassphraseCodec(PassphraseParams{}).Open(pass, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(plain) != "backup data" {
		t.Errorf("Open() = %q", plain)
	}
}

func TestPassphraseCodec_PerBlobSalt(t *testing.T) {
	p := NewPassphraseCodec(cheapParams)
	pass := []byte("correct horse battery")

	a, _ := p.Seal(pass, []byte("data"))
	b, _ := p.Seal(pass, []byte("data"))
	if bytes.Equal(a[10:10+SaltLength], b[10:10+SaltLength]) {
		t.Error("salts should differ between blobs")
	}
}

func TestPassphraseCodec_Failures(t *testing.T) {
	p := NewPassphraseCodec(cheapParams)

	if _, err := p.Seal([]byte("short"), []byte("x")); !errors.Is(err, ErrPassphraseTooWeak) {
		t.Errorf("Seal(short) error = %v, want ErrPassphraseTooWeak", err)
	}

	sealed, _ := p.Seal([]byte("correct horse battery"), []byte("x"))
	if _, err := p.Open([]byte("wrong horse battery"), sealed); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("Open(wrong) error = %v, want ErrCrypto", err)
	}
	if _, err := p.Open([]byte("correct horse battery"), sealed[:5]); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("Open(short) error = %v, want ErrCrypto", err)
	}

	header := append([]byte(nil), sealed...)
	header[12] ^= 0xFF
	if _, err := p.Open([]byte("correct horse battery"), header); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("Open(tampered salt) error = %v, want ErrCrypto", err)
	}
}
