package tlsroots

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNoCertsFound is returned when PEM data holds no certificate.
	ErrNoCertsFound = errors.New("tlsroots: no certificates found in PEM data")

	// ErrIncompletePair is returned when only one of cert and key is set.
	ErrIncompletePair = errors.New("tlsroots: client certificate and key must be set together")
)

// Pool is a set of trusted root certificates.
type Pool struct {
	certPool *x509.CertPool
	count    int
}

// NewPool creates a pool seeded with the system roots. Systems without a
// readable system pool get an empty one.
func NewPool() *Pool {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	return &Pool{certPool: pool}
}

// NewEmptyPool creates a pool without system roots.
func NewEmptyPool() *Pool {
	return &Pool{certPool: x509.NewCertPool()}
}

// AddCertFile adds every certificate in a PEM file.
func (p *Pool) AddCertFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tlsroots: read %s: %w", path, err)
	}
	if err := p.AddCertPEM(data); err != nil {
		return fmt.Errorf("%w (%s)", err, path)
	}
	return nil
}

// AddCertPEM adds every CERTIFICATE block in data. Other block types are
// skipped.
func (p *Pool) AddCertPEM(data []byte) error {
	added := 0
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("tlsroots: parse certificate: %w", err)
		}
		p.certPool.AddCert(cert)
		added++
	}
	if added == 0 {
		return ErrNoCertsFound
	}
	p.count += added
	return nil
}

// AddCertDir adds the .pem, .crt and .cer files in dir and returns how
// many files were loaded. Unreadable or empty files are joined into the
// returned error; the rest are still added.
func (p *Pool) AddCertDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("tlsroots: read dir %s: %w", dir, err)
	}

	var errs []error
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".pem", ".crt", ".cer":
		default:
			continue
		}
		if err := p.AddCertFile(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Added returns the number of certificates added beyond the system roots.
func (p *Pool) Added() int {
	return p.count
}

// Pool returns the underlying x509.CertPool.
func (p *Pool) Pool() *x509.CertPool {
	return p.certPool
}

// Options describe a client TLS configuration.
type Options struct {
	// CAFile and CADir add trust anchors.
	CAFile string
	CADir  string

	// SkipSystemRoots trusts only CAFile and CADir.
	SkipSystemRoots bool

	// CertFile and KeyFile present a client certificate.
	CertFile string
	KeyFile  string

	// ServerName overrides the name checked against the server certificate.
	ServerName string

	InsecureSkipVerify bool
}

// ClientConfig builds a client tls.Config from opts.
func ClientConfig(opts Options) (*tls.Config, error) {
	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return nil, ErrIncompletePair
	}

	pool := NewPool()
	if opts.SkipSystemRoots {
		pool = NewEmptyPool()
	}
	if opts.CAFile != "" {
		if err := pool.AddCertFile(opts.CAFile); err != nil {
			return nil, err
		}
	}
	if opts.CADir != "" {
		if _, err := pool.AddCertDir(opts.CADir); err != nil {
			return nil, err
		}
	}
	if opts.SkipSystemRoots && pool.Added() == 0 && !opts.InsecureSkipVerify {
		return nil, fmt.Errorf("tlsroots: system roots skipped and no CA configured")
	}

	cfg := &tls.Config{
		RootCAs:            pool.Pool(),
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if opts.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsroots: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
