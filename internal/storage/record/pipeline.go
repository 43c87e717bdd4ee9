package record

import (
	"encoding/json"
	"fmt"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/internal/storage/compress"
)

// Compressor is the compression side of the pipeline.
type Compressor interface {
	ShouldCompress(n int) bool
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
}

// Encryptor is the encryption side of the pipeline.
type Encryptor interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// EncodeOptions control a single encode.
type EncodeOptions struct {
	// Encrypt seals the payload with the install key.
	Encrypt bool

	// SchemaVersion overrides the pipeline's current version.
	SchemaVersion string
}

// Encoded is the result of an encode.
type Encoded struct {
	Record Record

	// Plain is the serialized value before compression and encryption.
	Plain []byte

	// CompressionRatio is compressed/plain size, 1 when not compressed.
	CompressionRatio float64
}

// Pipeline turns values into records and back.
type Pipeline struct {
	compressor    Compressor
	encryptor     Encryptor
	schemaVersion string
}

// NewPipeline creates a pipeline. encryptor may be nil, in which case
// encrypted writes fail and encrypted records cannot be decoded.
func NewPipeline(compressor Compressor, encryptor Encryptor, schemaVersion string) *Pipeline {
	return &Pipeline{
		compressor:    compressor,
		encryptor:     encryptor,
		schemaVersion: schemaVersion,
	}
}

// SchemaVersion returns the version stamped on new records.
func (p *Pipeline) SchemaVersion() string {
	return p.schemaVersion
}

// Serialize renders value as JSON. json.RawMessage values pass through.
func Serialize(value any) ([]byte, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, domain.ErrSerialize.WithDetails("invalid raw JSON")
		}
		return raw, nil
	}
	plain, err := json.Marshal(value)
	if err != nil {
		return nil, domain.ErrSerialize.WithCause(err)
	}
	return plain, nil
}

// Encode serializes value and runs it through the write pipeline.
func (p *Pipeline) Encode(value any, opts EncodeOptions) (Encoded, error) {
	plain, err := Serialize(value)
	if err != nil {
		return Encoded{}, err
	}
	return p.EncodePlain(plain, opts)
}

// EncodePlain runs already-serialized JSON through the write pipeline:
// compress when above the threshold and smaller, then encrypt if asked.
func (p *Pipeline) EncodePlain(plain []byte, opts EncodeOptions) (Encoded, error) {
	payload := plain
	ratio := 1.0
	compressed := false

	if p.compressor != nil && p.compressor.ShouldCompress(len(plain)) {
		packed := p.compressor.Compress(plain)
		if len(packed) < len(plain) {
			payload = packed
			ratio = compress.Ratio(len(plain), len(packed))
			compressed = true
		}
	}

	if opts.Encrypt {
		if p.encryptor == nil {
			return Encoded{}, domain.ErrKeyUnavailable.WithDetails("encrypted write without install key")
		}
		sealed, err := p.encryptor.Encrypt(payload)
		if err != nil {
			return Encoded{}, err
		}
		payload = sealed
	}

	version := opts.SchemaVersion
	if version == "" {
		version = p.schemaVersion
	}

	return Encoded{
		Record: Record{
			Encoding:      EncodingFor(compressed, opts.Encrypt),
			SchemaVersion: version,
			Payload:       payload,
		},
		Plain:            plain,
		CompressionRatio: ratio,
	}, nil
}

// Decode reverses the write pipeline and returns the serialized value.
func (p *Pipeline) Decode(r Record) ([]byte, error) {
	switch r.Encoding {
	case Raw:
		return r.Payload, nil
	case Compressed:
		return p.decompress(r.Payload)
	case Encrypted:
		return p.decrypt(r.Payload)
	case CompressedThenEncrypted:
		packed, err := p.decrypt(r.Payload)
		if err != nil {
			return nil, err
		}
		return p.decompress(packed)
	default:
		return nil, domain.ErrRecordCorrupted.WithDetails(fmt.Sprintf("unknown encoding %d", r.Encoding))
	}
}

// Reencode rewrites plain under a new schema version, keeping the
// record's encryption choice.
func (p *Pipeline) Reencode(r Record, plain []byte, schemaVersion string) (Encoded, error) {
	return p.EncodePlain(plain, EncodeOptions{
		Encrypt:       r.Encoding.IsEncrypted(),
		SchemaVersion: schemaVersion,
	})
}

func (p *Pipeline) decrypt(b []byte) ([]byte, error) {
	if p.encryptor == nil {
		return nil, domain.ErrCrypto.WithDetails("no install key loaded")
	}
	return p.encryptor.Decrypt(b)
}

func (p *Pipeline) decompress(b []byte) ([]byte, error) {
	if p.compressor == nil {
		return nil, domain.ErrCompression.WithDetails("no compressor configured")
	}
	return p.compressor.Decompress(b)
}
