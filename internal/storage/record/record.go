// Package record defines the persisted form of a value and the pipeline
// that produces it.
//
// Frame layout (big endian):
//
//	[magic:2 "KS"][frame version:1][encoding:1][schema version length:1]
//	[schema version][crc32(payload):4][payload]
//
// The encoding byte is a closed tagged variant. Encode order is always
// compress-then-encrypt, so decode is decrypt-then-decompress.
package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/yndnr/keepstore/internal/core/domain"
)

var magic = []byte("KS")

const (
	frameVersion = 1
	headerSize   = 2 + 1 + 1 + 1
	crcSize      = 4

	// MaxSchemaVersionLength is the longest schema version a frame can carry.
	MaxSchemaVersionLength = 255
)

// Encoding is the set of reversible transforms applied to a payload.
type Encoding uint8

const (
	Raw Encoding = iota + 1
	Compressed
	Encrypted
	CompressedThenEncrypted
)

// String returns the encoding name.
func (e Encoding) String() string {
	switch e {
	case Raw:
		return "raw"
	case Compressed:
		return "compressed"
	case Encrypted:
		return "encrypted"
	case CompressedThenEncrypted:
		return "compressed+encrypted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// IsCompressed reports whether the payload went through the compressor.
func (e Encoding) IsCompressed() bool {
	return e == Compressed || e == CompressedThenEncrypted
}

// IsEncrypted reports whether the payload went through the install cipher.
func (e Encoding) IsEncrypted() bool {
	return e == Encrypted || e == CompressedThenEncrypted
}

func (e Encoding) valid() bool {
	return e >= Raw && e <= CompressedThenEncrypted
}

// EncodingFor returns the variant for a pair of transform flags.
func EncodingFor(compressed, encrypted bool) Encoding {
	switch {
	case compressed && encrypted:
		return CompressedThenEncrypted
	case compressed:
		return Compressed
	case encrypted:
		return Encrypted
	default:
		return Raw
	}
}

// Record is a payload plus the metadata needed to decode it.
type Record struct {
	Encoding      Encoding
	SchemaVersion string
	Payload       []byte
}

// Marshal renders the record as a frame.
func Marshal(r Record) ([]byte, error) {
	if !r.Encoding.valid() {
		return nil, fmt.Errorf("record: invalid encoding %d", r.Encoding)
	}
	if len(r.SchemaVersion) > MaxSchemaVersionLength {
		return nil, fmt.Errorf("record: schema version too long (%d bytes)", len(r.SchemaVersion))
	}

	out := make([]byte, 0, headerSize+len(r.SchemaVersion)+crcSize+len(r.Payload))
	out = append(out, magic...)
	out = append(out, frameVersion, byte(r.Encoding), byte(len(r.SchemaVersion)))
	out = append(out, r.SchemaVersion...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(r.Payload))
	out = append(out, r.Payload...)
	return out, nil
}

// Unmarshal parses a frame produced by Marshal.
func Unmarshal(b []byte) (Record, error) {
	if len(b) < headerSize+crcSize || !bytes.Equal(b[:2], magic) {
		return Record{}, domain.ErrRecordCorrupted.WithDetails("missing frame header")
	}
	if b[2] != frameVersion {
		return Record{}, domain.ErrRecordCorrupted.WithDetails(fmt.Sprintf("unsupported frame version %d", b[2]))
	}

	enc := Encoding(b[3])
	if !enc.valid() {
		return Record{}, domain.ErrRecordCorrupted.WithDetails(fmt.Sprintf("unknown encoding %d", b[3]))
	}

	vlen := int(b[4])
	rest := b[headerSize:]
	if len(rest) < vlen+crcSize {
		return Record{}, domain.ErrRecordCorrupted.WithDetails("truncated frame")
	}
	version := string(rest[:vlen])
	sum := binary.BigEndian.Uint32(rest[vlen : vlen+crcSize])
	payload := rest[vlen+crcSize:]

	if crc32.ChecksumIEEE(payload) != sum {
		return Record{}, domain.ErrRecordCorrupted.WithDetails("payload checksum mismatch")
	}

	return Record{
		Encoding:      enc,
		SchemaVersion: version,
		Payload:       append([]byte(nil), payload...),
	}, nil
}
