package backup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/keepstore/internal/core/domain"
)

// Blob layout (big endian):
//
//	[magic:8 "KSBACKUP"][header length:4][header JSON]
//	[data length:4][data][murmur3-128 of everything before:16]
var magicBytes = []byte("KSBACKUP")

const (
	blobFormat   = 1
	checksumSize = 16
	minBlobSize  = 8 + 4 + 4 + checksumSize
)

type blobHeader struct {
	Format     int        `json:"format"`
	Descriptor Descriptor `json:"descriptor"`
}

func writeBlob(desc Descriptor, data []byte) ([]byte, error) {
	hdr, err := json.Marshal(blobHeader{Format: blobFormat, Descriptor: desc})
	if err != nil {
		return nil, fmt.Errorf("backup: marshal header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(minBlobSize + len(hdr) + len(data))
	buf.Write(magicBytes)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(hdr)))
	buf.Write(hdr)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)

	h1, h2 := murmur3.Sum128(buf.Bytes())
	_ = binary.Write(&buf, binary.BigEndian, h1)
	_ = binary.Write(&buf, binary.BigEndian, h2)
	return buf.Bytes(), nil
}

func readBlob(blob []byte) (Descriptor, []byte, error) {
	corrupted := func(why string) (Descriptor, []byte, error) {
		return Descriptor{}, nil, domain.ErrBackupCorrupted.WithDetails(why)
	}

	if len(blob) < minBlobSize || !bytes.Equal(blob[:len(magicBytes)], magicBytes) {
		return corrupted("missing backup header")
	}

	body := blob[:len(blob)-checksumSize]
	trailer := blob[len(blob)-checksumSize:]
	h1, h2 := murmur3.Sum128(body)
	if binary.BigEndian.Uint64(trailer[:8]) != h1 || binary.BigEndian.Uint64(trailer[8:]) != h2 {
		return corrupted("checksum mismatch")
	}

	rest := body[len(magicBytes):]
	hdrLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if hdrLen == 0 || hdrLen+4 > len(rest) {
		return corrupted("bad header length")
	}

	var hdr blobHeader
	if err := json.Unmarshal(rest[:hdrLen], &hdr); err != nil {
		return corrupted("unreadable header")
	}
	if hdr.Format != blobFormat {
		return corrupted(fmt.Sprintf("unsupported format %d", hdr.Format))
	}
	rest = rest[hdrLen:]

	dataLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if dataLen != len(rest) {
		return corrupted("bad data length")
	}
	return hdr.Descriptor, rest, nil
}
