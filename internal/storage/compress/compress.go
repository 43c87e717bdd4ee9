// Package compress provides the size-reduction codec for large payloads.
//
// Compression is zstd. Whether a payload was compressed is recorded by the
// caller in the record envelope; Decompress is never attempted on data that
// the envelope does not flag, so the codec does no content sniffing.
package compress

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/yndnr/keepstore/internal/core/domain"
)

const (
	// DefaultThreshold is the serialized size above which payloads are compressed.
	DefaultThreshold = 1000

	// DefaultMaxDecodedSize bounds the memory a single Decompress may use.
	DefaultMaxDecodedSize = 64 << 20
)

// Level names a zstd encoder level.
type Level string

const (
	LevelFastest Level = "fastest"
	LevelDefault Level = "default"
	LevelBetter  Level = "better"
	LevelBest    Level = "best"
)

// ParseLevel maps a configured level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(s)); l {
	case "":
		return LevelDefault, nil
	case LevelFastest, LevelDefault, LevelBetter, LevelBest:
		return l, nil
	default:
		return "", fmt.Errorf("compress: unknown level %q", s)
	}
}

func (l Level) encoderLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBetter:
		return zstd.SpeedBetterCompression
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// Codec compresses and decompresses payloads. It is safe for concurrent use:
// EncodeAll and DecodeAll may be called from multiple goroutines.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// New creates a codec. A non-positive threshold selects DefaultThreshold.
func New(threshold int, level Level) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level.encoderLevel()),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("compress: create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(DefaultMaxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress: create decoder: %w", err)
	}

	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Threshold returns the configured size threshold.
func (c *Codec) Threshold() int {
	return c.threshold
}

// ShouldCompress reports whether a payload of n bytes exceeds the threshold.
func (c *Codec) ShouldCompress(n int) bool {
	return n > c.threshold
}

// Compress returns the compressed form of src.
func (c *Codec) Compress(src []byte) []byte {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2))
}

// Decompress reverses Compress. Malformed input yields ErrCompression.
func (c *Codec) Decompress(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, domain.ErrCompression.WithCause(err)
	}
	return out, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

// Ratio returns compressed/raw, or 1 when raw is empty.
func Ratio(raw, compressed int) float64 {
	if raw <= 0 {
		return 1
	}
	return float64(compressed) / float64(raw)
}
