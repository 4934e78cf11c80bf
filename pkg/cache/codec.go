package cache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/cuemby/quorum/pkg/log"
)

// gzipMagic distinguishes compressed payloads on the read path.
var gzipMagic = []byte{0x1f, 0x8b}

// Codec transparently compresses values that cross the threshold.
type Codec struct {
	// Threshold is the minimum serialized size, in bytes, that
	// triggers compression. Zero or negative disables compression.
	Threshold int
}

// Encode compresses value when it is at least Threshold bytes long. A
// compression failure falls back to the uncompressed value with a
// warning.
func (c Codec) Encode(value []byte) []byte {
	if c.Threshold <= 0 || len(value) < c.Threshold {
		return value
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(value); err != nil {
		lg1 := log.WithComponent("cache")
		lg1.Warn().Err(err).Msg("compression failed, storing uncompressed")
		return value
	}
	if err := zw.Close(); err != nil {
		lg2 := log.WithComponent("cache")
		lg2.Warn().Err(err).Msg("compression failed, storing uncompressed")
		return value
	}
	return buf.Bytes()
}

// Decode detects the GZIP magic bytes and decompresses when present.
func (c Codec) Decode(value []byte) ([]byte, error) {
	if !IsCompressed(value) {
		return value, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed cache value: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cache value: %w", err)
	}
	return out, nil
}

// IsCompressed reports whether value starts with the GZIP magic bytes.
func IsCompressed(value []byte) bool {
	return len(value) >= 2 && value[0] == gzipMagic[0] && value[1] == gzipMagic[1]
}
