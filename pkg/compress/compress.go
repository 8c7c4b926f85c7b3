// Package compress provides the zstd codec used for on-disk artifacts:
// embedding blobs in the history index and offline KEV catalog snapshots.
//
// Example usage:
//
//	blob, err := compress.EncodeVector(vec)
//	...
//	vec, err = compress.DecodeVector(blob)
package compress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// AlgorithmZSTD is the Zstandard compression algorithm.
	AlgorithmZSTD Algorithm = "zstd"

	// AlgorithmNone indicates no compression.
	AlgorithmNone Algorithm = "none"
)

// AlgorithmForPath picks zstd for ".zst"/".zstd" files and none otherwise.
func AlgorithmForPath(path string) Algorithm {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return AlgorithmZSTD
	default:
		return AlgorithmNone
	}
}

// Level is a zstd level on the familiar 1..22 scale; it is mapped to the
// nearest encoder preset.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBest    Level = 9
)

// Compressor is a stateless codec for whole buffers. Blobs here are small
// (one vector, one catalog), so it uses EncodeAll/DecodeAll on a single
// encoder and decoder, which are safe for concurrent use in that mode.
type Compressor struct {
	algorithm Algorithm
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	err       error
}

func NewCompressor(algorithm Algorithm, level Level) *Compressor {
	c := &Compressor{algorithm: algorithm}
	if algorithm != AlgorithmZSTD {
		return c
	}
	c.enc, c.err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))),
		zstd.WithEncoderConcurrency(1))
	if c.err == nil {
		c.dec, c.err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	}
	return c
}

func (c *Compressor) Algorithm() Algorithm {
	return c.algorithm
}

func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmNone:
		return data, nil
	case AlgorithmZSTD:
		if c.err != nil {
			return nil, fmt.Errorf("zstd: %w", c.err)
		}
		return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
}

func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmNone:
		return data, nil
	case AlgorithmZSTD:
		if c.err != nil {
			return nil, fmt.Errorf("zstd: %w", c.err)
		}
		out, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
}

// DefaultZSTD is the shared ZSTD compressor.
var DefaultZSTD = NewCompressor(AlgorithmZSTD, LevelDefault)

func forPath(path string) *Compressor {
	if AlgorithmForPath(path) == AlgorithmZSTD {
		return DefaultZSTD
	}
	return plain
}

var plain = NewCompressor(AlgorithmNone, LevelDefault)

// WriteFile compresses data according to the file extension and writes it
// atomically (temp file in the same directory, then rename).
func WriteFile(path string, data []byte) error {
	payload, err := forPath(path).Compress(data)
	if err != nil {
		return err
	}
	return AtomicWrite(path, payload)
}

// ReadFile reads a file written by WriteFile.
func ReadFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return forPath(path).Decompress(raw)
}

// AtomicWrite writes data to path via a temp file and rename, so readers
// never observe a partially written file.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
