// Package compression compresses serialized artifacts before they leave the
// process. Only codings that HTTP servers and S3 consumers understand are
// supported: gzip and zstd, both from klauspost/compress.
//
// # Basic Usage
//
//	comp, err := compression.NewCompressor(&compression.Config{
//	    Algorithm: compression.Zstd,
//	    Level:     compression.Default,
//	})
//	compressed, err := comp.Compress(data)
//	req.Header.Set("Content-Encoding", comp.ContentEncoding())
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// None disables compression
	None Algorithm = "none"
	// Gzip is RFC 1952 gzip
	Gzip Algorithm = "gzip"
	// Zstd is Zstandard
	Zstd Algorithm = "zstd"
)

// Level represents compression level, controlling the trade-off between
// compression speed and compression ratio.
type Level int

const (
	Fastest Level = 1
	Default Level = 5
	Better  Level = 7
	Best    Level = 9
)

// maxDecompressedSize bounds Decompress output
const maxDecompressedSize = 512 << 20

// Compressor compresses whole buffers. Implementations are safe for
// concurrent use.
type Compressor interface {
	// Compress returns a compressed copy of data
	Compress(data []byte) ([]byte, error)
	// Decompress returns the original bytes of data
	Decompress(data []byte) ([]byte, error)
	// Algorithm returns the compression algorithm used
	Algorithm() Algorithm
	// ContentEncoding returns the HTTP Content-Encoding token, empty for None
	ContentEncoding() string
	// Extension returns the file name suffix, empty for None
	Extension() string
}

// Config represents compressor configuration
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// ParseAlgorithm maps a configuration value to an Algorithm. The empty
// string selects None.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "", None:
		return None, nil
	case Gzip, Zstd:
		return a, nil
	default:
		return None, fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// NewCompressor creates a compressor. A nil config disables compression.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		return noneCompressor{}, nil
	}
	if config.Level == 0 {
		config = &Config{Algorithm: config.Algorithm, Level: Default}
	}

	switch config.Algorithm {
	case None, "":
		return noneCompressor{}, nil
	case Gzip:
		return newGzipCompressor(config), nil
	case Zstd:
		return newZstdCompressor(config)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }
func (noneCompressor) ContentEncoding() string                { return "" }
func (noneCompressor) Extension() string                      { return "" }

type gzipCompressor struct {
	writerPool sync.Pool
}

func newGzipCompressor(config *Config) *gzipCompressor {
	level := mapGzipLevel(config.Level)
	gc := &gzipCompressor{}
	gc.writerPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, level)
		return w
	}
	return gc
}

func (gc *gzipCompressor) Compress(data []byte) ([]byte, error) {
	w := gc.writerPool.Get().(*gzip.Writer)
	defer gc.writerPool.Put(w)

	var buf bytes.Buffer
	buf.Grow(len(data) / 3)
	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gc *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r)
}

func (gc *gzipCompressor) Algorithm() Algorithm    { return Gzip }
func (gc *gzipCompressor) ContentEncoding() string { return "gzip" }
func (gc *gzipCompressor) Extension() string       { return ".gz" }

// zstdCompressor uses a single encoder and decoder; EncodeAll and
// DecodeAll are safe for concurrent use.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(config *Config) (*zstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(mapZstdLevel(config.Level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize), zstd.WithDecoderConcurrency(0))
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zc.encoder.EncodeAll(data, make([]byte, 0, len(data)/3)), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return zc.decoder.DecodeAll(data, nil)
}

func (zc *zstdCompressor) Algorithm() Algorithm    { return Zstd }
func (zc *zstdCompressor) ContentEncoding() string { return "zstd" }
func (zc *zstdCompressor) Extension() string       { return ".zst" }

func readLimited(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxDecompressedSize+1))
	if err != nil {
		return nil, err
	}
	if n > maxDecompressedSize {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes", maxDecompressedSize)
	}
	return buf.Bytes(), nil
}

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Better:
		return 7
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
