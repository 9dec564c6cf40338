package storage

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor is a small capability interface — polymorphism without
// inheritance, per spec.md §9 — implemented once per codec named in
// Compression. Grounded on crypto.Provider's capability-interface shape.
type Compressor interface {
	Compress(plaintext []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
	Kind() Compression
}

// NoneCompressor stores the payload unmodified.
type NoneCompressor struct{}

func (NoneCompressor) Compress(p []byte) ([]byte, error)   { return p, nil }
func (NoneCompressor) Decompress(c []byte) ([]byte, error) { return c, nil }
func (NoneCompressor) Kind() Compression                   { return CompressionNone }

// LZ4Compressor wraps github.com/pierrec/lz4/v4, the codec named in
// spec.md §9's compression option and cross-referenced via the retrieval
// pack's aistore LZ4Compression constant.
type LZ4Compressor struct{}

func (LZ4Compressor) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("storage: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage: lz4 compress close: %w", err)
	}
	return buf.Bytes(), nil
}

func (LZ4Compressor) Decompress(c []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(c))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("storage: lz4 decompress: %w", err)
	}
	return buf.Bytes(), nil
}

func (LZ4Compressor) Kind() Compression { return CompressionLZ4 }

// ZstdCompressor wraps github.com/klauspost/compress/zstd, cross-referenced
// via the retrieval pack's erigon-lib go.mod dependency on klauspost/compress.
type ZstdCompressor struct{}

func (ZstdCompressor) Compress(p []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(p, nil), nil
}

func (ZstdCompressor) Decompress(c []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(c, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: zstd decompress: %w", err)
	}
	return out, nil
}

func (ZstdCompressor) Kind() Compression { return CompressionZstd }

// ForKind returns the Compressor implementation for a Compression tag.
func ForKind(k Compression) (Compressor, error) {
	switch k {
	case CompressionNone:
		return NoneCompressor{}, nil
	case CompressionLZ4:
		return LZ4Compressor{}, nil
	case CompressionZstd:
		return ZstdCompressor{}, nil
	default:
		return nil, fmt.Errorf("storage: unknown compression kind %d", k)
	}
}
