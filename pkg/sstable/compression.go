package sstable

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm selects the block compression codec a partition block is stored
// under (spec.md §4.3).
type Algorithm byte

const (
	AlgorithmNone Algorithm = iota
	AlgorithmLZ4
	AlgorithmSnappy
	AlgorithmZstd
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// compressor wraps one codec's encode/decode path. zstd keeps a persistent
// encoder/decoder since construction is comparatively expensive; lz4 and
// snappy are cheap enough to use directly per call.
type compressor struct {
	algorithm Algorithm
	zstdEnc   *zstd.Encoder
	zstdDec   *zstd.Decoder
}

// newCompressor builds a compressor for the given algorithm.
func newCompressor(algorithm Algorithm) (*compressor, error) {
	c := &compressor{algorithm: algorithm}
	if algorithm == AlgorithmZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("sstable: create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("sstable: create zstd decoder: %w", err)
		}
		c.zstdEnc, c.zstdDec = enc, dec
	}
	return c, nil
}

func (c *compressor) compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch c.algorithm {
	case AlgorithmNone:
		return data, nil
	case AlgorithmSnappy:
		return snappy.Encode(nil, data), nil
	case AlgorithmZstd:
		return c.zstdEnc.EncodeAll(data, nil), nil
	case AlgorithmLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("sstable: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("sstable: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("sstable: unsupported compression algorithm %v", c.algorithm)
	}
}

func (c *compressor) decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch c.algorithm {
	case AlgorithmNone:
		return data, nil
	case AlgorithmSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("sstable: snappy decompress: %w", err)
		}
		return out, nil
	case AlgorithmZstd:
		out, err := c.zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("sstable: zstd decompress: %w", err)
		}
		return out, nil
	case AlgorithmLZ4:
		var buf bytes.Buffer
		r := lz4.NewReader(bytes.NewReader(data))
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("sstable: lz4 decompress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("sstable: unsupported compression algorithm %v", c.algorithm)
	}
}
