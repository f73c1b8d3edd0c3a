package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/c360/afspm/errors"
)

// Compressor shrinks encoded payloads. Scans carry large value arrays, so
// compression is worth it on slow links.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// Compression names
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// NewCompressor returns the named compressor, or nil for no compression.
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", CompressionNone:
		return nil, nil
	case CompressionZstd:
		return newZstd()
	case CompressionLZ4:
		return lz4Compressor{}, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown compression %q", name),
			"wire", "NewCompressor", "compression lookup")
	}
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, errors.WrapFatal(err, "wire", "newZstd", "create encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "wire", "newZstd", "create decoder")
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Name() string { return CompressionZstd }

// Compress is safe for concurrent use; EncodeAll does not share state.
func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "wire", "zstd.Decompress", err.Error())
	}
	return out, nil
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return CompressionLZ4 }

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, errors.Wrap(err, "wire", "lz4.Compress", "write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "wire", "lz4.Compress", "close")
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(src []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "wire", "lz4.Decompress", err.Error())
	}
	return out, nil
}
