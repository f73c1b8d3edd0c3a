package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/afspm/errors"
)

// Codec serializes payload objects.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Codec names
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// NewCodec returns the codec for name, wrapped with the named compression
// ("", "none", "zstd" or "lz4").
func NewCodec(name, compression string) (Codec, error) {
	var base Codec
	switch name {
	case "", CodecJSON:
		base = JSON{}
	case CodecCBOR:
		base = CBOR{}
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown codec %q", name), "wire", "NewCodec", "codec lookup")
	}

	compressor, err := NewCompressor(compression)
	if err != nil {
		return nil, err
	}
	if compressor == nil {
		return base, nil
	}
	return &compressed{codec: base, compressor: compressor}, nil
}

// JSON encodes payloads with encoding/json.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return CodecJSON }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBOR encodes payloads as CBOR, which keeps scan value arrays compact.
type CBOR struct{}

// Name implements Codec.
func (CBOR) Name() string { return CodecCBOR }

// Marshal implements Codec.
func (CBOR) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

// Unmarshal implements Codec.
func (CBOR) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

type compressed struct {
	codec      Codec
	compressor Compressor
}

func (c *compressed) Name() string {
	return c.codec.Name() + "+" + c.compressor.Name()
}

func (c *compressed) Marshal(v any) ([]byte, error) {
	raw, err := c.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.compressor.Compress(raw)
}

func (c *compressed) Unmarshal(data []byte, v any) error {
	raw, err := c.compressor.Decompress(data)
	if err != nil {
		return err
	}
	return c.codec.Unmarshal(raw, v)
}
