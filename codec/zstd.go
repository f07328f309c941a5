package codec

import (
	"github.com/klauspost/compress/zstd"
)

// Zstd compresses sample bytes with zstandard.
//
// Encoder and decoder are created once and reused; both are safe for
// concurrent use via EncodeAll/DecodeAll.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a zstd codec at the default compression level.
func NewZstd() (*Zstd, error) {
	return NewZstdLevel(zstd.SpeedDefault)
}

// NewZstdLevel creates a zstd codec at the given compression level.
func NewZstdLevel(level zstd.EncoderLevel) (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

// Encode implements Codec.
func (c *Zstd) Encode(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src))), nil
}

// Decode implements Codec.
func (c *Zstd) Decode(src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, nil)
}

// Name implements Codec.
func (c *Zstd) Name() string { return "zstd" }
