package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses mutation values according to the
// compression negotiated on a connection. A Codec is safe for concurrent
// use.
type Codec struct {
	compression byte
	zenc        *zstd.Encoder
	zdec        *zstd.Decoder
}

// NewCodec for the given compression bits, see CompressionSnappy and
// friends.
func NewCodec(compression byte) (*Codec, error) {
	codec := &Codec{compression: compression}
	if compression == CompressionZstd {
		var err error
		codec.zenc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		codec.zdec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	return codec, nil
}

// Compression returns the compression bits this codec was built with.
func (codec *Codec) Compression() byte {
	return codec.compression
}

// Compress a value. The input slice is never modified; a fresh slice is
// returned except for CompressionNone where the input is passed through.
func (codec *Codec) Compress(value []byte) ([]byte, error) {
	switch codec.compression {
	case CompressionNone:
		return value, nil

	case CompressionSnappy:
		return snappy.Encode(nil, value), nil

	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CompressionZstd:
		return codec.zenc.EncodeAll(value, nil), nil
	}
	return nil, fmt.Errorf("unknown compression %v", codec.compression)
}

// Decompress a value previously compressed with the same codec settings.
func (codec *Codec) Decompress(value []byte) ([]byte, error) {
	switch codec.compression {
	case CompressionNone:
		return value, nil

	case CompressionSnappy:
		return snappy.Decode(nil, value)

	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(value))
		return io.ReadAll(r)

	case CompressionZstd:
		return codec.zdec.DecodeAll(value, nil)
	}
	return nil, fmt.Errorf("unknown compression %v", codec.compression)
}
