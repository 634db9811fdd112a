// flags:
//           +---------------+---------------+
//       byte|       0       |       1       |
//           +---------------+---------------+
//       bits|0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|
//           +-------+-------+---------------+  COMP. - Compression
//          0| COMP. |  ENC. | undefined     |  ENC.  - Encoding
//           +-------+-------+---------------+

package transport

const ( // types of encoding over the wire.
	EncodingNone byte = 0
)

const ( // types of compression over the wire.
	CompressionNone   byte = 0
	CompressionSnappy byte = 1
	CompressionLZ4    byte = 2
	CompressionZstd   byte = 3
)

// TransportFlag tell packet encoding and compression formats.
type TransportFlag uint16

// GetCompression returns the compression bits from flags
func (flags TransportFlag) GetCompression() byte {
	return byte(flags & TransportFlag(0x000F))
}

// SetCompression sets the compression bits directly, see
// CompressionSnappy and friends.
func (flags TransportFlag) SetCompression(compression byte) TransportFlag {
	return (flags & TransportFlag(0xFFF0)) | TransportFlag(compression)
}

// SetSnappy will set packet compression to snappy
func (flags TransportFlag) SetSnappy() TransportFlag {
	return (flags & TransportFlag(0xFFF0)) | TransportFlag(CompressionSnappy)
}

// SetLZ4 will set packet compression to lz4
func (flags TransportFlag) SetLZ4() TransportFlag {
	return (flags & TransportFlag(0xFFF0)) | TransportFlag(CompressionLZ4)
}

// SetZstd will set packet compression to zstd
func (flags TransportFlag) SetZstd() TransportFlag {
	return (flags & TransportFlag(0xFFF0)) | TransportFlag(CompressionZstd)
}

// GetEncoding will get the encoding bits from flags
func (flags TransportFlag) GetEncoding() byte {
	return byte(flags&TransportFlag(0x00F0)) >> 4
}

// CompressionByName maps a configured compression name to its flag bits.
func CompressionByName(name string) byte {
	switch name {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "zstd":
		return CompressionZstd
	}
	return CompressionNone
}
