package transport

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder serve every SQLite handle in the process.
var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
)

// encodeBody compresses bodies of at least threshold bytes. A threshold of
// zero stores everything as-is.
func encodeBody(body []byte, threshold int) ([]byte, string, error) {
	if threshold <= 0 || len(body) < threshold {
		return body, encodingIdentity, nil
	}
	enc, err := zstdEncoder()
	if err != nil {
		return nil, "", fmt.Errorf("init zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(body, make([]byte, 0, len(body)/2))
	if len(compressed) >= len(body) {
		return body, encodingIdentity, nil
	}
	return compressed, encodingZstd, nil
}

func decodeBody(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", encodingIdentity:
		return data, nil
	case encodingZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("init zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}
