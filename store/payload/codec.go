package payload

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/bucketstore"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// DefaultCompressionThreshold is the minimum payload size before
	// compression is considered. zstd overhead is not worth it below 2KB.
	DefaultCompressionThreshold = 2048

	// MaxPayloadSize is the largest payload MQTT can carry (256MB - 1).
	MaxPayloadSize = 268435455
)

// Encoding identifies how record data is stored.
type Encoding uint8

const (
	EncodingIdentity Encoding = iota
	EncodingZstd
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// Record field numbers.
const (
	fieldRefCount  protowire.Number = 1
	fieldEncoding  protowire.Number = 2
	fieldDigest    protowire.Number = 3
	fieldData      protowire.Number = 4
	fieldUpdatedAt protowire.Number = 5
	fieldSize      protowire.Number = 6
)

// record is the stored form of one payload.
type record struct {
	refCount  uint64
	encoding  Encoding
	digest    bucketstore.Digest
	data      []byte // encoded with encoding
	size      uint64 // decoded size
	updatedAt time.Time
}

func (r *record) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRefCount, protowire.VarintType)
	b = protowire.AppendVarint(b, r.refCount)
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.encoding))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, r.digest[:])
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, r.data)
	b = protowire.AppendTag(b, fieldUpdatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.updatedAt.UnixMilli())) //nolint:gosec // timestamps after 1970
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, r.size)
	return b
}

func unmarshalRecord(b []byte) (*record, error) {
	r := &record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldRefCount || num == fieldEncoding || num == fieldUpdatedAt || num == fieldSize):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldRefCount:
				r.refCount = v
			case fieldEncoding:
				r.encoding = Encoding(v) //nolint:gosec // validated on decode
			case fieldUpdatedAt:
				r.updatedAt = time.UnixMilli(int64(v)) //nolint:gosec // written from UnixMilli
			case fieldSize:
				r.size = v
			}
		case typ == protowire.BytesType && (num == fieldDigest || num == fieldData):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			if num == fieldDigest {
				d, err := bucketstore.DigestFromBytes(v)
				if err != nil {
					return nil, err
				}
				r.digest = d
			} else {
				r.data = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

// codec handles payload encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	mu        sync.RWMutex
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{
		threshold: threshold,
		encoder:   enc,
		decoder:   dec,
	}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode compresses data when beneficial and fills in digest and size.
func (c *codec) encode(data []byte) (*record, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	r := &record{
		encoding: EncodingIdentity,
		digest:   bucketstore.DigestBytes(data),
		data:     data,
		size:     uint64(len(data)),
	}
	if len(data) < c.threshold {
		return r, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return r, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return r, nil
	}
	r.data = compressed
	r.encoding = EncodingZstd
	return r, nil
}

// decode returns the original payload and verifies its digest.
func (c *codec) decode(r *record) ([]byte, error) {
	var data []byte
	switch r.encoding {
	case EncodingIdentity:
		data = r.data
	case EncodingZstd:
		if r.size > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(r.data, make([]byte, 0, r.size))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(decompressed) > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", r.encoding)
	}

	if bucketstore.DigestBytes(data) != r.digest {
		return nil, fmt.Errorf("%w: want %s", ErrCorrupted, r.digest)
	}
	return data, nil
}
