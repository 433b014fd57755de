package chunk

import (
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidCursor is returned when a cursor token cannot be decoded.
var ErrInvalidCursor = errors.New("chunk: invalid cursor")

// Cursor field numbers.
const (
	fieldBucket protowire.Number = 1 // repeated bucketProgress

	fieldBucketIndex    protowire.Number = 1
	fieldBucketLastKey  protowire.Number = 2
	fieldBucketFinished protowire.Number = 3
)

type progress struct {
	lastKey  string
	finished bool
}

// Cursor records per-bucket scan progress between chunk calls.
//
// A Cursor is a value: With returns a modified copy and never changes the
// receiver. The zero Cursor starts a scan from the beginning of every bucket.
type Cursor struct {
	buckets map[int]progress
}

// LastKey returns the last key returned for bucket b, or "" if none was.
func (c Cursor) LastKey(b int) string {
	return c.buckets[b].lastKey
}

// Finished reports whether bucket b has been scanned to the end.
func (c Cursor) Finished(b int) bool {
	return c.buckets[b].finished
}

// With returns a copy of c with bucket b's progress replaced.
func (c Cursor) With(b int, lastKey string, finished bool) Cursor {
	next := make(map[int]progress, len(c.buckets)+1)
	maps.Copy(next, c.buckets)
	next[b] = progress{lastKey: lastKey, finished: finished}
	return Cursor{buckets: next}
}

// AllFinished reports whether every bucket in [0, bucketCount) is finished.
func (c Cursor) AllFinished(bucketCount int) bool {
	for b := 0; b < bucketCount; b++ {
		if !c.Finished(b) {
			return false
		}
	}
	return true
}

// IsZero reports whether no bucket made progress yet.
func (c Cursor) IsZero() bool {
	return len(c.buckets) == 0
}

// String returns the opaque token form of the cursor.
func (c Cursor) String() string {
	b, _ := c.MarshalText()
	return string(b)
}

// MarshalText encodes the cursor as an unpadded base64url token.
// The zero cursor encodes to an empty token.
func (c Cursor) MarshalText() ([]byte, error) {
	if c.IsZero() {
		return []byte{}, nil
	}

	var raw []byte
	for _, b := range slices.Sorted(maps.Keys(c.buckets)) {
		p := c.buckets[b]
		var msg []byte
		msg = protowire.AppendTag(msg, fieldBucketIndex, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(b)) //nolint:gosec // bucket indexes are non-negative
		if p.lastKey != "" {
			msg = protowire.AppendTag(msg, fieldBucketLastKey, protowire.BytesType)
			msg = protowire.AppendString(msg, p.lastKey)
		}
		if p.finished {
			msg = protowire.AppendTag(msg, fieldBucketFinished, protowire.VarintType)
			msg = protowire.AppendVarint(msg, protowire.EncodeBool(true))
		}
		raw = protowire.AppendTag(raw, fieldBucket, protowire.BytesType)
		raw = protowire.AppendBytes(raw, msg)
	}

	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(raw)))
	base64.RawURLEncoding.Encode(out, raw)
	return out, nil
}

// UnmarshalText decodes a token produced by MarshalText.
func (c *Cursor) UnmarshalText(text []byte) error {
	parsed, err := ParseCursor(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCursor decodes a cursor token. An empty token yields the zero cursor.
func ParseCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}

	buckets := make(map[int]progress)
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return Cursor{}, fmt.Errorf("%w: %w", ErrInvalidCursor, protowire.ParseError(n))
		}
		raw = raw[n:]

		if num != fieldBucket || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return Cursor{}, fmt.Errorf("%w: %w", ErrInvalidCursor, protowire.ParseError(n))
			}
			raw = raw[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return Cursor{}, fmt.Errorf("%w: %w", ErrInvalidCursor, protowire.ParseError(n))
		}
		raw = raw[n:]

		b, p, err := parseProgress(msg)
		if err != nil {
			return Cursor{}, err
		}
		buckets[b] = p
	}
	return Cursor{buckets: buckets}, nil
}

func parseProgress(msg []byte) (int, progress, error) {
	var (
		bucket = -1
		p      progress
	)
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return 0, p, fmt.Errorf("%w: %w", ErrInvalidCursor, protowire.ParseError(n))
		}
		msg = msg[n:]

		switch {
		case num == fieldBucketIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return 0, p, fmt.Errorf("%w: %w", ErrInvalidCursor, protowire.ParseError(n))
			}
			if v > 1<<31 {
				return 0, p, fmt.Errorf("%w: bucket %d out of range", ErrInvalidCursor, v)
			}
			bucket = int(v)
			msg = msg[n:]
		case num == fieldBucketLastKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return 0, p, fmt.Errorf("%w: %w", ErrInvalidCursor, protowire.ParseError(n))
			}
			p.lastKey = v
			msg = msg[n:]
		case num == fieldBucketFinished && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return 0, p, fmt.Errorf("%w: %w", ErrInvalidCursor, protowire.ParseError(n))
			}
			p.finished = protowire.DecodeBool(v)
			msg = msg[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return 0, p, fmt.Errorf("%w: %w", ErrInvalidCursor, protowire.ParseError(n))
			}
			msg = msg[n:]
		}
	}
	if bucket < 0 {
		return 0, p, fmt.Errorf("%w: missing bucket index", ErrInvalidCursor)
	}
	return bucket, p, nil
}
