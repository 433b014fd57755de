// Package bucket maps keys onto a fixed number of local persistence buckets.
//
// A bucket is a shard of the keyspace owned by exactly one queue in the
// single-writer core. The mapping is a pure function of the key and the bucket
// count, so a key stays in the same bucket for the lifetime of the process.
package bucket

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidBucketCount is returned when a bucket count is not a positive power of two.
var ErrInvalidBucketCount = errors.New("bucket: count must be a positive power of two")

// Router routes keys to bucket indexes in [0, Count()).
type Router struct {
	count int
	mask  uint64
}

// NewRouter creates a router for count buckets.
// count must be a power of two so routing can mask instead of divide.
func NewRouter(count int) (*Router, error) {
	if !IsPowerOfTwo(count) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBucketCount, count)
	}
	return &Router{
		count: count,
		mask:  uint64(count - 1), //nolint:gosec // count is positive
	}, nil
}

// Count returns the number of buckets.
func (r *Router) Count() int {
	return r.count
}

// BucketOf returns the bucket index for key.
func (r *Router) BucketOf(key string) int {
	return int(xxhash.Sum64String(key) & r.mask) //nolint:gosec // masked to count-1
}

// ValidAmountOfQueues returns the least power of two that is >= requested,
// capped at max. A requested size below one yields one.
//
// max is expected to be a power of two itself (see IsPowerOfTwo); config
// validation rejects anything else before this is called.
func ValidAmountOfQueues(requested, max int) int {
	if max < 1 {
		max = 1
	}
	n := 1
	for n < requested && n < max {
		n <<= 1
	}
	if n > max {
		return max
	}
	return n
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
