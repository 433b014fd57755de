package payload

import (
	"sync/atomic"
	"time"
)

// IDGenerator hands out unique payload ids. Ids are seeded from the wall
// clock so they keep increasing across restarts.
type IDGenerator struct {
	last atomic.Uint64
}

// NewIDGenerator creates a generator seeded from now.
func NewIDGenerator(now time.Time) *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(uint64(now.UnixNano())) //nolint:gosec // timestamps after 1970
	return g
}

// Next returns the next id.
func (g *IDGenerator) Next() uint64 {
	return g.last.Add(1)
}
