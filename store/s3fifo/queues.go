// Package s3fifo implements the S3-FIFO cache eviction algorithm as a bounded
// in-memory cache of payload bytes keyed by payload ID.
// See: https://www.pdl.cmu.edu/ftp/Storage/CMU-CS-24-149-juncheny.pdf
package s3fifo

import "container/list"

// Queue name constants.
const (
	QueueSmall = "small"
	QueueMain  = "main"
)

// maxFreq caps the per-entry access counter.
const maxFreq = 3

type entry struct {
	id   uint64
	data []byte
	freq uint8
}

func (e *entry) size() int64 { return int64(len(e.data)) }

// queue is a FIFO of cached entries with O(1) lookup and removal by ID.
// The front of the list is the head (newest), the back is the tail (oldest).
type queue struct {
	items *list.List
	index map[uint64]*list.Element
	bytes int64
}

func newQueue() *queue {
	return &queue{
		items: list.New(),
		index: make(map[uint64]*list.Element),
	}
}

func (q *queue) pushHead(e *entry) {
	q.index[e.id] = q.items.PushFront(e)
	q.bytes += e.size()
}

// popTail removes and returns the oldest entry, or nil when empty.
func (q *queue) popTail() *entry {
	el := q.items.Back()
	if el == nil {
		return nil
	}
	e := q.items.Remove(el).(*entry)
	delete(q.index, e.id)
	q.bytes -= e.size()
	return e
}

func (q *queue) get(id uint64) *entry {
	if el, ok := q.index[id]; ok {
		return el.Value.(*entry)
	}
	return nil
}

func (q *queue) remove(id uint64) bool {
	el, ok := q.index[id]
	if !ok {
		return false
	}
	e := q.items.Remove(el).(*entry)
	delete(q.index, id)
	q.bytes -= e.size()
	return true
}

func (q *queue) len() int { return q.items.Len() }

// ghost remembers the IDs recently evicted from the small queue, without
// their data, oldest first.
type ghost struct {
	items *list.List
	index map[uint64]*list.Element
}

func newGhost() *ghost {
	return &ghost{
		items: list.New(),
		index: make(map[uint64]*list.Element),
	}
}

func (g *ghost) add(id uint64) {
	if el, ok := g.index[id]; ok {
		g.items.MoveToFront(el)
		return
	}
	g.index[id] = g.items.PushFront(id)
}

func (g *ghost) contains(id uint64) bool {
	_, ok := g.index[id]
	return ok
}

func (g *ghost) remove(id uint64) bool {
	el, ok := g.index[id]
	if !ok {
		return false
	}
	g.items.Remove(el)
	delete(g.index, id)
	return true
}

// trim drops the oldest IDs until at most limit remain.
func (g *ghost) trim(limit int) {
	for g.items.Len() > limit {
		el := g.items.Back()
		g.items.Remove(el)
		delete(g.index, el.Value.(uint64))
	}
}

func (g *ghost) len() int { return g.items.Len() }
