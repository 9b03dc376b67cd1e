// File: internal/shm/chunkcache.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ChunkCache holds, per size class, a central freelist of fixed-size
// chunks carved out of page-heap spans. Single-writer by construction:
// only the router process mutates a given bus shared-memory segment's
// allocator state (see spec §5), so no locking is needed here.

package shm

import "fmt"

// ChunkCache serves small allocations by carving chunks from page-heap
// spans and threading a freelist through the chunk payloads themselves.
type ChunkCache struct {
	heap       *PageHeap
	bm         *BlockManager
	classHeads []Address // per-class freelist head, stored as {block,offset}
	spanOf     map[Address]spanID
}

// chunkNextOffset is where the intrusive freelist "next" pointer lives
// inside a free chunk's payload (the payload itself, 8 bytes wide).
const chunkNextOffset = 0

// NewChunkCache constructs an empty cache bound to a page heap.
func NewChunkCache(heap *PageHeap, bm *BlockManager) *ChunkCache {
	return &ChunkCache{
		heap:       heap,
		bm:         bm,
		classHeads: make([]Address, NumSizeClasses()),
		spanOf:     make(map[Address]spanID),
	}
}

func (c *ChunkCache) readNext(block BlockID, off uint64) Address {
	b := c.bm.Resolve(block, off+chunkNextOffset)
	if len(b) < 8 {
		return NullAddress
	}
	return Address(leUint64(b))
}

func (c *ChunkCache) writeNext(block BlockID, off uint64, next Address) {
	b := c.bm.Resolve(block, off+chunkNextOffset)
	putLEUint64(b, uint64(next))
}

// AllocateChunk pops a free chunk of the given class, refilling the
// class's freelist from a fresh page-heap span if it is empty.
func (c *ChunkCache) AllocateChunk(block BlockID, class int) (Address, error) {
	if class < 0 || class >= len(c.classHeads) {
		return NullAddress, fmt.Errorf("shm: allocate_chunk: bad class %d", class)
	}
	if c.classHeads[class].IsNull() {
		if err := c.refill(block, class); err != nil {
			return NullAddress, err
		}
	}
	head := c.classHeads[class]
	next := c.readNext(block, head.Offset())
	c.classHeads[class] = next

	id, ok := c.spanOf[head]
	if !ok {
		// Any chunk of a multi-chunk span maps to the same span id via the
		// page-map; fall back to that lookup for chunks not seen by the
		// refill loop directly (should not normally happen).
		id = c.heap.FindSpan(block, head.Offset())
	}
	sp := c.heap.spans.get(id)
	if sp != nil {
		sp.usedCount++
	}
	return head, nil
}

// refill carves a fresh span into N chunks and links them into the class
// freelist.
func (c *ChunkCache) refill(block BlockID, class int) error {
	pages := ClassPageSpan(class)
	id, err := c.heap.AllocateSpan(block, int64(pages))
	if err != nil {
		return err
	}
	c.heap.RegisterSpan(id)
	sp := c.heap.spans.get(id)
	sp.sizeClass = class
	sp.usedCount = 0

	chunkSize := uint64(ClassSize(class))
	n := ClassMaxObjects(class)
	base := uint64(sp.startPage) * PageSize

	var prev Address = NullAddress
	for i := n - 1; i >= 0; i-- {
		off := base + uint64(i)*chunkSize
		addr := NewAddress(block.serial(), off)
		c.spanOf[addr] = id
		c.writeNext(block, off, prev)
		prev = addr
	}
	c.classHeads[class] = prev
	sp.chunkHead = prev
	return nil
}

// DeallocateChunk pushes a chunk back onto its class freelist and, once
// the span empties out, detaches the span's chunks from the class freelist
// and returns the whole span to the page heap.
func (c *ChunkCache) DeallocateChunk(block BlockID, addr Address, id spanID) {
	sp := c.heap.spans.get(id)
	if sp == nil {
		return
	}
	c.writeNext(block, addr.Offset(), c.classHeads[sp.sizeClass])
	c.classHeads[sp.sizeClass] = addr
	sp.usedCount--

	if sp.usedCount <= 0 {
		c.evictSpan(block, id, sp)
	}
}

// evictSpan removes every chunk of a fully-freed span from the class
// freelist and hands the span back to the page heap.
func (c *ChunkCache) evictSpan(block BlockID, id spanID, sp *span) {
	class := sp.sizeClass
	chunkSize := uint64(ClassSize(class))
	base := uint64(sp.startPage) * PageSize
	n := ClassMaxObjects(class)

	keep := NullAddress
	keepTail := NullAddress
	haveTail := false
	for cur := c.classHeads[class]; !cur.IsNull(); {
		next := c.readNext(block, cur.Offset())
		belongsToSpan := cur.Offset() >= base && cur.Offset() < base+uint64(n)*chunkSize
		if belongsToSpan {
			delete(c.spanOf, cur)
		} else {
			if !haveTail {
				keep = cur
			} else {
				c.writeNext(block, keepTail.Offset(), cur)
			}
			keepTail = cur
			haveTail = true
		}
		cur = next
	}
	if haveTail {
		c.writeNext(block, keepTail.Offset(), NullAddress)
	}
	c.classHeads[class] = keep

	sp.sizeClass = -1
	sp.chunkHead = NullAddress
	c.heap.DeallocateSpan(id)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLEUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
