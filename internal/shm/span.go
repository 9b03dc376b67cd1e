// File: internal/shm/span.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Span is a contiguous run of pages inside a block. Spans and chunks
// thread their own freelist links through {block, offset} handles rather
// than native pointers, per design note "intrusive freelists in shared
// memory" — a pointer baked into shared memory would dangle across remap.

package shm

// MaxPages is the largest run length tracked by the per-length freelist
// array; longer runs live on the single "large" freelist.
const MaxPages = 128

// spanID indexes the span table (an arena of slots; released slots are
// reused by later allocations).
type spanID int32

const noSpan spanID = -1

// span models one run of pages. It is either on a size-class chunk
// freelist, on a page-heap freelist, on the large-span list, or live.
type span struct {
	block      BlockID
	startPage  int64
	pageCount  int64
	inUse      bool
	sizeClass  int // -1 for raw allocations
	usedCount  int // chunks currently checked out, when sizeClass >= 0
	chunkHead  Address
	prev, next spanID // freelist linkage
}

// spanTable is an arena of spans, indexed by spanID, plus the indices a
// page heap needs to find and link them.
type spanTable struct {
	spans []span
	free  []spanID // reusable table slots after a span is retired
}

func newSpanTable() *spanTable {
	return &spanTable{}
}

func (t *spanTable) alloc() spanID {
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		return id
	}
	t.spans = append(t.spans, span{prev: noSpan, next: noSpan})
	return spanID(len(t.spans) - 1)
}

func (t *spanTable) release(id spanID) {
	t.free = append(t.free, id)
}

func (t *spanTable) get(id spanID) *span {
	if id == noSpan {
		return nil
	}
	return &t.spans[id]
}

// pageKey uniquely identifies a page across both blocks.
type pageKey struct {
	block BlockID
	page  int64
}

// pageMap is the logical (block,page) -> span lookup index: a Go map over a
// small struct key, sparse and lazily growing. Like the span table and the
// page-heap freelists, it is in-process state only; none of them is stored
// in the metadata block, and nothing rebuilds them on resume (OnResume
// starts with an empty page heap and chunk cache).
type pageMap struct {
	entries map[pageKey]spanID
}

func newPageMap() *pageMap {
	return &pageMap{entries: make(map[pageKey]spanID)}
}

func (p *pageMap) set(block BlockID, page int64, id spanID) {
	p.entries[pageKey{block, page}] = id
}

func (p *pageMap) del(block BlockID, page int64) {
	delete(p.entries, pageKey{block, page})
}

func (p *pageMap) get(block BlockID, page int64) spanID {
	id, ok := p.entries[pageKey{block, page}]
	if !ok {
		return noSpan
	}
	return id
}
