// File: internal/shm/pageheap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// PageHeap owns all span structures: per-length freelists for runs shorter
// than MaxPages, one large-run freelist, and the page-map. Grounded
// algorithmically on the classic page-heap design surveyed from the Go
// runtime's own mheap (reference-only; expressed here over shm.Block byte
// ranges rather than runtime internals).

package shm

import "fmt"

// MinHeapGrowPages is the minimum number of pages requested from the block
// manager when every freelist search fails.
const MinHeapGrowPages = 64

// PageHeap manages span allocation across both blocks.
type PageHeap struct {
	blocks    *BlockManager
	spans     *spanTable
	freeByLen [MaxPages]spanID // head of doubly-linked freelist per page_count
	large     spanID           // head of the large (page_count >= MaxPages) freelist
	pages     *pageMap
}

// NewPageHeap constructs an empty page heap bound to a block manager.
func NewPageHeap(bm *BlockManager) *PageHeap {
	h := &PageHeap{blocks: bm, spans: newSpanTable(), pages: newPageMap()}
	for i := range h.freeByLen {
		h.freeByLen[i] = noSpan
	}
	h.large = noSpan
	return h
}

func (h *PageHeap) freelistHead(pageCount int64) *spanID {
	if pageCount < MaxPages {
		return &h.freeByLen[pageCount]
	}
	return &h.large
}

func (h *PageHeap) unlink(id spanID) {
	sp := h.spans.get(id)
	head := h.freelistHead(sp.pageCount)
	if sp.prev != noSpan {
		h.spans.get(sp.prev).next = sp.next
	} else {
		*head = sp.next
	}
	if sp.next != noSpan {
		h.spans.get(sp.next).prev = sp.prev
	}
	sp.prev, sp.next = noSpan, noSpan
}

func (h *PageHeap) linkFront(id spanID) {
	sp := h.spans.get(id)
	head := h.freelistHead(sp.pageCount)
	sp.prev = noSpan
	sp.next = *head
	if *head != noSpan {
		h.spans.get(*head).prev = id
	}
	*head = id
}

// AllocateSpan finds or creates a run of at least n pages, carving off any
// excess tail back into the freelists, and marks the head span in-use.
func (h *PageHeap) AllocateSpan(block BlockID, n int64) (spanID, error) {
	if n <= 0 {
		return noSpan, fmt.Errorf("shm: allocate_span: n must be positive")
	}

	id := h.searchSmall(n)
	if id == noSpan {
		id = h.searchLarge(n)
	}
	if id == noSpan {
		if err := h.grow(block, n); err != nil {
			return noSpan, err
		}
		id = h.searchSmall(n)
		if id == noSpan {
			id = h.searchLarge(n)
		}
		if id == noSpan {
			return noSpan, fmt.Errorf("shm: allocate_span: out of memory for %d pages", n)
		}
	}

	h.unlink(id)
	sp := h.spans.get(id)
	if sp.pageCount > n {
		tailID := h.spans.alloc()
		tail := h.spans.get(tailID)
		*tail = span{
			block:     sp.block,
			startPage: sp.startPage + n,
			pageCount: sp.pageCount - n,
			prev:      noSpan,
			next:      noSpan,
		}
		sp.pageCount = n
		h.registerEdges(tailID)
		h.linkFront(tailID)
	}
	sp.inUse = true
	sp.sizeClass = -1
	h.registerEdges(id)
	return id, nil
}

// searchSmall scans freelist[n..MaxPages-1] for the first non-empty list.
func (h *PageHeap) searchSmall(n int64) spanID {
	for p := n; p < MaxPages; p++ {
		if h.freeByLen[p] != noSpan {
			return h.freeByLen[p]
		}
	}
	return noSpan
}

// searchLarge best-fits over the large list: smallest page_count, then
// smallest block, then smallest start_page — deterministic across runs.
func (h *PageHeap) searchLarge(n int64) spanID {
	var best spanID = noSpan
	for id := h.large; id != noSpan; id = h.spans.get(id).next {
		sp := h.spans.get(id)
		if sp.pageCount < n {
			continue
		}
		if best == noSpan {
			best = id
			continue
		}
		b := h.spans.get(best)
		if sp.pageCount < b.pageCount ||
			(sp.pageCount == b.pageCount && sp.block < b.block) ||
			(sp.pageCount == b.pageCount && sp.block == b.block && sp.startPage < b.startPage) {
			best = id
		}
	}
	return best
}

// grow asks the block manager for more backing pages via sbrk and links a
// fresh free span covering them. It asks for MinHeapGrowPages pages (or n,
// if larger) and falls back to exactly n pages when that fails.
func (h *PageHeap) grow(block BlockID, n int64) error {
	want := n
	if want < MinHeapGrowPages {
		want = MinHeapGrowPages
	}
	// Sbrk only aligns to 8 bytes, so PageSize-1 extra bytes leave room to
	// round the span's first page up to a page boundary.
	addr, err := h.blocks.Sbrk(block, want*PageSize+PageSize-1)
	if err != nil && want > n {
		want = n
		addr, err = h.blocks.Sbrk(block, want*PageSize+PageSize-1)
	}
	if err != nil {
		return err
	}
	startPage := (int64(addr.Offset()) + PageSize - 1) >> PageShift

	id := h.spans.alloc()
	sp := h.spans.get(id)
	*sp = span{block: block, startPage: startPage, pageCount: want, prev: noSpan, next: noSpan}
	h.registerEdges(id)
	h.linkFront(id)
	return nil
}

// registerEdges fills the page-map for the first and last page of a span,
// which is sufficient for deallocate_span's neighbor lookups.
func (h *PageHeap) registerEdges(id spanID) {
	sp := h.spans.get(id)
	h.pages.set(sp.block, sp.startPage, id)
	last := sp.startPage + sp.pageCount - 1
	if last != sp.startPage {
		h.pages.set(sp.block, last, id)
	}
}

// RegisterSpan fills the page-map for every page of the span, used after
// the chunk cache carves a span, to speed future lookups on free.
func (h *PageHeap) RegisterSpan(id spanID) {
	sp := h.spans.get(id)
	for p := sp.startPage; p < sp.startPage+sp.pageCount; p++ {
		h.pages.set(sp.block, p, id)
	}
}

// FindSpan resolves an address to its owning span via the page-map.
func (h *PageHeap) FindSpan(block BlockID, offset uint64) spanID {
	page := int64(offset) >> PageShift
	return h.pages.get(block, page)
}

// DeallocateSpan returns a span to the free pool, coalescing with any
// immediately adjacent free neighbors. Infallible once the span is live.
func (h *PageHeap) DeallocateSpan(id spanID) {
	sp := h.spans.get(id)
	sp.inUse = false
	sp.sizeClass = -1
	sp.usedCount = 0
	sp.chunkHead = NullAddress

	// Merge with the left neighbor if it is free.
	if left := h.pages.get(sp.block, sp.startPage-1); left != noSpan {
		ls := h.spans.get(left)
		if !ls.inUse {
			h.unlink(left)
			h.pages.del(sp.block, ls.startPage+ls.pageCount-1)
			sp.startPage = ls.startPage
			sp.pageCount += ls.pageCount
			h.spans.release(left)
		}
	}
	// Merge with the right neighbor if it is free.
	if right := h.pages.get(sp.block, sp.startPage+sp.pageCount); right != noSpan {
		rs := h.spans.get(right)
		if !rs.inUse {
			h.unlink(right)
			h.pages.del(rs.block, rs.startPage)
			if rs.startPage+rs.pageCount-1 != rs.startPage {
				h.pages.del(rs.block, rs.startPage+rs.pageCount-1)
			}
			sp.pageCount += rs.pageCount
			h.spans.release(right)
		}
	}

	h.registerEdges(id)
	h.linkFront(id)
}

// spanInfo is the read-only view exposed to the chunk cache.
type spanInfo struct {
	id        spanID
	block     BlockID
	startPage int64
	pageCount int64
}

func (h *PageHeap) info(id spanID) spanInfo {
	sp := h.spans.get(id)
	return spanInfo{id: id, block: sp.block, startPage: sp.startPage, pageCount: sp.pageCount}
}
