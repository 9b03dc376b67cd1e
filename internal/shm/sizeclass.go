// File: internal/shm/sizeclass.go
// Package shm implements the process-crash-resilient shared-memory allocator.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The size-class table maps a requested allocation size to one of a closed
// set of geometrically spaced classes, each with its own chunk-cache
// freelist and page-span length. Modeled on the teacher's buffer
// size-class subpooling (core/buffer/bufferpool.go), generalized from a
// 10-entry power-of-two table to the ~80-class table the allocator spec
// calls for.

package shm

const (
	// PageShift/PageSize match the spec's typical 8 KiB page.
	PageShift = 13
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	// MaxSmallSize is the largest size served by the chunk cache; allocations
	// above this bypass size classes entirely and become raw spans.
	MaxSmallSize = 32 * 1024

	smallAlign     = 8
	smallAlignBits = 3
	numSmallSteps  = MaxSmallSize / smallAlign // 4096 steps; the small lookup table has 4097 entries (0..4096)
)

// classInfo is one row of the size-class table.
type classInfo struct {
	size       int // usable bytes for this class
	pageSpan   int // pages to carve per span refill
	maxObjects int // chunks obtainable from one span refill
}

// sizeClasses is a geometric progression of class sizes: spacing doubles
// every few classes, matching the spec's "~80 size classes" target.
var sizeClasses []classInfo

// smallSizeToClass answers size->class in O(1) for sizes <= MaxSmallSize.
var smallSizeToClass [numSmallSteps + 1]int16

func init() {
	sizeClasses = buildSizeClasses()
	buildLookup()
}

// buildSizeClasses constructs the geometric class table. Classes repeat a
// fixed set of mantissas (1, 1.125, ..., 1.875 in eighths) across
// increasing powers of two, which is the "spacing doubles every few
// classes" rule from the spec, and yields 80 classes up to MaxSmallSize.
func buildSizeClasses() []classInfo {
	mantissas := []float64{1.0, 1.125, 1.25, 1.375, 1.5, 1.625, 1.75, 1.875}
	seen := map[int]bool{}
	var sizes []int
	for shift := smallAlignBits; (1 << shift) <= MaxSmallSize; shift++ {
		base := 1 << shift
		for _, m := range mantissas {
			sz := int(float64(base) * m)
			sz = alignUp(sz, smallAlign)
			if sz < smallAlign || sz > MaxSmallSize {
				continue
			}
			if !seen[sz] {
				seen[sz] = true
				sizes = append(sizes, sz)
			}
		}
	}
	// insertion sort; the table is tiny and built once at init.
	for i := 1; i < len(sizes); i++ {
		for j := i; j > 0 && sizes[j-1] > sizes[j]; j-- {
			sizes[j-1], sizes[j] = sizes[j], sizes[j-1]
		}
	}

	classes := make([]classInfo, 0, len(sizes))
	for _, sz := range sizes {
		span := pagesForClass(sz)
		maxObjs := (span * PageSize) / sz
		classes = append(classes, classInfo{size: sz, pageSpan: span, maxObjects: maxObjs})
	}
	return classes
}

// pagesForClass picks how many pages to carve per span refill for a class:
// the smallest page count that yields at least 8 chunks, capped at 16
// pages. The bytes lost to rounding at the end of the span are not bounded.
func pagesForClass(size int) int {
	for pages := 1; pages <= 16; pages++ {
		total := pages * PageSize
		if total/size >= 8 || pages == 16 {
			return pages
		}
	}
	return 1
}

func buildLookup() {
	for i := range smallSizeToClass {
		smallSizeToClass[i] = -1
	}
	for idx, c := range sizeClasses {
		step := c.size / smallAlign
		if step > numSmallSteps {
			continue
		}
		// Fill every step from the previous boundary up to this class size
		// with this class index if not already filled by a smaller class.
		for s := step; s >= 0 && smallSizeToClass[s] == -1; s-- {
			smallSizeToClass[s] = int16(idx)
		}
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// SizeToClass maps a requested byte size to a size-class index, or -1 if the
// size must be served as a raw span (bypassing the chunk cache).
func SizeToClass(size int) int {
	if size <= 0 {
		return -1
	}
	if size > MaxSmallSize {
		return -1
	}
	step := (size + smallAlign - 1) >> smallAlignBits
	if step > numSmallSteps {
		return -1
	}
	return int(smallSizeToClass[step])
}

// ClassSize returns the usable byte size of a class.
func ClassSize(class int) int {
	if class < 0 || class >= len(sizeClasses) {
		return 0
	}
	return sizeClasses[class].size
}

// ClassPageSpan returns how many pages a span refill carves for a class.
func ClassPageSpan(class int) int {
	if class < 0 || class >= len(sizeClasses) {
		return 0
	}
	return sizeClasses[class].pageSpan
}

// ClassMaxObjects returns how many chunks one span refill yields.
func ClassMaxObjects(class int) int {
	if class < 0 || class >= len(sizeClasses) {
		return 0
	}
	return sizeClasses[class].maxObjects
}

// NumSizeClasses reports the closed set size (~80 per spec).
func NumSizeClasses() int { return len(sizeClasses) }

// PageAlign rounds n up to a multiple of PageSize.
func PageAlign(n int64) int64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}
