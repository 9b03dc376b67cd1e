// File: internal/shm/block.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Block manager: owns the two mmap-backed files that form the shared
// address space ("METADATA" and "USERDATA"). Grounded on the teacher's own
// use of golang.org/x/sys for low-level platform calls (affinity, reactor);
// here the same dependency drives shm_open/mmap/ftruncate semantics.

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// BlockID identifies one of the two backing blocks.
type BlockID int

const (
	BlockMetadata BlockID = iota
	BlockUserdata
	numBlocks
)

func (b BlockID) serial() uint32 {
	switch b {
	case BlockMetadata:
		return MetadataSerial
	case BlockUserdata:
		return UserdataSerial
	default:
		return 0
	}
}

func (b BlockID) fileSuffix() string {
	switch b {
	case BlockMetadata:
		return "metadata"
	case BlockUserdata:
		return "userdata"
	default:
		return "unknown"
	}
}

// Block describes one mmap-backed file and its mapping.
type Block struct {
	id       BlockID
	path     string
	file     *os.File
	data     []byte // full reserved mapping (len == mmapSize)
	realSize int64  // bytes currently backed by the file
	mmapSize int64  // bytes reserved in the virtual range
	usedSize int64  // bump-allocated high-water mark
}

// RealSize returns the file-backed size.
func (b *Block) RealSize() int64 { return b.realSize }

// MmapSize returns the reserved virtual mapping size.
func (b *Block) MmapSize() int64 { return b.mmapSize }

// UsedSize returns the bump-allocator high-water mark.
func (b *Block) UsedSize() int64 { return b.usedSize }

// Bytes returns the full live mapping up to realSize.
func (b *Block) Bytes() []byte { return b.data[:b.realSize] }

// At returns a slice view of the mapping starting at offset.
func (b *Block) At(offset uint64) []byte {
	if int64(offset) > b.realSize {
		return nil
	}
	return b.data[offset:b.realSize]
}

// BlockManager owns the two blocks and resolves block-relative addresses.
type BlockManager struct {
	basename string
	dir      string
	growIncr int64
	blocks   [numBlocks]*Block
}

// defaultGrowIncrement is how much real_size grows per sbrk refill once the
// running request exceeds what's already backed.
const defaultGrowIncrement = 4 * 1024 * 1024 // 4 MiB

// NewBlockManager constructs a manager rooted at dir/basename.<suffix>.mmap.
func NewBlockManager(dir, basename string) *BlockManager {
	return &BlockManager{basename: basename, dir: dir, growIncr: defaultGrowIncrement}
}

func (m *BlockManager) pathFor(id BlockID) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%s.mmap", m.basename, id.fileSuffix()))
}

// CreateBlock shm_opens and maps a fresh block: ftruncate to initialSize,
// mmap reserveSize (which may exceed initialSize to allow in-place growth).
func (m *BlockManager) CreateBlock(id BlockID, initialSize, reserveSize int64) (*Block, error) {
	initialSize = PageAlign(initialSize)
	reserveSize = PageAlign(reserveSize)
	if reserveSize < initialSize {
		reserveSize = initialSize
	}

	path := m.pathFor(id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create block %s: %w", path, err)
	}
	if err := f.Truncate(initialSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: ftruncate block %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(reserveSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap block %s: %w", path, err)
	}

	b := &Block{id: id, path: path, file: f, data: data, realSize: initialSize, mmapSize: reserveSize}
	m.blocks[id] = b
	return b, nil
}

// AttachBlock opens an existing block file and maps it at an address the
// kernel chooses. The file's current length is taken as the real size
// without checking it against any recorded value, and used_size starts at
// zero.
func (m *BlockManager) AttachBlock(id BlockID, expectReserve int64) (*Block, error) {
	path := m.pathFor(id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: attach block %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat block %s: %w", path, err)
	}
	realSize := fi.Size()
	reserveSize := PageAlign(expectReserve)
	if reserveSize < realSize {
		reserveSize = PageAlign(realSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(reserveSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap attach block %s: %w", path, err)
	}

	b := &Block{id: id, path: path, file: f, data: data, realSize: realSize, mmapSize: reserveSize}
	m.blocks[id] = b
	return b, nil
}

// ResizeBlock grows the backing file; fails if newSize exceeds the
// reserved virtual mapping.
func (m *BlockManager) ResizeBlock(id BlockID, newSize int64) error {
	b := m.blocks[id]
	if b == nil {
		return fmt.Errorf("shm: resize unknown block %d", id)
	}
	newSize = PageAlign(newSize)
	if newSize > b.mmapSize {
		return fmt.Errorf("shm: resize %d exceeds reserved mapping %d", newSize, b.mmapSize)
	}
	if newSize <= b.realSize {
		return nil
	}
	if err := b.file.Truncate(newSize); err != nil {
		return fmt.Errorf("shm: ftruncate grow block %d: %w", id, err)
	}
	b.realSize = newSize
	return nil
}

// sbrkAlign is the alignment every Sbrk allocation start is rounded up to.
// Callers carve fixed-offset control structures (ring control blocks,
// descriptor tables) out of Sbrk'd regions and manipulate them with
// sync/atomic via unsafe.Pointer, which requires word alignment.
const sbrkAlign = 8

// Sbrk bump-allocates bytes from a block's used_size, growing real_size in
// defaultGrowIncrement steps as needed, and returns the shm_address of the
// allocation start. The start is always 8-byte aligned.
func (m *BlockManager) Sbrk(id BlockID, n int64) (Address, error) {
	b := m.blocks[id]
	if b == nil {
		return NullAddress, fmt.Errorf("shm: sbrk unknown block %d", id)
	}
	start := (b.usedSize + sbrkAlign - 1) &^ (sbrkAlign - 1)
	needed := start + n
	if needed > b.realSize {
		grow := b.realSize + m.growIncr
		for grow < needed {
			grow += m.growIncr
		}
		if err := m.ResizeBlock(id, grow); err != nil {
			return NullAddress, err
		}
	}
	b.usedSize = start + n
	return NewAddress(id.serial(), uint64(start)), nil
}

// UnlinkBlock munmaps and removes the backing file.
func (m *BlockManager) UnlinkBlock(id BlockID) error {
	b := m.blocks[id]
	if b == nil {
		return nil
	}
	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("shm: munmap block %d: %w", id, err)
	}
	path := b.path
	b.file.Close()
	m.blocks[id] = nil
	return os.Remove(path)
}

// Block returns the live block for an id, or nil.
func (m *BlockManager) Block(id BlockID) *Block { return m.blocks[id] }

// Resolve returns the byte slice an Address points into, given the block
// that owns its serial. Returns nil if out of range.
func (m *BlockManager) Resolve(id BlockID, offset uint64) []byte {
	b := m.blocks[id]
	if b == nil {
		return nil
	}
	return b.At(offset)
}
