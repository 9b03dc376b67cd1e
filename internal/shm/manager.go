// File: internal/shm/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Manager threads the block manager, page heap and chunk cache together
// and exposes the malloc/free/singleton/typed-handle API. Every allocation
// is tagged with a generation serial so a stale handle (one whose header
// no longer matches) resolves to nil instead of crashing — the allocator's
// core safety property.

package shm

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	allocMagic    uint32 = 0x534B414C // "SKAL"
	headerSize           = 8          // magic(4) + serial(4), precedes every payload
	maxSingletons        = 64
)

var (
	// ErrOutOfMemory is returned by Malloc when the allocator is exhausted.
	ErrOutOfMemory = fmt.Errorf("shm: out of memory")
	// ErrStaleHandle marks an address whose header no longer matches.
	ErrStaleHandle = fmt.Errorf("shm: stale handle")
)

// managerHeader is the fixed-offset bootstrap record living at the start
// of the metadata block, recording the basename and the live serial
// counter so a resumed process can revalidate and continue issuing serials.
type managerHeader struct {
	basename   [64]byte
	serial     uint32
	singletons [maxSingletons]Address
}

const managerHeaderSize = 64 + 4 + maxSingletons*8

// Manager is the shared-memory allocator's top-level handle, one per
// attached process.
type Manager struct {
	bm       *BlockManager
	heap     *PageHeap
	chunks   *ChunkCache
	log      *zap.Logger
	basename string
	header   *managerHeader
	headerOff uint64
}

// OnCreate bootstraps a brand-new pair of blocks: metadata sized to cover
// the manager's own bookkeeping plus headroom, userdata starting small and
// growing via sbrk as allocations land.
func OnCreate(dir, basename string, metadataInitial, userdataInitial int64, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bm := NewBlockManager(dir, basename)
	if _, err := bm.CreateBlock(BlockMetadata, metadataInitial, metadataInitial*4); err != nil {
		return nil, err
	}
	if _, err := bm.CreateBlock(BlockUserdata, userdataInitial, userdataInitial*8); err != nil {
		return nil, err
	}

	m := &Manager{
		bm:       bm,
		heap:     NewPageHeap(bm),
		log:      log,
		basename: basename,
	}
	m.chunks = NewChunkCache(m.heap, bm)

	hdrAddr, err := bm.Sbrk(BlockMetadata, managerHeaderSize)
	if err != nil {
		return nil, err
	}
	m.headerOff = hdrAddr.Offset()
	buf := bm.Resolve(BlockMetadata, m.headerOff)
	hdr := &managerHeader{serial: MinValidSerial}
	copy(hdr.basename[:], basename)
	m.header = hdr
	m.flushHeader(buf)
	return m, nil
}

// OnResume attaches to an existing pair of blocks and rebinds the manager
// header at its fixed offset, verifying basename matches the stored value.
func OnResume(dir, basename string, reserveHint int64, headerOffset uint64, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bm := NewBlockManager(dir, basename)
	if _, err := bm.AttachBlock(BlockMetadata, reserveHint*4); err != nil {
		return nil, err
	}
	if _, err := bm.AttachBlock(BlockUserdata, reserveHint*8); err != nil {
		return nil, err
	}

	m := &Manager{
		bm:        bm,
		heap:      NewPageHeap(bm),
		log:       log,
		basename:  basename,
		headerOff: headerOffset,
	}
	m.chunks = NewChunkCache(m.heap, bm)

	buf := bm.Resolve(BlockMetadata, headerOffset)
	hdr := m.loadHeader(buf)
	stored := cstring(hdr.basename[:])
	if stored != basename {
		return nil, fmt.Errorf("shm: on_resume: basename mismatch, stored=%q want=%q", stored, basename)
	}
	m.header = hdr
	return m, nil
}

func (m *Manager) flushHeader(buf []byte) {
	copy(buf[0:64], m.header.basename[:])
	binary.LittleEndian.PutUint32(buf[64:68], m.header.serial)
	for i, a := range m.header.singletons {
		putLEUint64(buf[68+i*8:76+i*8], uint64(a))
	}
}

func (m *Manager) loadHeader(buf []byte) *managerHeader {
	hdr := &managerHeader{}
	copy(hdr.basename[:], buf[0:64])
	hdr.serial = binary.LittleEndian.Uint32(buf[64:68])
	for i := range hdr.singletons {
		hdr.singletons[i] = Address(leUint64(buf[68+i*8 : 76+i*8]))
	}
	return hdr
}

func (m *Manager) persistHeader() {
	buf := m.bm.Resolve(BlockMetadata, m.headerOff)
	m.flushHeader(buf)
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Malloc allocates bytes bytes in the userdata block, tags the allocation
// header with a fresh generation serial, zeroes the payload, and returns
// the payload's address encoded with that serial.
func (m *Manager) Malloc(bytes int) (Address, error) {
	total := bytes + headerSize
	class := SizeToClass(total)

	var hdrAddr Address
	var spID spanID
	var err error
	if class >= 0 {
		hdrAddr, err = m.chunks.AllocateChunk(BlockUserdata, class)
	} else {
		pages := (int64(total) + PageSize - 1) / PageSize
		spID, err = m.heap.AllocateSpan(BlockUserdata, pages)
		if err == nil {
			sp := m.heap.spans.get(spID)
			hdrAddr = NewAddress(BlockUserdata.serial(), uint64(sp.startPage)*PageSize)
		}
	}
	if err != nil {
		m.log.Warn("shm: allocator exhausted", zap.Int("bytes", bytes), zap.Error(err))
		return NullAddress, ErrOutOfMemory
	}

	serial := nextSerial(m.header.serial)
	m.header.serial = serial
	m.persistHeader()

	hdrBuf := m.bm.Resolve(BlockUserdata, hdrAddr.Offset())
	binary.LittleEndian.PutUint32(hdrBuf[0:4], allocMagic)
	binary.LittleEndian.PutUint32(hdrBuf[4:8], serial)
	payload := hdrBuf[headerSize : headerSize+bytes]
	for i := range payload {
		payload[i] = 0
	}

	return NewAddress(serial, hdrAddr.Offset()+headerSize), nil
}

// Free validates the allocation header and returns the chunk/span to the
// allocator. A magic/serial mismatch is logged and treated as a no-op —
// this is the double-free/stale-handle safety contract, not an error the
// caller must handle.
func (m *Manager) Free(addr Address) {
	if addr.Offset() < headerSize {
		return
	}
	hdrOff := addr.Offset() - headerSize
	hdrBuf := m.bm.Resolve(BlockUserdata, hdrOff)
	if hdrBuf == nil || len(hdrBuf) < headerSize {
		return
	}
	magic := binary.LittleEndian.Uint32(hdrBuf[0:4])
	serial := binary.LittleEndian.Uint32(hdrBuf[4:8])
	if magic != allocMagic || serial != addr.Serial() {
		m.log.Warn("shm: free: stale or corrupt handle", zap.Uint64("addr", uint64(addr)))
		return
	}

	binary.LittleEndian.PutUint32(hdrBuf[0:4], 0)
	binary.LittleEndian.PutUint32(hdrBuf[4:8], 0)

	hdrAddr := NewAddress(BlockUserdata.serial(), hdrOff)
	spID := m.heap.FindSpan(BlockUserdata, hdrOff)
	if spID == noSpan {
		return
	}
	sp := m.heap.spans.get(spID)
	if sp.sizeClass < 0 {
		m.heap.DeallocateSpan(spID)
	} else {
		m.chunks.DeallocateChunk(BlockUserdata, hdrAddr, spID)
	}
}

// GetSingleton returns the fixed address for a singleton id, allocating it
// on first call.
func (m *Manager) GetSingleton(id int, bytes int) (Address, error) {
	if id < 0 || id >= maxSingletons {
		return NullAddress, fmt.Errorf("shm: singleton id %d out of range", id)
	}
	if !m.header.singletons[id].IsNull() {
		return m.header.singletons[id], nil
	}
	addr, err := m.Malloc(bytes)
	if err != nil {
		return NullAddress, err
	}
	m.header.singletons[id] = addr
	m.persistHeader()
	return addr, nil
}

// Addr2Ptr resolves an address to a live byte slice, validating the
// serial against the stored header unless the serial is one of the fixed
// reserved block identifiers. Returns nil, without panicking, for a stale
// address.
func (m *Manager) Addr2Ptr(addr Address) []byte {
	if addr.IsNull() {
		return nil
	}
	switch addr.Serial() {
	case MetadataSerial:
		return m.bm.Resolve(BlockMetadata, addr.Offset())
	case UserdataSerial:
		return m.bm.Resolve(BlockUserdata, addr.Offset())
	}
	if addr.Offset() < headerSize {
		return nil
	}
	hdrOff := addr.Offset() - headerSize
	hdrBuf := m.bm.Resolve(BlockUserdata, hdrOff)
	if hdrBuf == nil || len(hdrBuf) < headerSize {
		return nil
	}
	magic := binary.LittleEndian.Uint32(hdrBuf[0:4])
	serial := binary.LittleEndian.Uint32(hdrBuf[4:8])
	if magic != allocMagic || serial != addr.Serial() {
		return nil
	}
	return m.bm.Resolve(BlockUserdata, addr.Offset())
}

// HeaderOffset exposes the manager header's metadata-block offset so a
// resuming process knows where to rebind it.
func (m *Manager) HeaderOffset() uint64 { return m.headerOff }

// Block exposes the underlying block manager for callers (e.g. the bus
// channel manager) that need to carve their own structures out of the
// same shared segment.
func (m *Manager) Block() *BlockManager { return m.bm }

// Close releases the mmap mappings without unlinking the backing files,
// so a subsequent OnResume can reattach.
func (m *Manager) Close() error {
	for id := BlockID(0); id < numBlocks; id++ {
		b := m.bm.blocks[id]
		if b == nil {
			continue
		}
		if err := unix.Munmap(b.data); err != nil {
			return fmt.Errorf("shm: munmap block %d: %w", id, err)
		}
		b.file.Close()
		m.bm.blocks[id] = nil
	}
	return nil
}

// Destroy unlinks both backing files, per spec "destroyed by
// shmctl(IPC_RMID) only when the daemon itself tears down".
func (m *Manager) Destroy() error {
	if err := m.bm.UnlinkBlock(BlockMetadata); err != nil {
		return err
	}
	return m.bm.UnlinkBlock(BlockUserdata)
}
