// File: internal/bus/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring is the fixed-capacity, byte-granular SPSC record ring backing one
// direction of a bus channel. Exactly one producer and one consumer touch
// a given ring; the fence between payload write and index publish is
// load-bearing (see spec §4.F). Grounded on the teacher's sequence-number
// ring discipline (internal/concurrency/ring.go, lock_free_queue.go) and
// on the retrieved SPSC span-acquire/commit API (x/shmring), adapted from
// a raw byte ring to node-aligned records carrying a header and a
// MurmurHash3-32 payload hash.
//
// The ring's control block (magic, node geometry, read/write indices,
// push/pop counters) lives inside the shared buffer itself, not in
// private Go fields, so that a router restarted with --resume finds the
// ring exactly where a live sender left it (spec §8 invariant 6, scenario
// S6).

package bus

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/busd/internal/shm"
	"github.com/spaolacci/murmur3"
)

const (
	ringMagic     uint32 = 0xB05B05B0
	recordHdrSize        = 4 + 4 + 4 + 8 + 8 + 4 // magic,src,dst,length,ctime,hash

	// ctrlMagicOff..ctrlPopCountOff lay out the ring's persistent control
	// block at the start of its backing buffer, each field 8-byte aligned
	// so sync/atomic can operate on it directly via unsafe.Pointer.
	ctrlMagicOff     = 0
	ctrlNodeSizeOff  = 8
	ctrlNodeCountOff = 16
	ctrlReadPosOff   = 24
	ctrlWritePosOff  = 32
	ctrlPushCountOff = 40
	ctrlPopCountOff  = 48
	ctrlBlockSize    = 64 // padded to a cache line
)

// Errors returned by Push/Pop, matching the spec's error-kind taxonomy.
var (
	ErrNoSpace        = fmt.Errorf("bus: ring: no space")
	ErrCorrupt        = fmt.Errorf("bus: ring: corrupt record")
	ErrBufferTooSmall = fmt.Errorf("bus: ring: buffer too small")
)

// recordHeader precedes every stored payload inside a ring node run.
type recordHeader struct {
	magic   uint32
	srcBus  uint32
	dstBus  uint32
	length  uint64
	ctimeNs uint64
	hash    uint32
}

func (h recordHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.srcBus)
	binary.LittleEndian.PutUint32(buf[8:12], h.dstBus)
	binary.LittleEndian.PutUint64(buf[12:20], h.length)
	binary.LittleEndian.PutUint64(buf[20:28], h.ctimeNs)
	binary.LittleEndian.PutUint32(buf[28:32], h.hash)
}

func decodeRecordHeader(buf []byte) recordHeader {
	return recordHeader{
		magic:   binary.LittleEndian.Uint32(buf[0:4]),
		srcBus:  binary.LittleEndian.Uint32(buf[4:8]),
		dstBus:  binary.LittleEndian.Uint32(buf[8:12]),
		length:  binary.LittleEndian.Uint64(buf[12:20]),
		ctimeNs: binary.LittleEndian.Uint64(buf[20:28]),
		hash:    binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// Ring is a variable-length record ring over a shared buffer. The first
// ctrlBlockSize bytes of buf are the persistent control block; the
// remainder is nodeCount*nodeSize bytes of node-aligned record storage.
type Ring struct {
	buf           []byte
	data          []byte
	nodeSize      int
	nodeCount     uint64
	nodeSizeShift uint
}

// CalcSpace returns how many bytes a ring of the given geometry needs,
// including its control block.
func CalcSpace(nodeSize int, nodeCount uint64) int {
	return ctrlBlockSize + nodeSize*int(nodeCount)
}

// log2 computes the integer log2 of a power-of-two value.
func log2(n int) uint {
	var s uint
	for (1 << s) < n {
		s++
	}
	return s
}

func (r *Ring) ctrlPtr(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.buf[off]))
}

// InitRing formats a fresh control block and node storage over buf and
// returns the bound Ring. node_count must exceed 1 so that "full" and
// "empty" remain distinguishable, and node_size must be a power of two at
// least as large as the record header.
func InitRing(buf []byte, nodeSize int, nodeCount uint64) (*Ring, error) {
	if nodeCount <= 1 {
		return nil, fmt.Errorf("bus: ring: node_count must be > 1")
	}
	if nodeSize <= 0 || nodeSize&(nodeSize-1) != 0 {
		return nil, fmt.Errorf("bus: ring: node_size must be a power of two")
	}
	if nodeSize < recordHdrSize {
		return nil, fmt.Errorf("bus: ring: node_size must be >= header size %d", recordHdrSize)
	}
	need := CalcSpace(nodeSize, nodeCount)
	if len(buf) < need {
		return nil, fmt.Errorf("bus: ring: buffer too small: have %d need %d", len(buf), need)
	}
	r := &Ring{
		buf:           buf[:ctrlBlockSize],
		data:          buf[ctrlBlockSize:need],
		nodeSize:      nodeSize,
		nodeCount:     nodeCount,
		nodeSizeShift: log2(nodeSize),
	}
	atomic.StoreUint64(r.ctrlPtr(ctrlNodeSizeOff), uint64(nodeSize))
	atomic.StoreUint64(r.ctrlPtr(ctrlNodeCountOff), nodeCount)
	atomic.StoreUint64(r.ctrlPtr(ctrlReadPosOff), 0)
	atomic.StoreUint64(r.ctrlPtr(ctrlWritePosOff), 0)
	atomic.StoreUint64(r.ctrlPtr(ctrlPushCountOff), 0)
	atomic.StoreUint64(r.ctrlPtr(ctrlPopCountOff), 0)
	atomic.StoreUint64(r.ctrlPtr(ctrlMagicOff), uint64(ringMagic))
	return r, nil
}

// BindRing rebinds a Ring to a buffer previously formatted by InitRing
// (e.g. after a process restart) without resetting its indices/counters.
func BindRing(buf []byte) (*Ring, error) {
	if len(buf) < ctrlBlockSize {
		return nil, fmt.Errorf("bus: ring: buffer too small for control block")
	}
	r := &Ring{buf: buf[:ctrlBlockSize]}
	if uint32(atomic.LoadUint64(r.ctrlPtr(ctrlMagicOff))) != ringMagic {
		return nil, fmt.Errorf("bus: ring: bad magic on bind")
	}
	r.nodeSize = int(atomic.LoadUint64(r.ctrlPtr(ctrlNodeSizeOff)))
	r.nodeCount = atomic.LoadUint64(r.ctrlPtr(ctrlNodeCountOff))
	r.nodeSizeShift = log2(r.nodeSize)
	need := CalcSpace(r.nodeSize, r.nodeCount)
	if len(buf) < need {
		return nil, fmt.Errorf("bus: ring: buffer too small: have %d need %d", len(buf), need)
	}
	r.data = buf[ctrlBlockSize:need]
	return r, nil
}

// Clear resets indices and counters while keeping layout (geometry), used
// by the channel manager when re-opening a closed descriptor.
func (r *Ring) Clear() {
	atomic.StoreUint64(r.ctrlPtr(ctrlReadPosOff), 0)
	atomic.StoreUint64(r.ctrlPtr(ctrlWritePosOff), 0)
	atomic.StoreUint64(r.ctrlPtr(ctrlPushCountOff), 0)
	atomic.StoreUint64(r.ctrlPtr(ctrlPopCountOff), 0)
}

// NodeSize/NodeCount expose the fixed geometry for descriptor verification.
func (r *Ring) NodeSize() int     { return r.nodeSize }
func (r *Ring) NodeCount() uint64 { return r.nodeCount }
func (r *Ring) PushCount() uint64 { return atomic.LoadUint64(r.ctrlPtr(ctrlPushCountOff)) }
func (r *Ring) PopCount() uint64  { return atomic.LoadUint64(r.ctrlPtr(ctrlPopCountOff)) }

func (r *Ring) readPos() uint64  { return atomic.LoadUint64(r.ctrlPtr(ctrlReadPosOff)) }
func (r *Ring) writePos() uint64 { return atomic.LoadUint64(r.ctrlPtr(ctrlWritePosOff)) }

func (r *Ring) nodeOffset(node uint64) int {
	return int(node) * r.nodeSize
}

func (r *Ring) requiredNodes(length int) uint64 {
	n := recordHdrSize + length
	return uint64((n + r.nodeSize - 1) >> r.nodeSizeShift)
}

// Push stores a record; returns ErrNoSpace if the ring cannot fit it.
func (r *Ring) Push(src, dst BusID, ctimeNs int64, data []byte) error {
	required := r.requiredNodes(len(data))
	readPos := r.readPos()
	writePos := r.writePos()
	available := (readPos - writePos - 1 + r.nodeCount) % r.nodeCount
	if required > available {
		return ErrNoSpace
	}

	newWritePos := (writePos + required) % r.nodeCount

	hdr := recordHeader{
		magic:   ringMagic,
		srcBus:  uint32(src),
		dstBus:  uint32(dst),
		length:  uint64(len(data)),
		ctimeNs: uint64(ctimeNs),
		hash:    murmur3.Sum32(data),
	}
	hdrBuf := make([]byte, recordHdrSize)
	hdr.encode(hdrBuf)
	record := append(hdrBuf, data...)

	r.writeWrapped(writePos, record)

	// Full memory barrier: the atomic store below is the release; the
	// reads above are the acquire side observed by Pop.
	atomic.StoreUint64(r.ctrlPtr(ctrlWritePosOff), newWritePos)
	atomic.AddUint64(r.ctrlPtr(ctrlPushCountOff), 1)
	return nil
}

// writeWrapped copies record into the node run starting at startNode,
// splitting into two contiguous segments if the run wraps past the end
// of the buffer.
func (r *Ring) writeWrapped(startNode uint64, record []byte) {
	startOff := r.nodeOffset(startNode)
	tailNodes := r.nodeCount - startNode
	tailBytes := int(tailNodes) * r.nodeSize
	if len(record) <= tailBytes {
		copy(r.data[startOff:], record)
		return
	}
	copy(r.data[startOff:], record[:tailBytes])
	copy(r.data[0:], record[tailBytes:])
}

func (r *Ring) readWrapped(startNode uint64, n int) []byte {
	startOff := r.nodeOffset(startNode)
	tailNodes := r.nodeCount - startNode
	tailBytes := int(tailNodes) * r.nodeSize
	out := make([]byte, n)
	if n <= tailBytes {
		copy(out, r.data[startOff:startOff+n])
		return out
	}
	copy(out, r.data[startOff:startOff+tailBytes])
	copy(out[tailBytes:], r.data[0:n-tailBytes])
	return out
}

// PopResult carries the outputs of a successful Pop.
type PopResult struct {
	Src, Dst BusID
	CtimeNs  int64
	Data     []byte
}

// Pop removes one record. If dst is non-nil and too small to hold the next
// record's payload, ErrBufferTooSmall is returned with the required
// length and read_pos is left unadvanced so the caller can grow and retry.
// A zero-value, nil-error return means the ring was empty.
func (r *Ring) Pop(dst []byte) (*PopResult, int, error) {
	readPos := r.readPos()
	writePos := r.writePos()
	if readPos == writePos {
		return nil, 0, nil
	}

	hdrBytes := r.readWrapped(readPos, recordHdrSize)
	hdr := decodeRecordHeader(hdrBytes)
	if hdr.magic != ringMagic || hdr.length == 0 {
		return nil, 0, ErrCorrupt
	}
	length := int(hdr.length)
	used := r.requiredNodes(length)

	if dst != nil && len(dst) < length {
		return nil, length, ErrBufferTooSmall
	}

	full := r.readWrapped(readPos, recordHdrSize+length)
	payload := full[recordHdrSize:]

	if murmur3.Sum32(payload) != hdr.hash {
		return nil, 0, ErrCorrupt
	}
	if dst != nil {
		copy(dst, payload)
	}

	result := &PopResult{
		Src:     BusID(hdr.srcBus),
		Dst:     BusID(hdr.dstBus),
		CtimeNs: int64(hdr.ctimeNs),
		Data:    payload,
	}

	atomic.StoreUint64(r.ctrlPtr(ctrlReadPosOff), (readPos+used)%r.nodeCount)
	atomic.AddUint64(r.ctrlPtr(ctrlPopCountOff), 1)
	return result, length, nil
}

// IsEmpty reports read_pos == write_pos.
func (r *Ring) IsEmpty() bool {
	return r.readPos() == r.writePos()
}

// InitRingAt formats a fresh ring inside the userdata block at addr,
// resolving the backing bytes through a block manager rather than a raw
// slice — the form the channel manager uses when carving a newly
// registered channel's rings out of shared memory.
func InitRingAt(bm *shm.BlockManager, addr shm.Address, nodeSize int, nodeCount uint64) (*Ring, error) {
	buf := bm.Resolve(shm.BlockUserdata, addr.Offset())
	if buf == nil {
		return nil, fmt.Errorf("bus: ring: address resolves to nothing")
	}
	return InitRing(buf, nodeSize, nodeCount)
}

// BindRingAt rebinds a previously formatted ring at addr, validating its
// stored geometry against what the caller expects.
func BindRingAt(bm *shm.BlockManager, addr shm.Address, nodeSize int, nodeCount uint64) (*Ring, error) {
	buf := bm.Resolve(shm.BlockUserdata, addr.Offset())
	if buf == nil {
		return nil, fmt.Errorf("bus: ring: address resolves to nothing")
	}
	r, err := BindRing(buf)
	if err != nil {
		return nil, err
	}
	if r.NodeSize() != nodeSize || r.NodeCount() != nodeCount {
		return nil, fmt.Errorf("bus: ring: geometry mismatch: stored %d/%d want %d/%d",
			r.NodeSize(), r.NodeCount(), nodeSize, nodeCount)
	}
	return r, nil
}
