// File: internal/bus/channelmgr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ChannelManager owns the fixed-size descriptor table that maps a BusID to
// its pair of SPSC rings (process→daemon and daemon→process). The table
// itself lives in the metadata block carved out by shm.BlockManager, so
// every process attached to the same bus segment — the router and every
// client — sees the same descriptors. Registration is the only operation
// that needs cross-process mutual exclusion; steady-state Push/Pop never
// take the lock (spec §5). Grounded on the teacher's facade-level resource
// tables (control/config.go's RWMutex-guarded snapshot pattern,
// generalized here to a TTAS spinlock since the table is shared-memory
// resident, not a private Go map).

package bus

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/busd/internal/shm"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// MaxDescriptorCount bounds the number of simultaneously registered
// channels, matching the spec's fixed descriptor table sizing.
const MaxDescriptorCount = 128

const (
	descTableMagic   uint32 = 0xC5A11ED0
	descHeaderSize          = 64
	descEntrySize           = 64

	hdrMagicOff     = 0
	hdrShmIDOff     = 4
	hdrShmSizeOff   = 8
	hdrDaemonPIDOff = 16
	hdrLockOff      = 20
	hdrChangedOff   = 24

	entBusIDOff     = 0
	entOwnerPIDOff  = 4
	entNodeSizeOff  = 8
	entNodeCountOff = 16
	entRAddrOff     = 24
	entWAddrOff     = 32
	entClosedOff    = 40
)

// ReloadSignal is the signal the router itself registers to reload its
// logging/config state in place (spec: "the router registers SIGUSR1 for
// reload"). Distinct from RegistrationSignal and OutgoingSignal below: the
// spec lists all three as separate signal roles, not one shared constant.
const ReloadSignal = unix.SIGUSR1

// RegistrationSignal is delivered to the daemon process to wake it up after
// a client registers or deregisters a channel (spec's BUS_REGISTRATION_SIGNO).
const RegistrationSignal = unix.SIGUSR2

// OutgoingSignal is delivered to the daemon after a client pushes onto its
// write-ring (spec's BUS_OUTGOING_SIGNO): an advisory wake hint only, since
// the router's round-robin sweep discovers the message regardless of
// whether the signal is ever delivered.
const OutgoingSignal = unix.SIGIO

// Descriptor is a read-only snapshot of one table entry, returned by Report.
type Descriptor struct {
	BusID     BusID
	OwnerPID  int
	NodeSize  int
	NodeCount uint64
	Closed    bool
	PushCount uint64 // process -> daemon ring
	PopCount  uint64
}

// ChannelManager binds the descriptor table to a block manager.
type ChannelManager struct {
	bm         *shm.BlockManager
	log        *zap.Logger
	hdrOff     uint64
	entriesOff uint64
}

func u32ptr(b []byte, off int) *uint32 { return (*uint32)(unsafe.Pointer(&b[off])) }
func i32ptr(b []byte, off int) *int32  { return (*int32)(unsafe.Pointer(&b[off])) }

func (c *ChannelManager) hdrBuf() []byte {
	return c.bm.Resolve(shm.BlockMetadata, c.hdrOff)
}

func (c *ChannelManager) entryBuf(fd int) []byte {
	return c.bm.Resolve(shm.BlockMetadata, c.entriesOff+uint64(fd)*descEntrySize)
}

// NewChannelManager carves a fresh descriptor table out of the metadata
// block, zeroes every entry, and records daemonPID as the daemon pid. The caller must persist HeaderOffset() so a --resume run can rebind.
func NewChannelManager(bm *shm.BlockManager, shmid uint32, shmSize uint64, daemonPID int, log *zap.Logger) (*ChannelManager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	hdrAddr, err := bm.Sbrk(shm.BlockMetadata, descHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("bus: channel manager: carve header: %w", err)
	}
	entriesAddr, err := bm.Sbrk(shm.BlockMetadata, int64(MaxDescriptorCount*descEntrySize))
	if err != nil {
		return nil, fmt.Errorf("bus: channel manager: carve entries: %w", err)
	}

	c := &ChannelManager{bm: bm, log: log, hdrOff: hdrAddr.Offset(), entriesOff: entriesAddr.Offset()}

	for i := 0; i < MaxDescriptorCount; i++ {
		buf := c.entryBuf(i)
		for j := range buf[:descEntrySize] {
			buf[j] = 0
		}
	}

	hb := c.hdrBuf()
	atomic.StoreUint32(u32ptr(hb, hdrShmIDOff), shmid)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&hb[hdrShmSizeOff])), shmSize)
	atomic.StoreUint32(u32ptr(hb, hdrDaemonPIDOff), uint32(daemonPID))
	atomic.StoreInt32(i32ptr(hb, hdrLockOff), 0)
	atomic.StoreInt32(i32ptr(hb, hdrChangedOff), 0)
	// Magic is written last: a concurrent attacher that observes it set
	// knows every other header field is already valid.
	atomic.StoreUint32(u32ptr(hb, hdrMagicOff), descTableMagic)

	return c, nil
}

// ResumeChannelManager rebinds an existing descriptor table at a known
// offset pair, validating magic/shmid/shm_size and overwriting daemon_pid
// with the resuming process.
func ResumeChannelManager(bm *shm.BlockManager, shmid uint32, shmSize uint64, hdrOff, entriesOff uint64, daemonPID int, log *zap.Logger) (*ChannelManager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &ChannelManager{bm: bm, log: log, hdrOff: hdrOff, entriesOff: entriesOff}
	hb := c.hdrBuf()
	if atomic.LoadUint32(u32ptr(hb, hdrMagicOff)) != descTableMagic {
		return nil, fmt.Errorf("bus: channel manager: bad magic on resume")
	}
	if atomic.LoadUint32(u32ptr(hb, hdrShmIDOff)) != shmid {
		return nil, fmt.Errorf("bus: channel manager: shmid mismatch on resume")
	}
	if atomic.LoadUint64((*uint64)(unsafe.Pointer(&hb[hdrShmSizeOff]))) != shmSize {
		return nil, fmt.Errorf("bus: channel manager: shm_size mismatch on resume")
	}
	atomic.StoreUint32(u32ptr(hb, hdrDaemonPIDOff), uint32(daemonPID))
	return c, nil
}

// BindChannelManager rebinds an existing descriptor table the way
// ResumeChannelManager does, but without claiming daemon ownership: this
// is what a bus client (not the daemon itself) uses to attach to a table
// someone else already created.
func BindChannelManager(bm *shm.BlockManager, shmid uint32, shmSize uint64, hdrOff, entriesOff uint64, log *zap.Logger) (*ChannelManager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &ChannelManager{bm: bm, log: log, hdrOff: hdrOff, entriesOff: entriesOff}
	hb := c.hdrBuf()
	if atomic.LoadUint32(u32ptr(hb, hdrMagicOff)) != descTableMagic {
		return nil, fmt.Errorf("bus: channel manager: bad magic on attach")
	}
	if atomic.LoadUint32(u32ptr(hb, hdrShmIDOff)) != shmid {
		return nil, fmt.Errorf("bus: channel manager: shmid mismatch on attach")
	}
	if atomic.LoadUint64((*uint64)(unsafe.Pointer(&hb[hdrShmSizeOff]))) != shmSize {
		return nil, fmt.Errorf("bus: channel manager: shm_size mismatch on attach")
	}
	return c, nil
}

// HeaderOffset and EntriesOffset let a daemon persist where the table lives
// so a --resume run can find it again without re-carving.
func (c *ChannelManager) HeaderOffset() uint64  { return c.hdrOff }
func (c *ChannelManager) EntriesOffset() uint64 { return c.entriesOff }

func (c *ChannelManager) lock() {
	hb := c.hdrBuf()
	p := i32ptr(hb, hdrLockOff)
	for {
		if atomic.LoadInt32(p) == 0 && atomic.CompareAndSwapInt32(p, 0, 1) {
			return
		}
	}
}

func (c *ChannelManager) unlock() {
	atomic.StoreInt32(i32ptr(c.hdrBuf(), hdrLockOff), 0)
}

func (c *ChannelManager) daemonPID() int {
	return int(atomic.LoadUint32(u32ptr(c.hdrBuf(), hdrDaemonPIDOff)))
}

func (c *ChannelManager) markChanged() {
	atomic.StoreInt32(i32ptr(c.hdrBuf(), hdrChangedOff), 1)
}

// ConsumeChanged reports and clears whether any registration activity has
// happened since the last call, for the router's poll loop to notice new
// local busids without scanning the whole table every tick.
func (c *ChannelManager) ConsumeChanged() bool {
	return atomic.SwapInt32(i32ptr(c.hdrBuf(), hdrChangedOff), 0) != 0
}

func (c *ChannelManager) signalDaemon() {
	pid := c.daemonPID()
	if pid <= 0 || pid == unix.Getpid() {
		return
	}
	if err := unix.Kill(pid, RegistrationSignal); err != nil {
		c.log.Warn("bus: channel manager: signal daemon failed", zap.Int("pid", pid), zap.Error(err))
	}
}

// SignalOutgoing notifies the daemon that this process just pushed a
// record onto a write-ring (spec's BUS_OUTGOING_SIGNO wake hint). Purely
// advisory: the router's round-robin sweep finds the message on its next
// pass regardless, so a failed delivery here is logged, not returned.
func (c *ChannelManager) SignalOutgoing() {
	pid := c.daemonPID()
	if pid <= 0 || pid == unix.Getpid() {
		return
	}
	if err := unix.Kill(pid, OutgoingSignal); err != nil {
		c.log.Warn("bus: channel manager: outgoing signal failed", zap.Int("pid", pid), zap.Error(err))
	}
}

func readEntry(buf []byte) (busID uint32, ownerPID int, nodeSize int, nodeCount uint64, rAddr, wAddr shm.Address, closed bool) {
	busID = atomic.LoadUint32(u32ptr(buf, entBusIDOff))
	ownerPID = int(atomic.LoadUint32(u32ptr(buf, entOwnerPIDOff)))
	nodeSize = int(atomic.LoadUint32(u32ptr(buf, entNodeSizeOff)))
	nodeCount = atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[entNodeCountOff])))
	rAddr = shm.Address(atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[entRAddrOff]))))
	wAddr = shm.Address(atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[entWAddrOff]))))
	closed = atomic.LoadUint32(u32ptr(buf, entClosedOff)) != 0
	return
}

func writeEntry(buf []byte, busID uint32, ownerPID, nodeSize int, nodeCount uint64, rAddr, wAddr shm.Address, closed bool) {
	atomic.StoreUint32(u32ptr(buf, entBusIDOff), busID)
	atomic.StoreUint32(u32ptr(buf, entOwnerPIDOff), uint32(ownerPID))
	atomic.StoreUint32(u32ptr(buf, entNodeSizeOff), uint32(nodeSize))
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[entNodeCountOff])), nodeCount)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[entRAddrOff])), uint64(rAddr))
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[entWAddrOff])), uint64(wAddr))
	var c uint32
	if closed {
		c = 1
	}
	atomic.StoreUint32(u32ptr(buf, entClosedOff), c)
}

// RegisterChannel finds or creates the descriptor for busid. Re-registering
// an open channel is idempotent; re-registering a closed one reopens its
// existing rings (Clear) rather than carving new ones, logging a warning if
// the requested geometry no longer matches what was originally allocated.
func (c *ChannelManager) RegisterChannel(id BusID, pid, nodeSize int, nodeCount uint64) (int, error) {
	c.lock()
	defer c.unlock()

	free := -1
	for fd := 0; fd < MaxDescriptorCount; fd++ {
		buf := c.entryBuf(fd)
		busID, _, curSize, curCount, rAddr, wAddr, closed := readEntry(buf)
		if busID == 0 {
			if free < 0 {
				free = fd
			}
			continue
		}
		if BusID(busID) != id {
			continue
		}
		if !closed {
			return fd, nil
		}
		if curSize != nodeSize || curCount != nodeCount {
			c.log.Warn("bus: channel manager: geometry mismatch on reopen, keeping original",
				zap.Stringer("busid", id),
				zap.Int("requested_node_size", nodeSize), zap.Uint64("requested_node_count", nodeCount),
				zap.Int("stored_node_size", curSize), zap.Uint64("stored_node_count", curCount))
		}
		r, err := BindRingAt(c.bm, rAddr, curSize, curCount)
		if err != nil {
			return -1, err
		}
		w, err := BindRingAt(c.bm, wAddr, curSize, curCount)
		if err != nil {
			return -1, err
		}
		r.Clear()
		w.Clear()
		writeEntry(buf, busID, pid, curSize, curCount, rAddr, wAddr, false)
		c.markChanged()
		c.signalDaemon()
		return fd, nil
	}

	if free < 0 {
		return -1, fmt.Errorf("bus: channel manager: descriptor table full (max %d)", MaxDescriptorCount)
	}

	space := int64(CalcSpace(nodeSize, nodeCount))
	rAddr, err := c.bm.Sbrk(shm.BlockUserdata, space)
	if err != nil {
		return -1, fmt.Errorf("bus: channel manager: %w", err)
	}
	wAddr, err := c.bm.Sbrk(shm.BlockUserdata, space)
	if err != nil {
		return -1, fmt.Errorf("bus: channel manager: %w", err)
	}
	if _, err := InitRingAt(c.bm, rAddr, nodeSize, nodeCount); err != nil {
		return -1, err
	}
	if _, err := InitRingAt(c.bm, wAddr, nodeSize, nodeCount); err != nil {
		return -1, err
	}

	writeEntry(c.entryBuf(free), uint32(id), pid, nodeSize, nodeCount, rAddr, wAddr, false)
	c.markChanged()
	c.signalDaemon()
	return free, nil
}

// DeregisterChannel marks a channel's descriptor closed without releasing
// its ring storage, so a later re-register can reopen it in place.
func (c *ChannelManager) DeregisterChannel(id BusID) error {
	c.lock()
	defer c.unlock()
	for fd := 0; fd < MaxDescriptorCount; fd++ {
		buf := c.entryBuf(fd)
		busID, ownerPID, nodeSize, nodeCount, rAddr, wAddr, closed := readEntry(buf)
		if BusID(busID) != id || closed {
			continue
		}
		writeEntry(buf, busID, ownerPID, nodeSize, nodeCount, rAddr, wAddr, true)
		c.markChanged()
		c.signalDaemon()
		return nil
	}
	return fmt.Errorf("bus: channel manager: deregister: unknown busid %s", id)
}

// GetReadChannel returns the ring a process reads its inbound traffic from
// (the daemon→process direction: what the router wrote).
func (c *ChannelManager) GetReadChannel(fd int) (*Ring, error) {
	return c.bindDirection(fd, entWAddrOff)
}

// GetWriteChannel returns the ring a process pushes outbound traffic into
// (the process→daemon direction: what the router drains).
func (c *ChannelManager) GetWriteChannel(fd int) (*Ring, error) {
	return c.bindDirection(fd, entRAddrOff)
}

func (c *ChannelManager) bindDirection(fd int, addrOff int) (*Ring, error) {
	if fd < 0 || fd >= MaxDescriptorCount {
		return nil, fmt.Errorf("bus: channel manager: fd %d out of range", fd)
	}
	buf := c.entryBuf(fd)
	busID, _, nodeSize, nodeCount, rAddr, wAddr, closed := readEntry(buf)
	if busID == 0 {
		return nil, fmt.Errorf("bus: channel manager: fd %d not registered", fd)
	}
	if closed {
		return nil, fmt.Errorf("bus: channel manager: fd %d is closed", fd)
	}
	addr := rAddr
	if addrOff == entWAddrOff {
		addr = wAddr
	}
	return BindRingAt(c.bm, addr, nodeSize, nodeCount)
}

// FindReadChannel returns the fd registered for busid, or an error if none
// is open.
func (c *ChannelManager) FindReadChannel(id BusID) (int, error) {
	for fd := 0; fd < MaxDescriptorCount; fd++ {
		busID, _, _, _, _, _, closed := readEntry(c.entryBuf(fd))
		if BusID(busID) == id && !closed {
			return fd, nil
		}
	}
	return -1, fmt.Errorf("bus: channel manager: no open channel for busid %s", id)
}

// Report snapshots every registered descriptor's queue depths, open or
// closed (see Descriptor.Closed), for the router's
// diagnostic report() step.
func (c *ChannelManager) Report() ([]Descriptor, error) {
	var out []Descriptor
	for fd := 0; fd < MaxDescriptorCount; fd++ {
		busID, ownerPID, nodeSize, nodeCount, rAddr, _, closed := readEntry(c.entryBuf(fd))
		if busID == 0 {
			continue
		}
		r, err := BindRingAt(c.bm, rAddr, nodeSize, nodeCount)
		if err != nil {
			return nil, err
		}
		out = append(out, Descriptor{
			BusID:     BusID(busID),
			OwnerPID:  ownerPID,
			NodeSize:  nodeSize,
			NodeCount: nodeCount,
			Closed:    closed,
			PushCount: r.PushCount(),
			PopCount:  r.PopCount(),
		})
	}
	return out, nil
}
