// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client is the process-side half of the bus API: attach to an already
// running daemon's shared-memory segment, register a BusID, and push/pop
// records through its pair of SPSC rings without ever going through the
// router's TCP path for a local peer. Grounded on the teacher's own
// client package shape (one constructor, a narrow method surface, no
// hidden goroutines) generalized here from a WebSocket connection to a
// shared-memory channel pair.

package client

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/momentics/busd/internal/bus"
	"github.com/momentics/busd/internal/shm"
)

// ErrRecvBufferTooSmall is returned by Recv when the caller's buffer
// cannot hold the next queued record; callers should grow and retry, as
// documented by bus.Ring.Pop's contract.
var ErrRecvBufferTooSmall = bus.ErrBufferTooSmall

// Config identifies the shared-memory segment and descriptor table a
// client attaches to. ChmgrHeaderOffset/ChmgrEntriesOffset and
// MetadataReserve/UserdataReserve come from the daemon's --pid-file
// sidecar (facade.Busd.HeaderOffsets plus the configured block sizes).
type Config struct {
	ShmDir    string
	BusShmKey string

	MetadataReserve int64
	UserdataReserve int64

	ChmgrHeaderOffset  uint64
	ChmgrEntriesOffset uint64

	// SendRetries bounds how many times Send retries a full ring before
	// giving up, per spec §6 "push into the write-ring; on failure retry
	// up to 3 times; then signal the router" (BUS_OUTGOING_SIGNO, not
	// BUS_REGISTRATION_SIGNO — that one is for register/deregister only).
	SendRetries int
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendRetries <= 0 {
		c.SendRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Microsecond
	}
	return c
}

// Client is one process's attachment to the bus: one registered BusID,
// one descriptor, two bound rings.
type Client struct {
	cfg   Config
	bm    *shm.BlockManager
	chmgr *bus.ChannelManager

	busID BusID
	fd    int
}

// BusID re-exports bus.BusID so callers need not import internal/bus
// directly.
type BusID = bus.BusID

// NewBusID re-exports bus.NewBusID.
func NewBusID(area, zone, fn, inst uint8) BusID { return bus.NewBusID(area, zone, fn, inst) }

// ParseBusID re-exports bus.ParseBusID.
func ParseBusID(s string) (BusID, error) { return bus.ParseBusID(s) }

// Attach opens the daemon's shm blocks and rebinds its descriptor table.
// It does not register a channel; call RegisterBus next.
func Attach(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	bm := shm.NewBlockManager(cfg.ShmDir, cfg.BusShmKey)
	if _, err := bm.AttachBlock(shm.BlockMetadata, cfg.MetadataReserve); err != nil {
		return nil, fmt.Errorf("client: attach metadata: %w", err)
	}
	if _, err := bm.AttachBlock(shm.BlockUserdata, cfg.UserdataReserve); err != nil {
		return nil, fmt.Errorf("client: attach userdata: %w", err)
	}
	chmgr, err := bus.BindChannelManager(bm, 0, uint64(cfg.UserdataReserve),
		cfg.ChmgrHeaderOffset, cfg.ChmgrEntriesOffset, nil)
	if err != nil {
		return nil, fmt.Errorf("client: bind channel manager: %w", err)
	}
	return &Client{cfg: cfg, bm: bm, chmgr: chmgr, fd: -1}, nil
}

// RegisterBus registers id with the given ring geometry, idempotently
// reopening an existing closed descriptor in place. The daemon is
// signaled so update_route() picks the new registration up without
// waiting out its next poll interval.
func (c *Client) RegisterBus(id BusID, nodeSize int, nodeCount uint64) error {
	fd, err := c.chmgr.RegisterChannel(id, os.Getpid(), nodeSize, nodeCount)
	if err != nil {
		return fmt.Errorf("client: register_bus %s: %w", id, err)
	}
	c.busID = id
	c.fd = fd
	return nil
}

// DeregisterBus marks this client's descriptor closed. Ring storage is
// retained for a later re-register under the same BusID.
func (c *Client) DeregisterBus() error {
	if c.fd < 0 {
		return errors.New("client: deregister_bus: not registered")
	}
	err := c.chmgr.DeregisterChannel(c.busID)
	c.fd = -1
	return err
}

// Send pushes data onto this client's outbound (process->daemon) ring,
// destined for dst. A full ring is retried locally SendRetries times with
// RetryDelay between attempts; on success the daemon is sent
// BUS_OUTGOING_SIGNO as a wake hint (§6), since the router's round-robin
// sweep would otherwise only notice the new record on its next pass.
func (c *Client) Send(dst BusID, data []byte) error {
	if c.fd < 0 {
		return errors.New("client: send: not registered")
	}
	wr, err := c.chmgr.GetWriteChannel(c.fd)
	if err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.SendRetries; attempt++ {
		lastErr = wr.Push(c.busID, dst, time.Now().UnixNano(), data)
		if lastErr == nil {
			c.chmgr.SignalOutgoing()
			return nil
		}
		if !errors.Is(lastErr, bus.ErrNoSpace) {
			return fmt.Errorf("client: send: %w", lastErr)
		}
		time.Sleep(c.cfg.RetryDelay)
	}
	return fmt.Errorf("client: send: %w", lastErr)
}

// Recv pops the next inbound record into buf, which the caller owns and
// may need to grow and retry on ErrRecvBufferTooSmall (the popped
// record's length is not lost: the ring only advances past a record
// once it has been copied out).
func (c *Client) Recv(buf []byte) (*bus.PopResult, int, error) {
	if c.fd < 0 {
		return nil, 0, errors.New("client: recv: not registered")
	}
	rr, err := c.chmgr.GetReadChannel(c.fd)
	if err != nil {
		return nil, 0, fmt.Errorf("client: recv: %w", err)
	}
	return rr.Pop(buf)
}

// BusID returns this client's registered identity.
func (c *Client) BusID() BusID { return c.busID }

// FD returns the channel manager descriptor slot, mostly useful for
// diagnostics and tests.
func (c *Client) FD() int { return c.fd }

// Close does not deregister, leaving the descriptor open for a later
// Attach by the same logical client. It does not unmap the shm blocks
// either; it returns nil without releasing anything.
func (c *Client) Close() error { return nil }
