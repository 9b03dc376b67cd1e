// File: internal/bus/channelmgr_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bus_test

import (
	"testing"

	"github.com/momentics/busd/internal/bus"
	"github.com/momentics/busd/internal/shm"
)

func newTestBlockManager(t *testing.T) *shm.BlockManager {
	t.Helper()
	dir := t.TempDir()
	bm := shm.NewBlockManager(dir, "busd-test")
	if _, err := bm.CreateBlock(shm.BlockMetadata, 64*1024, 256*1024); err != nil {
		t.Fatal(err)
	}
	if _, err := bm.CreateBlock(shm.BlockUserdata, 64*1024, 1024*1024); err != nil {
		t.Fatal(err)
	}
	return bm
}

func TestChannelManagerRegisterIsIdempotent(t *testing.T) {
	bm := newTestBlockManager(t)
	cm, err := bus.NewChannelManager(bm, 0, 1024*1024, 1234, nil)
	if err != nil {
		t.Fatal(err)
	}

	id := bus.NewBusID(1, 0, 0, 1)
	fd1, err := cm.RegisterChannel(id, 5555, 256, 16)
	if err != nil {
		t.Fatal(err)
	}
	fd2, err := cm.RegisterChannel(id, 5555, 256, 16)
	if err != nil {
		t.Fatal(err)
	}
	if fd1 != fd2 {
		t.Fatalf("re-registering an already-open busid changed fd: %d -> %d", fd1, fd2)
	}

	wr, err := cm.GetWriteChannel(fd1)
	if err != nil {
		t.Fatal(err)
	}
	if err := wr.Push(id, id, 0, []byte("x")); err != nil {
		t.Fatal(err)
	}

	descs, err := cm.Report()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range descs {
		if d.BusID == id {
			found = true
			if d.Closed {
				t.Fatal("descriptor reported closed")
			}
		}
	}
	if !found {
		t.Fatal("registered busid missing from report")
	}
}

func TestChannelManagerDeregisterThenReopen(t *testing.T) {
	bm := newTestBlockManager(t)
	cm, err := bus.NewChannelManager(bm, 0, 1024*1024, 1234, nil)
	if err != nil {
		t.Fatal(err)
	}

	id := bus.NewBusID(2, 0, 0, 1)
	fd, err := cm.RegisterChannel(id, 111, 128, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := cm.DeregisterChannel(id); err != nil {
		t.Fatal(err)
	}
	if _, err := cm.FindReadChannel(id); err == nil {
		t.Fatal("closed descriptor should not be found as open")
	}

	fd2, err := cm.RegisterChannel(id, 222, 128, 8)
	if err != nil {
		t.Fatal(err)
	}
	if fd2 != fd {
		t.Fatalf("reopen should reuse the original descriptor slot, got %d want %d", fd2, fd)
	}
}

func TestChannelManagerResumeAcrossProcesses(t *testing.T) {
	bm := newTestBlockManager(t)
	cm, err := bus.NewChannelManager(bm, 42, 1024*1024, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	id := bus.NewBusID(3, 0, 0, 1)
	if _, err := cm.RegisterChannel(id, 999, 64, 8); err != nil {
		t.Fatal(err)
	}

	resumed, err := bus.ResumeChannelManager(bm, 42, 1024*1024, cm.HeaderOffset(), cm.EntriesOffset(), 200, nil)
	if err != nil {
		t.Fatal(err)
	}
	fd, err := resumed.FindReadChannel(id)
	if err != nil {
		t.Fatalf("resumed manager lost registration: %v", err)
	}
	if _, err := resumed.GetReadChannel(fd); err != nil {
		t.Fatal(err)
	}
}
