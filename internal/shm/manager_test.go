// File: internal/shm/manager_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm_test

import (
	"bytes"
	"testing"

	"github.com/momentics/busd/internal/shm"
)

func TestManagerMallocFreeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := shm.OnCreate(dir, "mgr-test", 64*1024, 64*1024, nil)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := m.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	buf := m.Addr2Ptr(addr)
	if buf == nil || len(buf) < 128 {
		t.Fatalf("Addr2Ptr returned %v", buf)
	}
	copy(buf, bytes.Repeat([]byte{0x7A}, 128))

	m.Free(addr)
	if m.Addr2Ptr(addr) != nil {
		t.Fatal("Addr2Ptr should return nil for a freed handle")
	}
}

func TestManagerResumePreservesHeader(t *testing.T) {
	dir := t.TempDir()
	m, err := shm.OnCreate(dir, "mgr-resume", 64*1024, 64*1024, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := m.GetSingleton(0, 64)
	if err != nil {
		t.Fatal(err)
	}
	hdrOff := m.HeaderOffset()

	resumed, err := shm.OnResume(dir, "mgr-resume", 64*1024, hdrOff, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr2, err := resumed.GetSingleton(0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != addr {
		t.Fatalf("resumed singleton address mismatch: got %v want %v", addr2, addr)
	}
}

func TestManagerResumeRejectsBasenameMismatch(t *testing.T) {
	dir := t.TempDir()
	if _, err := shm.OnCreate(dir, "mgr-a", 64*1024, 64*1024, nil); err != nil {
		t.Fatal(err)
	}
	// mgr-b was never created under dir, so attaching under that basename
	// must fail (missing backing files) rather than silently resuming
	// someone else's segment.
	if _, err := shm.OnResume(dir, "mgr-b", 64*1024, 0, nil); err == nil {
		t.Fatal("expected an error resuming an unknown basename")
	}
}
