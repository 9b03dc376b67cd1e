// File: internal/bus/ring_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bus_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/momentics/busd/internal/bus"
)

func TestRingPushPopRoundTrip(t *testing.T) {
	buf := make([]byte, bus.CalcSpace(64, 8))
	r, err := bus.InitRing(buf, 64, 8)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("hello bus")
	if err := r.Push(bus.NewBusID(1, 0, 0, 1), bus.NewBusID(1, 0, 0, 2), 1000, payload); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, 64)
	res, n, err := r.Pop(out)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) || !bytes.Equal(out[:n], payload) {
		t.Fatalf("pop payload mismatch: got %q want %q", out[:n], payload)
	}
	if res.Src != bus.NewBusID(1, 0, 0, 1) || res.Dst != bus.NewBusID(1, 0, 0, 2) {
		t.Fatalf("pop src/dst mismatch: %+v", res)
	}
	if !r.IsEmpty() {
		t.Fatal("ring should be empty after draining its only record")
	}
}

func TestRingWrapAround(t *testing.T) {
	buf := make([]byte, bus.CalcSpace(32, 4))
	r, err := bus.InitRing(buf, 32, 4)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		payload := []byte{byte(i), byte(i + 1)}
		if err := r.Push(1, 2, int64(i), payload); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		out := make([]byte, 32)
		res, n, err := r.Pop(out)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if n != 2 || out[0] != byte(i) || out[1] != byte(i+1) {
			t.Fatalf("pop %d: got %v", i, out[:n])
		}
		_ = res
	}
	if r.PushCount() != 20 || r.PopCount() != 20 {
		t.Fatalf("counters: push=%d pop=%d", r.PushCount(), r.PopCount())
	}
}

func TestRingBufferTooSmallDoesNotAdvance(t *testing.T) {
	buf := make([]byte, bus.CalcSpace(64, 4))
	r, err := bus.InitRing(buf, 64, 4)
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 40)
	if err := r.Push(1, 2, 0, payload); err != nil {
		t.Fatal(err)
	}

	small := make([]byte, 4)
	_, _, err = r.Pop(small)
	if !errors.Is(err, bus.ErrBufferTooSmall) {
		t.Fatalf("want ErrBufferTooSmall, got %v", err)
	}

	big := make([]byte, 64)
	res, n, err := r.Pop(big)
	if err != nil {
		t.Fatalf("retry pop: %v", err)
	}
	if n != len(payload) || !bytes.Equal(big[:n], payload) {
		t.Fatalf("retry pop payload mismatch")
	}
	_ = res
}

func TestRingFullReturnsErrNoSpace(t *testing.T) {
	buf := make([]byte, bus.CalcSpace(64, 2))
	r, err := bus.InitRing(buf, 64, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Push(1, 2, 0, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Push(1, 2, 0, []byte("b")); !errors.Is(err, bus.ErrNoSpace) {
		t.Fatalf("want ErrNoSpace, got %v", err)
	}
}

func TestBindRingAfterRestart(t *testing.T) {
	buf := make([]byte, bus.CalcSpace(64, 8))
	r, err := bus.InitRing(buf, 64, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Push(1, 2, 0, []byte("pending")); err != nil {
		t.Fatal(err)
	}

	// Simulate a process restart: rebind against the same bytes, as a
	// resumed router would after re-mmapping the same shm file.
	r2, err := bus.BindRing(buf)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 64)
	_, n, err := r2.Pop(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(out[:n]) != "pending" {
		t.Fatalf("got %q", out[:n])
	}
}
