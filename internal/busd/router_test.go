// File: internal/busd/router_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Exercises the router's directory-convergence and local-delivery paths
// against an in-memory directory.FakeClient, standing in for a live
// Consul agent.

package busd_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/busd/internal/bus"
	"github.com/momentics/busd/internal/busd"
	"github.com/momentics/busd/internal/directory"
	"github.com/momentics/busd/internal/shm"
)

func newTestChannelManager(t *testing.T) *bus.ChannelManager {
	t.Helper()
	dir := t.TempDir()
	bm := shm.NewBlockManager(dir, "router-test")
	_, err := bm.CreateBlock(shm.BlockMetadata, 64*1024, 256*1024)
	require.NoError(t, err)
	_, err = bm.CreateBlock(shm.BlockUserdata, 64*1024, 1024*1024)
	require.NoError(t, err)
	cm, err := bus.NewChannelManager(bm, 0, 1024*1024, 1, nil)
	require.NoError(t, err)
	return cm
}

func TestRouterDeliversLocalToLocal(t *testing.T) {
	cm := newTestChannelManager(t)
	src := bus.NewBusID(1, 0, 0, 1)
	dst := bus.NewBusID(1, 0, 0, 2)

	fdSrc, err := cm.RegisterChannel(src, 100, 256, 16)
	require.NoError(t, err)
	fdDst, err := cm.RegisterChannel(dst, 101, 256, 16)
	require.NoError(t, err)

	fake := directory.NewFakeClient()
	r, err := busd.NewRouter(cm, fake, busd.RouterConfig{
		ListenAddr: "127.0.0.1:0",
		LocalHost:  "127.0.0.1:7900",
		MsgPerRun:  64,
		ReportEach: 1000,
	}, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()

	// Give both registrations a chance to be published and resolved.
	for i := 0; i < 3; i++ {
		r.RunOnce(ctx)
	}

	srcWrite, err := cm.GetWriteChannel(fdSrc)
	require.NoError(t, err)
	require.NoError(t, srcWrite.Push(src, dst, time.Now().UnixNano(), []byte("ping")))

	var got []byte
	for i := 0; i < 10; i++ {
		r.RunOnce(ctx)
		dstRead, err := cm.GetReadChannel(fdDst)
		require.NoError(t, err)
		if dstRead.IsEmpty() {
			continue
		}
		buf := make([]byte, 256)
		res, n, err := dstRead.Pop(buf)
		require.NoError(t, err)
		got = buf[:n]
		_ = res
		break
	}
	require.Equal(t, "ping", string(got), "destination never received the message")
}

func TestRouterWithdrawsOnDeregister(t *testing.T) {
	cm := newTestChannelManager(t)
	id := bus.NewBusID(5, 0, 0, 1)
	_, err := cm.RegisterChannel(id, 100, 64, 8)
	require.NoError(t, err)

	fake := directory.NewFakeClient()
	r, err := busd.NewRouter(cm, fake, busd.RouterConfig{
		ListenAddr: "127.0.0.1:0",
		LocalHost:  "127.0.0.1:7901",
		MsgPerRun:  64,
		ReportEach: 1000,
	}, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	r.RunOnce(ctx)

	table, err := fake.ResolveAll(ctx)
	require.NoError(t, err)
	_, ok := table[uint32(id)]
	require.True(t, ok, "busid was never published")

	require.NoError(t, cm.DeregisterChannel(id))
	r.RunOnce(ctx)

	table, err = fake.ResolveAll(ctx)
	require.NoError(t, err)
	_, ok = table[uint32(id)]
	require.False(t, ok, "busid should have been withdrawn after deregistration")
}
