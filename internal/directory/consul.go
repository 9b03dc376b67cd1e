// File: internal/directory/consul.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Directory resolves a BusID to the host:port of the router that owns it,
// backed by a Consul-shaped KV store under the "bus/<busid>" prefix per
// spec §4.H "Directory (KV) integration". The Consul KV HTTP API already
// returns exactly the JSON-array-of-base64-values shape the spec calls
// for, so github.com/hashicorp/consul/api's KV client is used directly
// rather than hand-rolling an HTTP client.

package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	consulapi "github.com/hashicorp/consul/api"

	"github.com/momentics/busd/internal/bus"
)

const keyPrefix = "bus/"

// Client is the directory's read/write surface, kept narrow so a fake
// implementation can stand in for tests without touching a live Consul.
type Client interface {
	// Publish advertises that busid is reachable at host (this router's
	// forwarding address).
	Publish(ctx context.Context, busid uint32, host string) error
	// Withdraw removes busid's advertisement, e.g. on deregistration.
	Withdraw(ctx context.Context, busid uint32) error
	// ResolveAll returns every known busid -> host mapping.
	ResolveAll(ctx context.Context) (map[uint32]string, error)
}

// ConsulClient is the production Client backed by a real Consul agent.
type ConsulClient struct {
	kv  *consulapi.KV
	log func(err error)
}

// NewConsulClient dials addr (e.g. "127.0.0.1:8500") and returns a bound
// client.
func NewConsulClient(addr string) (*ConsulClient, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	c, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("directory: consul client: %w", err)
	}
	return &ConsulClient{kv: c.KV(), log: func(error) {}}, nil
}

// OnRetryError installs a callback invoked each time a KV round-trip is
// retried, so the router's facade can log it through its own logger
// without this package taking a zap dependency on the hot path.
func (c *ConsulClient) OnRetryError(fn func(err error)) { c.log = fn }

// busKey renders the dotted-decimal "area.zone.func.inst" form
// bus.BusID.String() already produces, matching the original
// implementation's bus::to_string()/bus_router.cpp key construction
// rather than a hex encoding of the raw uint32 that would break interop
// with any other conforming busd/libsk deployment sharing this KV store.
func busKey(busid uint32) string {
	return keyPrefix + bus.BusID(busid).String()
}

// withRetry gives a KV round-trip one retry after a short backoff before
// surfacing the error, per spec §7 TransientIO: "one retry, then log".
// Grounded on the corpus's own ExponentialBackOff.NextBackOff() usage
// rather than backoff/v5's generic Retry helper, to match the pattern the
// pack actually exercises (sakateka-yanet2's BIRD adapter reconnect loop).
func (c *ConsulClient) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	bo.Reset()

	err := op()
	if err == nil {
		return nil
	}
	c.log(err)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(bo.NextBackOff()):
	}
	return op()
}

// Publish sets bus/<busid> = host.
func (c *ConsulClient) Publish(ctx context.Context, busid uint32, host string) error {
	return c.withRetry(ctx, func() error {
		_, err := c.kv.Put(&consulapi.KVPair{Key: busKey(busid), Value: []byte(host)}, nil)
		return err
	})
}

// Withdraw deletes bus/<busid>.
func (c *ConsulClient) Withdraw(ctx context.Context, busid uint32) error {
	return c.withRetry(ctx, func() error {
		_, err := c.kv.Delete(busKey(busid), nil)
		return err
	})
}

// ResolveAll lists every key under the bus/ prefix.
func (c *ConsulClient) ResolveAll(ctx context.Context) (map[uint32]string, error) {
	out := make(map[uint32]string)
	err := c.withRetry(ctx, func() error {
		pairs, _, err := c.kv.List(keyPrefix, nil)
		if err != nil {
			return err
		}
		out = make(map[uint32]string, len(pairs))
		for _, p := range pairs {
			id, err := bus.ParseBusID(strings.TrimPrefix(p.Key, keyPrefix))
			if err != nil {
				continue
			}
			out[uint32(id)] = string(p.Value)
		}
		return nil
	})
	return out, err
}
