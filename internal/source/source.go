// Package source declares event subscriptions: static contracts, factory
// contracts whose child addresses are discovered at runtime, and the
// server-side log filters that narrow what the cache and RPC layer fetch.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Filter narrows a log subscription to a specific event and/or indexed
// argument values, mirroring contracts[name].filter in spec.md §6.
type Filter struct {
	Event string
	Args  map[string][]any
}

// Factory declares how child contract addresses are discovered: watch
// `Event` on `Address`, extract the child address from the log argument
// named `ChildField`.
type Factory struct {
	Address    common.Address
	Event      abi.Event
	ChildField string
}

// Source is a declarative subscription: one entry in contracts[name] of
// spec.md §6, bound to a single network.
type Source struct {
	Name                       string
	Network                    string
	ABI                        abi.ABI
	Address                    *common.Address
	FactoryConfig              *Factory
	Watcher                    *FactoryWatcher // non-nil iff FactoryConfig != nil
	FilterConfig               *Filter
	StartBlock                 uint64
	EndBlock                   *uint64
	IncludeTransactionReceipts bool
}

// IsFactory reports whether the source resolves addresses dynamically.
func (s Source) IsFactory() bool { return s.FactoryConfig != nil }

// Fingerprint is a deterministic identifier for this subscription's
// effective filter (addresses, topics), independent of block range, used
// as the sync cache's interval bookkeeping key (spec.md §3/§4.A).
func (s Source) Fingerprint() string {
	addr := "factory"
	if s.Address != nil {
		addr = s.Address.Hex()
	}
	evt := "*"
	if s.FilterConfig != nil && s.FilterConfig.Event != "" {
		evt = s.FilterConfig.Event
	}
	return fmt.Sprintf("%s:%s:%s:%s", s.Network, s.Name, addr, evt)
}

// FactoryWatcher maintains the set of child addresses discovered by
// watching a factory's child-creation log, and is consulted by historical
// and realtime sync to build filter queries (spec.md §3, scenario S5).
type FactoryWatcher struct {
	mu        sync.RWMutex
	factory   Factory
	addresses map[common.Address]struct{}
}

// NewFactoryWatcher constructs a watcher for the given factory
// declaration.
func NewFactoryWatcher(f Factory) *FactoryWatcher {
	return &FactoryWatcher{factory: f, addresses: make(map[common.Address]struct{})}
}

// Observe processes a creation log, decoding the child address out of the
// named field and adding it to the live set. It is idempotent.
func (w *FactoryWatcher) Observe(log types.Log) error {
	values := make(map[string]any)
	if err := w.factory.Event.Inputs.UnpackIntoMap(values, log.Data); err != nil {
		return fmt.Errorf("factory: unpack child-creation log: %w", err)
	}
	raw, ok := values[w.factory.ChildField]
	if !ok {
		return fmt.Errorf("factory: field %q not present in event %q", w.factory.ChildField, w.factory.Event.Name)
	}
	addr, ok := raw.(common.Address)
	if !ok {
		return fmt.Errorf("factory: field %q is not an address", w.factory.ChildField)
	}

	w.mu.Lock()
	w.addresses[addr] = struct{}{}
	w.mu.Unlock()
	return nil
}

// Addresses returns a snapshot of the currently known child addresses.
func (w *FactoryWatcher) Addresses() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]common.Address, 0, len(w.addresses))
	for addr := range w.addresses {
		out = append(out, addr)
	}
	return out
}

// Seed loads child addresses discovered in a prior run (e.g. restored from
// the sync cache) without re-deriving them from logs.
func (w *FactoryWatcher) Seed(ctx context.Context, addresses []common.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, addr := range addresses {
		w.addresses[addr] = struct{}{}
	}
}
