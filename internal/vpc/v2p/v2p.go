// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package v2p holds the Virt2Phys registry: the guest-private-address to
// physical-underlay mapping the Overlay layer consults to resolve where a
// Geneve-encapsulated packet goes. It is shared across every Port on a
// host rather than owned by one, so it lives as its own collaborator
// passed into each layer's action closures instead of a global.
package v2p

import (
	"net/netip"
	"sync"

	"grimm.is/vpcdp/internal/engine/headers"
)

// Entry is what a guest private address resolves to: the underlay
// address and VNI to encapsulate toward, plus the guest's own (inner)
// MAC — the overlay never lets a packet ARP across the fabric, so this
// is the one place that address gets resolved instead.
type Entry struct {
	PhysIp  netip.Addr
	PhysMac headers.MacAddr
	Vni     headers.Vni
}

// Registry is the shared guest-to-physical map. Reads go through sync.Map
// so they never block a writer; writes are serialised through mu so two
// concurrent SetVirt2Phys admin calls can't race each other's
// read-modify-write.
type Registry struct {
	mu      sync.Mutex
	entries sync.Map // netip.Addr -> Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Set installs or replaces the mapping for vip.
func (r *Registry) Set(vip netip.Addr, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Store(vip, e)
}

// Delete removes vip's mapping, if any.
func (r *Registry) Delete(vip netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Delete(vip)
}

// Get resolves vip to its physical entry.
func (r *Registry) Get(vip netip.Addr) (Entry, bool) {
	v, ok := r.entries.Load(vip)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), ok
}

// Dump returns a snapshot of every mapping, for the DumpVirt2Phys admin
// command.
func (r *Registry) Dump() map[netip.Addr]Entry {
	out := make(map[netip.Addr]Entry)
	r.entries.Range(func(k, v any) bool {
		out[k.(netip.Addr)] = v.(Entry)
		return true
	})
	return out
}
