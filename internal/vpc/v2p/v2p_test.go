// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package v2p

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vpcdp/internal/engine/headers"
)

func TestRegistry_SetAndGet(t *testing.T) {
	r := New()
	vip := netip.MustParseAddr("10.0.0.5")
	entry := Entry{PhysIp: netip.MustParseAddr("fd00::1"), Vni: headers.Vni(100)}
	r.Set(vip, entry)

	got, ok := r.Get(vip)
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestRegistry_GetMissingReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Get(netip.MustParseAddr("10.0.0.9"))
	assert.False(t, ok)
}

func TestRegistry_Delete(t *testing.T) {
	r := New()
	vip := netip.MustParseAddr("10.0.0.5")
	r.Set(vip, Entry{})
	r.Delete(vip)
	_, ok := r.Get(vip)
	assert.False(t, ok)
}

func TestRegistry_DumpSnapshotsAllEntries(t *testing.T) {
	r := New()
	r.Set(netip.MustParseAddr("10.0.0.5"), Entry{Vni: headers.Vni(1)})
	r.Set(netip.MustParseAddr("10.0.0.6"), Entry{Vni: headers.Vni(2)})

	snap := r.Dump()
	assert.Len(t, snap, 2)
}
