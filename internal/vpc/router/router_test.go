// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package router

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/rule"
)

func TestPriorityFor_LongerPrefixSortsFirst(t *testing.T) {
	slash24 := netip.MustParsePrefix("10.0.0.0/24")
	slash16 := netip.MustParsePrefix("10.0.0.0/16")
	assert.Less(t, PriorityFor(slash24), PriorityFor(slash16))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []Internal{
		{Kind: TargetInternetGateway},
		{Kind: TargetIp, Ip: netip.MustParseAddr("10.0.0.1")},
		{Kind: TargetVpcSubnet, Subnet: netip.MustParsePrefix("10.0.1.0/24")},
	}
	for _, c := range cases {
		decoded, err := Decode(c.Encode())
		require.NoError(t, err)
		assert.Equal(t, c.Kind, decoded.Kind)
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode("not-a-target")
	assert.Error(t, err)
}

func TestAddEntry_InternetGatewayOnlyValidAsDefaultRoute(t *testing.T) {
	l := New()
	_, err := AddEntry(l, netip.MustParsePrefix("0.0.0.0/0"), Target{Kind: TargetInternetGateway})
	require.NoError(t, err)

	_, err = AddEntry(l, netip.MustParsePrefix("10.0.0.0/24"), Target{Kind: TargetInternetGateway})
	assert.Error(t, err)
}

func TestAddEntry_RejectsFamilyMismatch(t *testing.T) {
	l := New()
	_, err := AddEntry(l, netip.MustParsePrefix("10.0.0.0/24"), Target{Kind: TargetIp, Ip: netip.MustParseAddr("fe80::1")})
	assert.Error(t, err)
}

func TestAddEntry_DropInstallsDenyAction(t *testing.T) {
	l := New()
	id, err := AddEntry(l, netip.MustParsePrefix("10.0.0.0/24"), Target{Kind: TargetDrop})
	require.NoError(t, err)
	assert.NotZero(t, id)

	rules := l.DumpRules(headers.Out)
	require.Len(t, rules, 1)
	assert.Equal(t, "deny", rules[0].Action.Name())
}

func TestAddEntry_IpTargetTagsMeta(t *testing.T) {
	l := New()
	_, err := AddEntry(l, netip.MustParsePrefix("10.0.0.0/24"), Target{Kind: TargetIp, Ip: netip.MustParseAddr("10.0.0.5")})
	require.NoError(t, err)

	res, err := l.Process(headers.Out, headers.InnerFlowId{}, &headers.PacketMeta{Inner: headers.Tier{
		IP: &headers.IpMeta{V4: &headers.Ip4Meta{Dst: netip.MustParseAddr("10.0.0.5"), Proto: headers.ProtoTCP}},
	}}, nil, rule.ActionMeta{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, rule.Allow, res.Verdict)
	assert.Equal(t, "ip4=10.0.0.5", res.Attrs[MetaKey])
}

func TestRemoveEntry_MatchesStructurally(t *testing.T) {
	l := New()
	_, err := AddEntry(l, netip.MustParsePrefix("10.0.0.0/24"), Target{Kind: TargetDrop})
	require.NoError(t, err)

	removed, err := RemoveEntry(l, netip.MustParsePrefix("10.0.0.0/24"), Target{Kind: TargetDrop})
	require.NoError(t, err)
	assert.True(t, removed)

	out, _ := l.NumRules()
	assert.Equal(t, 0, out)
}

func TestRemoveEntry_NoMatchReturnsFalse(t *testing.T) {
	l := New()
	removed, err := RemoveEntry(l, netip.MustParsePrefix("10.0.0.0/24"), Target{Kind: TargetDrop})
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestReplace_AtomicallySwapsEntries(t *testing.T) {
	l := New()
	AddEntry(l, netip.MustParsePrefix("10.0.0.0/24"), Target{Kind: TargetDrop})

	err := Replace(l, []struct {
		Dest   netip.Prefix
		Target Target
	}{
		{Dest: netip.MustParsePrefix("0.0.0.0/0"), Target: Target{Kind: TargetInternetGateway}},
	})
	require.NoError(t, err)

	out, _ := l.NumRules()
	require.Equal(t, 1, out)
	assert.Contains(t, l.DumpRules(headers.Out)[0].Predicates[0].String(), "0.0.0.0/0")
}

func TestDefaultOut_DeniesUnroutedTraffic(t *testing.T) {
	l := New()
	res, err := l.Process(headers.Out, headers.InnerFlowId{}, &headers.PacketMeta{Inner: headers.Tier{
		IP: &headers.IpMeta{V4: &headers.Ip4Meta{Dst: netip.MustParseAddr("8.8.8.8"), Proto: headers.ProtoTCP}},
	}}, nil, rule.ActionMeta{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, rule.Deny, res.Verdict)
}
