// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rule

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/predicate"
)

func tcpTier(dst string, dstPort uint16) *headers.Tier {
	return &headers.Tier{
		IP:  &headers.IpMeta{V4: &headers.Ip4Meta{Dst: netip.MustParseAddr(dst), Proto: headers.ProtoTCP}},
		Ulp: &headers.UlpMeta{Tcp: &headers.TcpMeta{Dst: dstPort}},
	}
}

func TestSet_FirstMatchRespectsPriorityThenInsertionOrder(t *testing.T) {
	s := NewSet()
	lowPrioId := s.Add(Rule{Priority: 100, Action: AllowAction{}})
	highPrioId := s.Add(Rule{Priority: 1, Action: DenyAction{}})

	m := s.FirstMatch(tcpTier("1.1.1.1", 80), nil)
	require.NotNil(t, m)
	assert.Equal(t, highPrioId, m.Id)
	assert.NotEqual(t, lowPrioId, m.Id)
}

func TestSet_EqualPriorityKeepsInsertionOrder(t *testing.T) {
	s := NewSet()
	first := s.Add(Rule{Priority: 5, Action: AllowAction{}})
	s.Add(Rule{Priority: 5, Action: DenyAction{}})

	m := s.FirstMatch(tcpTier("1.1.1.1", 80), nil)
	require.NotNil(t, m)
	assert.Equal(t, first, m.Id)
}

func TestSet_RemoveById(t *testing.T) {
	s := NewSet()
	id := s.Add(Rule{Action: AllowAction{}})
	assert.Equal(t, 1, s.Len())

	assert.True(t, s.Remove(id))
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Remove(id))
}

func TestSet_SetAllReplacesAndResortsAtomically(t *testing.T) {
	s := NewSet()
	s.Add(Rule{Priority: 1, Action: AllowAction{}})
	s.Add(Rule{Priority: 2, Action: AllowAction{}})
	require.Equal(t, 2, s.Len())

	s.SetAll([]Rule{{Priority: 9, Action: DenyAction{}}})
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "deny", s.All()[0].Action.Name())
}

func TestRule_MatchesRequiresEveryPredicate(t *testing.T) {
	r := Rule{
		Predicates: []predicate.HeaderPredicate{
			predicate.InnerIpProto{Protos: []headers.IPProto{headers.ProtoTCP}},
			predicate.InnerDstPort{Ranges: []predicate.PortRange{{Lo: 443, Hi: 443}}},
		},
	}
	assert.True(t, r.Matches(tcpTier("1.1.1.1", 443), nil))
	assert.False(t, r.Matches(tcpTier("1.1.1.1", 80), nil))
}

func TestRule_NoPredicatesMatchesUnconditionally(t *testing.T) {
	r := Rule{}
	assert.True(t, r.Matches(tcpTier("1.1.1.1", 1), nil))
}

func TestActionMeta_CloneIsIndependent(t *testing.T) {
	orig := ActionMeta{"k": "v"}
	clone := orig.Clone()
	clone["k2"] = "v2"
	_, hasK2 := orig["k2"]
	assert.False(t, hasK2)
	assert.Equal(t, "v", clone["k"])
}

func TestStatefulNatAction_InstallsSwappedInverse(t *testing.T) {
	var forwardCalls, reverseCalls int
	a := StatefulNatAction{Transform: Transform{
		Forward: func(inner *headers.Tier) { forwardCalls++ },
		Reverse: func(inner *headers.Tier) { reverseCalls++ },
	}}
	meta := &headers.PacketMeta{}
	res, err := a.Apply(headers.Out, meta, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Stateful)
	assert.Equal(t, 1, forwardCalls)

	inv, ok := res.Inverse.(StatefulNatAction)
	require.True(t, ok)
	_, err = inv.Apply(headers.In, meta, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reverseCalls)
}

func TestHairpinAction_ReturnsHairpinVerdict(t *testing.T) {
	a := HairpinAction{Generate: func(headers.Direction, *headers.PacketMeta, []byte, ActionMeta) ([]byte, error) {
		return []byte{1, 2, 3}, nil
	}}
	res, err := a.Apply(headers.Out, &headers.PacketMeta{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Hairpin, res.Verdict)
	assert.Equal(t, []byte{1, 2, 3}, res.HairpinReply)
}
