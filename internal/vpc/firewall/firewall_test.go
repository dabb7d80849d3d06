// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/rule"
)

func tcpTier(dst string, dstPort uint16) *headers.Tier {
	return &headers.Tier{
		IP:  &headers.IpMeta{V4: &headers.Ip4Meta{Dst: netip.MustParseAddr(dst), Proto: headers.ProtoTCP}},
		Ulp: &headers.UlpMeta{Tcp: &headers.TcpMeta{Dst: dstPort}},
	}
}

func TestParseRule_BasicAllow(t *testing.T) {
	dir, r, err := ParseRule("dir=in action=allow priority=100 protocol=TCP ports=443")
	require.NoError(t, err)
	assert.Equal(t, headers.In, dir)
	assert.Equal(t, 100, r.Priority)
	assert.Equal(t, "allow", r.Action.Name())
	assert.True(t, r.Matches(tcpTier("1.1.1.1", 443), nil))
	assert.False(t, r.Matches(tcpTier("1.1.1.1", 80), nil))
}

func TestParseRule_HostsCidr(t *testing.T) {
	_, r, err := ParseRule("dir=out action=deny hosts=10.0.0.0/24")
	require.NoError(t, err)
	assert.True(t, r.Matches(tcpTier("10.0.0.5", 1), nil))
	assert.False(t, r.Matches(tcpTier("10.0.1.5", 1), nil))
}

func TestParseRule_HostsBareAddrIsHostPrefix(t *testing.T) {
	_, r, err := ParseRule("dir=out action=deny hosts=10.0.0.5")
	require.NoError(t, err)
	assert.True(t, r.Matches(tcpTier("10.0.0.5", 1), nil))
	assert.False(t, r.Matches(tcpTier("10.0.0.6", 1), nil))
}

func TestParseRule_PortRangeHalfOpenExclusiveUpper(t *testing.T) {
	_, r, err := ParseRule("dir=out action=allow ports=[1025,1028)")
	require.NoError(t, err)
	assert.True(t, r.Matches(tcpTier("1.1.1.1", 1027), nil))
	assert.False(t, r.Matches(tcpTier("1.1.1.1", 1028), nil))
}

func TestParseRule_ProtocolAnySkipsPredicate(t *testing.T) {
	_, r, err := ParseRule("dir=out action=allow protocol=any")
	require.NoError(t, err)
	assert.Empty(t, r.Predicates)
}

func TestParseRule_RejectsMissingDir(t *testing.T) {
	_, _, err := ParseRule("action=allow")
	assert.Error(t, err)
}

func TestParseRule_RejectsBadAction(t *testing.T) {
	_, _, err := ParseRule("dir=in action=maybe")
	assert.Error(t, err)
}

func TestParseRule_RejectsBadProtocol(t *testing.T) {
	_, _, err := ParseRule("dir=in action=allow protocol=SCTP")
	assert.Error(t, err)
}

func TestParseRule_RejectsMalformedToken(t *testing.T) {
	_, _, err := ParseRule("dir")
	assert.Error(t, err)
}

func TestAddRuleText_InstallsOnCorrectDirection(t *testing.T) {
	l := New()
	dir, id, err := AddRuleText(l, "dir=out action=deny priority=1 protocol=TCP ports=80")
	require.NoError(t, err)
	assert.Equal(t, headers.Out, dir)
	assert.NotZero(t, id)

	out, in := l.NumRules()
	assert.Equal(t, 1, out)
	assert.Equal(t, 0, in)
}

func TestSetRulesText_RejectsMixedDirections(t *testing.T) {
	l := New()
	err := SetRulesText(l, []string{
		"dir=out action=allow",
		"dir=in action=deny",
	})
	assert.Error(t, err)
}

func TestSetRulesText_ReplacesAtomically(t *testing.T) {
	l := New()
	AddRuleText(l, "dir=out action=allow priority=1")
	err := SetRulesText(l, []string{"dir=out action=deny priority=2"})
	require.NoError(t, err)

	out, _ := l.NumRules()
	require.Equal(t, 1, out)
	assert.Equal(t, "deny", l.DumpRules(headers.Out)[0].Action.Name())
}

func TestNew_DefaultsAllowBothDirections(t *testing.T) {
	l := New()
	res, err := l.Process(headers.Out, headers.InnerFlowId{}, &headers.PacketMeta{Inner: *tcpTier("1.1.1.1", 80)}, nil, rule.ActionMeta{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, rule.Allow, res.Verdict)
}
