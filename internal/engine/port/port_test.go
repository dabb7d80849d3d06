// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package port

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/packet"
	"grimm.is/vpcdp/internal/engine/parser"
	"grimm.is/vpcdp/internal/engine/rule"
)

var (
	guestMac = headers.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMac  = headers.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func tcpPacket(src, dst string, srcPort, dstPort uint16, flags headers.TcpFlags, body []byte) packet.Packet {
	tier := headers.Tier{
		Ether: headers.EtherMeta{Dst: peerMac, Src: guestMac, EtherType: headers.EtherTypeIPv4},
		IP: &headers.IpMeta{V4: &headers.Ip4Meta{
			Src: netip.MustParseAddr(src), Dst: netip.MustParseAddr(dst), Proto: headers.ProtoTCP, Ttl: 64,
		}},
		Ulp: &headers.UlpMeta{Tcp: &headers.TcpMeta{Src: srcPort, Dst: dstPort, Flags: flags}},
	}
	return packet.NewBuf(encodeTier(tier, body, nil))
}

func arpRequestPacket(spa, tpa string) packet.Packet {
	etherBytes := encodeEther(headers.EtherMeta{Dst: headers.MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, Src: guestMac, EtherType: headers.EtherTypeARP})
	arpBytes := parser.EncodeArp(parser.ArpPacket{
		Htype: 1, Ptype: uint16(headers.EtherTypeIPv4), Op: parser.ArpOpRequest,
		Sha: guestMac, Spa: netip.MustParseAddr(spa),
		Tha: headers.MacAddr{}, Tpa: netip.MustParseAddr(tpa),
	})
	return packet.NewBuf(append(etherBytes, arpBytes...))
}

// passthroughLayer always allows, stateless.
func passthroughLayer(name string) *layer.Layer {
	return layer.New(layer.Config{Name: name, DefaultIn: rule.AllowAction{}, DefaultOut: rule.AllowAction{}})
}

// statefulAction is a minimal stateful Action used to exercise the Port's
// Unified Flow Table replay path.
type statefulAction struct {
	calls *int
}

func (a statefulAction) Apply(headers.Direction, *headers.PacketMeta, []byte, rule.ActionMeta) (rule.ActionResult, error) {
	if a.calls != nil {
		*a.calls++
	}
	return rule.ActionResult{Verdict: rule.Allow, Stateful: true, Inverse: rule.AllowAction{}}, nil
}

func (statefulAction) Name() string { return "stateful-test" }

func buildTestPort(t *testing.T, layers ...*layer.Layer) *Port {
	t.Helper()
	b := NewBuilder("test0", guestMac).WithParser(parser.NewParser(false))
	for _, l := range layers {
		b.AddLayer(l)
	}
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func TestPort_ProcessRefusesWhenNotRunning(t *testing.T) {
	p := buildTestPort(t, passthroughLayer("fw"))
	res, err := p.Process(headers.Out, tcpPacket("10.0.0.1", "10.0.0.2", 1000, 80, headers.TcpFlagSyn, nil))
	assert.Error(t, err)
	assert.Equal(t, KindBadState, res.Kind)
}

func TestPort_ProcessModifiesAndReplaysFromUft(t *testing.T) {
	var calls int
	l := layer.New(layer.Config{Name: "fw", DefaultIn: statefulAction{&calls}, DefaultOut: statefulAction{&calls}})
	p := buildTestPort(t, l)
	p.Start()

	pkt := tcpPacket("10.0.0.1", "10.0.0.2", 1000, 80, headers.TcpFlagSyn, nil)
	res, err := p.Process(headers.Out, pkt)
	require.NoError(t, err)
	assert.Equal(t, KindModified, res.Kind)
	assert.Equal(t, 1, calls)

	outFlows, inFlows := p.NumUftFlows()
	assert.Equal(t, 1, outFlows)
	assert.Equal(t, 1, inFlows)

	// A second packet on the same flow should replay the cached Uft
	// entry, calling the cached action directly rather than re-walking
	// the layer (but the action itself is still invoked, so the call
	// count advances by one, not by a full re-evaluation).
	pkt2 := tcpPacket("10.0.0.1", "10.0.0.2", 1000, 80, headers.TcpFlagAck, nil)
	res2, err := p.Process(headers.Out, pkt2)
	require.NoError(t, err)
	assert.Equal(t, KindModified, res2.Kind)
	assert.Equal(t, 2, calls)

	outFlows, inFlows = p.NumUftFlows()
	assert.Equal(t, 1, outFlows)
	assert.Equal(t, 1, inFlows)
}

func TestPort_ProcessDropsOnLayerDeny(t *testing.T) {
	l := layer.New(layer.Config{Name: "fw", DefaultIn: rule.AllowAction{}, DefaultOut: rule.DenyAction{}})
	p := buildTestPort(t, l)
	p.Start()

	res, err := p.Process(headers.Out, tcpPacket("10.0.0.1", "10.0.0.2", 1000, 80, headers.TcpFlagSyn, nil))
	require.NoError(t, err)
	assert.Equal(t, KindDrop, res.Kind)
}

func TestPort_TcpInvalidFlagSequenceDrops(t *testing.T) {
	p := buildTestPort(t, passthroughLayer("fw"))
	p.Start()

	// An ACK with no prior SYN is not a valid opening sequence.
	res, err := p.Process(headers.Out, tcpPacket("10.0.0.1", "10.0.0.2", 1000, 80, headers.TcpFlagAck, nil))
	require.NoError(t, err)
	assert.Equal(t, KindDrop, res.Kind)
	assert.Equal(t, "TcpErr", res.DropReason)
}

func TestPort_TcpRstRemovesUftEntries(t *testing.T) {
	var calls int
	l := layer.New(layer.Config{Name: "fw", DefaultIn: statefulAction{&calls}, DefaultOut: statefulAction{&calls}})
	p := buildTestPort(t, l)
	p.Start()

	p.Process(headers.Out, tcpPacket("10.0.0.1", "10.0.0.2", 1000, 80, headers.TcpFlagSyn, nil))
	out, _ := p.NumUftFlows()
	require.Equal(t, 1, out)

	_, err := p.Process(headers.Out, tcpPacket("10.0.0.1", "10.0.0.2", 1000, 80, headers.TcpFlagRst, nil))
	require.NoError(t, err)

	out, in := p.NumUftFlows()
	assert.Equal(t, 0, out)
	assert.Equal(t, 0, in)
}

func TestPort_HandleNonIPDelegatesToNetworkHandler(t *testing.T) {
	hairpin := []byte{0xde, 0xad, 0xbe, 0xef}
	net := fakeNetworkHandler{result: HandlePktResult{HairpinReply: hairpin}}
	p, err := NewBuilder("test0", guestMac).
		WithParser(parser.NewParser(false)).
		WithNetwork(net).
		AddLayer(passthroughLayer("fw")).
		Build()
	require.NoError(t, err)
	p.Start()

	res, err := p.Process(headers.Out, arpRequestPacket("10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, KindHairpin, res.Kind)
	assert.Equal(t, hairpin, res.HairpinReply)
}

func TestPort_HandleNonIPDropsWithNoNetworkHandler(t *testing.T) {
	p := buildTestPort(t, passthroughLayer("fw"))
	p.Start()

	res, err := p.Process(headers.Out, arpRequestPacket("10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, KindDrop, res.Kind)
}

func TestPort_ResetClearsFlowsButKeepsRules(t *testing.T) {
	l := layer.New(layer.Config{Name: "fw", DefaultIn: rule.AllowAction{}, DefaultOut: rule.AllowAction{}})
	p := buildTestPort(t, l)
	p.Start()
	id, err := p.AddRule("fw", headers.Out, rule.Rule{Action: rule.DenyAction{}})
	require.NoError(t, err)

	p.Reset()
	assert.Equal(t, Ready, p.State())

	out, _ := p.Layer("fw").NumRules()
	assert.Equal(t, 1, out)
	assert.NotZero(t, id)
}

func TestPort_AddRuleInvalidatesUft(t *testing.T) {
	var calls int
	l := layer.New(layer.Config{Name: "fw", DefaultIn: statefulAction{&calls}, DefaultOut: statefulAction{&calls}})
	p := buildTestPort(t, l)
	p.Start()

	p.Process(headers.Out, tcpPacket("10.0.0.1", "10.0.0.2", 1000, 80, headers.TcpFlagSyn, nil))
	out, _ := p.NumUftFlows()
	require.Equal(t, 1, out)

	_, err := p.AddRule("fw", headers.Out, rule.Rule{Action: rule.DenyAction{}})
	require.NoError(t, err)

	out, in := p.NumUftFlows()
	assert.Equal(t, 0, out)
	assert.Equal(t, 0, in)
}

func TestPort_AddRuleUnknownLayerErrors(t *testing.T) {
	p := buildTestPort(t, passthroughLayer("fw"))
	_, err := p.AddRule("nope", headers.Out, rule.Rule{})
	assert.Error(t, err)
}

type fakeNetworkHandler struct {
	result HandlePktResult
}

func (f fakeNetworkHandler) HandlePkt(headers.Direction, *headers.PacketMeta) (HandlePktResult, error) {
	return f.result, nil
}
