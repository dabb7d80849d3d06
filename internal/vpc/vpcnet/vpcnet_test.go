// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vpcnet

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vpcdp/internal/engine/headers"
)

var (
	gatewayMac = headers.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	guestMac   = headers.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	gatewayIp  = netip.MustParseAddr("10.0.0.1")
	guestIp    = netip.MustParseAddr("10.0.0.5")
	externalIp = netip.MustParseAddr("203.0.113.5")
)

func arpReqMeta(tpa netip.Addr) *headers.PacketMeta {
	return &headers.PacketMeta{Inner: headers.Tier{
		Ether: headers.EtherMeta{Src: guestMac, EtherType: headers.EtherTypeARP},
		Arp:   &headers.ArpMeta{Op: headers.ArpOpRequest, Sha: guestMac, Spa: guestIp, Tpa: tpa},
	}}
}

func TestHandlePkt_OutboundGatewayArpGetsGatewayMac(t *testing.T) {
	n := New(Config{GatewayIp: gatewayIp, GatewayMac: gatewayMac})
	res, err := n.HandlePkt(headers.Out, arpReqMeta(gatewayIp))
	require.NoError(t, err)
	require.NotEmpty(t, res.HairpinReply)

	b := res.HairpinReply
	assert.Equal(t, gatewayMac[:], b[6:12])
	assert.Equal(t, uint16(headers.ArpOpReply), binary.BigEndian.Uint16(b[14+6:14+8]))
}

func TestHandlePkt_OutboundArpForOtherIpIsDenied(t *testing.T) {
	n := New(Config{GatewayIp: gatewayIp, GatewayMac: gatewayMac})
	res, err := n.HandlePkt(headers.Out, arpReqMeta(netip.MustParseAddr("10.0.0.99")))
	require.NoError(t, err)
	assert.Nil(t, res.HairpinReply)
}

func TestHandlePkt_InboundProxyArpAnswersExternalIp(t *testing.T) {
	n := New(Config{GuestMac: guestMac, ProxyArpEnable: true, ExternalIp: externalIp})
	res, err := n.HandlePkt(headers.In, arpReqMeta(externalIp))
	require.NoError(t, err)
	require.NotEmpty(t, res.HairpinReply)
	assert.Equal(t, guestMac[:], res.HairpinReply[6:12])
}

func TestHandlePkt_InboundProxyArpDisabledDenies(t *testing.T) {
	n := New(Config{GuestMac: guestMac, ProxyArpEnable: false, ExternalIp: externalIp})
	res, err := n.HandlePkt(headers.In, arpReqMeta(externalIp))
	require.NoError(t, err)
	assert.Nil(t, res.HairpinReply)
}

func TestHandlePkt_NonArpPacketIsIgnored(t *testing.T) {
	n := New(Config{GatewayIp: gatewayIp, GatewayMac: gatewayMac})
	meta := &headers.PacketMeta{Inner: headers.Tier{
		IP: &headers.IpMeta{V4: &headers.Ip4Meta{Dst: gatewayIp, Proto: headers.ProtoTCP}},
	}}
	res, err := n.HandlePkt(headers.Out, meta)
	require.NoError(t, err)
	assert.Nil(t, res.HairpinReply)
}
