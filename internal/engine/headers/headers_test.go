// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package headers

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVni_NewVniRejectsOutOfRange(t *testing.T) {
	_, err := NewVni(MaxVni)
	require.NoError(t, err)

	_, err = NewVni(MaxVni + 1)
	assert.Error(t, err)
}

func TestVni_BytesRoundTrip(t *testing.T) {
	v, err := NewVni(0x123456)
	require.NoError(t, err)

	b := v.Bytes()
	assert.Equal(t, VniFromBytes(b), v)
}

func TestVni_FromString(t *testing.T) {
	v, err := VniFromString("42")
	require.NoError(t, err)
	assert.Equal(t, Vni(42), v)

	_, err = VniFromString("not-a-number")
	assert.Error(t, err)

	_, err = VniFromString("99999999")
	assert.Error(t, err)
}

func TestInnerFlowId_ReverseSwapsSrcDst(t *testing.T) {
	f := InnerFlowId{
		Proto:   ProtoTCP,
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		SrcPort: 1234,
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		DstPort: 443,
	}
	rev := f.Reverse()
	assert.Equal(t, f.SrcIP, rev.DstIP)
	assert.Equal(t, f.DstIP, rev.SrcIP)
	assert.Equal(t, f.SrcPort, rev.DstPort)
	assert.Equal(t, f.DstPort, rev.SrcPort)
	assert.Equal(t, f.Proto, rev.Proto)
	assert.Equal(t, f, rev.Reverse())
}

func TestBuildInnerFlowId_FromTcpTier(t *testing.T) {
	inner := Tier{
		IP: &IpMeta{V4: &Ip4Meta{
			Src:   netip.MustParseAddr("192.168.1.10"),
			Dst:   netip.MustParseAddr("192.168.1.20"),
			Proto: ProtoTCP,
		}},
		Ulp: &UlpMeta{Tcp: &TcpMeta{Src: 5000, Dst: 80}},
	}
	id := BuildInnerFlowId(&inner)
	assert.Equal(t, ProtoTCP, id.Proto)
	assert.Equal(t, uint16(5000), id.SrcPort)
	assert.Equal(t, uint16(80), id.DstPort)
}

func TestBuildInnerFlowId_IcmpHasZeroPorts(t *testing.T) {
	inner := Tier{
		IP: &IpMeta{V4: &Ip4Meta{
			Src:   netip.MustParseAddr("192.168.1.10"),
			Dst:   netip.MustParseAddr("192.168.1.20"),
			Proto: ProtoICMP,
		}},
		Ulp: &UlpMeta{Icmp: &IcmpMeta{Type: IcmpTypeEchoRequest}},
	}
	id := BuildInnerFlowId(&inner)
	assert.Equal(t, uint16(0), id.SrcPort)
	assert.Equal(t, uint16(0), id.DstPort)
}

func TestMacAddr_IsBroadcast(t *testing.T) {
	assert.True(t, MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}.IsBroadcast())
	assert.False(t, MacAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}.IsBroadcast())
}
