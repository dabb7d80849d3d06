// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vpcnet implements the VpcNetwork personality: the Port's
// escape hatch for packets the layer stack never classifies because
// they carry no IP header at all. ARP is the only such protocol this
// engine speaks for.
package vpcnet

import (
	"encoding/binary"
	"net/netip"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/port"
)

// Config is the addressing VpcNetwork needs to answer ARP on a guest's
// behalf: the gateway's own identity, the guest's own MAC, and the two
// external addresses proxy ARP (when enabled) answers for.
type Config struct {
	GatewayIp  netip.Addr
	GatewayMac headers.MacAddr
	GuestMac   headers.MacAddr

	// ProxyArpEnable allows inbound ARP requests for the guest's
	// external-facing addresses to be answered directly, a transitional
	// arrangement kept only because it's what current deployments and
	// tests depend on.
	ProxyArpEnable bool
	ExternalIp     netip.Addr
	SnatExternalIp netip.Addr
}

// Network is the VpcNetwork collaborator a Port defers to for non-IP
// traffic.
type Network struct {
	Cfg Config
}

// New returns a Network configured per cfg.
func New(cfg Config) *Network { return &Network{Cfg: cfg} }

// HandlePkt answers ARP requests addressed to the gateway (outbound) or,
// in proxy-ARP mode, to the guest's external or SNAT address (inbound).
// Anything else is denied.
func (n *Network) HandlePkt(dir headers.Direction, meta *headers.PacketMeta) (port.HandlePktResult, error) {
	if meta.Inner.Ether.EtherType != headers.EtherTypeARP || meta.Inner.Arp == nil {
		return port.HandlePktResult{}, nil
	}
	if dir == headers.Out {
		return n.handleArpOut(meta.Inner.Arp), nil
	}
	return n.handleArpIn(meta.Inner.Arp), nil
}

func isArpRequestFor(arp *headers.ArpMeta, tpa netip.Addr) bool {
	return arp.Op == headers.ArpOpRequest && tpa.IsValid() && arp.Tpa == tpa
}

// handleArpOut answers an ARP request for the gateway's own IP with the
// gateway's MAC; anything else is denied, since a port never speaks for
// any address but its gateway and (in proxy mode) its own externals.
func (n *Network) handleArpOut(arp *headers.ArpMeta) port.HandlePktResult {
	if !isArpRequestFor(arp, n.Cfg.GatewayIp) {
		return port.HandlePktResult{}
	}
	return port.HandlePktResult{HairpinReply: genArpReply(n.Cfg.GatewayMac, n.Cfg.GatewayIp, arp.Sha, arp.Spa)}
}

// handleArpIn answers, in proxy-ARP mode only, an inbound request for
// the guest's external IP or its dynamic SNAT public IP with the guest's
// own MAC — standing in for the boundary-services integration that
// would otherwise own those addresses.
func (n *Network) handleArpIn(arp *headers.ArpMeta) port.HandlePktResult {
	if !n.Cfg.ProxyArpEnable {
		return port.HandlePktResult{}
	}
	if isArpRequestFor(arp, n.Cfg.ExternalIp) {
		return port.HandlePktResult{HairpinReply: genArpReply(n.Cfg.GuestMac, n.Cfg.ExternalIp, arp.Sha, arp.Spa)}
	}
	if isArpRequestFor(arp, n.Cfg.SnatExternalIp) {
		return port.HandlePktResult{HairpinReply: genArpReply(n.Cfg.GuestMac, n.Cfg.SnatExternalIp, arp.Sha, arp.Spa)}
	}
	return port.HandlePktResult{}
}

// genArpReply builds the wire bytes of an Ethernet/IPv4 ARP reply:
// Ether(dst=tha, src=replyMac)/Arp(op=Reply, sha=replyMac, spa=replyIp,
// tha, tpa).
func genArpReply(replyMac headers.MacAddr, replyIp netip.Addr, tha headers.MacAddr, tpa netip.Addr) []byte {
	arpBytes := encodeArp(headers.ArpMeta{
		Op:  headers.ArpOpReply,
		Sha: replyMac,
		Spa: replyIp,
		Tha: tha,
		Tpa: tpa,
	})
	b := make([]byte, 14+len(arpBytes))
	copy(b[0:6], tha[:])
	copy(b[6:12], replyMac[:])
	binary.BigEndian.PutUint16(b[12:14], uint16(headers.EtherTypeARP))
	copy(b[14:], arpBytes)
	return b
}

// encodeArp serializes an ARP message in Ethernet/IPv4 wire format.
func encodeArp(a headers.ArpMeta) []byte {
	b := make([]byte, 28)
	binary.BigEndian.PutUint16(b[0:2], 1)      // htype: Ethernet
	binary.BigEndian.PutUint16(b[2:4], 0x0800) // ptype: IPv4
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], a.Op)
	copy(b[8:14], a.Sha[:])
	spa4 := a.Spa.As4()
	copy(b[14:18], spa4[:])
	copy(b[18:24], a.Tha[:])
	tpa4 := a.Tpa.As4()
	copy(b[24:28], tpa4[:])
	return b
}
