// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads a port's VPC addressing from HCL and wires it into
// a running Port: guest/gateway identity, overlay/V2P addressing, the
// dynamic SNAT pool, firewall rules, and seed Virt2Phys entries.
package config

import (
	"net"
	"net/netip"

	"github.com/hashicorp/hcl/v2/hclsimple"

	vpcerrors "grimm.is/vpcdp/internal/errors"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/parser"
	"grimm.is/vpcdp/internal/engine/port"
	"grimm.is/vpcdp/internal/engine/predicate"
	"grimm.is/vpcdp/internal/engine/rule"
	"grimm.is/vpcdp/internal/vpc/firewall"
	"grimm.is/vpcdp/internal/vpc/gateway"
	"grimm.is/vpcdp/internal/vpc/nat"
	"grimm.is/vpcdp/internal/vpc/overlay"
	"grimm.is/vpcdp/internal/vpc/router"
	"grimm.is/vpcdp/internal/vpc/v2p"
	"grimm.is/vpcdp/internal/vpc/vpcnet"
)

// FirewallRuleBlock is one labeled "firewall_rule" block; Text holds a
// line in the grammar firewall.ParseRule understands.
type FirewallRuleBlock struct {
	Name string `hcl:"name,label"`
	Text string `hcl:"text"`
}

// V2pEntryBlock seeds one Virt2Phys registry mapping at port start.
type V2pEntryBlock struct {
	GuestIp string `hcl:"guest_ip"`
	PhysIp  string `hcl:"phys_ip"`
	PhysMac string `hcl:"phys_mac"`
	Vni     int    `hcl:"vni"`
}

// VpcCfg is a single port's complete VPC configuration, decoded from an
// HCL document.
type VpcCfg struct {
	GuestMac string `hcl:"guest_mac"`
	GuestIp  string `hcl:"guest_ip"`

	GatewayMac string `hcl:"gateway_mac"`
	GatewayIp  string `hcl:"gateway_ip"`

	Vni        int    `hcl:"vni"`
	OwnPhysIp  string `hcl:"phys_ip"`
	BsvcPhysIp string `hcl:"bsvc_phys_ip,optional"`
	BsvcVni    int    `hcl:"bsvc_vni,optional"`

	ProxyArpEnable bool   `hcl:"proxy_arp_enable,optional"`
	ExternalIp     string `hcl:"external_ip,optional"`
	SnatExternalIp string `hcl:"snat_external_ip,optional"`
	SnatPortLo     int    `hcl:"snat_port_lo,optional"`
	SnatPortHi     int    `hcl:"snat_port_hi,optional"`

	FirewallRules []FirewallRuleBlock `hcl:"firewall_rule,block"`
	V2pEntries    []V2pEntryBlock     `hcl:"v2p_entry,block"`
}

// Load decodes an HCL document from bytes into a VpcCfg.
func Load(filename string, data []byte) (*VpcCfg, error) {
	var cfg VpcCfg
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, vpcerrors.Wrap(err, vpcerrors.KindValidation, "failed to decode VPC config")
	}
	return &cfg, nil
}

// LoadFile reads and decodes an HCL document from disk.
func LoadFile(path string) (*VpcCfg, error) {
	var cfg VpcCfg
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, vpcerrors.Wrap(err, vpcerrors.KindValidation, "failed to decode VPC config file")
	}
	return &cfg, nil
}

func parseAddr(s, field string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, vpcerrors.Wrapf(err, vpcerrors.KindValidation, "invalid %s %q", field, s)
	}
	return a, nil
}

func parseMac(s, field string) (headers.MacAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return headers.MacAddr{}, vpcerrors.Wrapf(err, vpcerrors.KindValidation, "invalid %s %q", field, s)
	}
	var mac headers.MacAddr
	copy(mac[:], hw)
	return mac, nil
}

// BuildPort wires cfg into a fully assembled, Ready-state Port: the
// firewall/gateway/router/nat/overlay layer stack in the VPC personality's
// canonical order, a VpcNetwork ARP handler, and a parser configured per
// cfg's proxy-ARP setting. registry is the host-wide Virt2Phys map; cfg's
// own v2p_entry blocks are seeded into it before the port is returned.
func BuildPort(name string, cfg *VpcCfg, registry *v2p.Registry) (*port.Port, error) {
	guestMac, err := parseMac(cfg.GuestMac, "guest_mac")
	if err != nil {
		return nil, err
	}
	gatewayMac, err := parseMac(cfg.GatewayMac, "gateway_mac")
	if err != nil {
		return nil, err
	}
	gatewayIp, err := parseAddr(cfg.GatewayIp, "gateway_ip")
	if err != nil {
		return nil, err
	}
	ownPhysIp, err := parseAddr(cfg.OwnPhysIp, "phys_ip")
	if err != nil {
		return nil, err
	}
	bsvcPhysIp, err := parseAddr(cfg.BsvcPhysIp, "bsvc_phys_ip")
	if err != nil {
		return nil, err
	}
	externalIp, err := parseAddr(cfg.ExternalIp, "external_ip")
	if err != nil {
		return nil, err
	}
	snatExternalIp, err := parseAddr(cfg.SnatExternalIp, "snat_external_ip")
	if err != nil {
		return nil, err
	}

	ownVni, err := headers.NewVni(uint32(cfg.Vni))
	if err != nil {
		return nil, vpcerrors.Wrap(err, vpcerrors.KindValidation, "invalid vni")
	}
	var bsvcVni headers.Vni
	if cfg.BsvcVni != 0 {
		bsvcVni, err = headers.NewVni(uint32(cfg.BsvcVni))
		if err != nil {
			return nil, vpcerrors.Wrap(err, vpcerrors.KindValidation, "invalid bsvc_vni")
		}
	}

	fwLayer := firewall.New()
	for _, rb := range cfg.FirewallRules {
		dir, r, err := firewall.ParseRule(rb.Text)
		if err != nil {
			return nil, vpcerrors.Wrapf(err, vpcerrors.KindValidation, "firewall rule %q", rb.Name)
		}
		fwLayer.AddRule(dir, r)
	}

	gwLayer := gateway.New(gateway.Config{GatewayIp: gatewayIp, GatewayMac: gatewayMac})
	routerLayer := router.New()

	natLayer := nat.New(nat.NewPool(snatExternalIp, portRangeOrDefault(cfg)))

	overlayLayer := overlay.New(overlay.Config{
		OwnVni:     ownVni,
		OwnPhysIp:  ownPhysIp,
		BsvcPhysIp: bsvcPhysIp,
		BsvcVni:    bsvcVni,
	}, registry)

	netHandler := vpcnet.New(vpcnet.Config{
		GatewayIp:      gatewayIp,
		GatewayMac:     gatewayMac,
		GuestMac:       guestMac,
		ProxyArpEnable: cfg.ProxyArpEnable,
		ExternalIp:     externalIp,
		SnatExternalIp: snatExternalIp,
	})

	p, err := port.NewBuilder(name, guestMac).
		WithParser(parser.NewParser(cfg.ProxyArpEnable)).
		WithNetwork(netHandler).
		AddLayer(fwLayer).
		AddLayer(gwLayer).
		AddLayer(routerLayer).
		AddLayer(natLayer).
		AddLayer(overlayLayer).
		Build()
	if err != nil {
		return nil, err
	}

	for _, e := range cfg.V2pEntries {
		vip, err := parseAddr(e.GuestIp, "v2p_entry.guest_ip")
		if err != nil {
			return nil, err
		}
		physIp, err := parseAddr(e.PhysIp, "v2p_entry.phys_ip")
		if err != nil {
			return nil, err
		}
		physMac, err := parseMac(e.PhysMac, "v2p_entry.phys_mac")
		if err != nil {
			return nil, err
		}
		vni, err := headers.NewVni(uint32(e.Vni))
		if err != nil {
			return nil, vpcerrors.Wrap(err, vpcerrors.KindValidation, "invalid v2p_entry.vni")
		}
		registry.Set(vip, v2p.Entry{PhysIp: physIp, PhysMac: physMac, Vni: vni})
	}

	return p, nil
}

// passthroughLayerName is the sole layer a passthrough port carries: it
// never denies anything, so a guest wired this way sees no firewall, NAT,
// routing, or overlay processing at all.
const passthroughLayerName = "passthrough"

// BuildPassthroughPort builds a port with a single Allow-everything layer,
// for CreateXde's passthrough mode.
func BuildPassthroughPort(name string) (*port.Port, error) {
	l := layer.New(layer.Config{
		Name:       passthroughLayerName,
		DefaultIn:  rule.AllowAction{},
		DefaultOut: rule.AllowAction{},
	})
	return port.NewBuilder(name, headers.MacAddr{}).
		WithParser(parser.NewParser(false)).
		AddLayer(l).
		Build()
}

func portRangeOrDefault(cfg *VpcCfg) predicate.PortRange {
	lo, hi := cfg.SnatPortLo, cfg.SnatPortHi
	if lo == 0 && hi == 0 {
		lo, hi = 1025, 4095
	}
	return predicate.PortRange{Lo: uint16(lo), Hi: uint16(hi)}
}
