// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nat implements the VPC NAT layer: stateful dynamic source NAT
// for guest traffic routed to the Internet Gateway. The first outbound
// packet of a flow is assigned a public IP/port pair from a per-guest
// pool; the rewrite (and its inverse for the reply direction) is then
// cached by the owning Layer like any other stateful action.
package nat

import (
	"net/netip"
	"sync"

	vpcerrors "grimm.is/vpcdp/internal/errors"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/predicate"
	"grimm.is/vpcdp/internal/engine/rule"
	"grimm.is/vpcdp/internal/vpc/router"
)

// LayerName is the name this layer is registered under on every Port.
const LayerName = "nat"

// New builds the NAT layer with a single catch-all outbound rule:
// whether DynNatAction actually rewrites anything depends on the
// "router-target" tag the Router layer left in the pipeline's ActionMeta
// bag, not on any header predicate, since only traffic routed to the
// Internet Gateway needs translating.
func New(pool *Pool) *layer.Layer {
	l := layer.New(layer.Config{
		Name:       LayerName,
		DefaultIn:  rule.AllowAction{},
		DefaultOut: rule.AllowAction{},
	})
	l.AddRule(headers.Out, rule.Rule{Action: DynNatAction{Pool: pool}})
	return l
}

// Pool is a guest's dynamic SNAT address: one public IP and a range of
// ports handed out round-robin to outbound flows. Allocation never
// blocks and never fails for lack of capacity in this implementation —
// ports are reused round-robin rather than tracked as in-use/free, which
// trades perfect non-collision for O(1), allocation-free issuance; see
// DESIGN.md.
type Pool struct {
	mu        sync.Mutex
	PublicIp  netip.Addr
	PortRange predicate.PortRange
	next      uint16
}

// NewPool returns a Pool handing out ports from r against publicIp.
func NewPool(publicIp netip.Addr, r predicate.PortRange) *Pool {
	return &Pool{PublicIp: publicIp, PortRange: r, next: r.Lo}
}

// Allocate returns the pool's public IP and the next port in the range,
// wrapping back to the low end once the high end is passed.
func (p *Pool) Allocate() (netip.Addr, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.next
	if p.next >= p.PortRange.Hi {
		p.next = p.PortRange.Lo
	} else {
		p.next++
	}
	return p.PublicIp, port
}

// DynNatAction rewrites an outbound packet's inner IPv4 source address
// and ULP source port to an address drawn from Pool, and installs the
// inverse rewrite for the flow's reply direction.
type DynNatAction struct {
	Pool *Pool
}

func (a DynNatAction) Apply(_ headers.Direction, meta *headers.PacketMeta, _ []byte, ctx rule.ActionMeta) (rule.ActionResult, error) {
	target, _ := ctx[router.MetaKey].(string)
	if target != "ig" {
		return rule.ActionResult{Verdict: rule.Allow}, nil
	}

	inner := &meta.Inner
	if inner.IP == nil || inner.IP.V4 == nil {
		return rule.ActionResult{}, vpcerrors.Errorf(vpcerrors.KindDrop, "nat: non-IPv4 packet reached SNAT")
	}
	origIp := inner.IP.V4.Src
	origPort := srcPort(inner.Ulp)

	pubIp, pubPort := a.Pool.Allocate()
	setSrcAddr(inner, pubIp, pubPort)

	reverse := undoNatAction{pubIp: pubIp, pubPort: pubPort, origIp: origIp, origPort: origPort}
	return rule.ActionResult{Verdict: rule.Allow, Stateful: true, Inverse: reverse}, nil
}

func (DynNatAction) Name() string { return "dyn-nat" }

// undoNatAction is DynNatAction's reverse: it rewrites a reply packet's
// inner IPv4 destination address and ULP destination port back from the
// pool's public pair to the guest's original private pair.
type undoNatAction struct {
	pubIp    netip.Addr
	pubPort  uint16
	origIp   netip.Addr
	origPort uint16
}

func (a undoNatAction) Apply(_ headers.Direction, meta *headers.PacketMeta, _ []byte, _ rule.ActionMeta) (rule.ActionResult, error) {
	inner := &meta.Inner
	if inner.IP == nil || inner.IP.V4 == nil {
		return rule.ActionResult{}, vpcerrors.Errorf(vpcerrors.KindDrop, "nat: non-IPv4 packet reached un-SNAT")
	}
	setDstAddr(inner, a.origIp, a.origPort)
	return rule.ActionResult{Verdict: rule.Allow, Stateful: true, Inverse: DynNatAction{}}, nil
}

func (undoNatAction) Name() string { return "undo-dyn-nat" }

func srcPort(u *headers.UlpMeta) uint16 {
	if u == nil {
		return 0
	}
	return u.SrcPort()
}

func setSrcAddr(t *headers.Tier, ip netip.Addr, port uint16) {
	t.IP.V4.Src = ip
	if t.Ulp == nil {
		return
	}
	if t.Ulp.Tcp != nil {
		t.Ulp.Tcp.Src = port
	}
	if t.Ulp.Udp != nil {
		t.Ulp.Udp.Src = port
	}
}

func setDstAddr(t *headers.Tier, ip netip.Addr, port uint16) {
	t.IP.V4.Dst = ip
	if t.Ulp == nil {
		return
	}
	if t.Ulp.Tcp != nil {
		t.Ulp.Tcp.Dst = port
	}
	if t.Ulp.Udp != nil {
		t.Ulp.Udp.Dst = port
	}
}
