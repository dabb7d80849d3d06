// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package router implements the VPC router layer: longest-prefix-match
// routing of a guest's outbound traffic to a Drop, InternetGateway, Ip, or
// VpcSubnet target. A matched route never forwards the packet itself —
// it tags the pipeline's ActionMeta with the resolved target so the NAT
// and Overlay layers downstream can act on it.
package router

import (
	"fmt"
	"net/netip"

	vpcerrors "grimm.is/vpcdp/internal/errors"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/predicate"
	"grimm.is/vpcdp/internal/engine/rule"
)

// LayerName is the name this layer is registered under on every Port.
const LayerName = "router"

// MetaKey is the ActionMeta key the router's Meta action tags a packet
// with, read back by the Overlay layer.
const MetaKey = "router-target"

// TargetKind discriminates the variants of RouterTarget.
type TargetKind int

const (
	TargetDrop TargetKind = iota
	TargetInternetGateway
	TargetIp
	TargetVpcSubnet
)

// Target is a router entry's destination class: drop the packet, send it
// to the Internet Gateway, forward to a specific IP, or forward within a
// VPC subnet.
type Target struct {
	Kind   TargetKind
	Ip     netip.Addr
	Subnet netip.Prefix
}

func (t Target) String() string {
	switch t.Kind {
	case TargetDrop:
		return "Drop"
	case TargetInternetGateway:
		return "InternetGateway"
	case TargetIp:
		return fmt.Sprintf("Ip(%s)", t.Ip)
	case TargetVpcSubnet:
		return fmt.Sprintf("VpcSubnet(%s)", t.Subnet)
	default:
		return "unknown"
	}
}

// Internal is RouterTargetInternal: the subset of Target that can be
// encoded into ActionMeta (Drop never reaches here — it becomes a Deny
// rule instead of a Meta tag).
type Internal struct {
	Kind   TargetKind
	Ip     netip.Addr
	Subnet netip.Prefix
}

// Encode renders an Internal target the way the original engine's
// RouterTargetInternal::as_meta does: "ig", "ip4=<addr>"/"ip6=<addr>", or
// "sub4=<cidr>"/"sub6=<cidr>".
func (t Internal) Encode() string {
	switch t.Kind {
	case TargetInternetGateway:
		return "ig"
	case TargetIp:
		if t.Ip.Is4() {
			return "ip4=" + t.Ip.String()
		}
		return "ip6=" + t.Ip.String()
	case TargetVpcSubnet:
		if t.Subnet.Addr().Is4() {
			return "sub4=" + t.Subnet.String()
		}
		return "sub6=" + t.Subnet.String()
	default:
		return ""
	}
}

// Decode parses the string form Encode produces, the inverse used when a
// downstream layer reads the tag back out of ActionMeta.
func Decode(s string) (Internal, error) {
	if s == "ig" {
		return Internal{Kind: TargetInternetGateway}, nil
	}
	if rest, ok := cut(s, "ip4="); ok {
		addr, err := netip.ParseAddr(rest)
		if err != nil {
			return Internal{}, vpcerrors.Wrapf(err, vpcerrors.KindParse, "bad router target %q", s)
		}
		return Internal{Kind: TargetIp, Ip: addr}, nil
	}
	if rest, ok := cut(s, "ip6="); ok {
		addr, err := netip.ParseAddr(rest)
		if err != nil {
			return Internal{}, vpcerrors.Wrapf(err, vpcerrors.KindParse, "bad router target %q", s)
		}
		return Internal{Kind: TargetIp, Ip: addr}, nil
	}
	if rest, ok := cut(s, "sub4="); ok {
		p, err := netip.ParsePrefix(rest)
		if err != nil {
			return Internal{}, vpcerrors.Wrapf(err, vpcerrors.KindParse, "bad router target %q", s)
		}
		return Internal{Kind: TargetVpcSubnet, Subnet: p}, nil
	}
	if rest, ok := cut(s, "sub6="); ok {
		p, err := netip.ParsePrefix(rest)
		if err != nil {
			return Internal{}, vpcerrors.Wrapf(err, vpcerrors.KindParse, "bad router target %q", s)
		}
		return Internal{Kind: TargetVpcSubnet, Subnet: p}, nil
	}
	return Internal{}, vpcerrors.Errorf(vpcerrors.KindParse, "bad router target: %s", s)
}

func cut(s, prefix string) (string, bool) {
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

// New builds the router Layer: inbound default-allows (anything that
// reached the router already had a route), outbound default-denies (no
// matching route means no path out).
func New() *layer.Layer {
	return layer.New(layer.Config{
		Name:       LayerName,
		DefaultIn:  rule.AllowAction{},
		DefaultOut: rule.DenyAction{},
	})
}

// maxPrefixLen is 32 for v4, 128 for v6.
func maxPrefixLen(p netip.Prefix) int {
	if p.Addr().Is4() {
		return 32
	}
	return 128
}

// PriorityFor computes a router rule's priority from its destination
// prefix length: longest prefix (most specific) sorts first via the
// lowest numeric priority, leaving priorities below 10 free for explicit
// overrides.
func PriorityFor(dest netip.Prefix) uint16 {
	return uint16(maxPrefixLen(dest)-dest.Bits()) + 10
}

// validPair mirrors valid_router_dest_target_pair: checks family
// agreement between a destination CIDR and its target, and restricts
// InternetGateway to the default route.
func validPair(dest netip.Prefix, target Target) bool {
	if target.Kind == TargetDrop {
		return true
	}
	if target.Kind == TargetInternetGateway {
		return dest.Bits() == 0
	}
	destIs4 := dest.Addr().Is4()
	switch target.Kind {
	case TargetIp:
		return target.Ip.Is4() == destIs4
	case TargetVpcSubnet:
		return target.Subnet.Addr().Is4() == destIs4
	default:
		return false
	}
}

// entryPredicate builds the single InnerDstIp predicate every router rule
// uses, regardless of target.
func entryPredicate(dest netip.Prefix) rule.Rule {
	var pred predicate.HeaderPredicate
	if dest.Addr().Is4() {
		pred = predicate.InnerDstIp4{Prefixes: []netip.Prefix{dest}}
	} else {
		pred = predicate.InnerDstIp6{Prefixes: []netip.Prefix{dest}}
	}
	return rule.Rule{Predicates: []predicate.HeaderPredicate{pred}}
}

// makeRule validates (dest, target) and, if valid, builds the Rule it
// installs: a Deny for Drop, otherwise a Meta tagging MetaKey with the
// target's encoded form.
func makeRule(dest netip.Prefix, target Target) (rule.Rule, error) {
	if !validPair(dest, target) {
		return rule.Rule{}, vpcerrors.Errorf(vpcerrors.KindInvalidRouterEntry,
			"InvalidRouterEntry{dest:%s, target:%s}", dest, target)
	}

	r := entryPredicate(dest)
	r.Priority = int(PriorityFor(dest))

	if target.Kind == TargetDrop {
		r.Action = rule.DenyAction{}
		return r, nil
	}

	internal := Internal{Kind: target.Kind, Ip: target.Ip, Subnet: target.Subnet}
	r.Action = rule.MetaAction{Attrs: rule.ActionMeta{MetaKey: internal.Encode()}}
	return r, nil
}

// AddEntry installs dest → target as an outbound rule on l, returning the
// new rule's id.
func AddEntry(l *layer.Layer, dest netip.Prefix, target Target) (rule.Id, error) {
	r, err := makeRule(dest, target)
	if err != nil {
		return 0, err
	}
	return l.AddRule(headers.Out, r), nil
}

// Replace atomically swaps every outbound router rule on l for entries.
func Replace(l *layer.Layer, entries []struct {
	Dest   netip.Prefix
	Target Target
}) error {
	rules := make([]rule.Rule, 0, len(entries))
	for _, e := range entries {
		r, err := makeRule(e.Dest, e.Target)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	l.SetRules(headers.Out, rules)
	return nil
}

// RemoveEntry deletes the rule matching (dest, target) exactly, mirroring
// the original engine's del_entry: router entries are identified by
// reconstructing their rule and comparing structurally (predicate set +
// priority), not by a caller-supplied id.
func RemoveEntry(l *layer.Layer, dest netip.Prefix, target Target) (bool, error) {
	want, err := makeRule(dest, target)
	if err != nil {
		return false, err
	}
	for _, r := range l.DumpRules(headers.Out) {
		if samePredicates(r.Predicates, want.Predicates) && r.Priority == want.Priority {
			return l.RemoveRule(headers.Out, r.Id), nil
		}
	}
	return false, nil
}

func samePredicates(a, b []predicate.HeaderPredicate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}
