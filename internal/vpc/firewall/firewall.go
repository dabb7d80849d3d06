// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall implements the VPC firewall layer: the first stage of
// the outbound pipeline (and last of the inbound one), built from rules
// written in the small key=value text grammar the admin surface and tests
// both use, e.g. "dir=in action=deny priority=1000 protocol=TCP".
package firewall

import (
	"net/netip"
	"strconv"
	"strings"

	vpcerrors "grimm.is/vpcdp/internal/errors"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/predicate"
	"grimm.is/vpcdp/internal/engine/rule"
)

// LayerName is the name this layer is registered under on every Port.
const LayerName = "firewall"

// New builds the firewall Layer. The original engine's firewall layer
// default-allows both directions and relies on explicit deny rules, so
// that's the default here too.
func New() *layer.Layer {
	return layer.New(layer.Config{
		Name:       LayerName,
		DefaultIn:  rule.AllowAction{},
		DefaultOut: rule.AllowAction{},
	})
}

// ParseRule tokenizes one line of the firewall grammar
// ("dir=(in|out) action=(allow|deny) priority=<u16> protocol=(TCP|UDP|ICMP|any) [hosts=<cidr>] [ports=<range>]")
// and returns the direction plus the Rule to install on that direction's
// side of a firewall Layer. Only dir= and action= are required: a missing
// priority= gives priority 0 and a missing protocol= matches any protocol.
func ParseRule(line string) (headers.Direction, rule.Rule, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, rule.Rule{}, vpcerrors.Errorf(vpcerrors.KindValidation, "empty firewall rule")
	}

	kv := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return 0, rule.Rule{}, vpcerrors.Errorf(vpcerrors.KindValidation, "firewall rule: bad token %q", f)
		}
		kv[k] = v
	}

	dirStr, ok := kv["dir"]
	if !ok {
		return 0, rule.Rule{}, vpcerrors.Errorf(vpcerrors.KindValidation, "firewall rule: missing dir=")
	}
	var dir headers.Direction
	switch dirStr {
	case "in":
		dir = headers.In
	case "out":
		dir = headers.Out
	default:
		return 0, rule.Rule{}, vpcerrors.Errorf(vpcerrors.KindValidation, "firewall rule: bad dir=%q", dirStr)
	}

	actionStr, ok := kv["action"]
	if !ok {
		return 0, rule.Rule{}, vpcerrors.Errorf(vpcerrors.KindValidation, "firewall rule: missing action=")
	}
	var action rule.Action
	switch actionStr {
	case "allow":
		action = rule.AllowAction{}
	case "deny":
		action = rule.DenyAction{}
	default:
		return 0, rule.Rule{}, vpcerrors.Errorf(vpcerrors.KindValidation, "firewall rule: bad action=%q", actionStr)
	}

	priority := 0
	if p, ok := kv["priority"]; ok {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return 0, rule.Rule{}, vpcerrors.Wrapf(err, vpcerrors.KindValidation, "firewall rule: bad priority=%q", p)
		}
		priority = int(n)
	}

	var preds []predicate.HeaderPredicate
	if protoStr, ok := kv["protocol"]; ok && protoStr != "any" {
		proto, err := parseProto(protoStr)
		if err != nil {
			return 0, rule.Rule{}, err
		}
		preds = append(preds, predicate.InnerIpProto{Protos: []headers.IPProto{proto}})
	}

	if hostsStr, ok := kv["hosts"]; ok {
		pred, err := parseHosts(hostsStr)
		if err != nil {
			return 0, rule.Rule{}, err
		}
		preds = append(preds, pred)
	}

	if portsStr, ok := kv["ports"]; ok {
		r, err := parsePortRange(portsStr)
		if err != nil {
			return 0, rule.Rule{}, err
		}
		preds = append(preds, predicate.InnerDstPort{Ranges: []predicate.PortRange{r}})
	}

	return dir, rule.Rule{Priority: priority, Predicates: preds, Action: action}, nil
}

func parseProto(s string) (headers.IPProto, error) {
	switch s {
	case "TCP":
		return headers.ProtoTCP, nil
	case "UDP":
		return headers.ProtoUDP, nil
	case "ICMP":
		return headers.ProtoICMP, nil
	default:
		return 0, vpcerrors.Errorf(vpcerrors.KindValidation, "firewall rule: bad protocol=%q", s)
	}
}

// parseHosts accepts a single CIDR (or bare IP, treated as a /32 or /128)
// and matches it against the inner destination address of whichever IP
// version it belongs to.
func parseHosts(s string) (predicate.HeaderPredicate, error) {
	prefix, err := parseCidrOrAddr(s)
	if err != nil {
		return nil, vpcerrors.Wrapf(err, vpcerrors.KindValidation, "firewall rule: bad hosts=%q", s)
	}
	if prefix.Addr().Is4() {
		return predicate.InnerDstIp4{Prefixes: []netip.Prefix{prefix}}, nil
	}
	return predicate.InnerDstIp6{Prefixes: []netip.Prefix{prefix}}, nil
}

// parseCidrOrAddr accepts either a CIDR ("10.0.0.0/24") or a bare address
// ("10.0.0.1"), normalizing the latter to a host prefix.
func parseCidrOrAddr(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parsePortRange accepts either a single port ("443") or a half-open
// range ("[1025,4096)"), matching the pool notation spec §8 scenario 3
// uses; the upper bound is exclusive when the range form is given.
func parsePortRange(s string) (predicate.PortRange, error) {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "[(") {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return predicate.PortRange{}, vpcerrors.Wrapf(err, vpcerrors.KindValidation, "bad port %q", s)
		}
		return predicate.PortRange{Lo: uint16(n), Hi: uint16(n)}, nil
	}

	trimmed := strings.Trim(s, "[]()")
	parts := strings.Split(trimmed, ",")
	if len(parts) != 2 {
		return predicate.PortRange{}, vpcerrors.Errorf(vpcerrors.KindValidation, "bad port range %q", s)
	}
	lo, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return predicate.PortRange{}, vpcerrors.Wrapf(err, vpcerrors.KindValidation, "bad port range %q", s)
	}
	hi, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return predicate.PortRange{}, vpcerrors.Wrapf(err, vpcerrors.KindValidation, "bad port range %q", s)
	}
	if strings.HasSuffix(s, ")") && hi > 0 {
		hi--
	}
	return predicate.PortRange{Lo: uint16(lo), Hi: uint16(hi)}, nil
}

// AddRuleText parses line and installs it on l, returning the direction
// it was added to and the new rule's id.
func AddRuleText(l *layer.Layer, line string) (headers.Direction, rule.Id, error) {
	dir, r, err := ParseRule(line)
	if err != nil {
		return 0, 0, err
	}
	return dir, l.AddRule(dir, r), nil
}

// SetRulesText replaces every rule on one direction of l with the parsed
// form of lines. lines must all target the same direction; the first
// line's direction wins and the rest are validated against it.
func SetRulesText(l *layer.Layer, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	var dir headers.Direction
	rules := make([]rule.Rule, 0, len(lines))
	for i, line := range lines {
		d, r, err := ParseRule(line)
		if err != nil {
			return err
		}
		if i == 0 {
			dir = d
		} else if d != dir {
			return vpcerrors.Errorf(vpcerrors.KindValidation, "firewall rules: mixed directions in one SetRules call")
		}
		rules = append(rules, r)
	}
	l.SetRules(dir, rules)
	return nil
}
