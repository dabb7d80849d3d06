// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane implements the administrative command handlers a
// control-plane surface dispatches into: creating and tearing down ports,
// editing firewall/router rules, and dumping flow-table state for
// diagnostics. It is handlers only — no RPC or HTTP transport is stood up
// here, the same way the Port itself has no ioctl multiplexer.
package ctlplane

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	vpcerrors "grimm.is/vpcdp/internal/errors"
	"grimm.is/vpcdp/internal/logging"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/port"
	"grimm.is/vpcdp/internal/engine/rule"
	"grimm.is/vpcdp/internal/vpc/config"
	"grimm.is/vpcdp/internal/vpc/firewall"
	"grimm.is/vpcdp/internal/vpc/router"
	"grimm.is/vpcdp/internal/vpc/v2p"
)

// Handlers is the admin-plane's view of every port running on a host, plus
// the shared Virt2Phys registry every port's Overlay layer resolves
// against.
type Handlers struct {
	mu    sync.RWMutex
	ports map[string]*port.Port

	registry *v2p.Registry
	log      *logging.Logger

	underlay1, underlay2 string
}

// NewHandlers returns a Handlers with no ports yet created, sharing
// registry with every port it builds.
func NewHandlers(registry *v2p.Registry) *Handlers {
	return &Handlers{
		ports:    make(map[string]*port.Port),
		registry: registry,
		log:      logging.New(logging.Config{Level: logging.LevelInfo, Component: "ctlplane"}),
	}
}

// OkResponse is the response for commands whose only outcome is success or
// an error.
type OkResponse struct{}

func (h *Handlers) lookupPort(name string) (*port.Port, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.ports[name]
	if !ok {
		return nil, vpcerrors.Errorf(vpcerrors.KindNotFound, "no port named %q", name)
	}
	return p, nil
}

// CreateXdeRequest is CreateXde's request: the port's name, its full VPC
// configuration, and whether it runs in passthrough (no firewall/NAT/
// overlay processing, Allow-everything) mode.
type CreateXdeRequest struct {
	Name         string
	Cfg          *config.VpcCfg
	Passthrough  bool
}

// CreateXde builds and starts a new port from req.Cfg, registering it under
// req.Name.
func (h *Handlers) CreateXde(req *CreateXdeRequest) (*OkResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.ports[req.Name]; dup {
		return nil, vpcerrors.Errorf(vpcerrors.KindConflict, "port %q already exists", req.Name)
	}

	var p *port.Port
	var err error
	if req.Passthrough {
		p, err = config.BuildPassthroughPort(req.Name)
	} else {
		p, err = config.BuildPort(req.Name, req.Cfg, h.registry)
	}
	if err != nil {
		return nil, err
	}
	p.Start()
	h.ports[req.Name] = p
	h.log.Info("port created", "port", req.Name, "passthrough", req.Passthrough)
	return &OkResponse{}, nil
}

// DeleteXdeRequest is DeleteXde's request.
type DeleteXdeRequest struct {
	Name string
}

// DeleteXde removes a port by name. Deleting an unknown port is not an
// error: the admin surface's delete is idempotent.
func (h *Handlers) DeleteXde(req *DeleteXdeRequest) (*OkResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ports, req.Name)
	h.log.Info("port deleted", "port", req.Name)
	return &OkResponse{}, nil
}

// SetXdeUnderlayRequest names the host's two underlay NIC addresses.
type SetXdeUnderlayRequest struct {
	U1, U2 string
}

// SetXdeUnderlay records the host-wide underlay addressing on the
// Handlers. Nothing else reads it: CreateXde builds each port's Overlay
// Config from its own VpcCfg, and already-running ports are not touched.
func (h *Handlers) SetXdeUnderlay(req *SetXdeUnderlayRequest) (*OkResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.underlay1, h.underlay2 = req.U1, req.U2
	return &OkResponse{}, nil
}

// AddFwRuleRequest is AddFwRule's request: a port name and one line of the
// firewall text grammar.
type AddFwRuleRequest struct {
	PortName string
	Rule     string
}

// AddFwRuleResponse carries the id the installed rule can later be removed
// by, alongside the direction it was installed on.
type AddFwRuleResponse struct {
	RuleId rule.Id
	Dir    headers.Direction
}

// AddFwRule parses req.Rule and installs it on the named port's firewall
// layer.
func (h *Handlers) AddFwRule(req *AddFwRuleRequest) (*AddFwRuleResponse, error) {
	p, err := h.lookupPort(req.PortName)
	if err != nil {
		return nil, err
	}
	dir, r, err := firewall.ParseRule(req.Rule)
	if err != nil {
		return nil, err
	}
	id, err := p.AddRule(firewall.LayerName, dir, r)
	if err != nil {
		return nil, err
	}
	h.log.Info("firewall rule added", "port", req.PortName, "dir", dir, "rule_id", id)
	return &AddFwRuleResponse{RuleId: id, Dir: dir}, nil
}

// SetFwRulesRequest is SetFwRules' request: a complete replacement rule set
// for one direction of a port's firewall layer.
type SetFwRulesRequest struct {
	PortName string
	Dir      headers.Direction
	Rules    []string
}

// SetFwRules atomically replaces req.PortName's firewall rules for req.Dir.
func (h *Handlers) SetFwRules(req *SetFwRulesRequest) (*OkResponse, error) {
	p, err := h.lookupPort(req.PortName)
	if err != nil {
		return nil, err
	}
	rules := make([]rule.Rule, 0, len(req.Rules))
	for _, line := range req.Rules {
		dir, r, err := firewall.ParseRule(line)
		if err != nil {
			return nil, err
		}
		if dir != req.Dir {
			return nil, vpcerrors.Errorf(vpcerrors.KindValidation, "rule %q is for direction %s, not %s", line, dir, req.Dir)
		}
		rules = append(rules, r)
	}
	if err := p.SetRules(firewall.LayerName, req.Dir, rules); err != nil {
		return nil, err
	}
	return &OkResponse{}, nil
}

// RemFwRuleRequest is RemFwRule's request.
type RemFwRuleRequest struct {
	PortName string
	Dir      headers.Direction
	RuleId   rule.Id
}

// RemFwRule removes one rule from req.PortName's firewall layer.
func (h *Handlers) RemFwRule(req *RemFwRuleRequest) (*OkResponse, error) {
	p, err := h.lookupPort(req.PortName)
	if err != nil {
		return nil, err
	}
	if err := p.RemoveRule(firewall.LayerName, req.Dir, req.RuleId); err != nil {
		return nil, err
	}
	h.log.Info("firewall rule removed", "port", req.PortName, "dir", req.Dir, "rule_id", req.RuleId)
	return &OkResponse{}, nil
}

// AddRouterEntryRequest is AddRouterEntry's request.
type AddRouterEntryRequest struct {
	PortName string
	Dest     netip.Prefix
	Target   router.Target
}

// AddRouterEntry installs a longest-prefix-match route on req.PortName's
// router layer.
func (h *Handlers) AddRouterEntry(req *AddRouterEntryRequest) (*OkResponse, error) {
	p, err := h.lookupPort(req.PortName)
	if err != nil {
		return nil, err
	}
	l := p.Layer(router.LayerName)
	if l == nil {
		return nil, vpcerrors.Errorf(vpcerrors.KindInternal, "port %q has no router layer", req.PortName)
	}
	if _, err := router.AddEntry(l, req.Dest, req.Target); err != nil {
		return nil, err
	}
	h.log.Info("router entry added", "port", req.PortName, "dest", req.Dest, "target", req.Target)
	return &OkResponse{}, nil
}

// DumpLayerRequest is DumpLayer's request.
type DumpLayerRequest struct {
	PortName string
	Name     string
}

// DumpLayerResponse is the tabular rule/flow listing for one layer.
type DumpLayerResponse struct {
	Text string
}

// DumpLayer renders req.Name's rule sets and cached flows on req.PortName
// as the tabular text format the admin surface displays: one line per
// rule (id, priority, predicates, action) followed by one line per cached
// flow (flow id and the cached action's name). Hit counts and idle times
// are not shown.
func (h *Handlers) DumpLayer(req *DumpLayerRequest) (*DumpLayerResponse, error) {
	p, err := h.lookupPort(req.PortName)
	if err != nil {
		return nil, err
	}
	l := p.Layer(req.Name)
	if l == nil {
		return nil, vpcerrors.Errorf(vpcerrors.KindNotFound, "no layer %q on port %q", req.Name, req.PortName)
	}

	var sb strings.Builder
	for _, dir := range []headers.Direction{headers.Out, headers.In} {
		fmt.Fprintf(&sb, "%s:\n", dir)
		for _, r := range l.DumpRules(dir) {
			preds := make([]string, 0, len(r.Predicates))
			for _, pr := range r.Predicates {
				preds = append(preds, pr.String())
			}
			fmt.Fprintf(&sb, "  rule id=%d priority=%d predicates=[%s] action=%s\n",
				r.Id, r.Priority, strings.Join(preds, " "), r.Action.Name())
		}
		flows := l.DumpFlows(dir)
		ids := make([]headers.InnerFlowId, 0, len(flows))
		for id := range flows {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		for _, id := range ids {
			fmt.Fprintf(&sb, "  flow %s -> %s\n", id, flows[id])
		}
	}
	return &DumpLayerResponse{Text: sb.String()}, nil
}

// ListLayersResponse is ListLayers' response.
type ListLayersResponse struct {
	Names []string
}

// ListLayers returns portName's layer names in outbound pipeline
// order.
func (h *Handlers) ListLayers(portName string) (*ListLayersResponse, error) {
	p, err := h.lookupPort(portName)
	if err != nil {
		return nil, err
	}
	return &ListLayersResponse{Names: p.LayerNames()}, nil
}

// DumpUftResponse is DumpUft's response.
type DumpUftResponse struct {
	Text string
}

// DumpUft renders portName's Unified Flow Table, both directions, as
// one line per entry naming the flow id and the actions that were cached
// for it.
func (h *Handlers) DumpUft(portName string) (*DumpUftResponse, error) {
	p, err := h.lookupPort(portName)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, dir := range []headers.Direction{headers.Out, headers.In} {
		fmt.Fprintf(&sb, "%s:\n", dir)
		entries := p.DumpUft(dir)
		ids := make([]headers.InnerFlowId, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		for _, id := range ids {
			fmt.Fprintf(&sb, "  %s -> %s\n", id, strings.Join(entries[id], ","))
		}
	}
	return &DumpUftResponse{Text: sb.String()}, nil
}

// ClearUft drops every cached Unified Flow Table entry on the named port.
func (h *Handlers) ClearUft(portName string) (*OkResponse, error) {
	p, err := h.lookupPort(portName)
	if err != nil {
		return nil, err
	}
	p.ClearUft()
	h.log.Info("uft cleared", "port", portName)
	return &OkResponse{}, nil
}

// DumpTcpFlowsResponse is DumpTcpFlows' response.
type DumpTcpFlowsResponse struct {
	Text string
}

// DumpTcpFlows renders the named port's tracked TCP connection states.
func (h *Handlers) DumpTcpFlows(portName string) (*DumpTcpFlowsResponse, error) {
	p, err := h.lookupPort(portName)
	if err != nil {
		return nil, err
	}
	states := p.DumpTcpFlows()
	ids := make([]headers.InnerFlowId, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "%s: %s\n", id, states[id])
	}
	return &DumpTcpFlowsResponse{Text: sb.String()}, nil
}

// SetVirt2PhysRequest is SetVirt2Phys's request.
type SetVirt2PhysRequest struct {
	Vip  netip.Addr
	Phys v2p.Entry
}

// SetVirt2Phys installs or replaces a Virt2Phys mapping in the shared
// registry every port's Overlay layer resolves against.
func (h *Handlers) SetVirt2Phys(req *SetVirt2PhysRequest) (*OkResponse, error) {
	h.registry.Set(req.Vip, req.Phys)
	h.log.Info("virt2phys entry set", "vip", req.Vip, "phys_ip", req.Phys.PhysIp, "vni", req.Phys.Vni)
	return &OkResponse{}, nil
}

// DumpVirt2PhysResponse is DumpVirt2Phys's response.
type DumpVirt2PhysResponse struct {
	Entries map[netip.Addr]v2p.Entry
}

// DumpVirt2Phys returns a snapshot of every mapping in the shared
// registry.
func (h *Handlers) DumpVirt2Phys() *DumpVirt2PhysResponse {
	return &DumpVirt2PhysResponse{Entries: h.registry.Dump()}
}
