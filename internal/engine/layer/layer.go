// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package layer implements one stage of a Port's processing pipeline: a
// pair of per-direction rule sets with a shortcut flow cache in front of
// them, so that only the first packet of a flow pays for rule
// evaluation.
package layer

import (
	"sync"
	"time"

	"grimm.is/vpcdp/internal/engine/flowtable"
	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/rule"
)

// Result is the outcome of running a packet through a Layer.
type Result struct {
	Verdict      rule.Verdict
	HairpinReply []byte
	Attrs        rule.ActionMeta
	// Stateful reports whether the resolved Action asked to be cached
	// against the flow.
	Stateful bool
	// Action is the Action that was actually applied (the matched rule's,
	// or the direction default's), regardless of Stateful. The Port uses
	// this to build a composite replay list for its Unified Flow Table.
	Action rule.Action
	// Inverse is the reverse-direction action the resolved Action reported
	// (non-nil only when Stateful is set and the action is symmetric,
	// e.g. a NAT translation alongside its un-translating return path).
	// The Port uses this, rather than Action, when it composes a Unified
	// Flow Table entry for the reply direction.
	Inverse rule.Action
}

const defaultFlowCapacity = 8192
const defaultIdleTTL = 2 * time.Minute

// cached is what the flow cache stores: the Action to replay without
// touching the rule set again.
type cached struct {
	action rule.Action
}

// Layer is one named stage of a pipeline: Firewall, Gateway, Router, NAT,
// and Overlay are each one Layer instance on a Port.
type Layer struct {
	mu   sync.RWMutex
	name string

	inRules  *rule.Set
	outRules *rule.Set

	ftIn  *flowtable.Table[headers.InnerFlowId, cached]
	ftOut *flowtable.Table[headers.InnerFlowId, cached]

	defaultIn  rule.Action
	defaultOut rule.Action

	// epoch counts rule-set generations; it's bumped on every mutation so
	// callers holding a stale view (e.g. a Port's UFT entry computed
	// against an older rule set) know to recompute.
	epoch uint64
}

// Config configures a new Layer.
type Config struct {
	Name         string
	DefaultIn    rule.Action
	DefaultOut   rule.Action
	FlowCapacity int
	FlowIdleTTL  time.Duration
}

// New returns an empty Layer named cfg.Name with the given per-direction
// default actions (applied when no rule matches).
func New(cfg Config) *Layer {
	flowCap := cfg.FlowCapacity
	if flowCap == 0 {
		flowCap = defaultFlowCapacity
	}
	ttl := cfg.FlowIdleTTL
	if ttl == 0 {
		ttl = defaultIdleTTL
	}
	return &Layer{
		name:       cfg.Name,
		inRules:    rule.NewSet(),
		outRules:   rule.NewSet(),
		ftIn:       flowtable.New[headers.InnerFlowId, cached](flowCap, ttl),
		ftOut:      flowtable.New[headers.InnerFlowId, cached](flowCap, ttl),
		defaultIn:  cfg.DefaultIn,
		defaultOut: cfg.DefaultOut,
	}
}

// Name returns the layer's name.
func (l *Layer) Name() string { return l.name }

func (l *Layer) rulesFor(dir headers.Direction) *rule.Set {
	if dir == headers.Out {
		return l.outRules
	}
	return l.inRules
}

func (l *Layer) flowTableFor(dir headers.Direction) *flowtable.Table[headers.InnerFlowId, cached] {
	if dir == headers.Out {
		return l.ftOut
	}
	return l.ftIn
}

func (l *Layer) defaultFor(dir headers.Direction) rule.Action {
	if dir == headers.Out {
		return l.defaultOut
	}
	return l.defaultIn
}

// AddRule adds r to dir's rule set and invalidates cached flow decisions,
// since an inserted rule may outrank what a cached flow already decided.
func (l *Layer) AddRule(dir headers.Direction, r rule.Rule) rule.Id {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.rulesFor(dir).Add(r)
	l.invalidateLocked()
	return id
}

// RemoveRule deletes the rule with the given Id from dir's rule set and
// invalidates cached flow decisions.
func (l *Layer) RemoveRule(dir headers.Direction, id rule.Id) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := l.rulesFor(dir).Remove(id)
	if ok {
		l.invalidateLocked()
	}
	return ok
}

// SetRules atomically replaces dir's entire rule set and invalidates
// cached flow decisions.
func (l *Layer) SetRules(dir headers.Direction, rules []rule.Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rulesFor(dir).SetAll(rules)
	l.invalidateLocked()
}

func (l *Layer) invalidateLocked() {
	l.epoch++
	l.ftIn.Clear()
	l.ftOut.Clear()
}

// Epoch returns the layer's current rule-set generation counter.
func (l *Layer) Epoch() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// NumRules reports the rule count in each direction.
func (l *Layer) NumRules() (out, in int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outRules.Len(), l.inRules.Len()
}

// NumFlows reports the cached-flow count in each direction.
func (l *Layer) NumFlows() (out, in int) {
	return l.ftOut.Len(), l.ftIn.Len()
}

// Process runs one packet through the layer: a cached stateful decision
// is replayed if present, otherwise the direction's rule set is
// evaluated (falling back to the configured default action when nothing
// matches). meta is the full (outer+inner) packet metadata; predicates
// only ever look at meta.Inner, but actions (overlay encap, in
// particular) may also write meta.Outer.
func (l *Layer) Process(dir headers.Direction, flowId headers.InnerFlowId, meta *headers.PacketMeta, body []byte, ctx rule.ActionMeta, now time.Time) (Result, error) {
	ft := l.flowTableFor(dir)
	if c, ok := ft.Get(flowId, now); ok {
		return l.apply(dir, c.action, meta, body, ctx, flowId, now)
	}

	l.mu.RLock()
	rules := l.rulesFor(dir)
	matched := rules.FirstMatch(&meta.Inner, body)
	action := l.defaultFor(dir)
	l.mu.RUnlock()
	if matched != nil {
		action = matched.Action
	}
	if action == nil {
		return Result{Verdict: rule.Deny}, nil
	}
	return l.apply(dir, action, meta, body, ctx, flowId, now)
}

func (l *Layer) apply(dir headers.Direction, action rule.Action, meta *headers.PacketMeta, body []byte, ctx rule.ActionMeta, flowId headers.InnerFlowId, now time.Time) (Result, error) {
	res, err := action.Apply(dir, meta, body, ctx)
	if err != nil {
		return Result{}, err
	}
	if res.Stateful {
		l.flowTableFor(dir).Insert(flowId, cached{action: action}, now)
		if res.Inverse != nil {
			l.flowTableFor(dir.Opposite()).Insert(flowId.Reverse(), cached{action: res.Inverse}, now)
		}
	}
	return Result{
		Verdict:      res.Verdict,
		HairpinReply: res.HairpinReply,
		Attrs:        res.Attrs,
		Stateful:     res.Stateful,
		Action:       action,
		Inverse:      res.Inverse,
	}, nil
}

// ClearFlows drops every cached flow decision in both directions without
// touching the rule sets or bumping the epoch; used by Port.Reset.
func (l *Layer) ClearFlows() {
	l.ftOut.Clear()
	l.ftIn.Clear()
}

// ExpireFlows drops idle cached-flow entries in both directions,
// returning the total number removed.
func (l *Layer) ExpireFlows(now time.Time) int {
	return l.ftOut.Expire(now) + l.ftIn.Expire(now)
}

// DumpRules returns the rules configured for dir, in evaluation order.
func (l *Layer) DumpRules(dir headers.Direction) []*rule.Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rulesFor(dir).All()
}

// DumpFlows returns a snapshot of dir's cached flow decisions, keyed by
// flow id, reporting each cached action's name.
func (l *Layer) DumpFlows(dir headers.Direction) map[headers.InnerFlowId]string {
	raw := l.flowTableFor(dir).Dump()
	out := make(map[headers.InnerFlowId]string, len(raw))
	for k, v := range raw {
		out[k] = v.Value.action.Name()
	}
	return out
}
