// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package port

import (
	"time"

	vpcerrors "grimm.is/vpcdp/internal/errors"

	"grimm.is/vpcdp/internal/engine/flowtable"
	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/parser"
)

// Builder assembles a Port: layers are added in outbound pipeline order
// (Firewall, Gateway, Router, NAT, Overlay is the VPC personality's
// order) before the port is built; rules may then be loaded onto those
// layers before Start is called.
type Builder struct {
	name   string
	mac    headers.MacAddr
	layers []*layer.Layer
	parser *parser.Parser
	clock  Clock
	net    NetworkHandler

	uftCapacity int
	uftIdleTTL  time.Duration
	tcpCapacity int
	tcpIdleTTL  time.Duration
}

// NewBuilder returns a Builder for a port named name with guest-facing
// address mac.
func NewBuilder(name string, mac headers.MacAddr) *Builder {
	return &Builder{name: name, mac: mac}
}

// WithParser sets the Parser the port uses to decode packets. Required.
func (b *Builder) WithParser(p *parser.Parser) *Builder {
	b.parser = p
	return b
}

// WithClock overrides the port's Clock; defaults to SystemClock if unset.
func (b *Builder) WithClock(c Clock) *Builder {
	b.clock = c
	return b
}

// WithNetwork sets the VpcNetwork escape hatch for non-IP traffic.
func (b *Builder) WithNetwork(n NetworkHandler) *Builder {
	b.net = n
	return b
}

// WithUftLimits overrides the Unified Flow Table's capacity and idle
// expiry, per direction.
func (b *Builder) WithUftLimits(capacity int, idleTTL time.Duration) *Builder {
	b.uftCapacity = capacity
	b.uftIdleTTL = idleTTL
	return b
}

// WithTcpLimits overrides the TCP state table's capacity and idle expiry.
func (b *Builder) WithTcpLimits(capacity int, idleTTL time.Duration) *Builder {
	b.tcpCapacity = capacity
	b.tcpIdleTTL = idleTTL
	return b
}

// AddLayer appends l to the outbound pipeline order; the inbound order is
// the reverse.
func (b *Builder) AddLayer(l *layer.Layer) *Builder {
	b.layers = append(b.layers, l)
	return b
}

// Build validates the accumulated configuration and returns a Port in the
// Ready state.
func (b *Builder) Build() (*Port, error) {
	if b.parser == nil {
		return nil, vpcerrors.New(vpcerrors.KindValidation, "port builder: a Parser is required")
	}
	if len(b.layers) == 0 {
		return nil, vpcerrors.New(vpcerrors.KindValidation, "port builder: at least one layer is required")
	}

	byName := make(map[string]*layer.Layer, len(b.layers))
	for _, l := range b.layers {
		if _, dup := byName[l.Name()]; dup {
			return nil, vpcerrors.Errorf(vpcerrors.KindValidation, "port builder: duplicate layer name %q", l.Name())
		}
		byName[l.Name()] = l
	}

	layersIn := make([]*layer.Layer, len(b.layers))
	for i, l := range b.layers {
		layersIn[len(b.layers)-1-i] = l
	}

	clock := b.clock
	if clock == nil {
		clock = SystemClock{}
	}

	uftCap := b.uftCapacity
	if uftCap == 0 {
		uftCap = defaultUftCapacity
	}
	uftTTL := b.uftIdleTTL
	if uftTTL == 0 {
		uftTTL = defaultUftIdleTTL
	}
	tcpCap := b.tcpCapacity
	if tcpCap == 0 {
		tcpCap = defaultTcpCapacity
	}
	tcpTTL := b.tcpIdleTTL
	if tcpTTL == 0 {
		tcpTTL = defaultTcpIdleTTL
	}

	return &Port{
		name:      b.name,
		mac:       b.mac,
		state:     Ready,
		parser:    b.parser,
		net:       b.net,
		clock:     clock,
		layersOut: b.layers,
		layersIn:  layersIn,
		byName:    byName,
		uftOut:    flowtable.New[headers.InnerFlowId, UftEntry](uftCap, uftTTL),
		uftIn:     flowtable.New[headers.InnerFlowId, UftEntry](uftCap, uftTTL),
		tcpFlows:  flowtable.New[headers.InnerFlowId, tcpState](tcpCap, tcpTTL),
	}, nil
}
