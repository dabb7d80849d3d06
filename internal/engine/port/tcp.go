// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package port

import (
	"time"

	"grimm.is/vpcdp/internal/engine/headers"
)

// tcpState is a simplified connection state, tracked independently of the
// Unified Flow Table so that a malformed TCP sequence drops regardless of
// what any layer's rules say.
type tcpState int

const (
	tcpNone tcpState = iota
	tcpSynSent
	tcpSynReceived
	tcpEstablished
	tcpFinWait
	tcpClosed
)

func (s tcpState) String() string {
	switch s {
	case tcpSynSent:
		return "syn-sent"
	case tcpSynReceived:
		return "syn-received"
	case tcpEstablished:
		return "established"
	case tcpFinWait:
		return "fin-wait"
	case tcpClosed:
		return "closed"
	default:
		return "none"
	}
}

// nextTcpState computes the connection's next state given the flags seen
// on a packet, and whether that's a transition the tracker accepts. RST
// is always accepted and always terminal.
func nextTcpState(cur tcpState, flags headers.TcpFlags) (tcpState, bool) {
	if flags.Has(headers.TcpFlagRst) {
		return tcpClosed, true
	}
	switch cur {
	case tcpNone:
		if flags.Has(headers.TcpFlagSyn) {
			return tcpSynSent, true
		}
		return cur, false
	case tcpSynSent:
		if flags.Has(headers.TcpFlagSyn) && flags.Has(headers.TcpFlagAck) {
			return tcpSynReceived, true
		}
		if flags.Has(headers.TcpFlagAck) {
			return tcpEstablished, true
		}
		return cur, false
	case tcpSynReceived:
		if flags.Has(headers.TcpFlagAck) {
			return tcpEstablished, true
		}
		return cur, false
	case tcpEstablished:
		if flags.Has(headers.TcpFlagFin) {
			return tcpFinWait, true
		}
		return tcpEstablished, true
	case tcpFinWait:
		if flags.Has(headers.TcpFlagFin) || flags.Has(headers.TcpFlagAck) {
			return tcpClosed, true
		}
		return cur, false
	case tcpClosed:
		return cur, false
	default:
		return cur, false
	}
}

// trackTcp canonicalizes the flow id to the outbound-direction 5-tuple so
// both halves of a connection share one state entry, applies the flag
// transition, and reports whether it was valid and whether the
// connection is now fully closed.
func (p *Port) trackTcp(dir headers.Direction, flowId headers.InnerFlowId, flags headers.TcpFlags, now time.Time) (valid, terminal bool) {
	key := flowId
	if dir == headers.In {
		key = flowId.Reverse()
	}
	cur := tcpNone
	if s, ok := p.tcpFlows.Get(key, now); ok {
		cur = s
	}
	next, ok := nextTcpState(cur, flags)
	if !ok {
		return false, false
	}
	if next == tcpClosed {
		p.tcpFlows.Remove(key)
		return true, true
	}
	p.tcpFlows.Insert(key, next, now)
	return true, false
}
