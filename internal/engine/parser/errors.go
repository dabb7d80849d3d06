// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package parser

import (
	"fmt"

	"grimm.is/vpcdp/internal/engine/headers"
)

// ErrorKind distinguishes the structural parse failures the parser can
// surface; see spec §4.1.
type ErrorKind int

const (
	ErrUnexpectedEtherType ErrorKind = iota
	ErrUnexpectedProtocol
	ErrBadHeader
	ErrBadInnerIpLen
)

// Error is a structural packet-parsing failure. It is never produced by a
// policy decision (those are Drop, not ParseErr).
type Error struct {
	Kind        ErrorKind
	EtherType   headers.EtherType
	Proto       headers.IPProto
	Description string
	Expected    int
	Actual      int
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrUnexpectedEtherType:
		return fmt.Sprintf("UnexpectedEtherType(%s)", e.EtherType)
	case ErrUnexpectedProtocol:
		return fmt.Sprintf("UnexpectedProtocol(%s)", e.Proto)
	case ErrBadHeader:
		return fmt.Sprintf("BadHeader(%s)", e.Description)
	case ErrBadInnerIpLen:
		return fmt.Sprintf("BadInnerIpLen{expected:%d, actual:%d}", e.Expected, e.Actual)
	default:
		return "parse error"
	}
}

func errUnexpectedEtherType(t headers.EtherType) error {
	return &Error{Kind: ErrUnexpectedEtherType, EtherType: t}
}

func errUnexpectedProtocol(p headers.IPProto) error {
	return &Error{Kind: ErrUnexpectedProtocol, Proto: p}
}

func errBadHeader(format string, args ...any) error {
	return &Error{Kind: ErrBadHeader, Description: fmt.Sprintf(format, args...)}
}

func errBadInnerIpLen(expected, actual int) error {
	return &Error{Kind: ErrBadInnerIpLen, Expected: expected, Actual: actual}
}
