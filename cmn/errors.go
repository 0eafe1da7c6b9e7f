package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind discriminates the five classes of §7.
type ErrorKind int

const (
	ErrKindMalformedInput ErrorKind = iota + 1
	ErrKindInternalConsistency
	ErrKindAuthorityTransition
	ErrKindResourceExhaustion
	ErrKindProtocolMisuse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindMalformedInput:
		return "malformed-input"
	case ErrKindInternalConsistency:
		return "internal-consistency"
	case ErrKindAuthorityTransition:
		return "authority-transition"
	case ErrKindResourceExhaustion:
		return "resource-exhaustion"
	case ErrKindProtocolMisuse:
		return "protocol-misuse"
	default:
		return "unknown"
	}
}

// TaxonomyError is the common shape every boundary error satisfies, so
// the host application can dispatch on Kind() without type-switching on
// every concrete variant.
type TaxonomyError interface {
	error
	Kind() ErrorKind
}

type baseErr struct {
	kind ErrorKind
	msg  string
}

func (e *baseErr) Error() string   { return e.msg }
func (e *baseErr) Kind() ErrorKind { return e.kind }

// Malformed input (kind 1): packet truncated, invalid enum tag, invalid net-id.
type ErrMalformedPacket struct{ baseErr }

func NewErrMalformedPacket(reason string) *ErrMalformedPacket {
	return &ErrMalformedPacket{baseErr{ErrKindMalformedInput, "malformed packet: " + reason}}
}

// Internal consistency (kind 2).
type ErrEntityDoesNotExist struct{ baseErr }

func NewErrEntityDoesNotExist(id fmt.Stringer) *ErrEntityDoesNotExist {
	return &ErrEntityDoesNotExist{baseErr{ErrKindInternalConsistency, fmt.Sprintf("entity does not exist: %s", id)}}
}

type ErrEntityAlreadyExists struct{ baseErr }

func NewErrEntityAlreadyExists(id fmt.Stringer) *ErrEntityAlreadyExists {
	return &ErrEntityAlreadyExists{baseErr{ErrKindInternalConsistency, fmt.Sprintf("entity already exists: %s", id)}}
}

type ErrComponentAlreadyExists struct{ baseErr }

func NewErrComponentAlreadyExists(kind string) *ErrComponentAlreadyExists {
	return &ErrComponentAlreadyExists{baseErr{ErrKindInternalConsistency, "component already exists: " + kind}}
}

type ErrComponentDoesNotExist struct{ baseErr }

func NewErrComponentDoesNotExist(kind string) *ErrComponentDoesNotExist {
	return &ErrComponentDoesNotExist{baseErr{ErrKindInternalConsistency, "component does not exist: " + kind}}
}

type ErrChannelStateViolation struct {
	baseErr
	From    string
	Command string
}

func NewErrChannelStateViolation(from, command string) *ErrChannelStateViolation {
	return &ErrChannelStateViolation{
		baseErr: baseErr{ErrKindInternalConsistency, fmt.Sprintf("illegal %s in state %s", command, from)},
		From:    from,
		Command: command,
	}
}

type ErrRedirectCycle struct{ baseErr }

func NewErrRedirectCycle() *ErrRedirectCycle {
	return &ErrRedirectCycle{baseErr{ErrKindInternalConsistency, "redirect chain exceeds table size, likely cycle"}}
}

type ErrRedirectExpired struct{ baseErr }

func NewErrRedirectExpired() *ErrRedirectExpired {
	return &ErrRedirectExpired{baseErr{ErrKindInternalConsistency, "redirect entry expired"}}
}

// Authority/channel transition rejection (kind 3).
type ErrAuthorityRejected struct {
	baseErr
	From    string
	Command string
}

func NewErrAuthorityRejected(from, command string) *ErrAuthorityRejected {
	return &ErrAuthorityRejected{
		baseErr: baseErr{ErrKindAuthorityTransition, fmt.Sprintf("authority command %s rejected in state %s", command, from)},
		From:    from,
		Command: command,
	}
}

// Resource exhaustion (kind 4).
type ErrOverflow struct {
	baseErr
	EntityID  string
	Component string
	BitsNeeded int
	BitsFree   int
}

func NewErrOverflow(entityID, component string, bitsNeeded, bitsFree int) *ErrOverflow {
	return &ErrOverflow{
		baseErr: baseErr{
			ErrKindResourceExhaustion,
			fmt.Sprintf("overflow: entity=%s component=%s bits_needed=%d bits_free=%d",
				entityID, component, bitsNeeded, bitsFree),
		},
		EntityID:   entityID,
		Component:  component,
		BitsNeeded: bitsNeeded,
		BitsFree:   bitsFree,
	}
}

type ErrTooManyInFlight struct {
	baseErr
	EntityID string
	Limit    int
}

func NewErrTooManyInFlight(entityID string, limit int) *ErrTooManyInFlight {
	return &ErrTooManyInFlight{
		baseErr:  baseErr{ErrKindResourceExhaustion, fmt.Sprintf("entity %s already has %d unacknowledged commands in flight", entityID, limit)},
		EntityID: entityID,
		Limit:    limit,
	}
}

// Protocol misuse (kind 5).
type ErrProtocolLocked struct{ baseErr }

func NewErrProtocolLocked() *ErrProtocolLocked {
	return &ErrProtocolLocked{baseErr{ErrKindProtocolMisuse, "protocol is finalized and immutable"}}
}

type ErrProtocolAlreadyFinalized struct{ baseErr }

func NewErrProtocolAlreadyFinalized() *ErrProtocolAlreadyFinalized {
	return &ErrProtocolAlreadyFinalized{baseErr{ErrKindProtocolMisuse, "protocol already finalized"}}
}

// WrapInternal wraps an internal-consistency failure with frame context
// without panicking, per §9 "explicit results over exceptions".
func WrapInternal(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "internal consistency: %s", context)
}

// ErrorEvent is what the host application observes for any boundary
// error (§7 "User-visible failure behavior").
type ErrorEvent struct {
	Kind    ErrorKind
	Message string
}

func NewErrorEvent(err TaxonomyError) ErrorEvent {
	return ErrorEvent{Kind: err.Kind(), Message: err.Error()}
}

// DisconnectEvent is surfaced when a connection drops (§5, §7).
type DisconnectEvent struct {
	Reason string
}
