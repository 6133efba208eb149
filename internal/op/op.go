// Package op defines the vocabulary shared by every layer of the engine:
// operation kinds, dispatch priorities and the failure taxonomy.
package op

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one radio operation.
type Kind uint8

const (
	Connect Kind = iota
	Disconnect
	DiscoverServices
	Read
	Write
	ToggleNotify
	ReadDescriptor
	WriteDescriptor
	ReadRSSI
	SetMTU
	Bond
	Unbond
	Scan
	SendNotification

	numKinds
)

var kindNames = [numKinds]string{
	Connect:          "connect",
	Disconnect:       "disconnect",
	DiscoverServices: "discover_services",
	Read:             "read",
	Write:            "write",
	ToggleNotify:     "toggle_notify",
	ReadDescriptor:   "read_descriptor",
	WriteDescriptor:  "write_descriptor",
	ReadRSSI:         "read_rssi",
	SetMTU:           "set_mtu",
	Bond:             "bond",
	Unbond:           "unbond",
	Scan:             "scan",
	SendNotification: "send_notification",
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a defined kind.
func (k Kind) Valid() bool { return k < numKinds }

// Idempotent reports whether repeating the operation is harmless, which
// makes it safe to retry after an ambiguous failure such as a timeout.
func (k Kind) Idempotent() bool {
	switch k {
	case Connect, DiscoverServices, Read, Write, ToggleNotify,
		ReadDescriptor, WriteDescriptor, ReadRSSI, SetMTU:
		return true
	}
	return false
}

// RequiresConnection reports whether k only makes sense on an established
// link. Queued work of these kinds is dropped when the link is explicitly
// closed.
func (k Kind) RequiresConnection() bool {
	switch k {
	case DiscoverServices, Read, Write, ToggleNotify, ReadDescriptor,
		WriteDescriptor, ReadRSSI, SetMTU, Bond:
		return true
	}
	return false
}

// ParseKind parses the lower-case name of a kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("op: unknown kind %q", s)
}

// Priority orders dispatch. Lower values are dispatched first.
type Priority uint8

const (
	Critical Priority = iota
	High
	Medium
	Low
	Trivial
)

var priorityNames = [...]string{"critical", "high", "medium", "low", "trivial"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// ParsePriority parses a priority name such as "high".
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("op: unknown priority %q", s)
}

// DefaultPriority is the band a kind is queued at when the caller does not
// choose one. Scans sit at the bottom so they never starve GATT traffic.
func DefaultPriority(k Kind) Priority {
	switch k {
	case Scan:
		return Trivial
	case Connect, Disconnect, Bond, Unbond, DiscoverServices:
		return Medium
	default:
		return Low
	}
}

// Failure taxonomy. Final errors handed to callers wrap one of these.
var (
	ErrStackRejected   = errors.New("stack rejected operation")
	ErrTimeout         = errors.New("operation timed out")
	ErrLinkLost        = errors.New("link lost")
	ErrCancelled       = errors.New("cancelled")
	ErrPolicyAbandoned = errors.New("abandoned by policy")
	ErrInvalidState    = errors.New("invalid state for operation")

	ErrNodeReleased = errors.New("node released")
	ErrClosed       = errors.New("engine closed")
)

// Reason is the classified cause of a failure.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonStackRejected
	ReasonTimeout
	ReasonLinkLost
	ReasonCancelled
	ReasonPolicyAbandoned
	ReasonInvalidState
)

var reasonNames = [...]string{"none", "stack_rejected", "timeout", "link_lost", "cancelled", "policy_abandoned", "invalid_state"}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// ReasonOf classifies err. Errors that match no sentinel count as a stack
// rejection since they came back from the radio stack unannotated.
// Abandonment is checked first because abandoned errors wrap their cause.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrPolicyAbandoned):
		return ReasonPolicyAbandoned
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrLinkLost):
		return ReasonLinkLost
	case errors.Is(err, ErrInvalidState):
		return ReasonInvalidState
	default:
		return ReasonStackRejected
	}
}
