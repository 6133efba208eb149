// Package state models node state as an immutable bit-set. Transitions are
// computed with Apply from an Intent and never edit a State in place.
package state

import (
	"fmt"
	"math/bits"
	"strings"
)

// Flag is the bit index of one state flag.
type Flag uint8

const (
	Discovered Flag = iota

	// connection phase
	Disconnected
	Connecting
	Connected
	DiscoveringServices
	Disconnecting

	ServicesDiscovered

	// bond
	Unbonded
	Bonding
	Bonded

	// recovery after link loss
	ReconnectingShortTerm
	ReconnectingLongTerm
	RetryingConnection

	// manager only
	Scanning
	RadioOff
	RadioOn

	numFlags
)

var flagNames = [numFlags]string{
	Discovered:            "discovered",
	Disconnected:          "disconnected",
	Connecting:            "connecting",
	Connected:             "connected",
	DiscoveringServices:   "discovering_services",
	Disconnecting:         "disconnecting",
	ServicesDiscovered:    "services_discovered",
	Unbonded:              "unbonded",
	Bonding:               "bonding",
	Bonded:                "bonded",
	ReconnectingShortTerm: "reconnecting_short_term",
	ReconnectingLongTerm:  "reconnecting_long_term",
	RetryingConnection:    "retrying_connection",
	Scanning:              "scanning",
	RadioOff:              "radio_off",
	RadioOn:               "radio_on",
}

func (f Flag) String() string {
	if f < numFlags {
		return flagNames[f]
	}
	return fmt.Sprintf("flag(%d)", uint8(f))
}

// State is a set of flags.
type State uint32

// Of builds a State from flags.
func Of(flags ...Flag) State {
	var s State
	for _, f := range flags {
		s |= 1 << f
	}
	return s
}

// Has reports whether f is set.
func (s State) Has(f Flag) bool { return s&(1<<f) != 0 }

// HasAll reports whether every flag in m is set.
func (s State) HasAll(m State) bool { return s&m == m }

// HasAny reports whether any flag in m is set.
func (s State) HasAny(m State) bool { return s&m != 0 }

// Count returns the number of flags set.
func (s State) Count() int { return bits.OnesCount32(uint32(s)) }

// Flags lists the set flags in ascending order.
func (s State) Flags() []Flag {
	var out []Flag
	for f := Flag(0); f < numFlags; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Names lists the set flag names in ascending order.
func (s State) Names() []string {
	flags := s.Flags()
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.String()
	}
	return out
}

func (s State) String() string {
	if s == 0 {
		return "none"
	}
	return strings.Join(s.Names(), "|")
}

// Diff returns the flags entered and exited going from s to next.
func (s State) Diff(next State) (entered, exited State) {
	return next &^ s, s &^ next
}

// Groups of related flags.
var (
	PhaseMask    = Of(Disconnected, Connecting, Connected, DiscoveringServices, Disconnecting)
	BondMask     = Of(Unbonded, Bonding, Bonded)
	RecoveryMask = Of(ReconnectingShortTerm, ReconnectingLongTerm)
	RadioMask    = Of(RadioOff, RadioOn)
)

// NodeKind is the kind of node a state belongs to.
type NodeKind uint8

const (
	Device NodeKind = iota
	Server
	Manager
)

func (k NodeKind) String() string {
	switch k {
	case Device:
		return "device"
	case Server:
		return "server"
	case Manager:
		return "manager"
	}
	return fmt.Sprintf("node_kind(%d)", uint8(k))
}

type group struct {
	name     string
	mask     State
	required bool // exactly one set; otherwise at most one
}

type layout struct {
	allowed State
	groups  []group
}

var layouts = map[NodeKind]layout{
	Device: {
		allowed: PhaseMask | BondMask | RecoveryMask | Of(Discovered, ServicesDiscovered, RetryingConnection),
		groups: []group{
			{"phase", PhaseMask, true},
			{"bond", BondMask, true},
			{"recovery", RecoveryMask, false},
		},
	},
	Server: {
		allowed: PhaseMask | RecoveryMask | Of(RetryingConnection),
		groups: []group{
			{"phase", PhaseMask, true},
			{"recovery", RecoveryMask, false},
		},
	},
	Manager: {
		allowed: RadioMask | Of(Scanning),
		groups: []group{
			{"radio", RadioMask, true},
		},
	},
}

// Initial returns the state a freshly created node of kind k starts in.
func Initial(k NodeKind) State {
	switch k {
	case Device:
		return Of(Disconnected, Unbonded)
	case Server:
		return Of(Disconnected)
	default:
		return Of(RadioOff)
	}
}

// Validate checks that s is a legal state for a node of kind k.
func Validate(k NodeKind, s State) error {
	l, ok := layouts[k]
	if !ok {
		return fmt.Errorf("state: unknown node kind %v", k)
	}
	if extra := s &^ l.allowed; extra != 0 {
		return fmt.Errorf("state: %v not allowed on %v", extra, k)
	}
	for _, g := range l.groups {
		n := (s & g.mask).Count()
		if n > 1 {
			return fmt.Errorf("state: %s group has %d flags set: %v", g.name, n, s&g.mask)
		}
		if g.required && n == 0 {
			return fmt.Errorf("state: %s group has no flag set", g.name)
		}
	}
	return nil
}
