package task

import (
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/state"
)

// Predicate tests a node state.
type Predicate func(state.State) bool

// Rule says when a kind may be dispatched and when it would be a no-op.
type Rule struct {
	Allowed   Predicate
	Redundant Predicate // may be nil
}

func phaseIs(f state.Flag) Predicate {
	return func(s state.State) bool { return s.Has(f) }
}

var ready = state.Of(state.Connected, state.ServicesDiscovered)

func isReady(s state.State) bool { return s.HasAll(ready) }

// DefaultRules is the compatibility table used unless overridden.
var DefaultRules = map[op.Kind]Rule{
	op.Connect: {
		Allowed: phaseIs(state.Disconnected),
		Redundant: func(s state.State) bool {
			return s.HasAny(state.Of(state.Connected, state.DiscoveringServices))
		},
	},
	op.Disconnect: {
		Allowed:   func(s state.State) bool { return !s.Has(state.Disconnected) },
		Redundant: phaseIs(state.Disconnected),
	},
	op.DiscoverServices: {Allowed: phaseIs(state.Connected)},
	op.Read:             {Allowed: isReady},
	op.Write:            {Allowed: isReady},
	op.ToggleNotify:     {Allowed: isReady},
	op.ReadDescriptor:   {Allowed: isReady},
	op.WriteDescriptor:  {Allowed: isReady},
	op.ReadRSSI:         {Allowed: phaseIs(state.Connected)},
	op.SetMTU:           {Allowed: phaseIs(state.Connected)},
	op.SendNotification: {Allowed: phaseIs(state.Connected)},
	op.Bond: {
		Allowed:   func(s state.State) bool { return s.Has(state.Connected) && !s.Has(state.Bonding) },
		Redundant: phaseIs(state.Bonded),
	},
	op.Unbond: {
		Allowed:   func(s state.State) bool { return !s.Has(state.Bonding) },
		Redundant: phaseIs(state.Unbonded),
	},
	op.Scan: {
		Allowed: func(s state.State) bool { return s.Has(state.RadioOn) && !s.Has(state.Scanning) },
	},
}

// Rules maps each kind to its Rule.
type Rules map[op.Kind]Rule

// Allowed reports whether k may be dispatched in s. Kinds without a rule are
// never dispatched.
func (r Rules) Allowed(k op.Kind, s state.State) bool {
	rule, ok := r[k]
	if !ok || rule.Allowed == nil {
		return false
	}
	return rule.Allowed(s)
}

// Redundant reports whether k would not change anything in s.
func (r Rules) Redundant(k op.Kind, s state.State) bool {
	rule, ok := r[k]
	if !ok || rule.Redundant == nil {
		return false
	}
	return rule.Redundant(s)
}

// WithDefaults returns a copy of r with missing kinds taken from
// DefaultRules.
func (r Rules) WithDefaults() Rules {
	out := make(Rules, len(DefaultRules))
	for k, v := range DefaultRules {
		out[k] = v
	}
	for k, v := range r {
		if v.Allowed == nil {
			v.Allowed = DefaultRules[k].Allowed
		}
		out[k] = v
	}
	return out
}
