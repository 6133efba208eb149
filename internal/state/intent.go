package state

import "fmt"

// Intent describes a transition: the flags to set and the flags to clear.
// Set wins when a flag appears in both.
type Intent struct {
	Set   State
	Clear State
}

// Apply computes the state that results from applying i to s.
func Apply(s State, i Intent) State {
	return (s &^ i.Clear) | i.Set
}

// Then returns an intent equivalent to applying i followed by next.
func (i Intent) Then(next Intent) Intent {
	return Intent{
		Set:   (i.Set &^ next.Clear) | next.Set,
		Clear: (i.Clear &^ next.Set) | next.Clear,
	}
}

// IsZero reports whether the intent changes nothing.
func (i Intent) IsZero() bool { return i.Set == 0 && i.Clear == 0 }

// Validate rejects intents that could leave a group with more than one flag
// set. Setting a grouped flag requires clearing the rest of its group.
func (i Intent) Validate() error {
	for _, m := range []State{PhaseMask, BondMask, RecoveryMask, RadioMask} {
		set := i.Set & m
		switch set.Count() {
		case 0:
		case 1:
			if !i.Clear.HasAll(m &^ set) {
				return fmt.Errorf("state: intent sets %v without clearing %v", set, m&^set&^i.Clear)
			}
		default:
			return fmt.Errorf("state: intent sets several exclusive flags: %v", set)
		}
	}
	return nil
}

func (i Intent) String() string {
	return fmt.Sprintf("+[%v] -[%v]", i.Set, i.Clear)
}

// Set returns an intent that sets the given standalone flags.
func Set(flags ...Flag) Intent { return Intent{Set: Of(flags...)} }

// Clear returns an intent that clears the given flags.
func Clear(flags ...Flag) Intent { return Intent{Clear: Of(flags...)} }

func enter(mask State, f Flag) Intent {
	set := Of(f)
	return Intent{Set: set, Clear: mask &^ set}
}

// EnterPhase moves a node into connection phase f.
func EnterPhase(f Flag) Intent { return enter(PhaseMask, f) }

// EnterBond moves a node into bond state f.
func EnterBond(f Flag) Intent { return enter(BondMask, f) }

// EnterRadio moves the manager into radio state f.
func EnterRadio(f Flag) Intent { return enter(RadioMask, f) }

// EnterRecovery marks a node as reconnecting, short or long term.
func EnterRecovery(longTerm bool) Intent {
	if longTerm {
		return enter(RecoveryMask, ReconnectingLongTerm)
	}
	return enter(RecoveryMask, ReconnectingShortTerm)
}

// ClearRecovery leaves any reconnecting phase.
func ClearRecovery() Intent { return Intent{Clear: RecoveryMask | Of(RetryingConnection)} }

// Disconnect is the terminal disconnected intent: not connected, no services,
// not recovering.
func Disconnect() Intent {
	return EnterPhase(Disconnected).
		Then(Clear(ServicesDiscovered)).
		Then(ClearRecovery())
}

// LinkLost drops a node to disconnected and enters a recovery phase.
func LinkLost(longTerm bool) Intent {
	return EnterPhase(Disconnected).
		Then(Clear(ServicesDiscovered, RetryingConnection)).
		Then(EnterRecovery(longTerm))
}
