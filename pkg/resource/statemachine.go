package resource

import (
	"errors"
	"fmt"
	"sort"
)

// ErrStateConflict is matched by every rejected transition.
var ErrStateConflict = errors.New("resource state conflict")

// Transition is an ordered pair of states.
type Transition struct {
	From State
	To   State
}

func (t Transition) String() string {
	return string(t.From) + "->" + string(t.To)
}

// ownerRule is the lock precondition of a transition.
type ownerRule int

const (
	// requireUnowned means the row must carry no owner; the requester takes the lock.
	requireUnowned ownerRule = iota

	// requireOwner means the requester must already hold the lock.
	requireOwner
)

type rule struct {
	owner ownerRule

	// keepsLock is true when the requester still holds the lock afterwards.
	keepsLock bool
}

// transitions is the closed table of allowed state changes. NOT_EXISTS stands
// for "no row": entering it removes the row, leaving it inserts one.
var transitions = map[Transition]rule{
	{StateNotExists, StateCreating}: {owner: requireUnowned, keepsLock: true},
	{StateCreating, StateReady}:     {owner: requireOwner},
	{StateCreating, StateNotExists}: {owner: requireOwner},
	{StateReady, StateDeleting}:     {owner: requireUnowned, keepsLock: true},
	{StateDeleting, StateNotExists}: {owner: requireOwner},
	{StateDeleting, StateReady}:     {owner: requireOwner},
	{StateDeleting, StateBroken}:    {owner: requireOwner},
}

// Decision describes the row after an allowed transition.
type Decision struct {
	Transition Transition

	// NewOwner is the owner after the transition, empty when the lock is released.
	NewOwner string

	// InsertsRow is true when the transition creates the row.
	InsertsRow bool

	// RemovesRow is true when the transition deletes the row.
	RemovesRow bool
}

// TransitionError reports a rejected transition.
type TransitionError struct {
	Transition Transition
	Owner      string
	Requester  string
	Reason     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s rejected (owner=%q, requester=%q): %s",
		e.Transition, e.Owner, e.Requester, e.Reason)
}

// Unwrap makes every TransitionError match ErrStateConflict.
func (e *TransitionError) Unwrap() error {
	return ErrStateConflict
}

// IsValidTransition reports whether from → to appears in the transition table.
func IsValidTransition(from, to State) bool {
	_, ok := transitions[Transition{From: from, To: to}]
	return ok
}

// Transitions returns every allowed transition in a stable order.
func Transitions() []Transition {
	out := make([]Transition, 0, len(transitions))
	for t := range transitions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// Check decides whether requester may move a resource from state from, locked
// by owner (empty when unowned), to state to.
func Check(from State, owner string, to State, requester string) (Decision, error) {
	t := Transition{From: from, To: to}
	reject := func(reason string) (Decision, error) {
		return Decision{}, &TransitionError{Transition: t, Owner: owner, Requester: requester, Reason: reason}
	}

	if requester == "" {
		return reject("requesting operation id is required")
	}

	r, ok := transitions[t]
	if !ok {
		return reject("transition is not allowed")
	}

	switch r.owner {
	case requireUnowned:
		if owner != "" {
			return reject("resource is locked by another operation")
		}
	case requireOwner:
		if owner != requester {
			return reject("requester does not hold the resource lock")
		}
	}

	d := Decision{
		Transition: t,
		InsertsRow: from == StateNotExists,
		RemovesRow: to == StateNotExists,
	}
	if r.keepsLock {
		d.NewOwner = requester
	}
	return d, nil
}
