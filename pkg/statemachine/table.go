package statemachine

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Table is a thread-safe transition table.
// Lookups use a nested map [fromState][event][]Transition.
type Table struct {
	transitions map[string]map[string][]Transition
	mu          sync.RWMutex
}

var _ StateMachine = (*Table)(nil)

func newTable() *Table {
	return &Table{
		transitions: make(map[string]map[string][]Transition),
	}
}

func (t *Table) addTransition(from, to State, event Event, guards []Guard, actions []Action) error {
	if from == nil || to == nil || event == nil {
		return ErrInvalidTransition
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fromStateName := from.Name()
	if _, ok := t.transitions[fromStateName]; !ok {
		t.transitions[fromStateName] = make(map[string][]Transition)
	}

	// Multiple transitions allowed for same from/event to support guard-based branching
	t.transitions[fromStateName][event.Name()] = append(t.transitions[fromStateName][event.Name()], Transition{
		From:    from,
		To:      to,
		Event:   event,
		Guards:  guards,
		Actions: actions,
	})
	return nil
}

// Fire resolves the transition for event from the given state, runs its actions
// against data and returns the target state. The table itself is never mutated.
func (t *Table) Fire(ctx context.Context, from State, event Event, data any) (State, error) {
	if from == nil {
		return nil, ErrInvalidState
	}
	if event == nil {
		return nil, ErrInvalidEvent
	}

	transition, err := t.resolve(ctx, from, event, data)
	if err != nil {
		return nil, err
	}

	// Any action failure aborts the transition
	for _, action := range transition.Actions {
		if action == nil {
			continue
		}
		if err := action(ctx, from, transition.To, event, data); err != nil {
			return nil, fmt.Errorf("action failed: %w", err)
		}
	}

	return transition.To, nil
}

// CanFire reports whether Fire would find a transition whose guards pass.
func (t *Table) CanFire(ctx context.Context, from State, event Event, data any) bool {
	if from == nil || event == nil {
		return false
	}
	_, err := t.resolve(ctx, from, event, data)
	return err == nil
}

// Events returns the sorted event names that have transitions out of from.
func (t *Table) Events(from State) []string {
	if from == nil {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	events := make([]string, 0, len(t.transitions[from.Name()]))
	for name := range t.transitions[from.Name()] {
		events = append(events, name)
	}
	slices.Sort(events)
	return events
}

// resolve returns a copy of the first transition with passing guards (enables priority ordering).
func (t *Table) resolve(ctx context.Context, from State, event Event, data any) (Transition, error) {
	t.mu.RLock()
	candidates := t.transitions[from.Name()][event.Name()]
	t.mu.RUnlock()

	if len(candidates) == 0 {
		return Transition{}, NewErrNoTransitionAvailable(from.Name(), event.Name())
	}

	for _, tr := range candidates {
		allGuardsPassed := true
		for _, guard := range tr.Guards {
			if guard != nil && !guard(ctx, from, event, data) {
				allGuardsPassed = false
				break
			}
		}
		if allGuardsPassed {
			return tr, nil
		}
	}

	return Transition{}, NewErrTransitionRejected(from.Name(), event.Name())
}
