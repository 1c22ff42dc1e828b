// Package statemachine provides a stateless finite-state-machine transition table.
//
// A Table maps (from state, event) pairs to transitions. It holds no current
// state: callers pass the state they loaded from storage and receive the target
// state back, which makes one Table safe to share across goroutines and across
// every entity that follows the same lifecycle (for example one subscription
// per tenant, each persisted independently).
//
// # Usage
//
//	const (
//	    Draft    = statemachine.StringState("draft")
//	    InReview = statemachine.StringState("in_review")
//	    Submit   = statemachine.StringEvent("submit")
//	)
//
//	table := statemachine.MustNew(
//	    statemachine.WithTransition(Draft, InReview, Submit),
//	)
//
//	next, err := table.Fire(ctx, Draft, Submit, nil)
//
// # Guards and Actions
//
// Guards veto a transition based on runtime data. When several transitions are
// declared for the same pair, the first one whose guards all pass wins.
// Actions run after the guards and before the target state is returned; they
// receive the data argument of Fire and are where callers mutate their record.
//
// # Errors
//
// Fire returns *ErrNoTransitionAvailable when nothing is declared for the pair
// and *ErrTransitionRejected when guards blocked every candidate. Use
// IsNoTransitionAvailableError and IsTransitionRejectedError to tell them apart.
package statemachine
