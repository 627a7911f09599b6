package authserver

import "fmt"

// FlowState is a state in the authorization flow lifecycle. Each flow
// moves through the happy path INIT -> AUTHORIZING -> CALLBACK_PENDING ->
// TOKEN_EXCHANGED -> COMPLETE, or lands in one of the terminal failure
// states. The server itself is stateless across requests: each handler
// derives the flow's current state from the stored record it consumed and
// validates its move against the transition table.
type FlowState string

// Flow states.
const (
	// FlowStateInit is the implicit starting state of every flow.
	FlowStateInit FlowState = "INIT"

	// FlowStateAuthorizing means the pending authorization is stored and
	// the user has been redirected to the upstream IDP.
	FlowStateAuthorizing FlowState = "AUTHORIZING"

	// FlowStateCallbackPending means the upstream callback was consumed
	// and an authorization code has been minted for the client.
	FlowStateCallbackPending FlowState = "CALLBACK_PENDING"

	// FlowStateTokenExchanged means the code was redeemed and the backend
	// token exchange succeeded.
	FlowStateTokenExchanged FlowState = "TOKEN_EXCHANGED"

	// FlowStateComplete means the issued token was recorded and returned.
	FlowStateComplete FlowState = "COMPLETE"

	// FlowStateExpired means a pending authorization or code outlived its TTL.
	FlowStateExpired FlowState = "EXPIRED"

	// FlowStateInvalidState means a state or code was unknown or replayed.
	FlowStateInvalidState FlowState = "INVALID_STATE"

	// FlowStateExchangeFailed means an upstream or backend exchange failed.
	FlowStateExchangeFailed FlowState = "EXCHANGE_FAILED"
)

// flowTransitions enumerates every legal state machine move. Terminal
// states have no outgoing edges.
var flowTransitions = map[FlowState][]FlowState{
	FlowStateInit: {
		FlowStateAuthorizing,
		FlowStateInvalidState,
	},
	FlowStateAuthorizing: {
		FlowStateCallbackPending,
		FlowStateExpired,
		FlowStateInvalidState,
		FlowStateExchangeFailed,
	},
	FlowStateCallbackPending: {
		FlowStateTokenExchanged,
		FlowStateExpired,
		FlowStateInvalidState,
		FlowStateExchangeFailed,
	},
	FlowStateTokenExchanged: {
		FlowStateComplete,
		FlowStateExchangeFailed,
	},
}

// Terminal reports whether the state has no outgoing transitions.
func (s FlowState) Terminal() bool {
	return len(flowTransitions[s]) == 0
}

// ValidTransition reports whether moving from one state to another is a
// legal state machine move.
func ValidTransition(from, to FlowState) bool {
	for _, next := range flowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition validates a state machine move and returns the new state.
// An invalid move indicates a handler bug, not client misbehavior.
func transition(from, to FlowState) (FlowState, error) {
	if !ValidTransition(from, to) {
		return from, fmt.Errorf("invalid flow transition %s -> %s", from, to)
	}
	return to, nil
}
