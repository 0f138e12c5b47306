package syncaction

// State is the state-keeper's position in the action grammar:
//
//	Idle --(OpenBatch)--> BatchOpen --(Miniblock)--> MiniblockOpen
//	                          ^                           |
//	                          |                       (Tx*)
//	                          |                           |
//	                          +------(SealMiniblock)------+
//	                          |
//	BatchOpen --(SealBatch)--> Idle
//
// It matches the regular expression of spec.md P2:
//
//	(OpenBatch Miniblock Tx* SealMiniblock (Miniblock Tx* SealMiniblock)* SealBatch)*
type State uint8

const (
	StateIdle State = iota
	StateBatchOpen
	StateMiniblockOpen
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBatchOpen:
		return "BatchOpen"
	case StateMiniblockOpen:
		return "MiniblockOpen"
	default:
		return "Unknown"
	}
}

// Grammar enforces the action grammar independent of any execution side
// effects, so it can be reused by the loop, by replay, and by tests
// without constructing an executor.
type Grammar struct {
	state State
	// batchHasMiniblock records whether the open batch has opened at
	// least one miniblock, so an empty batch is rejected at SealBatch.
	batchHasMiniblock bool
}

// NewGrammar returns a grammar positioned in Idle.
func NewGrammar() *Grammar { return &Grammar{state: StateIdle} }

// State reports the current grammar position.
func (g *Grammar) State() State { return g.state }

// Accept advances the grammar on the given action kind, or returns a
// *ViolationError (fatal, per spec.md) if the action is not accepted in
// the current state.
func (g *Grammar) Accept(kind Kind) error {
	switch g.state {
	case StateIdle:
		if kind != KindOpenBatch {
			return &ViolationError{State: g.state.String(), Action: kind}
		}
		g.state = StateBatchOpen
		g.batchHasMiniblock = false
	case StateBatchOpen:
		switch kind {
		case KindMiniblock:
			g.state = StateMiniblockOpen
			g.batchHasMiniblock = true
		case KindSealBatch:
			if !g.batchHasMiniblock {
				return &ViolationError{State: g.state.String(), Action: kind}
			}
			g.state = StateIdle
		default:
			return &ViolationError{State: g.state.String(), Action: kind}
		}
	case StateMiniblockOpen:
		switch kind {
		case KindTx:
			// stays in MiniblockOpen
		case KindSealMiniblock:
			g.state = StateBatchOpen
		default:
			return &ViolationError{State: g.state.String(), Action: kind}
		}
	default:
		return &ViolationError{State: g.state.String(), Action: kind}
	}
	return nil
}
