package snapshot

import "github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"

// State is an interpreter-defined folded document. The cache never inspects it.
type State any

// Interpreter folds event payloads onto document state.
// Apply must be deterministic and must not mutate the state it receives.
type Interpreter interface {
	Initial() State
	Apply(state State, payload eventlog.Payload) (State, error)
	Encode(state State) ([]byte, error)
	Decode(data []byte) (State, error)
}
