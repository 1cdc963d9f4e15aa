package txengine

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pkg.world.dev/world-engine/crossvm/chain"
)

type State uint8

const (
	StateNew State = iota
	StateBuilt
	StateSigned
	StateSimulated
	StateSubmitted
	StateConfirmed
	StateReverted
	StateTimedOut
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateBuilt:
		return "built"
	case StateSigned:
		return "signed"
	case StateSimulated:
		return "simulated"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateReverted:
		return "reverted"
	case StateTimedOut:
		return "timed_out"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen. TimedOut is terminal for the engine even though the
// transaction may still land; the caller decides what to do about it.
func (s State) Terminal() bool {
	return s >= StateConfirmed
}

type Transition struct {
	State  State
	At     time.Time
	Detail string
}

// Execution is the record of one pass through the state machine. It is owned by the goroutine running Execute and
// must not be read concurrently with it.
type Execution struct {
	Chain       chain.ID
	Unsigned    *chain.UnsignedTransaction
	Signed      *chain.SignedTransaction
	ContentHash common.Hash
	Simulation  *chain.SimulationResult
	TxID        string
	Receipt     *chain.Receipt
	Transitions []Transition
}

func (e *Execution) State() State {
	if len(e.Transitions) == 0 {
		return StateNew
	}
	return e.Transitions[len(e.Transitions)-1].State
}

// Visited reports whether the execution passed through s.
func (e *Execution) Visited(s State) bool {
	for _, t := range e.Transitions {
		if t.State == s {
			return true
		}
	}
	return false
}

func (e *Execution) to(s State, detail string) {
	e.Transitions = append(e.Transitions, Transition{State: s, At: time.Now(), Detail: detail})
}
