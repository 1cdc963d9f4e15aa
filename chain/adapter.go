// Package chain defines the transaction model shared by both chain adapters and the Adapter interface that the
// transaction engine drives. The EVM and Move adapters are the same abstraction instantiated with swapped roles.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ID names a chain, e.g. "evm:336" or "move:movement".
type ID string

// StateQuery selects a piece of chain state. Which fields are honored depends on the adapter:
//   - Function set: a read-only call (eth_call on the EVM, a view function on Move).
//   - Resource set: a Move resource type at Account, or "code"/"balance" on the EVM.
//   - Module set: a published Move module at Account.
//   - Slot set: an EVM storage slot at Account.
//   - nothing set: the account itself.
type StateQuery struct {
	Account  string
	Function FunctionID
	TypeArgs []string
	Args     []any
	Resource string
	Module   string
	Slot     *common.Hash
}

// BuildRequest describes a transaction to build. SequenceNumber overrides the chain's current sequence number
// for the sender when set; otherwise it is resolved from the chain while building.
type BuildRequest struct {
	Sender         string
	Function       FunctionID
	TypeArgs       []string
	Args           []any
	Value          *big.Int
	SequenceNumber *uint64
}

// Adapter is a typed façade over one chain's RPC surface.
type Adapter interface {
	ID() ID

	// ReadState returns the raw encoded value selected by q. Absent state yields ErrNotFound.
	ReadState(ctx context.Context, q StateQuery) ([]byte, error)

	BuildUnsignedTransaction(ctx context.Context, req BuildRequest) (*UnsignedTransaction, error)

	// SigningMessage returns the exact bytes the sender's key must sign for tx.
	SigningMessage(ctx context.Context, tx *UnsignedTransaction) ([]byte, error)

	// Attach binds a signature produced over SigningMessage to tx.
	Attach(tx *UnsignedTransaction, signature, publicKey []byte) (*SignedTransaction, error)

	// Simulate predicts the outcome of tx without consuming its sequence number.
	Simulate(ctx context.Context, tx *SignedTransaction) (*SimulationResult, error)

	// Submit hands tx to the chain's admission layer and returns its id. Admission failures wrap
	// ErrSubmissionRejected.
	Submit(ctx context.Context, tx *SignedTransaction) (string, error)

	// AwaitFinality polls until txID reaches a terminal state. When timeout elapses it returns a receipt with
	// StatusTimedOut and a nil error; the caller decides what that means.
	AwaitFinality(ctx context.Context, txID string, pollInterval, timeout time.Duration) (*Receipt, error)
}
