package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// FunctionID identifies a callable entry point. Move functions use all three parts (0x1::evm::send_move_tx_to_evm).
// EVM functions leave Module empty: Address is the contract and Name the solidity signature (setNumber(uint256)).
// An EVM FunctionID with an empty Address is a contract creation.
type FunctionID struct {
	Address string `json:"address"`
	Module  string `json:"module,omitempty"`
	Name    string `json:"name"`
}

// ParseMoveFunction parses "address::module::name".
func ParseMoveFunction(s string) (FunctionID, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return FunctionID{}, eris.Errorf("malformed move function id %q", s)
	}
	return FunctionID{Address: parts[0], Module: parts[1], Name: parts[2]}, nil
}

func (f FunctionID) IsZero() bool { return f == FunctionID{} }

func (f FunctionID) String() string {
	if f.Module != "" {
		return f.Address + "::" + f.Module + "::" + f.Name
	}
	if f.Address == "" {
		return "create"
	}
	if f.Name == "" {
		return f.Address
	}
	return f.Address + "." + f.Name
}

// UnsignedTransaction is immutable once constructed. Accessors return copies of slices.
type UnsignedTransaction struct {
	chain    ID
	origin   string
	function FunctionID
	typeArgs []string
	args     []any
	value    *big.Int
	sequence *uint64
	native   any
}

// NewUnsignedTransaction is called by adapters once they have built the chain-native form of req. The sequence
// number is the one actually used, which may have been resolved while building.
func NewUnsignedTransaction(id ID, req BuildRequest, sequence uint64, native any) *UnsignedTransaction {
	seq := sequence
	tx := &UnsignedTransaction{
		chain:    id,
		origin:   req.Sender,
		function: req.Function,
		typeArgs: append([]string(nil), req.TypeArgs...),
		args:     append([]any(nil), req.Args...),
		sequence: &seq,
		native:   native,
	}
	if req.Value != nil {
		tx.value = new(big.Int).Set(req.Value)
	}
	return tx
}

func (tx *UnsignedTransaction) Chain() ID            { return tx.chain }
func (tx *UnsignedTransaction) Origin() string       { return tx.origin }
func (tx *UnsignedTransaction) Function() FunctionID { return tx.function }
func (tx *UnsignedTransaction) TypeArgs() []string   { return append([]string(nil), tx.typeArgs...) }
func (tx *UnsignedTransaction) Args() []any          { return append([]any(nil), tx.args...) }

// Native returns the adapter specific representation (a *types.Transaction on the EVM, a submission request on
// Move). Only the adapter that built the transaction knows its type.
func (tx *UnsignedTransaction) Native() any { return tx.native }

func (tx *UnsignedTransaction) Value() *big.Int {
	if tx.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(tx.value)
}

func (tx *UnsignedTransaction) SequenceNumber() (uint64, bool) {
	if tx.sequence == nil {
		return 0, false
	}
	return *tx.sequence, true
}

type contentView struct {
	Chain    ID         `json:"chain"`
	Origin   string     `json:"origin"`
	Function FunctionID `json:"function"`
	TypeArgs []string   `json:"typeArgs"`
	Args     []any      `json:"args"`
	Value    string     `json:"value"`
	Sequence *uint64    `json:"sequence"`
}

// ContentHash identifies what the transaction does, including its sequence number. Two transactions with the same
// content hash are the same submission as far as the chain is concerned.
func (tx *UnsignedTransaction) ContentHash() (common.Hash, error) {
	bz, err := json.Marshal(contentView{
		Chain:    tx.chain,
		Origin:   strings.ToLower(tx.origin),
		Function: tx.function,
		TypeArgs: tx.typeArgs,
		Args:     tx.args,
		Value:    tx.Value().String(),
		Sequence: tx.sequence,
	})
	if err != nil {
		return common.Hash{}, eris.Wrap(err, "failed to encode transaction content")
	}
	return crypto.Keccak256Hash(bz), nil
}

func (tx *UnsignedTransaction) String() string {
	seq, _ := tx.SequenceNumber()
	return fmt.Sprintf("%s %s -> %s (seq %d)", tx.chain, tx.origin, tx.function, seq)
}

// SignedTransaction is an UnsignedTransaction bound to a signature. It is never mutated; any change would
// invalidate the signature.
type SignedTransaction struct {
	unsigned  *UnsignedTransaction
	signature []byte
	publicKey []byte
	native    any
}

func NewSignedTransaction(unsigned *UnsignedTransaction, signature, publicKey []byte, native any) *SignedTransaction {
	return &SignedTransaction{
		unsigned:  unsigned,
		signature: append([]byte(nil), signature...),
		publicKey: append([]byte(nil), publicKey...),
		native:    native,
	}
}

func (s *SignedTransaction) Unsigned() *UnsignedTransaction { return s.unsigned }
func (s *SignedTransaction) Signature() []byte              { return append([]byte(nil), s.signature...) }
func (s *SignedTransaction) PublicKey() []byte              { return append([]byte(nil), s.publicKey...) }
func (s *SignedTransaction) Native() any                    { return s.native }

type Status uint8

const (
	StatusPending Status = iota
	StatusSuccess
	StatusReverted
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusReverted:
		return "reverted"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Receipt is produced once per transaction id and never changes afterwards.
type Receipt struct {
	TxID   string `json:"txId"`
	Status Status `json:"status"`
	// Version is the block number on the EVM and the ledger version on Move.
	Version  uint64 `json:"version"`
	VMStatus string `json:"vmStatus,omitempty"`
	GasUsed  uint64 `json:"gasUsed"`
}

// Terminal reports whether the chain reached a final outcome. A timed out receipt is not terminal.
func (r *Receipt) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusReverted
}

type SimulationResult struct {
	WillSucceed bool
	GasEstimate uint64
	AbortReason string
}
