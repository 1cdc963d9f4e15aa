package chain

import (
	"math/big"
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseMoveFunction(t *testing.T) {
	fn, err := ParseMoveFunction("0x1::evm::send_move_tx_to_evm")
	assert.NilError(t, err)
	assert.Equal(t, fn, FunctionID{Address: "0x1", Module: "evm", Name: "send_move_tx_to_evm"})
	assert.Equal(t, fn.String(), "0x1::evm::send_move_tx_to_evm")

	_, err = ParseMoveFunction("0x1::evm")
	assert.ErrorContains(t, err, "malformed")
}

func TestUnsignedTransactionIsImmutable(t *testing.T) {
	args := []any{uint64(1), []byte{0xaa}}
	req := BuildRequest{
		Sender:   "0x1",
		Function: FunctionID{Address: "0x1", Module: "evm", Name: "send_move_tx_to_evm"},
		Args:     args,
		Value:    big.NewInt(5),
	}
	tx := NewUnsignedTransaction("move:test", req, 3, nil)

	args[0] = uint64(99)
	req.Value.SetInt64(6)
	got := tx.Args()
	got[1] = "mutated"

	assert.Equal(t, tx.Args()[0], uint64(1))
	assert.DeepEqual(t, tx.Args()[1], []byte{0xaa})
	assert.Equal(t, tx.Value().Int64(), int64(5))
	seq, ok := tx.SequenceNumber()
	assert.Assert(t, ok)
	assert.Equal(t, seq, uint64(3))
}

func TestContentHashTracksSequenceNumber(t *testing.T) {
	req := BuildRequest{
		Sender:   "0xAbC",
		Function: FunctionID{Address: "0x1", Module: "evm", Name: "send_move_tx_to_evm"},
		Args:     []any{uint64(1)},
	}
	a, err := NewUnsignedTransaction("move:test", req, 1, "native-a").ContentHash()
	assert.NilError(t, err)
	b, err := NewUnsignedTransaction("move:test", req, 1, "native-b").ContentHash()
	assert.NilError(t, err)
	c, err := NewUnsignedTransaction("move:test", req, 2, nil).ContentHash()
	assert.NilError(t, err)

	assert.Equal(t, a, b)
	assert.Assert(t, a != c)
}

func TestReceiptTerminal(t *testing.T) {
	assert.Assert(t, (&Receipt{Status: StatusSuccess}).Terminal())
	assert.Assert(t, (&Receipt{Status: StatusReverted}).Terminal())
	assert.Assert(t, !(&Receipt{Status: StatusTimedOut}).Terminal())
	assert.Equal(t, StatusTimedOut.String(), "timed_out")
}
