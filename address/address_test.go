package address

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"gotest.tools/v3/assert"
)

func randomEVM(t *testing.T) common.Address {
	var a common.Address
	_, err := rand.Read(a[:])
	assert.NilError(t, err)
	return a
}

func TestEVMRoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		a := randomEVM(t)
		back, err := ToEVM(ToMove(a))
		assert.NilError(t, err)
		assert.Equal(t, back, a)
	}
}

func TestMoveRoundTripOnRepresentableDomain(t *testing.T) {
	for i := 0; i < 100; i++ {
		m := ToMove(randomEVM(t))
		a, err := ToEVM(m)
		assert.NilError(t, err)
		assert.Equal(t, ToMove(a), m)
	}
}

func TestNonRepresentableMoveAddressIsRejected(t *testing.T) {
	m := MustParseMove("0x0100000000000000000000000000000000000000000000000000000000000001")
	_, err := ToEVM(m)
	assert.Assert(t, errors.Is(err, ErrAddressNotRepresentable))

	_, err = Transcode(FromMove(m), KindEVM)
	assert.Assert(t, errors.Is(err, ErrAddressNotRepresentable))
}

func TestZeroPaddingIsOnTheHighEnd(t *testing.T) {
	a := common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
	assert.Equal(t, ToMove(a).Hex(), "0x000000000000000000000000d8da6bf26964af9d7eed9e03e53415d37aa96045")
}

func TestTranscode(t *testing.T) {
	a := randomEVM(t)
	moved, err := Transcode(FromEVM(a), KindMove)
	assert.NilError(t, err)
	assert.Equal(t, moved.Kind(), KindMove)

	back, err := Transcode(moved, KindEVM)
	assert.NilError(t, err)
	got, ok := back.EVM()
	assert.Assert(t, ok)
	assert.Equal(t, got, a)

	same, err := Transcode(moved, KindMove)
	assert.NilError(t, err)
	assert.Equal(t, same, moved)
}

func TestParseMoveShortForm(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"0x1", "0x0000000000000000000000000000000000000000000000000000000000000001"},
		{"0xabc", "0x0000000000000000000000000000000000000000000000000000000000000abc"},
		{"1", "0x0000000000000000000000000000000000000000000000000000000000000001"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			m, err := ParseMove(tc.in)
			assert.NilError(t, err)
			assert.Equal(t, m.Hex(), tc.want)
		})
	}

	_, err := ParseMove("0x")
	assert.Assert(t, errors.Is(err, ErrInvalidAddress))
	_, err = ParseMove("0x00000000000000000000000000000000000000000000000000000000000000001")
	assert.Assert(t, errors.Is(err, ErrInvalidAddress))
	_, err = ParseMove("0xzz")
	assert.Assert(t, errors.Is(err, ErrInvalidAddress))
}

func TestParseInfersKind(t *testing.T) {
	evm, err := Parse("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
	assert.NilError(t, err)
	assert.Equal(t, evm.Kind(), KindEVM)

	move, err := Parse("0x1")
	assert.NilError(t, err)
	assert.Equal(t, move.Kind(), KindMove)
}

func TestEVMAccountOfKeepsLowBytes(t *testing.T) {
	m := MustParseMove("0xaaaaaaaaaaaaaaaaaaaaaaaad8da6bf26964af9d7eed9e03e53415d37aa96045")
	assert.Equal(t, EVMAccountOf(m), common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"))
}

func TestFromEd25519PublicKeyIsDeterministic(t *testing.T) {
	pub := make([]byte, 32)
	pub[0] = 7
	a := FromEd25519PublicKey(pub)
	b := FromEd25519PublicKey(pub)
	assert.Equal(t, a, b)
	assert.Assert(t, !a.IsZero())
}

func TestMoveTextMarshalling(t *testing.T) {
	m := MustParseMove("0x1")
	text, err := m.MarshalText()
	assert.NilError(t, err)

	var got Move
	assert.NilError(t, got.UnmarshalText(text))
	assert.Equal(t, got, m)
}

func TestMoveShortForm(t *testing.T) {
	assert.Equal(t, MustParseMove("0x1").Short(), "0x1")
	assert.Equal(t, Move{}.Short(), "0x0")
	assert.Equal(t, MustParseMove("0xa11ce").Short(), "0xa11ce")
}
