// Package address converts account identifiers between the EVM (20 byte) and Move (32 byte) address spaces.
//
// Transcoding is a bijection between EVM addresses and the subset of Move addresses whose 12 high bytes are zero.
// Move addresses outside that subset are rejected with ErrAddressNotRepresentable instead of being truncated.
package address

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
	"golang.org/x/crypto/sha3"
)

const (
	EVMLength  = common.AddressLength
	MoveLength = 32

	padLength = MoveLength - EVMLength

	// ed25519Scheme is the authentication key scheme byte appended to single ed25519 public keys.
	ed25519Scheme = 0x00
)

var (
	ErrAddressNotRepresentable = errors.New("move address is not representable as an evm address")
	ErrInvalidAddress          = errors.New("invalid address")
)

type Kind uint8

const (
	KindEVM Kind = iota + 1
	KindMove
)

func (k Kind) String() string {
	switch k {
	case KindEVM:
		return "evm"
	case KindMove:
		return "move"
	default:
		return "unknown"
	}
}

// ParseKind parses "evm" or "move".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "evm":
		return KindEVM, nil
	case "move":
		return KindMove, nil
	}
	return 0, eris.Errorf("unknown address kind %q", s)
}

// Move is a 32 byte Move VM account address.
type Move [MoveLength]byte

// ParseMove parses a hex Move address. Short forms such as "0x1" are left padded with zeros, which is how the
// Move VM canonicalizes special addresses.
func ParseMove(s string) (Move, error) {
	var m Move
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if raw == "" || len(raw) > 2*MoveLength {
		return m, eris.Wrapf(ErrInvalidAddress, "move address %q", s)
	}
	if len(raw)%2 == 1 {
		raw = "0" + raw
	}
	bz, err := hex.DecodeString(raw)
	if err != nil {
		return m, eris.Wrapf(ErrInvalidAddress, "move address %q: %v", s, err)
	}
	copy(m[MoveLength-len(bz):], bz)
	return m, nil
}

// MustParseMove is ParseMove for constants.
func MustParseMove(s string) Move {
	m, err := ParseMove(s)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseEVM parses a 20 byte hex address. Unlike common.HexToAddress it refuses inputs of the wrong length.
func ParseEVM(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, eris.Wrapf(ErrInvalidAddress, "evm address %q", s)
	}
	return common.HexToAddress(s), nil
}

func (m Move) Bytes() []byte { return m[:] }

// Hex returns the full 64 digit form.
func (m Move) Hex() string { return "0x" + hex.EncodeToString(m[:]) }

func (m Move) String() string { return m.Hex() }

// Short returns the form without leading zeros, e.g. 0x1, as used in Move type and function ids.
func (m Move) Short() string {
	trimmed := strings.TrimLeft(hex.EncodeToString(m[:]), "0")
	if trimmed == "" {
		trimmed = "0"
	}
	return "0x" + trimmed
}

func (m Move) IsZero() bool { return m == Move{} }

func (m Move) MarshalText() ([]byte, error) { return []byte(m.Hex()), nil }

func (m *Move) UnmarshalText(text []byte) error {
	parsed, err := ParseMove(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ToMove zero extends an EVM address on the high end.
func ToMove(a common.Address) Move {
	var m Move
	copy(m[padLength:], a.Bytes())
	return m
}

// ToEVM strips the 12 high bytes of a Move address. They must all be zero.
func ToEVM(m Move) (common.Address, error) {
	for _, b := range m[:padLength] {
		if b != 0 {
			return common.Address{}, eris.Wrapf(ErrAddressNotRepresentable, "%s", m.Hex())
		}
	}
	return common.BytesToAddress(m[padLength:]), nil
}

// EVMAccountOf returns the EVM identity the Move framework gives a Move signer when it transacts on the EVM side:
// the low 20 bytes of its address. This is lossy and is not an inverse of ToMove; use ToEVM for transcoding.
func EVMAccountOf(m Move) common.Address {
	return common.BytesToAddress(m[padLength:])
}

// FromEd25519PublicKey derives the address of a single-key ed25519 account: sha3-256(pubkey || scheme).
func FromEd25519PublicKey(pub []byte) Move {
	h := sha3.New256()
	h.Write(pub)
	h.Write([]byte{ed25519Scheme})
	var m Move
	copy(m[:], h.Sum(nil))
	return m
}

// ChainAddress holds either an EVM or a Move address.
type ChainAddress struct {
	kind Kind
	evm  common.Address
	move Move
}

func FromEVM(a common.Address) ChainAddress { return ChainAddress{kind: KindEVM, evm: a} }

func FromMove(m Move) ChainAddress { return ChainAddress{kind: KindMove, move: m} }

// Parse infers the kind from the number of hex digits: 40 is EVM, anything else up to 64 is Move.
func Parse(s string) (ChainAddress, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) == 2*EVMLength {
		a, err := ParseEVM(s)
		if err != nil {
			return ChainAddress{}, err
		}
		return FromEVM(a), nil
	}
	m, err := ParseMove(s)
	if err != nil {
		return ChainAddress{}, err
	}
	return FromMove(m), nil
}

func (c ChainAddress) Kind() Kind { return c.kind }

func (c ChainAddress) EVM() (common.Address, bool) { return c.evm, c.kind == KindEVM }

func (c ChainAddress) Move() (Move, bool) { return c.move, c.kind == KindMove }

func (c ChainAddress) String() string {
	switch c.kind {
	case KindEVM:
		return c.evm.Hex()
	case KindMove:
		return c.move.Hex()
	default:
		return ""
	}
}

// Transcode converts addr into the target address space.
func Transcode(addr ChainAddress, target Kind) (ChainAddress, error) {
	if addr.kind == target {
		return addr, nil
	}
	switch {
	case addr.kind == KindEVM && target == KindMove:
		return FromMove(ToMove(addr.evm)), nil
	case addr.kind == KindMove && target == KindEVM:
		a, err := ToEVM(addr.move)
		if err != nil {
			return ChainAddress{}, err
		}
		return FromEVM(a), nil
	}
	return ChainAddress{}, eris.Errorf("cannot transcode %s address to %s", addr.kind, target)
}
