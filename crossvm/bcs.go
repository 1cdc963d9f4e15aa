package crossvm

import (
	"bytes"
	"encoding/binary"

	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/address"
)

// Serializer writes the subset of BCS (Binary Canonical Serialization) the Move entry points need. Integers are
// little endian, sequences are prefixed with their ULEB128 length.
type Serializer struct {
	buf bytes.Buffer
}

func (s *Serializer) U8(v uint8) { s.buf.WriteByte(v) }

func (s *Serializer) Bool(v bool) {
	if v {
		s.U8(1)
		return
	}
	s.U8(0)
}

func (s *Serializer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.buf.Write(b[:])
}

// U256 writes v as 32 little endian bytes. A nil value is written as zero.
func (s *Serializer) U256(v *uint256.Int) {
	if v == nil {
		v = new(uint256.Int)
	}
	be := v.Bytes32()
	for i := len(be) - 1; i >= 0; i-- {
		s.buf.WriteByte(be[i])
	}
}

func (s *Serializer) ULEB128(v uint64) {
	for v >= 0x80 {
		s.buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	s.buf.WriteByte(byte(v))
}

func (s *Serializer) Bytes(b []byte) {
	s.ULEB128(uint64(len(b)))
	s.buf.Write(b)
}

func (s *Serializer) String(v string) { s.Bytes([]byte(v)) }

// Address writes the 32 raw bytes of a Move address; addresses are not length prefixed.
func (s *Serializer) Address(a address.Move) { s.buf.Write(a[:]) }

func (s *Serializer) Result() []byte { return append([]byte(nil), s.buf.Bytes()...) }

func EncodeU64(v uint64) []byte {
	var s Serializer
	s.U64(v)
	return s.Result()
}

// EncodeU256 returns the canonical 32 byte little endian encoding of v, the form 0x1::evm expects for call values.
func EncodeU256(v *uint256.Int) []byte {
	var s Serializer
	s.U256(v)
	return s.Result()
}

func EncodeULEB128(v uint64) []byte {
	var s Serializer
	s.ULEB128(v)
	return s.Result()
}

func EncodeBytes(b []byte) []byte {
	var s Serializer
	s.Bytes(b)
	return s.Result()
}

func EncodeString(v string) []byte {
	var s Serializer
	s.String(v)
	return s.Result()
}

func EncodeAddress(a address.Move) []byte {
	var s Serializer
	s.Address(a)
	return s.Result()
}

// DecodeU256 is the inverse of EncodeU256.
func DecodeU256(b []byte) (*uint256.Int, error) {
	if len(b) != 32 {
		return nil, eris.Errorf("u256 must be 32 bytes, got %d", len(b))
	}
	var be [32]byte
	for i := range b {
		be[31-i] = b[i]
	}
	return new(uint256.Int).SetBytes32(be[:]), nil
}

// DecodeULEB128 returns the decoded value and the number of bytes read.
func DecodeULEB128(b []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(b) && i < 10; i++ {
		v |= uint64(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, eris.New("truncated or oversized uleb128")
}

// EntryFunction is a call to a Move entry function without type arguments. Args are already BCS encoded.
type EntryFunction struct {
	Address  address.Move
	Module   string
	Function string
	Args     [][]byte
}

func (f EntryFunction) String() string {
	return f.Address.Hex() + "::" + f.Module + "::" + f.Function
}

// EncodeMultisigEntryFunction encodes the MultisigTransactionPayload::EntryFunction variant accepted by
// 0x1::multisig_account::create_transaction.
func EncodeMultisigEntryFunction(f EntryFunction) []byte {
	var s Serializer
	s.ULEB128(0) // variant: EntryFunction
	s.Address(f.Address)
	s.String(f.Module)
	s.String(f.Function)
	s.ULEB128(0) // type arguments
	s.ULEB128(uint64(len(f.Args)))
	for _, a := range f.Args {
		s.Bytes(a)
	}
	return s.Result()
}

// DecodeMultisigEntryFunction is the inverse of EncodeMultisigEntryFunction.
func DecodeMultisigEntryFunction(b []byte) (EntryFunction, error) {
	d := deserializer{b: b}
	if variant := d.uleb(); variant != 0 {
		return EntryFunction{}, eris.Errorf("unsupported multisig payload variant %d", variant)
	}
	var f EntryFunction
	copy(f.Address[:], d.take(address.MoveLength))
	f.Module = string(d.bytes())
	f.Function = string(d.bytes())
	if n := d.uleb(); n != 0 {
		return EntryFunction{}, eris.New("type arguments are not supported")
	}
	n := d.uleb()
	for i := uint64(0); i < n && d.err == nil; i++ {
		f.Args = append(f.Args, d.bytes())
	}
	if d.err != nil {
		return EntryFunction{}, d.err
	}
	if len(d.b) != 0 {
		return EntryFunction{}, eris.Errorf("%d trailing bytes after multisig payload", len(d.b))
	}
	return f, nil
}

type deserializer struct {
	b   []byte
	err error
}

func (d *deserializer) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.b)) {
		d.err = eris.Errorf("need %d bytes, have %d", n, len(d.b))
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *deserializer) uleb() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeULEB128(d.b)
	if err != nil {
		d.err = err
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *deserializer) bytes() []byte {
	n := d.uleb()
	return append([]byte(nil), d.take(n)...)
}
