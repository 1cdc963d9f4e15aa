// Package crossvm builds the payloads that make one VM call into the other: ABI calldata for the EVM side, the
// calldata-in-calldata wrapping of the bridge entry points, and the BCS primitives the Move entry points expect.
package crossvm

import (
	"bytes"
	"math/big"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/address"
)

// Method is a parsed solidity function signature such as "setNumber(uint256)".
type Method struct {
	Name   string
	Inputs abi.Arguments
}

// ParseMethod parses a canonical solidity signature. Parameter names are allowed and ignored, so
// "vote(bytes32 multisignAccount, uint64 sequence_number, bool approve)" parses the same as
// "vote(bytes32,uint64,bool)". Tuple parameters are not supported.
func ParseMethod(signature string) (Method, error) {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "function ")
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return Method{}, eris.Errorf("malformed function signature %q", signature)
	}
	name := strings.TrimSpace(signature[:open])
	inner := strings.TrimSpace(signature[open+1 : len(signature)-1])
	if strings.ContainsAny(inner, "()") {
		return Method{}, eris.Errorf("tuple parameters are not supported: %q", signature)
	}
	types, err := ParseTypes(splitParams(inner))
	if err != nil {
		return Method{}, eris.Wrapf(err, "in %q", signature)
	}
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
	}
	return Method{Name: name, Inputs: args}, nil
}

// ParseTypes parses a list of solidity type names, e.g. the outputs of a view function.
func ParseTypes(names []string) ([]abi.Type, error) {
	types := make([]abi.Type, 0, len(names))
	for _, n := range names {
		if err := checkWidth(n); err != nil {
			return nil, err
		}
		t, err := abi.NewType(n, "", nil)
		if err != nil {
			return nil, eris.Wrapf(err, "unsupported solidity type %q", n)
		}
		types = append(types, t)
	}
	return types, nil
}

var (
	arraySuffix = regexp.MustCompile(`(\[[0-9]*\])+$`)
	sizedType   = regexp.MustCompile(`^(u?int|bytes)([0-9]*)$`)
)

// checkWidth rejects integer and fixed bytes widths solidity does not have, such as uint7 or bytes33.
// abi.NewType accepts them.
func checkWidth(name string) error {
	m := sizedType.FindStringSubmatch(arraySuffix.ReplaceAllString(name, ""))
	if m == nil || (m[1] == "bytes" && m[2] == "") {
		return nil
	}
	width, err := strconv.Atoi(m[2])
	if err != nil {
		return eris.Errorf("solidity type %q needs an explicit width", name)
	}
	if m[1] == "bytes" {
		if width < 1 || width > 32 {
			return eris.Errorf("invalid solidity type %q: bytes width must be 1 to 32", name)
		}
		return nil
	}
	if width < 8 || width > 256 || width%8 != 0 {
		return eris.Errorf("invalid solidity type %q: integer width must be a multiple of 8 up to 256", name)
	}
	return nil
}

func splitParams(inner string) []string {
	if inner == "" {
		return nil
	}
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		// drop data location and parameter name: "bytes memory data" -> "bytes"
		out = append(out, fields[0])
	}
	return out
}

// Sig returns the canonical signature used to derive the selector.
func (m Method) Sig() string {
	names := make([]string, len(m.Inputs))
	for i, in := range m.Inputs {
		names[i] = in.Type.String()
	}
	return m.Name + "(" + strings.Join(names, ",") + ")"
}

func (m Method) Selector() []byte {
	return crypto.Keccak256([]byte(m.Sig()))[:4]
}

// Encode returns selector ++ abi.encode(args). Arguments are normalized to the Go types the ABI packer expects
// first; see Normalize.
func (m Method) Encode(args ...any) ([]byte, error) {
	if len(args) != len(m.Inputs) {
		return nil, eris.Errorf("%s expects %d arguments, got %d", m.Sig(), len(m.Inputs), len(args))
	}
	normalized := make([]any, len(args))
	for i, a := range args {
		v, err := Normalize(m.Inputs[i].Type, a)
		if err != nil {
			return nil, eris.Wrapf(err, "argument %d of %s", i, m.Sig())
		}
		normalized[i] = v
	}
	packed, err := m.Inputs.Pack(normalized...)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to pack arguments of %s", m.Sig())
	}
	return append(m.Selector(), packed...), nil
}

// Decode checks the selector of data and unpacks the arguments.
func (m Method) Decode(data []byte) ([]any, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], m.Selector()) {
		return nil, eris.Errorf("calldata is not a call to %s", m.Sig())
	}
	out, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, eris.Wrapf(err, "failed to unpack arguments of %s", m.Sig())
	}
	return out, nil
}

// EncodeCall is shorthand for ParseMethod followed by Encode.
func EncodeCall(signature string, args ...any) ([]byte, error) {
	m, err := ParseMethod(signature)
	if err != nil {
		return nil, err
	}
	return m.Encode(args...)
}

// DecodeCall is shorthand for ParseMethod followed by Decode.
func DecodeCall(signature string, data []byte) ([]any, error) {
	m, err := ParseMethod(signature)
	if err != nil {
		return nil, err
	}
	return m.Decode(data)
}

// DecodeOutputs unpacks the return data of an eth_call.
func DecodeOutputs(typeNames []string, data []byte) ([]any, error) {
	types, err := ParseTypes(typeNames)
	if err != nil {
		return nil, err
	}
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
	}
	out, err := args.Unpack(data)
	if err != nil {
		return nil, eris.Wrap(err, "failed to unpack return data")
	}
	return out, nil
}

// EncodeOutputs packs values as return data. It is the inverse of DecodeOutputs.
func EncodeOutputs(typeNames []string, values ...any) ([]byte, error) {
	types, err := ParseTypes(typeNames)
	if err != nil {
		return nil, err
	}
	if len(types) != len(values) {
		return nil, eris.Errorf("expected %d values, got %d", len(types), len(values))
	}
	args := make(abi.Arguments, len(types))
	normalized := make([]any, len(values))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
		v, err := Normalize(t, values[i])
		if err != nil {
			return nil, eris.Wrapf(err, "value %d", i)
		}
		normalized[i] = v
	}
	bz, err := args.Pack(normalized...)
	return bz, eris.Wrap(err, "failed to pack return data")
}

// Normalize converts v to the Go type the go-ethereum ABI packer expects for t. It accepts the integer kinds,
// *big.Int and *uint256.Int for numbers; address.Move, common.Hash and 32 byte slices for bytes32;
// common.Address, address.ChainAddress and hex strings for addresses; CallPayload and hex strings for bytes.
func Normalize(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		n, err := toBig(v)
		if err != nil {
			return nil, err
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return nil, eris.Errorf("negative value %s for %s", n, t)
		}
		bits := t.Size
		if t.T == abi.IntTy {
			bits--
		}
		if n.BitLen() > bits {
			return nil, eris.Errorf("value %s overflows %s", n, t)
		}
		return sizedInt(t, n), nil
	case abi.AddressTy:
		return toAddress(v)
	case abi.FixedBytesTy:
		return toFixedBytes(t, v)
	case abi.BytesTy:
		return toBytes(v)
	case abi.BoolTy, abi.StringTy:
		rv := reflect.ValueOf(v)
		if !rv.IsValid() || rv.Type() != t.GetType() {
			return nil, eris.Errorf("expected %s, got %T", t, v)
		}
		return v, nil
	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, eris.Errorf("expected a list for %s, got %T", t, v)
		}
		var out reflect.Value
		if t.T == abi.SliceTy {
			out = reflect.MakeSlice(t.GetType(), rv.Len(), rv.Len())
		} else {
			if rv.Len() != t.Size {
				return nil, eris.Errorf("%s expects %d elements, got %d", t, t.Size, rv.Len())
			}
			out = reflect.New(t.GetType()).Elem()
		}
		for i := 0; i < rv.Len(); i++ {
			e, err := Normalize(*t.Elem, rv.Index(i).Interface())
			if err != nil {
				return nil, eris.Wrapf(err, "element %d", i)
			}
			out.Index(i).Set(reflect.ValueOf(e))
		}
		return out.Interface(), nil
	default:
		return nil, eris.Errorf("unsupported solidity type %s", t)
	}
}

func toBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, eris.New("nil *big.Int")
		}
		return new(big.Int).Set(n), nil
	case *uint256.Int:
		if n == nil {
			return nil, eris.New("nil *uint256.Int")
		}
		return n.ToBig(), nil
	case uint256.Int:
		return n.ToBig(), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case string:
		b, ok := new(big.Int).SetString(n, 0)
		if !ok {
			return nil, eris.Errorf("%q is not an integer", n)
		}
		return b, nil
	default:
		return nil, eris.Errorf("cannot use %T as an integer", v)
	}
}

// sizedInt returns n as the Go type geth packs for t: the native sized ints up to 64 bits, *big.Int above.
func sizedInt(t abi.Type, n *big.Int) any {
	if t.T == abi.UintTy {
		switch t.Size {
		case 8:
			return uint8(n.Uint64())
		case 16:
			return uint16(n.Uint64())
		case 32:
			return uint32(n.Uint64())
		case 64:
			return n.Uint64()
		}
		return n
	}
	switch t.Size {
	case 8:
		return int8(n.Int64())
	case 16:
		return int16(n.Int64())
	case 32:
		return int32(n.Int64())
	case 64:
		return n.Int64()
	}
	return n
}

func toAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case address.ChainAddress:
		evm, err := address.Transcode(a, address.KindEVM)
		if err != nil {
			return common.Address{}, err
		}
		out, _ := evm.EVM()
		return out, nil
	case string:
		if !common.IsHexAddress(a) {
			return common.Address{}, eris.Errorf("%q is not an EVM address", a)
		}
		return common.HexToAddress(a), nil
	default:
		return common.Address{}, eris.Errorf("cannot use %T as an address", v)
	}
}

func toFixedBytes(t abi.Type, v any) (any, error) {
	var raw []byte
	switch b := v.(type) {
	case address.Move:
		raw = b.Bytes()
	case address.ChainAddress:
		mv, err := address.Transcode(b, address.KindMove)
		if err != nil {
			return nil, err
		}
		m, _ := mv.Move()
		raw = m.Bytes()
	case common.Hash:
		raw = b.Bytes()
	case [32]byte:
		raw = b[:]
	case []byte:
		raw = b
	case string:
		raw = common.FromHex(b)
	default:
		rv := reflect.ValueOf(v)
		if rv.IsValid() && rv.Type() == t.GetType() {
			return v, nil
		}
		return nil, eris.Errorf("cannot use %T as %s", v, t)
	}
	if len(raw) != t.Size {
		return nil, eris.Errorf("%s expects %d bytes, got %d", t, t.Size, len(raw))
	}
	out := reflect.New(t.GetType()).Elem()
	reflect.Copy(out, reflect.ValueOf(raw))
	return out.Interface(), nil
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case CallPayload:
		return b.Bytes(), nil
	case string:
		return common.FromHex(b), nil
	default:
		return nil, eris.Errorf("cannot use %T as bytes", v)
	}
}
