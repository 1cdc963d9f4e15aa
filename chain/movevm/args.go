package movevm

import (
	"encoding/hex"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/address"
)

// EncodeArgs converts Go values to the JSON argument encoding of the REST API: byte strings and addresses as 0x
// hex, integers as decimal strings, bools and strings as they are, and lists element-wise. EVM addresses are
// transcoded to Move addresses.
func EncodeArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := encodeArg(a)
		if err != nil {
			return nil, eris.Wrapf(err, "argument %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func encodeArg(a any) (any, error) {
	switch v := a.(type) {
	case nil:
		return nil, eris.New("nil argument")
	case []byte:
		return "0x" + hex.EncodeToString(v), nil
	case address.Move:
		return v.Hex(), nil
	case common.Address:
		return address.ToMove(v).Hex(), nil
	case address.ChainAddress:
		m, err := address.Transcode(v, address.KindMove)
		if err != nil {
			return nil, err
		}
		return m.String(), nil
	case bool, string:
		return v, nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case int:
		if v < 0 {
			return nil, eris.Errorf("negative integer %d", v)
		}
		return strconv.Itoa(v), nil
	case int64:
		if v < 0 {
			return nil, eris.Errorf("negative integer %d", v)
		}
		return strconv.FormatInt(v, 10), nil
	case *big.Int:
		if v == nil || v.Sign() < 0 {
			return nil, eris.Errorf("invalid unsigned integer %v", v)
		}
		return v.String(), nil
	case *uint256.Int:
		if v == nil {
			return nil, eris.New("nil *uint256.Int")
		}
		return v.Dec(), nil
	}

	rv := reflect.ValueOf(a)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		list := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e, err := encodeArg(rv.Index(i).Interface())
			if err != nil {
				return nil, eris.Wrapf(err, "element %d", i)
			}
			list[i] = e
		}
		return list, nil
	}
	return nil, eris.Errorf("unsupported move argument type %T", a)
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	return b, eris.Wrap(err, "")
}
