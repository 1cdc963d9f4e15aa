package crossvm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/address"
)

// CallMoveSignature is the precompile entry point that forwards EVM calldata into the Move VM.
const CallMoveSignature = "callMove(bytes32,bytes)"

// CallPayload is "call Target with Data" on the remote chain. It is opaque to the origin chain, which only embeds
// its bytes as a transaction argument.
type CallPayload struct {
	Target    address.ChainAddress
	Signature string
	Data      []byte
}

func (p CallPayload) Bytes() []byte { return append([]byte(nil), p.Data...) }

// EncodeRemoteCall builds the calldata of signature(args...) addressed to target.
func EncodeRemoteCall(target address.ChainAddress, signature string, args ...any) (CallPayload, error) {
	m, err := ParseMethod(signature)
	if err != nil {
		return CallPayload{}, err
	}
	data, err := m.Encode(args...)
	if err != nil {
		return CallPayload{}, err
	}
	return CallPayload{Target: target, Signature: m.Sig(), Data: data}, nil
}

// EncodeMoveCall wraps inner, which must target a Move address, in a callMove(bytes32,bytes) call to the
// precompile. Executing the result on the EVM runs inner inside the Move VM.
func EncodeMoveCall(precompile common.Address, inner CallPayload) (CallPayload, error) {
	framework, ok := inner.Target.Move()
	if !ok {
		return CallPayload{}, eris.Errorf("callMove needs a Move target, got %s", inner.Target.Kind())
	}
	return EncodeRemoteCall(address.FromEVM(precompile), CallMoveSignature, framework, inner.Data)
}

// Style selects the argument shape of the bridge entry point the origin transaction calls.
type Style uint8

const (
	// StyleAccountOriginated is 0x1::evm::send_move_tx_to_evm: the origin account signs and supplies its cross-VM
	// nonce.
	StyleAccountOriginated Style = iota + 1
	// StyleContractOriginated is an intermediary Move module calling the EVM on the account's behalf. No nonce.
	StyleContractOriginated
)

// evmTxTypeLegacy is the transaction type argument of send_move_tx_to_evm.
const evmTxTypeLegacy uint64 = 1

func (s Style) String() string {
	switch s {
	case StyleAccountOriginated:
		return "account-originated"
	case StyleContractOriginated:
		return "contract-originated"
	default:
		return "unknown"
	}
}

// WrapForCrossCall returns the Move entry function arguments that deliver p to the EVM:
//
//	account-originated:  [nonce u64, to bytes, value bytes, data bytes, tx type u64]
//	contract-originated: [to bytes, data bytes, value bytes]
//
// value is BCS encoded as a little endian u256. The caller nonce is ignored for the contract-originated style.
func WrapForCrossCall(p CallPayload, callerNonce uint64, value *uint256.Int, style Style) ([]any, error) {
	to, ok := p.Target.EVM()
	if !ok {
		return nil, eris.Errorf("cross call target must be an EVM address, got %s", p.Target)
	}
	encodedValue := EncodeU256(value)
	switch style {
	case StyleAccountOriginated:
		return []any{callerNonce, to.Bytes(), encodedValue, p.Bytes(), evmTxTypeLegacy}, nil
	case StyleContractOriginated:
		return []any{to.Bytes(), p.Bytes(), encodedValue}, nil
	default:
		return nil, eris.Errorf("unknown cross call style %d", style)
	}
}
