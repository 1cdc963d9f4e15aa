// Package safe models Safe smart-account transactions: the EIP-712 transaction hash owners sign, the calldata of
// the proxy factory and of execTransaction, signature packing, and a client for the Safe transaction service.
package safe

import (
	"bytes"
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/sign"
)

const (
	SetupSignature             = "setup(address[],uint256,address,bytes,address,address,uint256,address)"
	CreateProxySignature       = "createProxyWithNonce(address,bytes,uint256)"
	ExecTransactionSignature   = "execTransaction(address,uint256,bytes,uint8,uint256,uint256,uint256,address,address,bytes)"
	NonceSignature             = "nonce()"
	GetThresholdSignature      = "getThreshold()"
	GetOwnersSignature         = "getOwners()"
	ProxyCreationCodeSignature = "proxyCreationCode()"
)

// signatureLength is r, s and v of one ECDSA owner signature.
const signatureLength = 65

var (
	safeTxTypeHash = crypto.Keccak256Hash([]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation," +
		"uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
)

type Operation uint8

const (
	OperationCall Operation = iota
	OperationDelegateCall
)

// Transaction is a SafeTx. Nil big ints count as zero.
type Transaction struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      Operation
	SafeTxGas      uint64
	BaseGas        uint64
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}

// Hash returns the EIP-712 safeTxHash of tx for the Safe at safe on chainID. Owners sign this hash, and the
// transaction service indexes proposals by it.
func (tx Transaction) Hash(chainID *big.Int, safe common.Address) (common.Hash, error) {
	domain, err := crossvm.EncodeOutputs([]string{"bytes32", "uint256", "address"}, domainTypeHash, chainID, safe)
	if err != nil {
		return common.Hash{}, eris.Wrap(err, "failed to encode domain")
	}
	body, err := crossvm.EncodeOutputs(
		[]string{
			"bytes32", "address", "uint256", "bytes32", "uint8", "uint256", "uint256", "uint256", "address",
			"address", "uint256",
		},
		safeTxTypeHash, tx.To, orZero(tx.Value), crypto.Keccak256Hash(tx.Data), uint8(tx.Operation),
		tx.SafeTxGas, tx.BaseGas, orZero(tx.GasPrice), tx.GasToken, tx.RefundReceiver, tx.Nonce,
	)
	if err != nil {
		return common.Hash{}, eris.Wrap(err, "failed to encode safe transaction")
	}
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, crypto.Keccak256(domain), crypto.Keccak256(body)), nil
}

// ExecTransactionArgs returns the arguments of execTransaction for tx with the packed owner signatures.
func ExecTransactionArgs(tx Transaction, signatures []byte) []any {
	return []any{
		tx.To, orZero(tx.Value), tx.Data, uint8(tx.Operation), tx.SafeTxGas, tx.BaseGas, orZero(tx.GasPrice),
		tx.GasToken, tx.RefundReceiver, signatures,
	}
}

func EncodeExecTransaction(tx Transaction, signatures []byte) ([]byte, error) {
	return crossvm.EncodeCall(ExecTransactionSignature, ExecTransactionArgs(tx, signatures)...)
}

// EncodeSetup returns the initializer of a new Safe proxy with no module setup and no deployment payment.
func EncodeSetup(owners []common.Address, threshold uint64, fallbackHandler common.Address) ([]byte, error) {
	if threshold == 0 || threshold > uint64(len(owners)) {
		return nil, eris.Errorf("threshold %d is invalid for %d owners", threshold, len(owners))
	}
	return crossvm.EncodeCall(SetupSignature,
		owners, threshold, common.Address{}, []byte{}, fallbackHandler, common.Address{}, uint64(0), common.Address{},
	)
}

func EncodeCreateProxy(singleton common.Address, initializer []byte, saltNonce *big.Int) ([]byte, error) {
	return crossvm.EncodeCall(CreateProxySignature, singleton, initializer, orZero(saltNonce))
}

// PredictProxyAddress returns the address createProxyWithNonce deploys to: CREATE2 from the factory with salt
// keccak256(keccak256(initializer) || saltNonce) over the proxy creation code followed by the singleton.
func PredictProxyAddress(
	factory, singleton common.Address, proxyCreationCode, initializer []byte, saltNonce *big.Int,
) common.Address {
	salt := crypto.Keccak256Hash(crypto.Keccak256(initializer), common.BigToHash(orZero(saltNonce)).Bytes())
	deployment := append(append([]byte(nil), proxyCreationCode...), common.LeftPadBytes(singleton.Bytes(), 32)...)
	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(deployment))
}

// Sign signs safeTxHash with an owner key and returns the signature in the form execTransaction checks for an
// externally owned owner (v in {27, 28}).
func Sign(ctx context.Context, s sign.Signer, ref sign.KeyRef, safeTxHash common.Hash) ([]byte, error) {
	sig, err := s.Sign(ctx, ref, safeTxHash.Bytes())
	if err != nil {
		return nil, err
	}
	if len(sig) != signatureLength {
		return nil, eris.Errorf("expected a %d byte signature, got %d", signatureLength, len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// RecoverOwner returns the owner that produced sig over safeTxHash.
func RecoverOwner(safeTxHash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, eris.Errorf("expected a %d byte signature, got %d", signatureLength, len(sig))
	}
	norm := append([]byte(nil), sig...)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := crypto.SigToPub(safeTxHash.Bytes(), norm)
	if err != nil {
		return common.Address{}, eris.Wrap(err, "failed to recover owner")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PackSignatures concatenates one signature per owner sorted by ascending owner address, as execTransaction
// requires.
func PackSignatures(sigs map[common.Address][]byte) ([]byte, error) {
	owners := make([]common.Address, 0, len(sigs))
	for owner := range sigs {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return bytes.Compare(owners[i][:], owners[j][:]) < 0 })

	packed := make([]byte, 0, len(owners)*signatureLength)
	for _, owner := range owners {
		sig := sigs[owner]
		if len(sig) != signatureLength {
			return nil, eris.Errorf("signature of %s is %d bytes", owner, len(sig))
		}
		packed = append(packed, sig...)
	}
	return packed, nil
}

// UnpackSignatures splits packed signatures and recovers their owners. It accepts only ECDSA owner signatures.
func UnpackSignatures(safeTxHash common.Hash, packed []byte) (map[common.Address][]byte, error) {
	if len(packed)%signatureLength != 0 {
		return nil, eris.Errorf("packed signatures have odd length %d", len(packed))
	}
	out := make(map[common.Address][]byte, len(packed)/signatureLength)
	for i := 0; i < len(packed); i += signatureLength {
		sig := packed[i : i+signatureLength]
		owner, err := RecoverOwner(safeTxHash, sig)
		if err != nil {
			return nil, eris.Wrapf(err, "signature %d", i/signatureLength)
		}
		out[owner] = append([]byte(nil), sig...)
	}
	return out, nil
}
