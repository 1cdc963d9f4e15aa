package safe

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/sign"
)

var (
	safeAddr   = common.HexToAddress("0x5aFE3855358E112B5647B952709E6165e1c1eEEe")
	precompile = common.HexToAddress("0x0000000000000000000000000000000000000808")
)

func sampleTx() Transaction {
	return Transaction{
		To:    precompile,
		Value: big.NewInt(0),
		Data:  common.FromHex("0xdeadbeef"),
		Nonce: 3,
	}
}

func TestHashMatchesTypedData(t *testing.T) {
	tx := sampleTx()
	chainID := big.NewInt(336)
	got, err := tx.Hash(chainID, safeAddr)
	assert.NilError(t, err)

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SafeTx": {
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: "baseGas", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: safeAddr.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":             precompile.Hex(),
			"value":          "0",
			"data":           "0xdeadbeef",
			"operation":      "0",
			"safeTxGas":      "0",
			"baseGas":        "0",
			"gasPrice":       "0",
			"gasToken":       common.Address{}.Hex(),
			"refundReceiver": common.Address{}.Hex(),
			"nonce":          "3",
		},
	}
	domain, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	assert.NilError(t, err)
	msg, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	assert.NilError(t, err)
	assert.Equal(t, got, crypto.Keccak256Hash([]byte{0x19, 0x01}, domain, msg))
}

func TestHashCommitsToNonceAndChain(t *testing.T) {
	tx := sampleTx()
	a, err := tx.Hash(big.NewInt(336), safeAddr)
	assert.NilError(t, err)
	b, err := tx.Hash(big.NewInt(1), safeAddr)
	assert.NilError(t, err)
	tx.Nonce++
	c, err := tx.Hash(big.NewInt(336), safeAddr)
	assert.NilError(t, err)
	assert.Assert(t, a != b && a != c && b != c)
}

func newOwners(t *testing.T, n int) (*sign.Keyring, []sign.KeyRef, []common.Address) {
	t.Helper()
	kr := sign.NewKeyring()
	refs := make([]sign.KeyRef, n)
	addrs := make([]common.Address, n)
	for i := range refs {
		pk, err := crypto.GenerateKey()
		assert.NilError(t, err)
		refs[i] = sign.KeyRef("owner" + string(rune('a'+i)))
		kr.AddSecp256k1(refs[i], pk)
		addrs[i] = crypto.PubkeyToAddress(pk.PublicKey)
	}
	return kr, refs, addrs
}

func TestSignPackAndRecover(t *testing.T) {
	ctx := context.Background()
	kr, refs, addrs := newOwners(t, 3)
	h, err := sampleTx().Hash(big.NewInt(336), safeAddr)
	assert.NilError(t, err)

	sigs := map[common.Address][]byte{}
	for i, ref := range refs {
		sig, err := Sign(ctx, kr, ref, h)
		assert.NilError(t, err)
		assert.Assert(t, sig[64] == 27 || sig[64] == 28)
		owner, err := RecoverOwner(h, sig)
		assert.NilError(t, err)
		assert.Equal(t, owner, addrs[i])
		sigs[owner] = sig
	}

	packed, err := PackSignatures(sigs)
	assert.NilError(t, err)
	assert.Equal(t, len(packed), 3*65)

	var prev common.Address
	for i := 0; i < len(packed); i += 65 {
		owner, err := RecoverOwner(h, packed[i:i+65])
		assert.NilError(t, err)
		assert.Assert(t, i == 0 || bytes.Compare(prev[:], owner[:]) < 0, "signatures are not sorted by owner")
		prev = owner
	}

	unpacked, err := UnpackSignatures(h, packed)
	assert.NilError(t, err)
	assert.DeepEqual(t, unpacked, sigs)

	_, err = PackSignatures(map[common.Address][]byte{addrs[0]: {1, 2}})
	assert.ErrorContains(t, err, "is 2 bytes")
}

func TestEncodeExecTransaction(t *testing.T) {
	tx := sampleTx()
	sigs := make([]byte, 65)
	data, err := EncodeExecTransaction(tx, sigs)
	assert.NilError(t, err)
	args, err := crossvm.DecodeCall(ExecTransactionSignature, data)
	assert.NilError(t, err)
	assert.Equal(t, args[0].(common.Address), precompile)
	assert.DeepEqual(t, args[2].([]byte), tx.Data)
	assert.Equal(t, args[3].(uint8), uint8(OperationCall))
	assert.DeepEqual(t, args[9].([]byte), sigs)
}

func TestSetupAndProxyPrediction(t *testing.T) {
	_, _, owners := newOwners(t, 1)
	_, err := EncodeSetup(owners, 2, common.Address{})
	assert.ErrorContains(t, err, "threshold 2 is invalid")

	initializer, err := EncodeSetup(owners, 1, common.Address{})
	assert.NilError(t, err)
	args, err := crossvm.DecodeCall(SetupSignature, initializer)
	assert.NilError(t, err)
	assert.DeepEqual(t, args[0].([]common.Address), owners)

	factory := common.HexToAddress("0xa6B71E26C5e0845f74c812102Ca7114b6a896AB2")
	singleton := common.HexToAddress("0xd9Db270c1B5E3Bd161E8c8503c55cEABeE709552")
	code := common.FromHex("0x608060405234801561001057600080fd5b50")
	a := PredictProxyAddress(factory, singleton, code, initializer, big.NewInt(1))
	assert.Equal(t, a, PredictProxyAddress(factory, singleton, code, initializer, big.NewInt(1)))
	assert.Assert(t, a != PredictProxyAddress(factory, singleton, code, initializer, big.NewInt(2)))
	assert.Assert(t, a != PredictProxyAddress(factory, common.Address{1}, code, initializer, big.NewInt(1)))

	create, err := EncodeCreateProxy(singleton, initializer, big.NewInt(1))
	assert.NilError(t, err)
	args, err = crossvm.DecodeCall(CreateProxySignature, create)
	assert.NilError(t, err)
	assert.Equal(t, args[0].(common.Address), singleton)
	assert.Equal(t, args[2].(*big.Int).Int64(), int64(1))
}

// fakeService is a minimal transaction service.
type fakeService struct {
	mu  sync.Mutex
	txs map[common.Hash]*ServiceTransaction
}

func newFakeService(t *testing.T) *httptest.Server {
	s := &fakeService{txs: map[common.Hash]*ServiceTransaction{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/safes/", func(w http.ResponseWriter, r *http.Request) {
		var req proposeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.mu.Lock()
		defer s.mu.Unlock()
		s.txs[req.ContractTransactionHash] = &ServiceTransaction{
			Safe: safeAddr, To: req.To, Value: req.Value, Data: req.Data, SafeTxGas: req.SafeTxGas,
			BaseGas: req.BaseGas, GasPrice: req.GasPrice, Nonce: req.Nonce, SafeTxHash: req.ContractTransactionHash,
			ConfirmationsRequired: 1,
			Confirmations:         []Confirmation{{Owner: req.Sender, Signature: req.Signature}},
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/multisig-transactions/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len("/api/v1/multisig-transactions/"):]
		h := common.HexToHash(path[:66])
		s.mu.Lock()
		defer s.mu.Unlock()
		tx, ok := s.txs[h]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPost {
			var req confirmRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			owner, err := RecoverOwner(h, req.Signature)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			tx.Confirmations = append(tx.Confirmations, Confirmation{Owner: owner, Signature: req.Signature})
			w.WriteHeader(http.StatusCreated)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(tx))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestServiceClient(t *testing.T) {
	ctx := context.Background()
	srv := newFakeService(t)
	c := NewServiceClient(srv.URL + "/api/")
	kr, refs, addrs := newOwners(t, 2)

	tx := sampleTx()
	h, err := tx.Hash(big.NewInt(336), safeAddr)
	assert.NilError(t, err)

	_, err = c.Transaction(ctx, h)
	assert.Assert(t, errors.Is(err, chain.ErrNotFound))

	sig, err := Sign(ctx, kr, refs[0], h)
	assert.NilError(t, err)
	assert.NilError(t, c.ProposeTransaction(ctx, Proposal{
		Safe: safeAddr, Transaction: tx, SafeTxHash: h, Sender: addrs[0], Signature: sig,
	}))
	sig2, err := Sign(ctx, kr, refs[1], h)
	assert.NilError(t, err)
	assert.NilError(t, c.ConfirmTransaction(ctx, h, sig2))

	got, err := c.Transaction(ctx, h)
	assert.NilError(t, err)
	assert.Equal(t, got.SafeTxHash, h)
	assert.DeepEqual(t, got.Signatures(), map[common.Address][]byte{addrs[0]: sig, addrs[1]: sig2})

	back, err := got.SafeTransaction()
	assert.NilError(t, err)
	rehash, err := back.Hash(big.NewInt(336), safeAddr)
	assert.NilError(t, err)
	assert.Equal(t, rehash, h)

	err = c.ConfirmTransaction(ctx, h, hexutil.Bytes{1})
	assert.ErrorContains(t, err, "code 400")
}
