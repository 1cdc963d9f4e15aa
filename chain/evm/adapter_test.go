package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

// rpcError mimics the JSON-RPC error ethclient returns when the node refuses a transaction.
type rpcError struct{ msg string }

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return -32000 }

type revertError struct{}

func (revertError) Error() string          { return "execution reverted: number too large" }
func (revertError) ErrorData() interface{} { return "0x08c379a0" }

// fakeClient is an in-memory stand in for *ethclient.Client.
type fakeClient struct {
	mu          sync.Mutex
	chainID     *big.Int
	nonces      map[common.Address]uint64
	sent        []*types.Transaction
	pendingPoll int
	polls       int
	revert      bool
	sendErr     error
	// dropAfterSend accepts the transaction into the pool and then fails as if the connection broke.
	dropAfterSend bool
	code        map[common.Address][]byte
	returnData  []byte
	lastCall    ethereum.CallMsg
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chainID: big.NewInt(336),
		nonces:  map[common.Address]uint64{},
		code:    map[common.Address][]byte{},
	}
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeClient) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[a], nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.revert {
		return 0, revertError{}
	}
	return 50_000, nil
}

func (f *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = msg
	if f.revert {
		return nil, revertError{}
	}
	return f.returnData, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sender, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != f.nonces[sender] {
		return fmt.Errorf("%w: address %s, tx: %d state: %d", core.ErrNonceTooLow, sender, tx.Nonce(),
			f.nonces[sender])
	}
	f.nonces[sender]++
	f.sent = append(f.sent, tx)
	if f.dropAfterSend {
		return errors.New("write tcp 127.0.0.1:50412->127.0.0.1:8545: connection reset by peer")
	}
	return nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.pendingPoll {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == h {
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12), GasUsed: 42_000}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeClient) CodeAt(_ context.Context, a common.Address, _ *big.Int) ([]byte, error) {
	return f.code[a], nil
}

func (f *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(5), nil
}

func (f *fakeClient) StorageAt(context.Context, common.Address, common.Hash, *big.Int) ([]byte, error) {
	return common.Hash{31: 1}.Bytes(), nil
}

func signTx(t *testing.T, a *Adapter, tx *chain.UnsignedTransaction, key []byte) *chain.SignedTransaction {
	t.Helper()
	pk, err := crypto.ToECDSA(key)
	assert.NilError(t, err)
	msg, err := a.SigningMessage(context.Background(), tx)
	assert.NilError(t, err)
	sig, err := crypto.Sign(msg, pk)
	assert.NilError(t, err)
	signed, err := a.Attach(tx, sig, crypto.FromECDSAPub(&pk.PublicKey))
	assert.NilError(t, err)
	return signed
}

var (
	testKey    = common.FromHex("0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	registry   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	setNumber  = chain.FunctionID{Address: registry.Hex(), Name: "setNumber(uint256)"}
	testSender = func() common.Address {
		pk, _ := crypto.ToECDSA(testKey)
		return crypto.PubkeyToAddress(pk.PublicKey)
	}()
)

func TestBuildSignSubmitAwait(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.nonces[testSender] = 4
	client.pendingPoll = 2
	a, err := New(ctx, client)
	assert.NilError(t, err)
	assert.Equal(t, a.ID(), chain.ID("evm:336"))

	tx, err := a.BuildUnsignedTransaction(ctx, chain.BuildRequest{
		Sender:   testSender.Hex(),
		Function: setNumber,
		Args:     []any{100},
	})
	assert.NilError(t, err)
	seq, _ := tx.SequenceNumber()
	assert.Equal(t, seq, uint64(4))
	etx := tx.Native().(*types.Transaction)
	assert.Equal(t, etx.Gas(), uint64(60_000))
	wantData, err := crossvm.EncodeCall("setNumber(uint256)", 100)
	assert.NilError(t, err)
	assert.DeepEqual(t, etx.Data(), wantData)

	signed := signTx(t, a, tx, testKey)
	sim, err := a.Simulate(ctx, signed)
	assert.NilError(t, err)
	assert.Assert(t, sim.WillSucceed)
	assert.Equal(t, sim.GasEstimate, uint64(50_000))
	assert.Equal(t, client.lastCall.From, testSender)

	txID, err := a.Submit(ctx, signed)
	assert.NilError(t, err)
	assert.Equal(t, txID, signed.Native().(*types.Transaction).Hash().Hex())

	rec, err := a.AwaitFinality(ctx, txID, time.Millisecond, time.Second)
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, chain.StatusSuccess)
	assert.Equal(t, rec.Version, uint64(12))
	assert.Equal(t, rec.GasUsed, uint64(42_000))
}

func TestSequenceNumberOverride(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, newFakeClient(), WithGasHeadroom(0))
	assert.NilError(t, err)
	seq := uint64(9)
	tx, err := a.BuildUnsignedTransaction(ctx, chain.BuildRequest{
		Sender: testSender.Hex(), Function: setNumber, Args: []any{1}, SequenceNumber: &seq,
	})
	assert.NilError(t, err)
	assert.Equal(t, tx.Native().(*types.Transaction).Nonce(), uint64(9))
	assert.Equal(t, tx.Native().(*types.Transaction).Gas(), uint64(50_000))
}

func TestContractCreation(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, newFakeClient())
	assert.NilError(t, err)
	initCode := []byte{0x60, 0x80, 0x60, 0x40}
	tx, err := a.BuildUnsignedTransaction(ctx, chain.BuildRequest{
		Sender: testSender.Hex(), Args: []any{initCode},
	})
	assert.NilError(t, err)
	etx := tx.Native().(*types.Transaction)
	assert.Assert(t, etx.To() == nil)
	assert.DeepEqual(t, etx.Data(), initCode)
}

func TestAttachRejectsForeignSignature(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, newFakeClient())
	assert.NilError(t, err)
	tx, err := a.BuildUnsignedTransaction(ctx, chain.BuildRequest{
		Sender: testSender.Hex(), Function: setNumber, Args: []any{1},
	})
	assert.NilError(t, err)
	other, err := crypto.GenerateKey()
	assert.NilError(t, err)
	msg, err := a.SigningMessage(ctx, tx)
	assert.NilError(t, err)
	sig, err := crypto.Sign(msg, other)
	assert.NilError(t, err)
	_, err = a.Attach(tx, sig, nil)
	assert.ErrorContains(t, err, "expected")
}

func TestRevertingTransactions(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	a, err := New(ctx, client)
	assert.NilError(t, err)
	tx, err := a.BuildUnsignedTransaction(ctx, chain.BuildRequest{
		Sender: testSender.Hex(), Function: setNumber, Args: []any{1},
	})
	assert.NilError(t, err)
	signed := signTx(t, a, tx, testKey)

	client.revert = true
	sim, err := a.Simulate(ctx, signed)
	assert.NilError(t, err)
	assert.Assert(t, !sim.WillSucceed)
	assert.ErrorContains(t, revertError{}, sim.AbortReason)

	_, err = a.BuildUnsignedTransaction(ctx, chain.BuildRequest{
		Sender: testSender.Hex(), Function: setNumber, Args: []any{1},
	})
	assert.Assert(t, errors.Is(err, chain.ErrSimulationFailed))
}

func TestSubmitRejection(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	a, err := New(ctx, client)
	assert.NilError(t, err)
	tx, err := a.BuildUnsignedTransaction(ctx, chain.BuildRequest{
		Sender: testSender.Hex(), Function: setNumber, Args: []any{1},
	})
	assert.NilError(t, err)
	signed := signTx(t, a, tx, testKey)

	client.sendErr = rpcError{msg: "insufficient funds for gas * price + value"}
	_, err = a.Submit(ctx, signed)
	assert.Assert(t, errors.Is(err, chain.ErrSubmissionRejected))

	client.sendErr = fmt.Errorf("%w: address %s", core.ErrNonceTooLow, testSender)
	_, err = a.Submit(ctx, signed)
	assert.Assert(t, errors.Is(err, chain.ErrSubmissionRejected))

	client.sendErr = rpcError{msg: "already known"}
	_, err = a.Submit(ctx, signed)
	assert.Assert(t, err != nil)
	assert.Assert(t, !errors.Is(err, chain.ErrSubmissionRejected))
}

func TestSubmitTransportFailureIsNotRejection(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.dropAfterSend = true
	a, err := New(ctx, client)
	assert.NilError(t, err)
	tx, err := a.BuildUnsignedTransaction(ctx, chain.BuildRequest{
		Sender: testSender.Hex(), Function: setNumber, Args: []any{1},
	})
	assert.NilError(t, err)
	_, err = a.Submit(ctx, signTx(t, a, tx, testKey))
	assert.ErrorContains(t, err, "connection reset by peer")
	assert.Assert(t, !errors.Is(err, chain.ErrSubmissionRejected))
	assert.Equal(t, len(client.sent), 1)
}

func TestRetryDoesNotResendAfterLostSubmit(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.dropAfterSend = true
	a, err := New(ctx, client)
	assert.NilError(t, err)

	kr := sign.NewKeyring()
	pk, err := crypto.ToECDSA(testKey)
	assert.NilError(t, err)
	kr.AddSecp256k1("sender", pk)
	e := txengine.New(a, kr, txengine.WithPollInterval(time.Millisecond), txengine.WithFinalityTimeout(time.Second))

	builds := 0
	_, err = txengine.Retry(ctx, e, txengine.RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond},
		func(context.Context, int) (txengine.Request, error) {
			builds++
			return txengine.Request{
				Build: chain.BuildRequest{Sender: testSender.Hex(), Function: setNumber, Args: []any{7}},
				Key:   "sender",
			}, nil
		})
	assert.ErrorContains(t, err, "connection reset by peer")
	assert.Equal(t, builds, 1)
	assert.Equal(t, len(client.sent), 1)
	assert.Equal(t, client.nonces[testSender], uint64(1))
}

func TestAwaitFinalityTimesOut(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, newFakeClient())
	assert.NilError(t, err)
	rec, err := a.AwaitFinality(ctx, common.Hash{1}.Hex(), time.Millisecond, 20*time.Millisecond)
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, chain.StatusTimedOut)
}

func TestReadState(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.returnData = common.Hash{31: 100}.Bytes()
	a, err := New(ctx, client)
	assert.NilError(t, err)

	out, err := a.ReadState(ctx, chain.StateQuery{
		Function: chain.FunctionID{Address: registry.Hex(), Name: "number()"},
	})
	assert.NilError(t, err)
	vals, err := crossvm.DecodeOutputs([]string{"uint256"}, out)
	assert.NilError(t, err)
	assert.Equal(t, vals[0].(*big.Int).Int64(), int64(100))

	_, err = a.ReadState(ctx, chain.StateQuery{Account: registry.Hex(), Resource: ResourceCode})
	assert.Assert(t, errors.Is(err, chain.ErrNotFound))
	client.code[registry] = []byte{0x60}
	code, err := a.ReadState(ctx, chain.StateQuery{Account: registry.Hex(), Resource: ResourceCode})
	assert.NilError(t, err)
	assert.DeepEqual(t, code, []byte{0x60})

	bal, err := a.ReadState(ctx, chain.StateQuery{Account: registry.Hex(), Resource: ResourceBalance})
	assert.NilError(t, err)
	assert.Equal(t, new(big.Int).SetBytes(bal).Int64(), int64(5))

	slot := common.Hash{}
	word, err := a.ReadState(ctx, chain.StateQuery{Account: registry.Hex(), Slot: &slot})
	assert.NilError(t, err)
	assert.Equal(t, word[31], byte(1))

	_, err = a.ReadState(ctx, chain.StateQuery{Account: "0x1234", Resource: ResourceCode})
	assert.ErrorContains(t, err, "is not an evm address")
}
