// Package evm implements chain.Adapter on top of a go-ethereum client.
package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/crossvm"
)

const (
	// ResourceCode selects the contract code at StateQuery.Account.
	ResourceCode = "code"
	// ResourceBalance selects the native balance at StateQuery.Account, as a 32 byte big endian integer.
	ResourceBalance = "balance"

	defaultGasHeadroomPercent = 20
)

// Client is the subset of *ethclient.Client the adapter uses.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

var _ Client = &ethclient.Client{}
var _ chain.Adapter = &Adapter{}

type Adapter struct {
	id          chain.ID
	client      Client
	chainID     *big.Int
	signer      types.Signer
	gasHeadroom uint64
	pollRetries uint64
	logger      zerolog.Logger
}

type Option func(*Adapter)

// WithID overrides the default "evm:<chain id>" name.
func WithID(id chain.ID) Option {
	return func(a *Adapter) { a.id = id }
}

// WithGasHeadroom sets the percentage added on top of eth_estimateGas.
func WithGasHeadroom(percent uint64) Option {
	return func(a *Adapter) { a.gasHeadroom = percent }
}

func WithPollRetries(n uint64) Option {
	return func(a *Adapter) { a.pollRetries = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// Dial connects to rpcURL and returns an adapter for the chain behind it.
func Dial(ctx context.Context, rpcURL string, opts ...Option) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to dial evm rpc %q", rpcURL)
	}
	return New(ctx, client, opts...)
}

// New queries the chain id once; it is fixed for the lifetime of the adapter.
func New(ctx context.Context, client Client, opts ...Option) (*Adapter, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query chain id")
	}
	a := &Adapter{
		id:          chain.ID("evm:" + chainID.String()),
		client:      client,
		chainID:     chainID,
		signer:      types.LatestSignerForChainID(chainID),
		gasHeadroom: defaultGasHeadroomPercent,
		pollRetries: chain.DefaultPollRetries,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("chain", string(a.id)).Logger()
	return a, nil
}

func (a *Adapter) ID() chain.ID { return a.id }

func (a *Adapter) ChainID() *big.Int { return new(big.Int).Set(a.chainID) }

func (a *Adapter) ReadState(ctx context.Context, q chain.StateQuery) ([]byte, error) {
	account, err := parseAddress(q.Account)
	if err != nil && (q.Resource != "" || q.Slot != nil) {
		return nil, err
	}
	switch {
	case !q.Function.IsZero():
		return a.call(ctx, q)
	case q.Slot != nil:
		bz, err := a.client.StorageAt(ctx, account, *q.Slot, nil)
		return bz, eris.Wrapf(err, "failed to read slot %s of %s", q.Slot.Hex(), account.Hex())
	case q.Resource == ResourceCode:
		code, err := a.client.CodeAt(ctx, account, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read code of %s", account.Hex())
		}
		if len(code) == 0 {
			return nil, eris.Wrapf(chain.ErrNotFound, "no code at %s", account.Hex())
		}
		return code, nil
	case q.Resource == ResourceBalance:
		bal, err := a.client.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read balance of %s", account.Hex())
		}
		return common.BigToHash(bal).Bytes(), nil
	default:
		return nil, eris.Errorf("unsupported evm state query %+v", q)
	}
}

func (a *Adapter) call(ctx context.Context, q chain.StateQuery) ([]byte, error) {
	to, err := parseAddress(q.Function.Address)
	if err != nil {
		return nil, err
	}
	data, err := calldata(q.Function, q.Args)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	if q.Account != "" {
		msg.From = common.HexToAddress(q.Account)
	}
	out, err := a.client.CallContract(ctx, msg, nil)
	return out, eris.Wrapf(err, "eth_call %s failed", q.Function)
}

// calldata encodes fn(args...). A FunctionID without a Name carries raw calldata (or init code) in args[0].
func calldata(fn chain.FunctionID, args []any) ([]byte, error) {
	if fn.Name == "" {
		if len(args) != 1 {
			return nil, eris.Errorf("raw call to %s needs exactly one []byte argument", fn)
		}
		raw, ok := args[0].([]byte)
		if !ok {
			return nil, eris.Errorf("raw call to %s needs []byte, got %T", fn, args[0])
		}
		return raw, nil
	}
	return crossvm.EncodeCall(fn.Name, args...)
}

func (a *Adapter) BuildUnsignedTransaction(
	ctx context.Context, req chain.BuildRequest,
) (*chain.UnsignedTransaction, error) {
	from, err := parseAddress(req.Sender)
	if err != nil {
		return nil, err
	}
	data, err := calldata(req.Function, req.Args)
	if err != nil {
		return nil, err
	}
	var to *common.Address
	if req.Function.Address != "" {
		addr, err := parseAddress(req.Function.Address)
		if err != nil {
			return nil, err
		}
		to = &addr
	}
	value := new(big.Int)
	if req.Value != nil {
		value.Set(req.Value)
	}

	var nonce uint64
	if req.SequenceNumber != nil {
		nonce = *req.SequenceNumber
	} else if nonce, err = a.client.PendingNonceAt(ctx, from); err != nil {
		return nil, eris.Wrapf(err, "failed to get pending nonce of %s", from.Hex())
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "failed to suggest gas price")
	}
	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: to, GasPrice: gasPrice, Value: value, Data: data,
	})
	if err != nil {
		return nil, eris.Wrapf(chain.ErrSimulationFailed, "gas estimation for %s failed: %v", req.Function, err)
	}
	gas += gas * a.gasHeadroom / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	a.logger.Debug().Str("sender", from.Hex()).Uint64("sequence", nonce).Uint64("gas", gas).
		Str("function", req.Function.String()).Msg("built evm transaction")
	return chain.NewUnsignedTransaction(a.id, req, nonce, tx), nil
}

func native(tx *chain.UnsignedTransaction) (*types.Transaction, error) {
	etx, ok := tx.Native().(*types.Transaction)
	if !ok {
		return nil, eris.Errorf("transaction was not built by an evm adapter: %T", tx.Native())
	}
	return etx, nil
}

// SigningMessage returns the EIP-155 signing hash.
func (a *Adapter) SigningMessage(_ context.Context, tx *chain.UnsignedTransaction) ([]byte, error) {
	etx, err := native(tx)
	if err != nil {
		return nil, err
	}
	return a.signer.Hash(etx).Bytes(), nil
}

// Attach expects a 65 byte [R || S || V] signature with V in {0, 1} and checks that it recovers to the origin.
func (a *Adapter) Attach(tx *chain.UnsignedTransaction, signature, publicKey []byte) (*chain.SignedTransaction, error) {
	etx, err := native(tx)
	if err != nil {
		return nil, err
	}
	signed, err := etx.WithSignature(a.signer, signature)
	if err != nil {
		return nil, eris.Wrap(err, "invalid transaction signature")
	}
	sender, err := types.Sender(a.signer, signed)
	if err != nil {
		return nil, eris.Wrap(err, "failed to recover sender")
	}
	if !strings.EqualFold(sender.Hex(), common.HexToAddress(tx.Origin()).Hex()) {
		return nil, eris.Errorf("signature recovers to %s, expected %s", sender.Hex(), tx.Origin())
	}
	return chain.NewSignedTransaction(tx, signature, publicKey, signed), nil
}

func signedNative(tx *chain.SignedTransaction) (*types.Transaction, error) {
	etx, ok := tx.Native().(*types.Transaction)
	if !ok {
		return nil, eris.Errorf("transaction was not signed by an evm adapter: %T", tx.Native())
	}
	return etx, nil
}

// Simulate replays the transaction with eth_call from its sender against the latest state.
func (a *Adapter) Simulate(ctx context.Context, tx *chain.SignedTransaction) (*chain.SimulationResult, error) {
	etx, err := signedNative(tx)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{
		From:     common.HexToAddress(tx.Unsigned().Origin()),
		To:       etx.To(),
		Gas:      etx.Gas(),
		GasPrice: etx.GasPrice(),
		Value:    etx.Value(),
		Data:     etx.Data(),
	}
	if _, err := a.client.CallContract(ctx, msg, nil); err != nil {
		if isRevert(err) {
			return &chain.SimulationResult{WillSucceed: false, AbortReason: err.Error()}, nil
		}
		return nil, eris.Wrap(err, "eth_call simulation failed")
	}
	msg.Gas = 0
	gas, err := a.client.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return &chain.SimulationResult{WillSucceed: false, AbortReason: err.Error()}, nil
		}
		return nil, eris.Wrap(err, "eth_estimateGas failed")
	}
	if gas > etx.Gas() {
		return &chain.SimulationResult{
			WillSucceed: false,
			GasEstimate: gas,
			AbortReason: "gas limit below estimate",
		}, nil
	}
	return &chain.SimulationResult{WillSucceed: true, GasEstimate: gas}, nil
}

// dataError is implemented by JSON-RPC errors that carry revert data.
type dataError interface {
	ErrorData() interface{}
}

func isRevert(err error) bool {
	var de dataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		return true
	}
	return strings.Contains(err.Error(), "revert")
}

// rejectionErrors are the pool admission errors returned by in-process clients.
var rejectionErrors = []error{
	core.ErrNonceTooLow,
	core.ErrNonceTooHigh,
	core.ErrInsufficientFunds,
	core.ErrIntrinsicGas,
	txpool.ErrGasLimit,
	txpool.ErrInvalidSender,
	txpool.ErrUnderpriced,
	txpool.ErrReplaceUnderpriced,
	txpool.ErrNegativeValue,
	txpool.ErrOversizedData,
}

// isRejection reports whether the node answered and refused the transaction. An "already known" answer means
// the transaction is in the pool, so it is not a rejection.
func isRejection(err error) bool {
	if errors.Is(err, txpool.ErrAlreadyKnown) || strings.Contains(err.Error(), txpool.ErrAlreadyKnown.Error()) {
		return false
	}
	for _, target := range rejectionErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func (a *Adapter) Submit(ctx context.Context, tx *chain.SignedTransaction) (string, error) {
	etx, err := signedNative(tx)
	if err != nil {
		return "", err
	}
	if err := a.client.SendTransaction(ctx, etx); err != nil {
		if isRejection(err) {
			return "", eris.Wrapf(chain.ErrSubmissionRejected, "%s: %v", etx.Hash().Hex(), err)
		}
		// Transport failures leave the transaction's fate unknown; it may already be in the pool.
		return "", eris.Wrapf(err, "failed to send %s", etx.Hash().Hex())
	}
	a.logger.Info().Str("tx_id", etx.Hash().Hex()).Uint64("sequence", etx.Nonce()).Msg("submitted evm transaction")
	return etx.Hash().Hex(), nil
}

func (a *Adapter) AwaitFinality(
	ctx context.Context, txID string, pollInterval, timeout time.Duration,
) (*chain.Receipt, error) {
	hash := common.HexToHash(txID)
	return chain.Poll(ctx, txID, pollInterval, timeout, a.pollRetries,
		func(ctx context.Context) (*chain.Receipt, bool, error) {
			r, err := a.client.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				return nil, false, nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, backoff.Permanent(err)
				}
				a.logger.Warn().Err(err).Str("tx_id", txID).Msg("receipt lookup failed, retrying")
				return nil, false, eris.Wrap(err, "")
			}
			rec := &chain.Receipt{TxID: txID, GasUsed: r.GasUsed, Status: chain.StatusReverted}
			if r.BlockNumber != nil {
				rec.Version = r.BlockNumber.Uint64()
			}
			if r.Status == types.ReceiptStatusSuccessful {
				rec.Status = chain.StatusSuccess
			} else {
				rec.VMStatus = "execution reverted"
			}
			return rec, true, nil
		})
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, eris.Errorf("%q is not an evm address", s)
	}
	return common.HexToAddress(s), nil
}
