// Package movevm implements chain.Adapter for Aptos style Move chains (Movement) over the node REST API.
package movevm

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
)

const (
	defaultMaxGasAmount = 200_000
	defaultExpiration   = 60 * time.Second
)

var _ chain.Adapter = &Adapter{}

type Adapter struct {
	id          chain.ID
	client      *Client
	maxGas      uint64
	expiration  time.Duration
	pollRetries uint64
	now         func() time.Time
	logger      zerolog.Logger
}

type Option func(*Adapter)

func WithID(id chain.ID) Option {
	return func(a *Adapter) { a.id = id }
}

func WithMaxGasAmount(gas uint64) Option {
	return func(a *Adapter) { a.maxGas = gas }
}

// WithExpiration sets how long a built transaction stays valid.
func WithExpiration(d time.Duration) Option {
	return func(a *Adapter) { a.expiration = d }
}

func WithPollRetries(n uint64) Option {
	return func(a *Adapter) { a.pollRetries = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(client *Client, opts ...Option) *Adapter {
	a := &Adapter{
		id:          "move",
		client:      client,
		maxGas:      defaultMaxGasAmount,
		expiration:  defaultExpiration,
		pollRetries: chain.DefaultPollRetries,
		now:         time.Now,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("chain", string(a.id)).Logger()
	return a
}

func (a *Adapter) ID() chain.ID { return a.id }

// ReadState returns JSON: the return values of a view function, the data of a resource, a module's ABI, or the
// account info.
func (a *Adapter) ReadState(ctx context.Context, q chain.StateQuery) ([]byte, error) {
	switch {
	case !q.Function.IsZero():
		args, err := EncodeArgs(q.Args)
		if err != nil {
			return nil, err
		}
		out, err := a.client.View(ctx, ViewRequest{
			Function:      q.Function.String(),
			TypeArguments: q.TypeArgs,
			Arguments:     args,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "view %s failed", q.Function)
		}
		bz, err := json.Marshal(out)
		return bz, eris.Wrap(err, "")
	case q.Resource != "":
		holder, err := address.ParseMove(q.Account)
		if err != nil {
			return nil, err
		}
		return a.client.AccountResource(ctx, holder.Hex(), q.Resource)
	case q.Module != "":
		holder, err := address.ParseMove(q.Account)
		if err != nil {
			return nil, err
		}
		return a.client.AccountModule(ctx, holder.Hex(), q.Module)
	default:
		holder, err := address.ParseMove(q.Account)
		if err != nil {
			return nil, err
		}
		info, err := a.client.Account(ctx, holder.Hex())
		if err != nil {
			return nil, err
		}
		bz, err := json.Marshal(info)
		return bz, eris.Wrap(err, "")
	}
}

func (a *Adapter) BuildUnsignedTransaction(ctx context.Context, req chain.BuildRequest) (*chain.UnsignedTransaction, error) {
	sender, err := address.ParseMove(req.Sender)
	if err != nil {
		return nil, err
	}
	if req.Function.Module == "" {
		return nil, eris.Errorf("%s is not a move entry function", req.Function)
	}
	if req.Value != nil && req.Value.Sign() != 0 {
		return nil, eris.New("move entry functions take no attached value; pass it as an argument")
	}
	args, err := EncodeArgs(req.Args)
	if err != nil {
		return nil, eris.Wrapf(err, "cannot encode arguments of %s", req.Function)
	}

	var seq uint64
	if req.SequenceNumber != nil {
		seq = *req.SequenceNumber
	} else {
		info, err := a.client.Account(ctx, sender.Hex())
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read sequence number of %s", sender)
		}
		if seq, err = strconv.ParseUint(info.SequenceNumber, 10, 64); err != nil {
			return nil, eris.Wrapf(err, "malformed sequence number %q", info.SequenceNumber)
		}
	}
	gasPrice, err := a.client.EstimateGasPrice(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "failed to estimate gas price")
	}

	typeArgs := req.TypeArgs
	if typeArgs == nil {
		typeArgs = []string{}
	}
	raw := &RawTransaction{
		Sender:                  sender.Hex(),
		SequenceNumber:          strconv.FormatUint(seq, 10),
		MaxGasAmount:            strconv.FormatUint(a.maxGas, 10),
		GasUnitPrice:            strconv.FormatUint(gasPrice, 10),
		ExpirationTimestampSecs: strconv.FormatInt(a.now().Add(a.expiration).Unix(), 10),
		Payload: EntryFunctionPayload{
			Type:          payloadTypeEntryFunction,
			Function:      req.Function.String(),
			TypeArguments: typeArgs,
			Arguments:     args,
		},
	}
	a.logger.Debug().Str("sender", sender.Hex()).Uint64("sequence", seq).Str("function", req.Function.String()).
		Msg("built move transaction")
	return chain.NewUnsignedTransaction(a.id, req, seq, raw), nil
}

func rawOf(tx *chain.UnsignedTransaction) (*RawTransaction, error) {
	raw, ok := tx.Native().(*RawTransaction)
	if !ok {
		return nil, eris.Errorf("transaction was not built by a move adapter: %T", tx.Native())
	}
	return raw, nil
}

// SigningMessage asks the node for the BCS signing message of the transaction.
func (a *Adapter) SigningMessage(ctx context.Context, tx *chain.UnsignedTransaction) ([]byte, error) {
	raw, err := rawOf(tx)
	if err != nil {
		return nil, err
	}
	return a.client.EncodeSubmission(ctx, *raw)
}

// Attach expects a 64 byte ed25519 signature and the signer's 32 byte public key.
func (a *Adapter) Attach(tx *chain.UnsignedTransaction, signature, publicKey []byte) (*chain.SignedTransaction, error) {
	raw, err := rawOf(tx)
	if err != nil {
		return nil, err
	}
	if len(signature) != ed25519.SignatureSize || len(publicKey) != ed25519.PublicKeySize {
		return nil, eris.Errorf("expected an ed25519 signature and public key, got %d and %d bytes",
			len(signature), len(publicKey))
	}
	req := &SubmitRequest{
		RawTransaction: *raw,
		Signature: Signature{
			Type:      signatureTypeEd25519,
			PublicKey: "0x" + hex.EncodeToString(publicKey),
			Signature: "0x" + hex.EncodeToString(signature),
		},
	}
	return chain.NewSignedTransaction(tx, signature, publicKey, req), nil
}

func submissionOf(tx *chain.SignedTransaction) (*SubmitRequest, error) {
	req, ok := tx.Native().(*SubmitRequest)
	if !ok {
		return nil, eris.Errorf("transaction was not signed by a move adapter: %T", tx.Native())
	}
	return req, nil
}

// Simulate runs the transaction on the node with a zeroed signature, as the simulate endpoint requires.
func (a *Adapter) Simulate(ctx context.Context, tx *chain.SignedTransaction) (*chain.SimulationResult, error) {
	req, err := submissionOf(tx)
	if err != nil {
		return nil, err
	}
	sim := *req
	sim.Signature.Signature = "0x" + hex.EncodeToString(make([]byte, ed25519.SignatureSize))
	out, err := a.client.SimulateTransaction(ctx, sim)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &chain.SimulationResult{WillSucceed: false, AbortReason: apiErr.Message}, nil
		}
		return nil, eris.Wrap(err, "simulation request failed")
	}
	if len(out) == 0 {
		return nil, eris.New("empty simulation reply")
	}
	gas, _ := strconv.ParseUint(out[0].GasUsed, 10, 64)
	res := &chain.SimulationResult{WillSucceed: out[0].Success, GasEstimate: gas}
	if !out[0].Success {
		res.AbortReason = out[0].VMStatus
	}
	return res, nil
}

func (a *Adapter) Submit(ctx context.Context, tx *chain.SignedTransaction) (string, error) {
	req, err := submissionOf(tx)
	if err != nil {
		return "", err
	}
	pending, err := a.client.SubmitTransaction(ctx, *req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", eris.Wrapf(chain.ErrSubmissionRejected, "%v", apiErr)
		}
		return "", eris.Wrap(err, "failed to submit transaction")
	}
	a.logger.Info().Str("tx_id", pending.Hash).Str("sequence", req.SequenceNumber).Msg("submitted move transaction")
	return pending.Hash, nil
}

func (a *Adapter) AwaitFinality(
	ctx context.Context, txID string, pollInterval, timeout time.Duration,
) (*chain.Receipt, error) {
	return chain.Poll(ctx, txID, pollInterval, timeout, a.pollRetries,
		func(ctx context.Context) (*chain.Receipt, bool, error) {
			tx, err := a.client.TransactionByHash(ctx, txID)
			if errors.Is(err, chain.ErrNotFound) {
				return nil, false, nil
			}
			if err != nil {
				var apiErr *APIError
				if ctx.Err() != nil || (errors.As(err, &apiErr) && apiErr.StatusCode < 500) {
					return nil, false, backoff.Permanent(err)
				}
				a.logger.Warn().Err(err).Str("tx_id", txID).Msg("transaction lookup failed, retrying")
				return nil, false, err
			}
			if tx.Type == txTypePending {
				return nil, false, nil
			}
			if tx.Type != txTypeUser {
				return nil, false, backoff.Permanent(eris.Errorf("unexpected transaction type %q", tx.Type))
			}
			version, _ := strconv.ParseUint(tx.Version, 10, 64)
			gas, _ := strconv.ParseUint(tx.GasUsed, 10, 64)
			rec := &chain.Receipt{TxID: txID, Version: version, VMStatus: tx.VMStatus, GasUsed: gas}
			if tx.Success {
				rec.Status = chain.StatusSuccess
			} else {
				rec.Status = chain.StatusReverted
			}
			return rec, true, nil
		})
}
