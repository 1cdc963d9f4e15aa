// Package txengine drives one transaction at a time through build, sign, simulate, submit and finality on a single
// chain adapter. It never resubmits a transaction it has already submitted; retries go through Build again with a
// freshly resolved sequence number.
package txengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/nonce"
	"pkg.world.dev/world-engine/crossvm/sign"
)

const (
	DefaultPollInterval    = time.Second
	DefaultFinalityTimeout = 60 * time.Second
)

// ErrDuplicateSubmission is returned before signing when a transaction with the same content, sequence number
// included, was already submitted by this engine.
var ErrDuplicateSubmission = errors.New("identical transaction already submitted")

// Request is everything needed to execute one transaction. Key must name the key of Build.Sender.
type Request struct {
	Build chain.BuildRequest
	Key   sign.KeyRef
}

type Engine struct {
	adapter         chain.Adapter
	signer          sign.Signer
	locker          *nonce.Locker
	receipts        *ReceiptStore
	pollInterval    time.Duration
	finalityTimeout time.Duration
	tracer          trace.Tracer
	logger          zerolog.Logger

	mu        sync.Mutex
	submitted map[common.Hash]string // content hash -> tx id, "" while in flight
}

type Option func(*Engine)

// WithLocker shares a lock table between engines and callers that must serialize on the same accounts.
func WithLocker(l *nonce.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithReceiptStore(s *ReceiptStore) Option {
	return func(e *Engine) { e.receipts = s }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

func WithFinalityTimeout(d time.Duration) Option {
	return func(e *Engine) { e.finalityTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func New(adapter chain.Adapter, signer sign.Signer, opts ...Option) *Engine {
	e := &Engine{
		adapter:         adapter,
		signer:          signer,
		locker:          nonce.NewLocker(),
		receipts:        NewReceiptStore(DefaultReceiptKeepAlive),
		pollInterval:    DefaultPollInterval,
		finalityTimeout: DefaultFinalityTimeout,
		tracer:          otel.Tracer("txengine"),
		logger:          log.Logger,
		submitted:       make(map[common.Hash]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("chain", string(adapter.ID())).Logger()
	return e
}

func (e *Engine) Adapter() chain.Adapter { return e.adapter }

// Receipt returns the cached receipt of a transaction this engine saw finalize.
func (e *Engine) Receipt(txID string) (chain.Receipt, bool) {
	return e.receipts.Receipt(txID)
}

// Execute runs req through the state machine and returns the execution record together with the error of the
// terminal state, if any: ErrSimulationFailed or ErrSubmissionRejected for Rejected, ErrReverted for Reverted and
// ErrTimedOut for TimedOut. The (chain, sender) lock is held from Built until the execution ends.
func (e *Engine) Execute(ctx context.Context, req Request) (exec *Execution, err error) {
	ctx, span := e.tracer.Start(ctx, "txengine.execute", trace.WithAttributes(
		attribute.String("chain", string(e.adapter.ID())),
		attribute.String("sender", req.Build.Sender),
		attribute.String("function", req.Build.Function.String()),
	))
	defer func() {
		if exec != nil {
			span.SetAttributes(attribute.String("state", exec.State().String()))
		}
		if err != nil {
			span.SetStatus(codes.Error, eris.ToString(err, true))
			span.RecordError(err)
		}
		span.End()
	}()

	exec = &Execution{Chain: e.adapter.ID()}
	unlock, err := e.locker.Lock(ctx, nonce.AccountKey(e.adapter.ID(), req.Build.Sender))
	if err != nil {
		return exec, err
	}
	defer unlock()
	logger := e.logger.With().Str("sender", req.Build.Sender).Logger()

	unsigned, err := e.adapter.BuildUnsignedTransaction(ctx, req.Build)
	if err != nil {
		if errors.Is(err, chain.ErrSimulationFailed) {
			e.reject(exec, logger, err.Error())
			return exec, err
		}
		return exec, eris.Wrapf(err, "failed to build transaction for %s", req.Build.Function)
	}
	exec.Unsigned = unsigned
	seq, _ := unsigned.SequenceNumber()
	logger = logger.With().Uint64("sequence", seq).Logger()
	e.advance(exec, logger, StateBuilt, unsigned.String())

	if exec.ContentHash, err = unsigned.ContentHash(); err != nil {
		return exec, err
	}
	if !e.reserve(exec.ContentHash) {
		return exec, eris.Wrapf(ErrDuplicateSubmission, "%s", unsigned)
	}
	// Released unless the transaction may have reached the chain.
	keep := false
	defer func() {
		if !keep {
			e.release(exec.ContentHash)
		}
	}()

	if err := ctx.Err(); err != nil {
		return exec, eris.Wrap(err, "execution cancelled")
	}
	if exec.Signed, err = e.sign(ctx, req.Key, unsigned); err != nil {
		return exec, err
	}
	e.advance(exec, logger, StateSigned, "")

	if err := ctx.Err(); err != nil {
		return exec, eris.Wrap(err, "execution cancelled")
	}
	if exec.Simulation, err = e.adapter.Simulate(ctx, exec.Signed); err != nil {
		return exec, eris.Wrap(err, "failed to simulate transaction")
	}
	e.advance(exec, logger, StateSimulated, "")
	if !exec.Simulation.WillSucceed {
		e.reject(exec, logger, exec.Simulation.AbortReason)
		return exec, eris.Wrapf(chain.ErrSimulationFailed, "%s: %s", unsigned, exec.Simulation.AbortReason)
	}

	if err := ctx.Err(); err != nil {
		return exec, eris.Wrap(err, "execution cancelled")
	}
	txID, err := e.adapter.Submit(ctx, exec.Signed)
	if err != nil {
		if errors.Is(err, chain.ErrSubmissionRejected) {
			e.reject(exec, logger, err.Error())
			return exec, err
		}
		// The request may have reached the node before failing.
		keep = true
		return exec, eris.Wrap(err, "failed to submit transaction")
	}
	keep = true
	e.mu.Lock()
	e.submitted[exec.ContentHash] = txID
	e.mu.Unlock()
	exec.TxID = txID
	logger = logger.With().Str("tx_id", txID).Logger()
	e.advance(exec, logger, StateSubmitted, "")

	rec, err := e.adapter.AwaitFinality(ctx, txID, e.pollInterval, e.finalityTimeout)
	if err != nil {
		return exec, eris.Wrapf(err, "failed to await finality of %s", txID)
	}
	exec.Receipt = rec
	switch rec.Status {
	case chain.StatusSuccess:
		e.receipts.SetReceipt(rec)
		e.advance(exec, logger, StateConfirmed, "")
		return exec, nil
	case chain.StatusReverted:
		e.receipts.SetReceipt(rec)
		e.advance(exec, logger, StateReverted, rec.VMStatus)
		return exec, eris.Wrapf(chain.ErrReverted, "%s: %s", txID, rec.VMStatus)
	default:
		e.advance(exec, logger, StateTimedOut, "")
		return exec, eris.Wrapf(chain.ErrTimedOut, "%s after %s", txID, e.finalityTimeout)
	}
}

func (e *Engine) sign(ctx context.Context, key sign.KeyRef, tx *chain.UnsignedTransaction) (*chain.SignedTransaction, error) {
	msg, err := e.adapter.SigningMessage(ctx, tx)
	if err != nil {
		return nil, eris.Wrap(err, "failed to compute signing message")
	}
	pub, err := e.signer.PublicKey(ctx, key)
	if err != nil {
		return nil, err
	}
	sig, err := e.signer.Sign(ctx, key, msg)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to sign with %q", key)
	}
	return e.adapter.Attach(tx, sig, pub)
}

func (e *Engine) reserve(h common.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.submitted[h]; ok {
		return false
	}
	e.submitted[h] = ""
	return true
}

func (e *Engine) release(h common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitted[h] == "" {
		delete(e.submitted, h)
	}
}

func (e *Engine) advance(exec *Execution, logger zerolog.Logger, s State, detail string) {
	exec.to(s, detail)
	ev := logger.Debug()
	if s.Terminal() || s == StateSubmitted {
		ev = logger.Info()
	}
	ev.Stringer("state", s).Msg("transaction state changed")
}

func (e *Engine) reject(exec *Execution, logger zerolog.Logger, reason string) {
	exec.to(StateRejected, reason)
	logger.Warn().Stringer("state", StateRejected).Str("reason", reason).Msg("transaction rejected")
}
