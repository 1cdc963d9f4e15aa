// Package multisig keeps a Safe on the EVM chain and a multisig account on the Move chain in step for one logical
// vote: the Safe approves a transaction which, once executed, casts the vote of the Safe's Move identity on a
// pending Move multisig transaction.
package multisig

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/multisig/safe"
	"pkg.world.dev/world-engine/crossvm/nonce"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

var (
	// ErrThresholdNotMet leaves the proposal pending; re-running the vote adds the missing approvals.
	ErrThresholdNotMet = errors.New("approval threshold not met")

	// ErrExecutionReverted means the Safe transaction was included but failed. It is not retried automatically.
	ErrExecutionReverted = errors.New("safe execution reverted")

	// ErrVoteMismatch means the Safe transaction executed but the expected vote is not recorded on the Move chain.
	ErrVoteMismatch = errors.New("vote not recorded after execution")

	// ErrThresholdPolicy is returned when the Safe and Move thresholds are not reconciled by an explicit policy.
	ErrThresholdPolicy = errors.New("threshold policy violated")

	ErrProposalAbandoned = errors.New("proposal abandoned")
)

// ThresholdPolicy states how the Safe threshold relates to the Move multisig threshold. There is no default.
type ThresholdPolicy string

const (
	// PolicyMatch requires both thresholds to be equal.
	PolicyMatch ThresholdPolicy = "match"
	// PolicyIndependent accepts any pair of thresholds and logs when they differ.
	PolicyIndependent ThresholdPolicy = "independent"
)

func ParseThresholdPolicy(s string) (ThresholdPolicy, error) {
	switch p := ThresholdPolicy(s); p {
	case PolicyMatch, PolicyIndependent:
		return p, nil
	default:
		return "", eris.Wrapf(ErrThresholdPolicy, "unknown policy %q, expected %q or %q", s, PolicyMatch,
			PolicyIndependent)
	}
}

// CoordinationService is the off-chain service that collects Safe owner signatures.
type CoordinationService interface {
	ProposeTransaction(ctx context.Context, p safe.Proposal) error
	ConfirmTransaction(ctx context.Context, safeTxHash common.Hash, signature []byte) error
	// Transaction returns chain.ErrNotFound for unknown hashes.
	Transaction(ctx context.Context, safeTxHash common.Hash) (*safe.ServiceTransaction, error)
}

var _ CoordinationService = &safe.ServiceClient{}

type Config struct {
	// Framework is the Move address hosting the multisig_account module.
	Framework address.Move
	// Precompile is the EVM contract that forwards callMove into the Move VM.
	Precompile common.Address

	SafeFactory     common.Address
	SafeSingleton   common.Address
	FallbackHandler common.Address
	// SafeOwners sign Safe transactions; the first one proposes. Their addresses are the Safe owners.
	SafeOwners    []sign.KeyRef
	SafeThreshold uint64
	// SaltNonce selects the Safe proxy address. Nil derives it from the Move owner.
	SaltNonce *big.Int
	// Executor submits Safe deployments and executions on the EVM chain.
	Executor sign.KeyRef

	// MoveOwner creates the Move multisig and its pending transactions.
	MoveOwner sign.KeyRef
	// Multisig reuses an existing Move multisig account. Zero creates one.
	Multisig address.Move
	// MoveOwners are extra owners of a created multisig besides MoveOwner and the Safe.
	MoveOwners    []address.Move
	MoveThreshold uint64
	// PendingOwner is the owner the created pending transaction proposes to add.
	PendingOwner address.Move

	ThresholdPolicy ThresholdPolicy
}

// Validate checks the configuration, including the threshold policy.
func (c Config) Validate() error {
	if len(c.SafeOwners) == 0 {
		return eris.New("at least one safe owner is required")
	}
	if c.SafeThreshold == 0 || c.SafeThreshold > uint64(len(c.SafeOwners)) {
		return eris.Errorf("safe threshold %d is invalid for %d owners", c.SafeThreshold, len(c.SafeOwners))
	}
	if c.Multisig.IsZero() {
		owners := uint64(len(c.MoveOwners)) + 2
		if c.MoveThreshold == 0 || c.MoveThreshold > owners {
			return eris.Errorf("move threshold %d is invalid for %d owners", c.MoveThreshold, owners)
		}
	}
	if c.Executor == "" || c.MoveOwner == "" {
		return eris.New("executor and move owner keys are required")
	}
	return c.checkThresholds(c.MoveThreshold)
}

func (c Config) checkThresholds(moveThreshold uint64) error {
	switch c.ThresholdPolicy {
	case PolicyMatch:
		if moveThreshold != 0 && c.SafeThreshold != moveThreshold {
			return eris.Wrapf(ErrThresholdPolicy, "safe threshold %d does not match move threshold %d",
				c.SafeThreshold, moveThreshold)
		}
		return nil
	case PolicyIndependent:
		return nil
	case "":
		return eris.Wrap(ErrThresholdPolicy, "no threshold policy configured")
	default:
		return eris.Wrapf(ErrThresholdPolicy, "unknown policy %q", c.ThresholdPolicy)
	}
}

// VoteRequest asks for the Safe to vote approve on the pending Move multisig transaction Sequence.
type VoteRequest struct {
	Sequence uint64
	Approve  bool
}

type OutcomeKind string

const (
	OutcomeVoted OutcomeKind = "voted"
	// OutcomeVoteAlreadyRecorded means the vote was on chain before this run. It is a success.
	OutcomeVoteAlreadyRecorded OutcomeKind = "vote_already_recorded"
)

type Outcome struct {
	Kind       OutcomeKind
	ProposalID common.Hash
	Safe       common.Address
	Multisig   address.Move
	Sequence   uint64
	Execution  *txengine.Execution
	Vote       VoteState
}

type chainIDer interface {
	ChainID() *big.Int
}

type Coordinator struct {
	cfg     Config
	evm     *txengine.Engine
	move    *txengine.Engine
	service CoordinationService
	signer  sign.Signer
	store   Store
	locker  *nonce.Locker
	tracer  trace.Tracer
	logger  zerolog.Logger

	evmChainID *big.Int

	mu       sync.Mutex
	multisig address.Move
}

type Option func(*Coordinator)

func WithStore(s Store) Option {
	return func(c *Coordinator) { c.store = s }
}

func WithLocker(l *nonce.Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator validates cfg. The EVM engine's adapter must expose its numeric chain id.
func NewCoordinator(
	cfg Config, evm, move *txengine.Engine, service CoordinationService, signer sign.Signer, opts ...Option,
) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ider, ok := evm.Adapter().(chainIDer)
	if !ok {
		return nil, eris.Errorf("evm adapter %s does not expose a chain id", evm.Adapter().ID())
	}
	if cfg.Framework.IsZero() {
		cfg.Framework = address.MustParseMove("0x1")
	}
	c := &Coordinator{
		cfg:        cfg,
		evm:        evm,
		move:       move,
		service:    service,
		signer:     signer,
		store:      NewMemoryStore(),
		locker:     nonce.NewLocker(),
		tracer:     otel.Tracer("multisig"),
		logger:     log.Logger,
		evmChainID: ider.ChainID(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.ThresholdPolicy == PolicyIndependent && cfg.Multisig.IsZero() && cfg.SafeThreshold != cfg.MoveThreshold {
		c.logger.Warn().Uint64("safe_threshold", cfg.SafeThreshold).Uint64("move_threshold", cfg.MoveThreshold).
			Msg("safe and move thresholds differ")
	}
	return c, nil
}

// Vote runs the whole protocol. It is re-entrant: running it again for the same request resumes the stored
// proposal, adds missing approvals or retries execution, and never casts a second vote.
func (c *Coordinator) Vote(ctx context.Context, req VoteRequest) (out *Outcome, err error) {
	ctx, span := c.tracer.Start(ctx, "multisig.vote", trace.WithAttributes(
		attribute.Int64("sequence", int64(req.Sequence)),
		attribute.Bool("approve", req.Approve),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, eris.ToString(err, true))
			span.RecordError(err)
		}
		span.End()
	}()

	moveOwner, err := c.moveOwner(ctx)
	if err != nil {
		return nil, err
	}
	lockKey := c.cfg.Multisig
	if lockKey.IsZero() {
		lockKey = moveOwner
	}
	unlock, err := c.locker.Lock(ctx, voteKey(c.move.Adapter().ID(), lockKey, req.Sequence))
	if err != nil {
		return nil, err
	}
	defer unlock()

	owners, err := c.safeOwners(ctx)
	if err != nil {
		return nil, err
	}

	// Nothing is signed until the safe, the multisig and its pending transaction exist.
	safeAddr, err := c.EnsureSafe(ctx, owners, moveOwner)
	if err != nil {
		return nil, eris.Wrap(err, "failed to ensure safe")
	}
	multisig, err := c.EnsureMoveMultisig(ctx, moveOwner, address.ToMove(safeAddr))
	if err != nil {
		return nil, eris.Wrap(err, "failed to ensure move multisig")
	}
	if err := c.EnsurePendingTransaction(ctx, moveOwner, multisig, req.Sequence); err != nil {
		return nil, err
	}
	logger := c.logger.With().Str("safe", safeAddr.Hex()).Str("multisig", multisig.Hex()).
		Uint64("sequence", req.Sequence).Logger()

	out = &Outcome{Safe: safeAddr, Multisig: multisig, Sequence: req.Sequence}

	// Never cast a vote the chain already holds, and do not open a proposal for it.
	voter := address.ToMove(safeAddr)
	state, err := c.VoteState(ctx, multisig, req.Sequence, voter)
	if err != nil {
		return nil, err
	}
	if state.Recorded(req.Approve) {
		logger.Info().Msg("vote already recorded")
		if out.ProposalID, err = c.settle(ctx, safeAddr, multisig, req, logger); err != nil {
			return nil, err
		}
		out.Kind, out.Vote = OutcomeVoteAlreadyRecorded, state
		return out, nil
	}
	if state.Voted {
		return nil, eris.Wrapf(ErrVoteMismatch, "%s already voted %t on %s/%d", voter, state.Approved, multisig,
			req.Sequence)
	}

	p, err := c.proposal(ctx, safeAddr, multisig, req)
	if err != nil {
		return nil, err
	}
	out.ProposalID = p.ID
	logger = logger.With().Str("proposal_id", p.ID.Hex()).Logger()
	span.SetAttributes(attribute.String("proposal_id", p.ID.Hex()))

	if err := c.collectApprovals(ctx, p, owners, logger); err != nil {
		return nil, err
	}

	exec, err := c.execute(ctx, p)
	out.Execution = exec
	if err != nil {
		return out, err
	}
	logger.Info().Str("tx_id", exec.TxID).Msg("safe transaction executed")

	state, err = c.VoteState(ctx, multisig, req.Sequence, voter)
	if err != nil {
		return out, err
	}
	out.Vote = state
	if !state.Recorded(req.Approve) {
		return out, eris.Wrapf(ErrVoteMismatch, "%s on %s/%d after %s", voter, multisig, req.Sequence, exec.TxID)
	}
	if err := c.finish(ctx, p, exec.TxID); err != nil {
		return out, err
	}
	out.Kind = OutcomeVoted
	return out, nil
}

// Abandon marks a proposal terminal. Later votes for it fail with ErrProposalAbandoned.
func (c *Coordinator) Abandon(ctx context.Context, id common.Hash) error {
	p, err := c.store.Load(ctx, id, c.evm.Adapter().ID())
	if err != nil {
		return err
	}
	if p.Status == StatusExecuted {
		return eris.Errorf("proposal %s was already executed", id)
	}
	p.Status = StatusAbandoned
	p.UpdatedAt = time.Now()
	c.logger.Info().Str("proposal_id", id.Hex()).Msg("proposal abandoned")
	return c.store.Save(ctx, p)
}

// Proposal returns the stored proposal.
func (c *Coordinator) Proposal(ctx context.Context, id common.Hash) (*Proposal, error) {
	return c.store.Load(ctx, id, c.evm.Adapter().ID())
}

// proposal builds the Safe transaction for req and loads or creates its proposal record. A new record is saved
// before any signature is collected.
func (c *Coordinator) proposal(
	ctx context.Context, safeAddr common.Address, multisig address.Move, req VoteRequest,
) (*Proposal, error) {
	safeNonce, err := c.readSafeUint(ctx, safeAddr, safe.NonceSignature)
	if err != nil {
		return nil, eris.Wrap(err, "failed to read safe nonce")
	}
	data, err := EncodeVote(c.cfg.Framework, c.cfg.Precompile, multisig, req.Sequence, req.Approve)
	if err != nil {
		return nil, err
	}
	tx := safe.Transaction{To: c.cfg.Precompile, Value: new(big.Int), Data: data, Nonce: safeNonce}
	id, err := tx.Hash(c.evmChainID, safeAddr)
	if err != nil {
		return nil, err
	}

	p, err := c.store.Load(ctx, id, c.evm.Adapter().ID())
	switch {
	case err == nil:
		if p.Status == StatusAbandoned {
			return nil, eris.Wrapf(ErrProposalAbandoned, "%s", id)
		}
		return p, nil
	case !errors.Is(err, ErrProposalNotFound):
		return nil, err
	}
	now := time.Now()
	p = &Proposal{
		ID:          id,
		ChainID:     c.evm.Adapter().ID(),
		Safe:        safeAddr,
		Multisig:    multisig,
		Sequence:    req.Sequence,
		Approve:     req.Approve,
		Transaction: tx,
		Threshold:   c.cfg.SafeThreshold,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.Save(ctx, p); err != nil {
		return nil, eris.Wrap(err, "failed to record proposal")
	}
	return p, nil
}

// settle marks the stored pending proposals for a vote the chain already holds as executed. They are left pending
// when a run stops between the Safe execution and its bookkeeping. It returns the id of the last one settled.
func (c *Coordinator) settle(
	ctx context.Context, safeAddr common.Address, multisig address.Move, req VoteRequest, logger zerolog.Logger,
) (common.Hash, error) {
	proposals, err := c.store.Find(ctx, c.evm.Adapter().ID(), safeAddr, multisig, req.Sequence)
	if err != nil {
		return common.Hash{}, eris.Wrap(err, "failed to look up proposals")
	}
	var settled common.Hash
	for _, p := range proposals {
		if p.Status != StatusPending || p.Approve != req.Approve {
			continue
		}
		if err := c.finish(ctx, p, ""); err != nil {
			return common.Hash{}, err
		}
		logger.Info().Str("proposal_id", p.ID.Hex()).Msg("settled proposal of a recorded vote")
		settled = p.ID
	}
	return settled, nil
}

func (c *Coordinator) finish(ctx context.Context, p *Proposal, txID string) error {
	p.Status = StatusExecuted
	if txID != "" {
		p.ExecutionID = txID
	}
	p.UpdatedAt = time.Now()
	return c.store.Save(ctx, p)
}

// moveOwner derives the Move address of the MoveOwner key.
func (c *Coordinator) moveOwner(ctx context.Context) (address.Move, error) {
	pub, err := c.signer.PublicKey(ctx, c.cfg.MoveOwner)
	if err != nil {
		return address.Move{}, err
	}
	return address.FromEd25519PublicKey(pub), nil
}

func (c *Coordinator) safeOwners(ctx context.Context) ([]common.Address, error) {
	owners := make([]common.Address, len(c.cfg.SafeOwners))
	for i, ref := range c.cfg.SafeOwners {
		a, err := sign.EVMAddress(ctx, c.signer, ref)
		if err != nil {
			return nil, err
		}
		owners[i] = a
	}
	return owners, nil
}

func (c *Coordinator) saltNonce(moveOwner address.Move) *big.Int {
	if c.cfg.SaltNonce != nil {
		return c.cfg.SaltNonce
	}
	return new(big.Int).SetBytes(crypto.Keccak256(moveOwner.Bytes())[:8])
}

func voteKey(id chain.ID, multisig address.Move, sequence uint64) string {
	return nonce.AccountKey(id, multisig.Hex()) + "/" + strconv.FormatUint(sequence, 10)
}
