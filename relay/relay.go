// Package relay sequences the cross-VM components into named scenarios: deploy the target contract on the EVM,
// call it from a Move account, call it from a Move module, and vote from a Safe into a Move multisig. It adds no
// logic of its own beyond ordering and error propagation.
package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/crossvm/multisig"
	"pkg.world.dev/world-engine/crossvm/nonce"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

const (
	ScenarioDeploy             = "deploy"
	ScenarioAccountOriginated  = "account-originated"
	ScenarioContractOriginated = "contract-originated"
	ScenarioMultisigVote       = "multisig-vote"

	DefaultAccountValue  = 100
	DefaultContractValue = 200
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")

	// ErrVerification means every transaction succeeded but the final chain state is not the expected one.
	ErrVerification = errors.New("verification failed")
)

// Scenarios lists the scenario names in the order RunAll runs the value scenarios.
func Scenarios() []string {
	return []string{ScenarioDeploy, ScenarioAccountOriginated, ScenarioContractOriginated, ScenarioMultisigVote}
}

type Config struct {
	// Deployer deploys the target contract on the EVM.
	Deployer sign.KeyRef
	// MoveAccount is the ed25519 key of the Move account both call styles originate from.
	MoveAccount sign.KeyRef
	// Registry reuses a deployed target contract. Zero deploys one when a scenario first needs it.
	Registry      common.Address
	AccountValue  uint64
	ContractValue uint64
	// Vote is the multisig-vote request.
	Vote multisig.VoteRequest
}

// Result is what one scenario did.
type Result struct {
	Scenario   string
	Registry   common.Address
	Number     *big.Int
	Executions []*txengine.Execution
	// NonceBefore is the cross-VM nonce resolved right before the call, NonceUsed the one the call consumed.
	NonceBefore uint64
	NonceUsed   uint64
	Vote        *multisig.Outcome
}

type Relay struct {
	cfg         Config
	artifacts   Artifacts
	evm         *txengine.Engine
	move        *txengine.Engine
	signer      sign.Signer
	resolver    *nonce.Resolver
	locker      *nonce.Locker
	coordinator *multisig.Coordinator
	retry       txengine.RetryPolicy
	logger      zerolog.Logger

	mu       sync.Mutex
	registry common.Address
}

type Option func(*Relay)

// WithCoordinator enables the multisig-vote scenario.
func WithCoordinator(c *multisig.Coordinator) Option {
	return func(r *Relay) { r.coordinator = c }
}

// WithLocker shares the account lock table with the engines.
func WithLocker(l *nonce.Locker) Option {
	return func(r *Relay) { r.locker = l }
}

func WithRetryPolicy(p txengine.RetryPolicy) Option {
	return func(r *Relay) { r.retry = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func New(cfg Config, artifacts Artifacts, evm, move *txengine.Engine, signer sign.Signer, opts ...Option) *Relay {
	if cfg.AccountValue == 0 {
		cfg.AccountValue = DefaultAccountValue
	}
	if cfg.ContractValue == 0 {
		cfg.ContractValue = DefaultContractValue
	}
	r := &Relay{
		cfg:       cfg,
		artifacts: artifacts,
		evm:       evm,
		move:      move,
		signer:    signer,
		locker:    nonce.NewLocker(),
		retry:     txengine.DefaultRetryPolicy(),
		logger:    log.Logger,
		registry:  cfg.Registry,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resolver = nonce.NewResolver(move.Adapter(), nonce.WithLogger(r.logger))
	return r
}

// Run runs the named scenarios one after the other and stops at the first error.
func (r *Relay) Run(ctx context.Context, names ...string) ([]*Result, error) {
	logger := r.logger.With().Str("run_id", uuid.NewString()).Logger()
	results := make([]*Result, 0, len(names))
	for _, name := range names {
		res, err := r.run(ctx, logger, name)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// RunAll runs the value scenarios in order and, when a coordinator is set, the multisig vote next to them.
// Results are in Scenarios order.
func (r *Relay) RunAll(ctx context.Context) ([]*Result, error) {
	logger := r.logger.With().Str("run_id", uuid.NewString()).Logger()
	values := []string{ScenarioDeploy, ScenarioAccountOriginated, ScenarioContractOriginated}
	results := make([]*Result, len(values)+1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i, name := range values {
			res, err := r.run(ctx, logger, name)
			if err != nil {
				return err
			}
			results[i] = res
		}
		return nil
	})
	if r.coordinator != nil {
		g.Go(func() error {
			res, err := r.run(ctx, logger, ScenarioMultisigVote)
			results[len(values)] = res
			return err
		})
	}
	err := g.Wait()

	out := make([]*Result, 0, len(results))
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, err
}

func (r *Relay) run(ctx context.Context, logger zerolog.Logger, name string) (*Result, error) {
	logger = logger.With().Str("scenario", name).Logger()
	ctx = logger.WithContext(ctx)
	var (
		res *Result
		err error
	)
	switch name {
	case ScenarioDeploy:
		res, err = r.Deploy(ctx)
	case ScenarioAccountOriginated:
		res, err = r.AccountOriginated(ctx)
	case ScenarioContractOriginated:
		res, err = r.ContractOriginated(ctx)
	case ScenarioMultisigVote:
		res, err = r.MultisigVote(ctx)
	default:
		return nil, eris.Wrapf(ErrUnknownScenario, "%q", name)
	}
	if err != nil {
		logger.Error().Err(err).Msg("scenario failed")
		return res, err
	}
	logger.Info().Msg("scenario succeeded")
	return res, nil
}
