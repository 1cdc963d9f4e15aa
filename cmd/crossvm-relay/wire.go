package main

import (
	"context"
	"errors"

	kms "cloud.google.com/go/kms/apiv1"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/crossvm/chain"
	evmchain "pkg.world.dev/world-engine/crossvm/chain/evm"
	"pkg.world.dev/world-engine/crossvm/chain/movevm"
	"pkg.world.dev/world-engine/crossvm/config"
	"pkg.world.dev/world-engine/crossvm/multisig"
	"pkg.world.dev/world-engine/crossvm/multisig/safe"
	"pkg.world.dev/world-engine/crossvm/nonce"
	"pkg.world.dev/world-engine/crossvm/relay"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

// node holds everything built from a Config. close releases the clients it opened.
type node struct {
	cfg         *config.Config
	logger      zerolog.Logger
	signer      sign.Signer
	locker      *nonce.Locker
	evm         *txengine.Engine
	move        *txengine.Engine
	coordinator *multisig.Coordinator
	closers     []func() error
}

func (n *node) close() error {
	var err error
	for _, fn := range n.closers {
		err = errors.Join(err, fn())
	}
	return err
}

func newNode(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger, locker: nonce.NewLocker()}
	if err := n.wire(ctx); err != nil {
		return nil, errors.Join(err, n.close())
	}
	return n, nil
}

func (n *node) wire(ctx context.Context) error {
	cfg := n.cfg
	signer, err := n.newSigner(ctx)
	if err != nil {
		return err
	}
	n.signer = signer

	evmOpts := []evmchain.Option{evmchain.WithLogger(n.logger)}
	if cfg.EVM.ID != "" {
		evmOpts = append(evmOpts, evmchain.WithID(chain.ID(cfg.EVM.ID)))
	}
	if cfg.EVM.GasHeadroom > 0 {
		evmOpts = append(evmOpts, evmchain.WithGasHeadroom(cfg.EVM.GasHeadroom))
	}
	evmAdapter, err := evmchain.Dial(ctx, cfg.EVM.RPCURL, evmOpts...)
	if err != nil {
		return err
	}
	moveAdapter := movevm.New(movevm.NewClient(cfg.Move.RPCURL),
		movevm.WithID(chain.ID(cfg.Move.ID)),
		movevm.WithMaxGasAmount(cfg.Move.MaxGasAmount),
		movevm.WithExpiration(cfg.Move.Expiration),
		movevm.WithLogger(n.logger),
	)

	receipts := txengine.NewReceiptStore(cfg.Engine.ReceiptKeepAlive)
	engineOpts := []txengine.Option{
		txengine.WithLocker(n.locker),
		txengine.WithReceiptStore(receipts),
		txengine.WithPollInterval(cfg.Engine.PollInterval),
		txengine.WithFinalityTimeout(cfg.Engine.FinalityTimeout),
		txengine.WithLogger(n.logger),
	}
	n.evm = txengine.New(evmAdapter, signer, engineOpts...)
	n.move = txengine.New(moveAdapter, signer, engineOpts...)

	if cfg.Multisig.Enabled {
		if n.coordinator, err = n.newCoordinator(); err != nil {
			return err
		}
	}
	return nil
}

// newSigner loads the hex keys from the environment and opens a KMS client when a kms key is configured.
func (n *node) newSigner(ctx context.Context) (sign.Signer, error) {
	keys, err := n.cfg.Keyring()
	if err != nil {
		return nil, err
	}
	signers := []sign.Signer{keys}
	var client *kms.KeyManagementClient
	for ref, k := range n.cfg.Keys {
		if k.Scheme != config.SchemeKMS {
			continue
		}
		if client == nil {
			if client, err = kms.NewKeyManagementClient(ctx); err != nil {
				return nil, eris.Wrap(err, "failed to create kms client")
			}
			n.closers = append(n.closers, client.Close)
		}
		s, err := sign.NewKMSSigner(ctx, client, sign.KeyRef(ref), k.KMSKeyName)
		if err != nil {
			return nil, eris.Wrapf(err, "kms key %q", ref)
		}
		n.logger.Debug().Str("key", ref).Str("address", s.Address().Hex()).Msg("kms signer ready")
		signers = append(signers, s)
	}
	return sign.Compose(signers...), nil
}

func (n *node) newCoordinator() (*multisig.Coordinator, error) {
	cfg := n.cfg
	mc, err := cfg.Multisig.CoordinatorConfig()
	if err != nil {
		return nil, err
	}
	var store multisig.Store = multisig.NewMemoryStore()
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		n.closers = append(n.closers, client.Close)
		store = multisig.NewRedisStore(client,
			multisig.WithKeyPrefix(cfg.Redis.KeyPrefix),
			multisig.WithTTL(cfg.Redis.TTL),
		)
	}
	return multisig.NewCoordinator(mc, n.evm, n.move, safe.NewServiceClient(cfg.Multisig.ServiceURL), n.signer,
		multisig.WithStore(store),
		multisig.WithLocker(n.locker),
		multisig.WithLogger(n.logger),
	)
}

func (n *node) relay() (*relay.Relay, error) {
	cfg := n.cfg
	registry, err := relay.LoadContractArtifact(cfg.Relay.Artifact)
	if err != nil {
		return nil, err
	}
	artifacts := relay.Artifacts{Registry: registry, Package: relay.MovePackage{Module: cfg.Relay.Module}}
	if cfg.Relay.PackageDir != "" {
		if artifacts.Package, err = relay.LoadMovePackage(cfg.Relay.PackageDir, cfg.Relay.PackageName,
			cfg.Relay.Module); err != nil {
			return nil, err
		}
	}
	rc := relay.Config{
		Deployer:      sign.KeyRef(cfg.Relay.Deployer),
		MoveAccount:   sign.KeyRef(cfg.Relay.MoveAccount),
		AccountValue:  cfg.Relay.AccountValue,
		ContractValue: cfg.Relay.ContractValue,
		Vote:          cfg.Multisig.VoteRequest(),
	}
	if cfg.Relay.Registry != "" {
		rc.Registry = common.HexToAddress(cfg.Relay.Registry)
	}
	opts := []relay.Option{
		relay.WithLocker(n.locker),
		relay.WithLogger(n.logger),
		relay.WithRetryPolicy(txengine.RetryPolicy{
			MaxAttempts: cfg.Engine.RetryAttempts,
			Interval:    cfg.Engine.RetryInterval,
		}),
	}
	if n.coordinator != nil {
		opts = append(opts, relay.WithCoordinator(n.coordinator))
	}
	return relay.New(rc, artifacts, n.evm, n.move, n.signer, opts...), nil
}
