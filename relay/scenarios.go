package relay

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
	evmchain "pkg.world.dev/world-engine/crossvm/chain/evm"
	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/nonce"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

var (
	sendToEVM      = chain.FunctionID{Address: "0x1", Module: "evm", Name: "send_move_tx_to_evm"}
	publishPackage = chain.FunctionID{Address: "0x1", Module: "code", Name: "publish_package_txn"}
)

const callEVM = "call_evm"

// Deploy deploys a new target contract, checks that code landed at the derived address and that number() starts
// at 0. Later scenarios of this relay call the new contract.
func (r *Relay) Deploy(ctx context.Context) (*Result, error) {
	logger := zerolog.Ctx(ctx)
	deployer, err := r.deployer(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Scenario: ScenarioDeploy}
	exec, err := txengine.Retry(ctx, r.evm, r.retry, func(context.Context, int) (txengine.Request, error) {
		return txengine.Request{
			Build: chain.BuildRequest{Sender: deployer.Hex(), Args: []any{[]byte(r.artifacts.Registry.Bytecode)}},
			Key:   r.cfg.Deployer,
		}, nil
	})
	if exec != nil {
		res.Executions = append(res.Executions, exec)
	}
	if err != nil {
		return res, eris.Wrap(err, "failed to deploy target contract")
	}
	seq, _ := exec.Unsigned.SequenceNumber()
	registry := crypto.CreateAddress(deployer, seq)
	res.Registry = registry

	if _, err := r.evm.Adapter().ReadState(ctx, chain.StateQuery{
		Account:  registry.Hex(),
		Resource: evmchain.ResourceCode,
	}); err != nil {
		return res, eris.Wrapf(ErrVerification, "no code at %s: %v", registry, err)
	}
	n, err := r.number(ctx, registry)
	if err != nil {
		return res, err
	}
	res.Number = n
	if n.Sign() != 0 {
		return res, eris.Wrapf(ErrVerification, "fresh contract %s holds %s", registry, n)
	}

	r.mu.Lock()
	r.registry = registry
	r.mu.Unlock()
	logger.Info().Str("registry", registry.Hex()).Str("tx", exec.TxID).Msg("target contract deployed")
	return res, nil
}

// AccountOriginated calls setNumber on the target contract from the Move account through
// 0x1::evm::send_move_tx_to_evm, passing the account's cross-VM nonce explicitly.
func (r *Relay) AccountOriginated(ctx context.Context) (*Result, error) {
	logger := zerolog.Ctx(ctx)
	res := &Result{Scenario: ScenarioAccountOriginated}
	registry, err := r.ensureRegistry(ctx, res)
	if err != nil {
		return res, err
	}
	account, err := r.moveAccount(ctx)
	if err != nil {
		return res, err
	}
	call, err := crossvm.EncodeRemoteCall(address.FromEVM(registry), SetNumberSignature, r.cfg.AccountValue)
	if err != nil {
		return res, err
	}

	evmAccount := address.EVMAccountOf(account)
	unlock, err := r.locker.Lock(ctx, nonce.AccountKey(r.evm.Adapter().ID(), evmAccount.Hex()))
	if err != nil {
		return res, err
	}
	defer unlock()

	exec, err := txengine.Retry(ctx, r.move, r.retry, func(ctx context.Context, attempt int) (txengine.Request, error) {
		n, err := r.resolver.Resolve(ctx, evmAccount)
		if err != nil {
			return txengine.Request{}, err
		}
		if attempt == 0 {
			res.NonceBefore = n
		}
		res.NonceUsed = n
		args, err := crossvm.WrapForCrossCall(call, n, uint256.NewInt(0), crossvm.StyleAccountOriginated)
		if err != nil {
			return txengine.Request{}, err
		}
		logger.Debug().Uint64("nonce", n).Int("attempt", attempt).Msg("sending account-originated call")
		return txengine.Request{
			Build: chain.BuildRequest{Sender: account.Hex(), Function: sendToEVM, Args: args},
			Key:   r.cfg.MoveAccount,
		}, nil
	})
	if exec != nil {
		res.Executions = append(res.Executions, exec)
	}
	if err != nil {
		return res, eris.Wrap(err, "account-originated call failed")
	}
	return res, r.verifyNumber(ctx, res, registry, r.cfg.AccountValue)
}

// ContractOriginated publishes the Move package under the Move account when it is missing, then calls its
// call_evm entry function. The module reaches the EVM without passing a nonce, so the nonce it consumed is
// checked afterwards.
func (r *Relay) ContractOriginated(ctx context.Context) (*Result, error) {
	logger := zerolog.Ctx(ctx)
	res := &Result{Scenario: ScenarioContractOriginated}
	registry, err := r.ensureRegistry(ctx, res)
	if err != nil {
		return res, err
	}
	account, err := r.moveAccount(ctx)
	if err != nil {
		return res, err
	}
	pkg := r.artifacts.Package
	if err := r.ensurePackage(ctx, res, account); err != nil {
		return res, err
	}
	call, err := crossvm.EncodeRemoteCall(address.FromEVM(registry), SetNumberSignature, r.cfg.ContractValue)
	if err != nil {
		return res, err
	}
	args, err := crossvm.WrapForCrossCall(call, 0, uint256.NewInt(0), crossvm.StyleContractOriginated)
	if err != nil {
		return res, err
	}

	evmAccount := address.EVMAccountOf(account)
	unlock, err := r.locker.Lock(ctx, nonce.AccountKey(r.evm.Adapter().ID(), evmAccount.Hex()))
	if err != nil {
		return res, err
	}
	defer unlock()

	if res.NonceBefore, err = r.resolver.Resolve(ctx, evmAccount); err != nil {
		return res, err
	}
	fn := chain.FunctionID{Address: account.Hex(), Module: pkg.Module, Name: callEVM}
	exec, err := r.move.Execute(ctx, txengine.Request{
		Build: chain.BuildRequest{Sender: account.Hex(), Function: fn, Args: args},
		Key:   r.cfg.MoveAccount,
	})
	res.Executions = append(res.Executions, exec)
	if err != nil {
		return res, eris.Wrapf(err, "%s failed", fn)
	}

	after, err := r.resolver.Resolve(ctx, evmAccount)
	if err != nil {
		return res, err
	}
	if after == 0 {
		return res, eris.Wrapf(ErrVerification, "%s consumed no cross-vm nonce", fn)
	}
	res.NonceUsed = after - 1
	if res.NonceUsed != res.NonceBefore {
		return res, eris.Wrapf(ErrVerification, "expected nonce %d to be consumed, chain is at %d",
			res.NonceBefore, after)
	}
	logger.Debug().Uint64("nonce", res.NonceUsed).Msg("contract-originated call consumed nonce")
	return res, r.verifyNumber(ctx, res, registry, r.cfg.ContractValue)
}

// MultisigVote has the Safe vote on the configured pending Move multisig transaction.
func (r *Relay) MultisigVote(ctx context.Context) (*Result, error) {
	res := &Result{Scenario: ScenarioMultisigVote}
	if r.coordinator == nil {
		return res, eris.New("multisig vote needs a coordinator")
	}
	out, err := r.coordinator.Vote(ctx, r.cfg.Vote)
	if out != nil {
		res.Vote = out
		if out.Execution != nil {
			res.Executions = append(res.Executions, out.Execution)
		}
	}
	return res, err
}

func (r *Relay) ensureRegistry(ctx context.Context, res *Result) (common.Address, error) {
	r.mu.Lock()
	registry := r.registry
	r.mu.Unlock()
	if registry != (common.Address{}) {
		res.Registry = registry
		return registry, nil
	}
	deployed, err := r.Deploy(ctx)
	if deployed != nil {
		res.Executions = append(res.Executions, deployed.Executions...)
	}
	if err != nil {
		return common.Address{}, err
	}
	res.Registry = deployed.Registry
	return deployed.Registry, nil
}

func (r *Relay) ensurePackage(ctx context.Context, res *Result, account address.Move) error {
	pkg := r.artifacts.Package
	_, err := r.move.Adapter().ReadState(ctx, chain.StateQuery{Account: account.Hex(), Module: pkg.Module})
	if err == nil {
		return nil
	}
	if !errors.Is(err, chain.ErrNotFound) {
		return eris.Wrapf(err, "failed to look up module %s", pkg.Module)
	}
	if len(pkg.Modules) == 0 {
		return eris.Errorf("module %s is not published and no move package is configured", pkg.Module)
	}
	exec, err := txengine.Retry(ctx, r.move, r.retry, func(context.Context, int) (txengine.Request, error) {
		return txengine.Request{
			Build: chain.BuildRequest{
				Sender:   account.Hex(),
				Function: publishPackage,
				Args:     []any{pkg.Metadata, pkg.Modules},
			},
			Key: r.cfg.MoveAccount,
		}, nil
	})
	if exec != nil {
		res.Executions = append(res.Executions, exec)
	}
	if err != nil {
		return eris.Wrapf(err, "failed to publish module %s", pkg.Module)
	}
	zerolog.Ctx(ctx).Info().Str("module", account.Short()+"::"+pkg.Module).Msg("move package published")
	return nil
}

func (r *Relay) verifyNumber(ctx context.Context, res *Result, registry common.Address, want uint64) error {
	n, err := r.number(ctx, registry)
	if err != nil {
		return err
	}
	res.Number = n
	if !n.IsUint64() || n.Uint64() != want {
		return eris.Wrapf(ErrVerification, "number() is %s, want %d", n, want)
	}
	return nil
}

func (r *Relay) number(ctx context.Context, registry common.Address) (*big.Int, error) {
	raw, err := r.evm.Adapter().ReadState(ctx, chain.StateQuery{
		Function: chain.FunctionID{Address: registry.Hex(), Name: NumberSignature},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read number() of %s", registry)
	}
	out, err := crossvm.DecodeOutputs([]string{"uint256"}, raw)
	if err != nil {
		return nil, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, eris.Errorf("number() returned %T", out[0])
	}
	return n, nil
}

func (r *Relay) deployer(ctx context.Context) (common.Address, error) {
	addr, err := sign.EVMAddress(ctx, r.signer, r.cfg.Deployer)
	if err != nil {
		return common.Address{}, eris.Wrapf(err, "deployer key %q", r.cfg.Deployer)
	}
	return addr, nil
}

func (r *Relay) moveAccount(ctx context.Context) (address.Move, error) {
	pub, err := r.signer.PublicKey(ctx, r.cfg.MoveAccount)
	if err != nil {
		return address.Move{}, eris.Wrapf(err, "move account key %q", r.cfg.MoveAccount)
	}
	return address.FromEd25519PublicKey(pub), nil
}
