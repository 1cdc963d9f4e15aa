package multisig

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
	evmchain "pkg.world.dev/world-engine/crossvm/chain/evm"
	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/multisig/safe"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

// proposalOrigin tags proposals made through the transaction service.
const proposalOrigin = "crossvm-relay"

func (c *Coordinator) call(ctx context.Context, to common.Address, signature string, outputs ...string) ([]any, error) {
	raw, err := c.evm.Adapter().ReadState(ctx, chain.StateQuery{
		Function: chain.FunctionID{Address: to.Hex(), Name: signature},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "call to %s %s failed", to, signature)
	}
	return crossvm.DecodeOutputs(outputs, raw)
}

func (c *Coordinator) readSafeUint(ctx context.Context, safeAddr common.Address, signature string) (uint64, error) {
	out, err := c.call(ctx, safeAddr, signature, "uint256")
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, eris.Errorf("%s returned %v", signature, out[0])
	}
	return n.Uint64(), nil
}

func (c *Coordinator) hasCode(ctx context.Context, a common.Address) (bool, error) {
	_, err := c.evm.Adapter().ReadState(ctx, chain.StateQuery{Account: a.Hex(), Resource: evmchain.ResourceCode})
	if errors.Is(err, chain.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// EnsureSafe returns the Safe owned by owners, deploying it through the proxy factory when no code is at the
// predicted address yet.
func (c *Coordinator) EnsureSafe(
	ctx context.Context, owners []common.Address, moveOwner address.Move,
) (common.Address, error) {
	out, err := c.call(ctx, c.cfg.SafeFactory, safe.ProxyCreationCodeSignature, "bytes")
	if err != nil {
		return common.Address{}, err
	}
	creationCode, _ := out[0].([]byte)
	initializer, err := safe.EncodeSetup(owners, c.cfg.SafeThreshold, c.cfg.FallbackHandler)
	if err != nil {
		return common.Address{}, err
	}
	salt := c.saltNonce(moveOwner)
	predicted := safe.PredictProxyAddress(c.cfg.SafeFactory, c.cfg.SafeSingleton, creationCode, initializer, salt)

	deployed, err := c.hasCode(ctx, predicted)
	if err != nil {
		return common.Address{}, err
	}
	if !deployed {
		executor, err := sign.EVMAddress(ctx, c.signer, c.cfg.Executor)
		if err != nil {
			return common.Address{}, err
		}
		_, err = c.evm.Execute(ctx, txengine.Request{
			Build: chain.BuildRequest{
				Sender:   executor.Hex(),
				Function: chain.FunctionID{Address: c.cfg.SafeFactory.Hex(), Name: safe.CreateProxySignature},
				Args:     []any{c.cfg.SafeSingleton, initializer, salt},
			},
			Key: c.cfg.Executor,
		})
		if err != nil {
			return common.Address{}, eris.Wrap(err, "failed to deploy safe proxy")
		}
		if deployed, err = c.hasCode(ctx, predicted); err != nil {
			return common.Address{}, err
		}
		if !deployed {
			return common.Address{}, eris.Errorf("safe proxy not found at predicted address %s", predicted)
		}
		c.logger.Info().Str("safe", predicted.Hex()).Uint64("threshold", c.cfg.SafeThreshold).Msg("deployed safe")
	}

	threshold, err := c.readSafeUint(ctx, predicted, safe.GetThresholdSignature)
	if err != nil {
		return common.Address{}, err
	}
	if threshold != c.cfg.SafeThreshold {
		return common.Address{}, eris.Wrapf(ErrThresholdPolicy, "safe %s has threshold %d, configured %d",
			predicted, threshold, c.cfg.SafeThreshold)
	}
	return predicted, nil
}

// collectApprovals merges the signatures the service already holds and asks the remaining owners until the
// threshold is met. An owner whose signer fails is skipped. The proposal is saved whatever the result.
func (c *Coordinator) collectApprovals(
	ctx context.Context, p *Proposal, owners []common.Address, logger zerolog.Logger,
) error {
	isOwner := make(map[common.Address]bool, len(owners))
	for _, o := range owners {
		isOwner[o] = true
	}

	tracked, err := c.service.Transaction(ctx, p.ID)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		tracked = nil
	case err != nil:
		return eris.Wrap(err, "failed to read proposal from the transaction service")
	default:
		for owner, sig := range tracked.Signatures() {
			signer, err := safe.RecoverOwner(p.ID, sig)
			if err != nil || signer != owner || !isOwner[owner] {
				logger.Warn().Str("owner", owner.Hex()).Msg("ignoring invalid confirmation")
				continue
			}
			p.AddApproval(owner, sig)
		}
	}

	for i, ref := range c.cfg.SafeOwners {
		if p.ThresholdMet() && tracked != nil {
			break
		}
		owner := owners[i]
		if p.HasApproval(owner) {
			continue
		}
		sig, err := safe.Sign(ctx, c.signer, ref, p.ID)
		if err != nil {
			logger.Warn().Err(err).Str("owner", owner.Hex()).Msg("approver unavailable")
			continue
		}
		if tracked == nil {
			err = c.service.ProposeTransaction(ctx, safe.Proposal{
				Safe:        p.Safe,
				Transaction: p.Transaction,
				SafeTxHash:  p.ID,
				Sender:      owner,
				Signature:   sig,
				Origin:      proposalOrigin,
			})
			if err == nil {
				tracked = &safe.ServiceTransaction{SafeTxHash: p.ID}
				logger.Info().Str("owner", owner.Hex()).Msg("proposed safe transaction")
			}
		} else {
			err = c.service.ConfirmTransaction(ctx, p.ID, sig)
		}
		if err != nil {
			logger.Warn().Err(err).Str("owner", owner.Hex()).Msg("transaction service refused signature")
			continue
		}
		p.AddApproval(owner, sig)
	}

	if err := c.save(ctx, p); err != nil {
		return err
	}
	if !p.ThresholdMet() {
		return eris.Wrapf(ErrThresholdNotMet, "%d of %d approvals for %s", p.ApprovalCount(), p.Threshold, p.ID)
	}
	return nil
}

// execute submits execTransaction with the collected signatures. A revert, predicted or on chain, leaves the
// proposal pending.
func (c *Coordinator) execute(ctx context.Context, p *Proposal) (*txengine.Execution, error) {
	sigs, err := safe.PackSignatures(p.Signatures())
	if err != nil {
		return nil, err
	}
	executor, err := sign.EVMAddress(ctx, c.signer, c.cfg.Executor)
	if err != nil {
		return nil, err
	}
	exec, err := c.evm.Execute(ctx, txengine.Request{
		Build: chain.BuildRequest{
			Sender:   executor.Hex(),
			Function: chain.FunctionID{Address: p.Safe.Hex(), Name: safe.ExecTransactionSignature},
			Args:     safe.ExecTransactionArgs(p.Transaction, sigs),
		},
		Key: c.cfg.Executor,
	})
	if exec != nil && exec.TxID != "" {
		p.ExecutionID = exec.TxID
		if saveErr := c.save(ctx, p); saveErr != nil {
			return exec, saveErr
		}
	}
	if errors.Is(err, chain.ErrReverted) || errors.Is(err, chain.ErrSimulationFailed) {
		return exec, eris.Wrapf(ErrExecutionReverted, "%s: %v", p.ID, err)
	}
	return exec, err
}

func (c *Coordinator) save(ctx context.Context, p *Proposal) error {
	if err := c.store.Save(ctx, p); err != nil {
		return eris.Wrapf(err, "failed to save proposal %s", p.ID)
	}
	return nil
}
