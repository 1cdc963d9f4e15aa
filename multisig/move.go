package multisig

import (
	"context"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

const (
	moduleName = "multisig_account"
	// VoteSignature is the framework entry point the precompile forwards the Safe's vote to.
	VoteSignature = "vote(bytes32,uint64,bool)"
)

// VoteState is what the Move multisig holds for one (owner, sequence) pair.
type VoteState struct {
	Voted    bool
	Approved bool
}

// Recorded reports whether the owner voted approve.
func (v VoteState) Recorded(approve bool) bool {
	return v.Voted && v.Approved == approve
}

// EncodeVote returns the EVM calldata that, sent to the precompile, makes the caller's Move identity vote on the
// pending transaction sequence of multisig.
func EncodeVote(
	framework address.Move, precompile common.Address, multisig address.Move, sequence uint64, approve bool,
) ([]byte, error) {
	inner, err := crossvm.EncodeRemoteCall(address.FromMove(framework), VoteSignature, multisig, sequence, approve)
	if err != nil {
		return nil, err
	}
	outer, err := crossvm.EncodeMoveCall(precompile, inner)
	if err != nil {
		return nil, err
	}
	return outer.Bytes(), nil
}

func (c *Coordinator) function(name string) chain.FunctionID {
	return chain.FunctionID{Address: c.cfg.Framework.Short(), Module: moduleName, Name: name}
}

func (c *Coordinator) resourceType() string {
	return c.cfg.Framework.Short() + "::" + moduleName + "::MultisigAccount"
}

// view calls a multisig_account view function and returns its return values.
func (c *Coordinator) view(ctx context.Context, name string, args ...any) ([]json.RawMessage, error) {
	raw, err := c.move.Adapter().ReadState(ctx, chain.StateQuery{Function: c.function(name), Args: args})
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrapf(err, "malformed reply of %s", name)
	}
	return out, nil
}

func (c *Coordinator) viewU64(ctx context.Context, name string, args ...any) (uint64, error) {
	out, err := c.view(ctx, name, args...)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, eris.Errorf("%s returned nothing", name)
	}
	var s string
	if err := json.Unmarshal(out[0], &s); err != nil {
		return 0, eris.Wrapf(err, "malformed u64 from %s", name)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, eris.Wrapf(err, "malformed u64 from %s", name)
}

// VoteState reads the vote of voter on the pending transaction sequence of multisig.
func (c *Coordinator) VoteState(
	ctx context.Context, multisig address.Move, sequence uint64, voter address.Move,
) (VoteState, error) {
	out, err := c.view(ctx, "vote", multisig, sequence, voter)
	if err != nil {
		return VoteState{}, eris.Wrapf(err, "failed to read vote of %s on %s/%d", voter, multisig, sequence)
	}
	if len(out) != 2 {
		return VoteState{}, eris.Errorf("vote returned %d values, expected 2", len(out))
	}
	var state VoteState
	if err := json.Unmarshal(out[0], &state.Voted); err != nil {
		return VoteState{}, eris.Wrap(err, "malformed vote reply")
	}
	if err := json.Unmarshal(out[1], &state.Approved); err != nil {
		return VoteState{}, eris.Wrap(err, "malformed vote reply")
	}
	return state, nil
}

func (c *Coordinator) multisigExists(ctx context.Context, multisig address.Move) (bool, error) {
	_, err := c.move.Adapter().ReadState(ctx, chain.StateQuery{Account: multisig.Hex(), Resource: c.resourceType()})
	if errors.Is(err, chain.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// EnsureMoveMultisig returns the multisig account the Safe votes in. A configured account must exist; otherwise
// one is created by creator with the Safe's Move identity among its owners. The created address is recorded in the
// store before the creation is submitted, so later runs sharing the store reuse it.
func (c *Coordinator) EnsureMoveMultisig(ctx context.Context, creator, safeOwner address.Move) (address.Move, error) {
	c.mu.Lock()
	known := c.multisig
	c.mu.Unlock()
	if known.IsZero() {
		known = c.cfg.Multisig
	}
	if !known.IsZero() {
		return c.checkMultisig(ctx, known)
	}

	key := MultisigKey{ChainID: c.move.Adapter().ID(), Creator: creator, Safe: safeOwner}
	recorded, err := c.store.LoadMultisig(ctx, key)
	switch {
	case errors.Is(err, ErrMultisigNotFound):
	case err != nil:
		return address.Move{}, eris.Wrap(err, "failed to load recorded multisig")
	default:
		ok, err := c.multisigExists(ctx, recorded)
		if err != nil {
			return address.Move{}, err
		}
		if ok {
			c.logger.Info().Str("multisig", recorded.Hex()).Msg("reusing recorded move multisig account")
			return c.checkMultisig(ctx, recorded)
		}
	}

	predicted, err := c.nextMultisigAddress(ctx, creator)
	if err != nil {
		return address.Move{}, err
	}
	if !recorded.IsZero() && recorded != predicted {
		return address.Move{}, eris.Errorf("recorded multisig %s for %s is missing and the next account is %s",
			recorded, key, predicted)
	}
	if recorded.IsZero() {
		if err := c.store.SaveMultisig(ctx, key, predicted); err != nil {
			return address.Move{}, eris.Wrap(err, "failed to record multisig")
		}
	}

	owners := append([]address.Move{safeOwner}, c.cfg.MoveOwners...)
	_, err = c.move.Execute(ctx, txengine.Request{
		Build: chain.BuildRequest{
			Sender:   creator.Hex(),
			Function: c.function("create_with_owners"),
			Args:     []any{owners, c.cfg.MoveThreshold, []string{}, [][]byte{}},
		},
		Key: c.cfg.MoveOwner,
	})
	if err != nil {
		return address.Move{}, eris.Wrap(err, "failed to create multisig account")
	}
	ok, err := c.multisigExists(ctx, predicted)
	if err != nil {
		return address.Move{}, err
	}
	if !ok {
		return address.Move{}, eris.Errorf("multisig account not found at predicted address %s", predicted)
	}
	c.remember(predicted)
	c.logger.Info().Str("multisig", predicted.Hex()).Uint64("threshold", c.cfg.MoveThreshold).
		Msg("created move multisig account")
	return predicted, nil
}

// checkMultisig verifies an existing multisig and its threshold.
func (c *Coordinator) checkMultisig(ctx context.Context, multisig address.Move) (address.Move, error) {
	ok, err := c.multisigExists(ctx, multisig)
	if err != nil {
		return address.Move{}, err
	}
	if !ok {
		return address.Move{}, eris.Wrapf(chain.ErrNotFound, "multisig account %s", multisig)
	}
	threshold, err := c.viewU64(ctx, "num_signatures_required", multisig)
	if err != nil {
		return address.Move{}, err
	}
	if err := c.cfg.checkThresholds(threshold); err != nil {
		return address.Move{}, err
	}
	c.remember(multisig)
	return multisig, nil
}

func (c *Coordinator) remember(multisig address.Move) {
	c.mu.Lock()
	c.multisig = multisig
	c.mu.Unlock()
}

func (c *Coordinator) nextMultisigAddress(ctx context.Context, creator address.Move) (address.Move, error) {
	out, err := c.view(ctx, "get_next_multisig_account_address", creator)
	if err != nil {
		return address.Move{}, err
	}
	var next string
	if len(out) == 0 || json.Unmarshal(out[0], &next) != nil {
		return address.Move{}, eris.New("malformed reply of get_next_multisig_account_address")
	}
	return address.ParseMove(next)
}

// EnsurePendingTransaction makes sure the multisig has a transaction at sequence, creating the add_owner
// transaction when sequence is the next one.
func (c *Coordinator) EnsurePendingTransaction(
	ctx context.Context, creator, multisig address.Move, sequence uint64,
) error {
	next, err := c.viewU64(ctx, "next_sequence_number", multisig)
	if err != nil {
		return err
	}
	switch {
	case sequence < next:
		return nil
	case sequence > next:
		return eris.Errorf("sequence %d is ahead of the next multisig transaction %d", sequence, next)
	}
	if c.cfg.PendingOwner.IsZero() {
		return eris.Errorf("multisig %s has no transaction %d and no pending owner is configured", multisig, sequence)
	}
	payload := crossvm.EncodeMultisigEntryFunction(crossvm.EntryFunction{
		Address:  c.cfg.Framework,
		Module:   moduleName,
		Function: "add_owner",
		Args:     [][]byte{crossvm.EncodeAddress(c.cfg.PendingOwner)},
	})
	_, err = c.move.Execute(ctx, txengine.Request{
		Build: chain.BuildRequest{
			Sender:   creator.Hex(),
			Function: c.function("create_transaction"),
			Args:     []any{multisig, payload},
		},
		Key: c.cfg.MoveOwner,
	})
	if err != nil {
		return eris.Wrapf(err, "failed to create multisig transaction %d", sequence)
	}
	return nil
}
