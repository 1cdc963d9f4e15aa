// Package nonce resolves the EVM-side nonce of cross-VM accounts and serializes the work that consumes them.
package nonce

import (
	"context"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
)

// AccountResource is the Move resource holding the EVM state of a cross-VM account.
const AccountResource = "0x1::evm::Account"

// Resolver reads the nonce the Move framework tracks for an EVM identity. Every call goes to the chain; nothing is
// cached, so a resolved value is only meaningful while the caller holds the account lock.
type Resolver struct {
	move   chain.Adapter
	logger zerolog.Logger
}

type Option func(*Resolver)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(move chain.Adapter, opts ...Option) *Resolver {
	r := &Resolver{move: move, logger: log.Logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type accountResource struct {
	Nonce json.RawMessage `json:"nonce"`
}

// Resolve returns the next nonce of account. An account that never transacted through the bridge has no resource
// and starts at 0.
func (r *Resolver) Resolve(ctx context.Context, account common.Address) (uint64, error) {
	holder := address.ToMove(account)
	raw, err := r.move.ReadState(ctx, chain.StateQuery{Account: holder.Hex(), Resource: AccountResource})
	if errors.Is(err, chain.ErrNotFound) {
		r.logger.Debug().Str("account", account.Hex()).Msg("no evm account resource, nonce is 0")
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "failed to read %s of %s", AccountResource, holder)
	}
	var res accountResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, eris.Wrapf(err, "malformed %s resource", AccountResource)
	}
	n, err := parseUint(res.Nonce)
	if err != nil {
		return 0, eris.Wrapf(err, "malformed nonce in %s", AccountResource)
	}
	r.logger.Debug().Str("account", account.Hex()).Uint64("nonce", n).Msg("resolved cross-vm nonce")
	return n, nil
}

// parseUint accepts both the string form the Move REST API uses for u64 and a plain JSON number.
func parseUint(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, eris.New("missing value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.ParseUint(s, 10, 64)
		return n, eris.Wrap(err, "")
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, eris.Wrap(err, "")
	}
	return n, nil
}
