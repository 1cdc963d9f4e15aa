package testchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/sign"
)

const (
	evmAccountResource = "0x1::evm::Account"
	multisigResource   = "0x1::multisig_account::MultisigAccount"
)

type abortError struct{ status string }

func (e abortError) Error() string { return "Move abort: " + e.status }

func abortf(format string, args ...any) error {
	return abortError{status: fmt.Sprintf(format, args...)}
}

type moveCall struct {
	sender address.Move
	args   []any
}

type entryFunc func(n *Network, c moveCall) (func(), error)

type viewFunc func(n *Network, args []any) ([]any, error)

type moveModule struct {
	name    string
	entries map[string]entryFunc
	views   map[string]viewFunc
}

func moveArg(v any) (address.Move, error) {
	switch a := v.(type) {
	case address.Move:
		return a, nil
	case [32]byte:
		return address.Move(a), nil
	case string:
		return address.ParseMove(a)
	default:
		return address.Move{}, abortf("expected an address, got %T", v)
	}
}

func u64Arg(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int:
		return uint64(n), nil
	case string:
		u, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, abortf("expected a u64, got %q", n)
		}
		return u, nil
	default:
		return 0, abortf("expected a u64, got %T", v)
	}
}

func bytesArg(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, abortf("expected vector<u8>, got %T", v)
	}
	return b, nil
}

func argCount(c moveCall, n int) error {
	if len(c.args) != n {
		return abortf("NUMBER_OF_ARGUMENTS_MISMATCH: expected %d, got %d", n, len(c.args))
	}
	return nil
}

// crossCall runs data against the EVM as the EVM identity of sender and consumes that identity's nonce. A non-nil
// expected nonce must match the tracked one. Must be called with mu held.
func (n *Network) crossCall(sender address.Move, expected *uint64, to, value, data []byte) (func(), error) {
	evmID := address.EVMAccountOf(sender)
	holder := address.ToMove(evmID)
	current := n.crossNonces[holder]
	if expected != nil && *expected != current {
		return nil, abortf("EVM_NONCE_MISMATCH: expected %d, got %d", current, *expected)
	}
	if len(to) != common.AddressLength {
		return nil, abortf("EVM target must be %d bytes, got %d", common.AddressLength, len(to))
	}
	target := common.BytesToAddress(to)
	amount, err := crossvm.DecodeU256(value)
	if err != nil {
		return nil, abortf("malformed value: %v", err)
	}
	_, commit, err := n.evmMessage(evmID, &target, current, amount.ToBig(), data)
	if err != nil {
		return nil, abortf("EVM_EXECUTION_FAILED: %v", err)
	}
	return apply(commit, func() {
		n.crossNonces[holder] = current + 1
		n.record(n.evm.id, evmID.Hex(), chain.StatusSuccess, "from "+sender.Hex())
	}), nil
}

func evmModule() moveModule {
	return moveModule{
		name: "evm",
		entries: map[string]entryFunc{
			"send_move_tx_to_evm": func(n *Network, c moveCall) (func(), error) {
				if err := argCount(c, 5); err != nil {
					return nil, err
				}
				nonce, err := u64Arg(c.args[0])
				if err != nil {
					return nil, err
				}
				to, err := bytesArg(c.args[1])
				if err != nil {
					return nil, err
				}
				value, err := bytesArg(c.args[2])
				if err != nil {
					return nil, err
				}
				data, err := bytesArg(c.args[3])
				if err != nil {
					return nil, err
				}
				return n.crossCall(c.sender, &nonce, to, value, data)
			},
		},
	}
}

func demoModule() moveModule {
	return moveModule{
		name: "demo",
		entries: map[string]entryFunc{
			"call_evm": func(n *Network, c moveCall) (func(), error) {
				if err := argCount(c, 3); err != nil {
					return nil, err
				}
				to, err := bytesArg(c.args[0])
				if err != nil {
					return nil, err
				}
				data, err := bytesArg(c.args[1])
				if err != nil {
					return nil, err
				}
				value, err := bytesArg(c.args[2])
				if err != nil {
					return nil, err
				}
				return n.crossCall(c.sender, nil, to, value, data)
			},
		},
	}
}

func codeModule() moveModule {
	return moveModule{
		name: "code",
		entries: map[string]entryFunc{
			"publish_package_txn": func(n *Network, c moveCall) (func(), error) {
				if err := argCount(c, 2); err != nil {
					return nil, err
				}
				code, ok := c.args[1].([][]byte)
				if !ok {
					return nil, abortf("expected vector<vector<u8>>, got %T", c.args[1])
				}
				published := make([]moveModule, 0, len(code))
				for _, blob := range code {
					m, ok := n.packages[string(blob)]
					if !ok {
						return nil, abortf("CODE_DESERIALIZATION_ERROR")
					}
					published = append(published, m)
				}
				return func() {
					if n.modules[c.sender] == nil {
						n.modules[c.sender] = make(map[string]moveModule)
					}
					for _, m := range published {
						n.modules[c.sender][m.name] = m
					}
				}, nil
			},
		},
	}
}

// multisigAddress derives the address of the multisig account creator makes with its sequence-th transaction.
func multisigAddress(creator address.Move, sequence uint64) address.Move {
	var out address.Move
	copy(out[:], crypto.Keccak256(creator.Bytes(), []byte("multisig_account"), []byte(strconv.FormatUint(sequence, 10))))
	return out
}

func (n *Network) multisig(a address.Move) (*multisigAccount, error) {
	m, ok := n.multisigs[a]
	if !ok {
		return nil, abortf("EACCOUNT_NOT_MULTISIG: %s", a)
	}
	return m, nil
}

// vote records owner's vote on a pending transaction. Must be called with mu held.
func (n *Network) vote(owner, multisig address.Move, sequence uint64, approve bool) (func(), error) {
	m, err := n.multisig(multisig)
	if err != nil {
		return nil, err
	}
	if !m.isOwner(owner) {
		return nil, abortf("ENOT_OWNER: %s", owner)
	}
	if _, ok := m.payloads[sequence]; !ok {
		return nil, abortf("ETRANSACTION_NOT_FOUND: %d", sequence)
	}
	return func() { m.votes[sequence][owner] = approve }, nil
}

func multisigModule() moveModule {
	return moveModule{
		name: "multisig_account",
		entries: map[string]entryFunc{
			"create_with_owners": func(n *Network, c moveCall) (func(), error) {
				if err := argCount(c, 4); err != nil {
					return nil, err
				}
				others, ok := c.args[0].([]address.Move)
				if !ok {
					return nil, abortf("expected vector<address>, got %T", c.args[0])
				}
				threshold, err := u64Arg(c.args[1])
				if err != nil {
					return nil, err
				}
				owners := append([]address.Move{c.sender}, others...)
				seen := make(map[address.Move]bool, len(owners))
				for _, o := range owners {
					if seen[o] {
						return nil, abortf("EDUPLICATE_OWNER: %s", o)
					}
					seen[o] = true
				}
				if threshold == 0 || threshold > uint64(len(owners)) {
					return nil, abortf("EINVALID_SIGNATURES_REQUIRED: %d of %d", threshold, len(owners))
				}
				addr := multisigAddress(c.sender, n.sequences[c.sender])
				if _, exists := n.multisigs[addr]; exists {
					return nil, abortf("EACCOUNT_ALREADY_EXISTS: %s", addr)
				}
				return func() {
					n.multisigs[addr] = &multisigAccount{
						owners:    owners,
						threshold: threshold,
						nextSeq:   1,
						payloads:  make(map[uint64][]byte),
						votes:     make(map[uint64]map[address.Move]bool),
					}
				}, nil
			},
			"create_transaction": func(n *Network, c moveCall) (func(), error) {
				if err := argCount(c, 2); err != nil {
					return nil, err
				}
				addr, err := moveArg(c.args[0])
				if err != nil {
					return nil, err
				}
				payload, err := bytesArg(c.args[1])
				if err != nil {
					return nil, err
				}
				if _, err := crossvm.DecodeMultisigEntryFunction(payload); err != nil {
					return nil, abortf("EINVALID_PAYLOAD: %v", err)
				}
				m, err := n.multisig(addr)
				if err != nil {
					return nil, err
				}
				if !m.isOwner(c.sender) {
					return nil, abortf("ENOT_OWNER: %s", c.sender)
				}
				return func() {
					seq := m.nextSeq
					m.payloads[seq] = append([]byte(nil), payload...)
					m.votes[seq] = map[address.Move]bool{c.sender: true}
					m.nextSeq++
				}, nil
			},
		},
		views: map[string]viewFunc{
			"get_next_multisig_account_address": func(n *Network, args []any) ([]any, error) {
				if len(args) != 1 {
					return nil, abortf("expected 1 argument")
				}
				creator, err := moveArg(args[0])
				if err != nil {
					return nil, err
				}
				return []any{multisigAddress(creator, n.sequences[creator]).Hex()}, nil
			},
			"next_sequence_number": func(n *Network, args []any) ([]any, error) {
				m, err := n.viewMultisig(args, 1)
				if err != nil {
					return nil, err
				}
				return []any{strconv.FormatUint(m.nextSeq, 10)}, nil
			},
			"num_signatures_required": func(n *Network, args []any) ([]any, error) {
				m, err := n.viewMultisig(args, 1)
				if err != nil {
					return nil, err
				}
				return []any{strconv.FormatUint(m.threshold, 10)}, nil
			},
			"owners": func(n *Network, args []any) ([]any, error) {
				m, err := n.viewMultisig(args, 1)
				if err != nil {
					return nil, err
				}
				owners := make([]string, len(m.owners))
				for i, o := range m.owners {
					owners[i] = o.Hex()
				}
				return []any{owners}, nil
			},
			"vote": func(n *Network, args []any) ([]any, error) {
				m, err := n.viewMultisig(args, 3)
				if err != nil {
					return nil, err
				}
				seq, err := u64Arg(args[1])
				if err != nil {
					return nil, err
				}
				owner, err := moveArg(args[2])
				if err != nil {
					return nil, err
				}
				if _, ok := m.payloads[seq]; !ok {
					return nil, abortf("ETRANSACTION_NOT_FOUND: %d", seq)
				}
				approved, voted := m.votes[seq][owner]
				return []any{voted, approved}, nil
			},
		},
	}
}

func (n *Network) viewMultisig(args []any, want int) (*multisigAccount, error) {
	if len(args) != want {
		return nil, abortf("expected %d arguments, got %d", want, len(args))
	}
	a, err := moveArg(args[0])
	if err != nil {
		return nil, err
	}
	return n.multisig(a)
}

type moveTx struct {
	sender   address.Move
	function chain.FunctionID
	args     []any
	sequence uint64
}

// MoveAdapter is the Move side of a Network. It takes Go values as arguments, the way callers hand them to the
// REST adapter before encoding.
type MoveAdapter struct {
	net *Network
	id  chain.ID
}

var _ chain.Adapter = &MoveAdapter{}

func (a *MoveAdapter) ID() chain.ID { return a.id }

// module looks up a published module. Must be called with mu held.
func (n *Network) module(fn chain.FunctionID) (moveModule, error) {
	owner, err := address.ParseMove(fn.Address)
	if err != nil {
		return moveModule{}, err
	}
	m, ok := n.modules[owner][fn.Module]
	if !ok {
		return moveModule{}, eris.Wrapf(chain.ErrNotFound, "module %s::%s", owner.Short(), fn.Module)
	}
	return m, nil
}

// entry runs fn without committing it. Must be called with mu held.
func (n *Network) entry(tx *moveTx) (func(), error) {
	m, err := n.module(tx.function)
	if err != nil {
		return nil, abortf("LINKER_ERROR: %v", err)
	}
	fn, ok := m.entries[tx.function.Name]
	if !ok {
		return nil, abortf("FUNCTION_RESOLUTION_FAILURE: %s", tx.function)
	}
	return fn(n, moveCall{sender: tx.sender, args: tx.args})
}

// normalizeType rewrites the address of a resource type in short form.
func normalizeType(t string) string {
	parts := strings.SplitN(t, "::", 2)
	if len(parts) != 2 {
		return t
	}
	a, err := address.ParseMove(parts[0])
	if err != nil {
		return t
	}
	return a.Short() + "::" + parts[1]
}

func (a *MoveAdapter) ReadState(_ context.Context, q chain.StateQuery) ([]byte, error) {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !q.Function.IsZero() {
		m, err := n.module(q.Function)
		if err != nil {
			return nil, err
		}
		view, ok := m.views[q.Function.Name]
		if !ok {
			return nil, eris.Errorf("%s is not a view function", q.Function)
		}
		out, err := view(n, q.Args)
		if err != nil {
			return nil, eris.Wrapf(err, "view %s failed", q.Function)
		}
		bz, err := json.Marshal(out)
		return bz, eris.Wrap(err, "")
	}

	account, err := address.ParseMove(q.Account)
	if err != nil {
		return nil, err
	}
	var data any
	switch {
	case q.Resource != "":
		switch normalizeType(q.Resource) {
		case evmAccountResource:
			nonce, ok := n.crossNonces[account]
			if !ok {
				return nil, eris.Wrapf(chain.ErrNotFound, "%s at %s", q.Resource, account)
			}
			data = map[string]string{"nonce": strconv.FormatUint(nonce, 10)}
		case multisigResource:
			m, ok := n.multisigs[account]
			if !ok {
				return nil, eris.Wrapf(chain.ErrNotFound, "%s at %s", q.Resource, account)
			}
			owners := make([]string, len(m.owners))
			for i, o := range m.owners {
				owners[i] = o.Hex()
			}
			data = map[string]any{
				"owners":                  owners,
				"num_signatures_required": strconv.FormatUint(m.threshold, 10),
				"next_sequence_number":    strconv.FormatUint(m.nextSeq, 10),
			}
		default:
			return nil, eris.Wrapf(chain.ErrNotFound, "%s at %s", q.Resource, account)
		}
	case q.Module != "":
		if _, ok := n.modules[account][q.Module]; !ok {
			return nil, eris.Wrapf(chain.ErrNotFound, "module %s at %s", q.Module, account)
		}
		data = map[string]any{"abi": map[string]string{"address": account.Hex(), "name": q.Module}}
	default:
		seq, ok := n.sequences[account]
		if !ok {
			return nil, eris.Wrapf(chain.ErrNotFound, "account %s", account)
		}
		data = map[string]string{
			"sequence_number":    strconv.FormatUint(seq, 10),
			"authentication_key": "0x" + hex.EncodeToString(account.Bytes()),
		}
	}
	bz, err := json.Marshal(data)
	return bz, eris.Wrap(err, "")
}

func (a *MoveAdapter) BuildUnsignedTransaction(_ context.Context, req chain.BuildRequest) (*chain.UnsignedTransaction, error) {
	sender, err := address.ParseMove(req.Sender)
	if err != nil {
		return nil, err
	}
	if req.Function.Module == "" {
		return nil, eris.Errorf("%s is not a move entry function", req.Function)
	}
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	tx := &moveTx{sender: sender, function: req.Function, args: req.Args, sequence: n.sequences[sender]}
	if req.SequenceNumber != nil {
		tx.sequence = *req.SequenceNumber
	}
	return chain.NewUnsignedTransaction(a.id, req, tx.sequence, tx), nil
}

func (a *MoveAdapter) SigningMessage(_ context.Context, tx *chain.UnsignedTransaction) ([]byte, error) {
	h, err := tx.ContentHash()
	if err != nil {
		return nil, err
	}
	return append([]byte("APTOS::RawTransaction"), h.Bytes()...), nil
}

func (a *MoveAdapter) Attach(tx *chain.UnsignedTransaction, signature, publicKey []byte) (*chain.SignedTransaction, error) {
	msg, err := a.SigningMessage(context.Background(), tx)
	if err != nil {
		return nil, err
	}
	if err := sign.VerifyEd25519(publicKey, msg, signature); err != nil {
		return nil, eris.Wrapf(err, "signature does not match %s", tx.Origin())
	}
	origin, err := address.ParseMove(tx.Origin())
	if err != nil {
		return nil, err
	}
	if got := address.FromEd25519PublicKey(publicKey); got != origin {
		return nil, eris.Errorf("public key belongs to %s, not %s", got, origin)
	}
	return chain.NewSignedTransaction(tx, signature, publicKey, tx.Native()), nil
}

func nativeMove(tx *chain.SignedTransaction) (*moveTx, error) {
	mtx, ok := tx.Native().(*moveTx)
	if !ok {
		return nil, eris.Errorf("transaction was not built by the testchain move vm: %T", tx.Native())
	}
	return mtx, nil
}

func (a *MoveAdapter) Simulate(_ context.Context, tx *chain.SignedTransaction) (*chain.SimulationResult, error) {
	mtx, err := nativeMove(tx)
	if err != nil {
		return nil, err
	}
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if mtx.sequence < n.sequences[mtx.sender] {
		return &chain.SimulationResult{AbortReason: "SEQUENCE_NUMBER_TOO_OLD"}, nil
	}
	if _, err := n.entry(mtx); err != nil {
		return &chain.SimulationResult{AbortReason: err.Error()}, nil
	}
	return &chain.SimulationResult{WillSucceed: true, GasEstimate: 10}, nil
}

func (a *MoveAdapter) Submit(_ context.Context, tx *chain.SignedTransaction) (string, error) {
	mtx, err := nativeMove(tx)
	if err != nil {
		return "", err
	}
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submits[a.id]++
	if current := n.sequences[mtx.sender]; mtx.sequence != current {
		return "", eris.Wrapf(chain.ErrSubmissionRejected, "sequence number %d, expected %d", mtx.sequence, current)
	}
	commit, err := n.entry(mtx)
	n.sequences[mtx.sender]++
	if err != nil {
		return n.record(a.id, mtx.sender.Hex(), chain.StatusReverted, err.Error()), nil
	}
	commit()
	return n.record(a.id, mtx.sender.Hex(), chain.StatusSuccess, "Executed successfully"), nil
}

func (a *MoveAdapter) AwaitFinality(ctx context.Context, txID string, _, _ time.Duration) (*chain.Receipt, error) {
	return a.net.await(ctx, txID)
}
