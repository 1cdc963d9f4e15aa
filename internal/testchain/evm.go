package testchain

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/multisig/safe"
	"pkg.world.dev/world-engine/crossvm/sign"
)

// callMoveVote is the framework function the precompile accepts.
const callMoveVote = "vote(bytes32,uint64,bool)"

type revertError struct{ reason string }

func (e revertError) Error() string { return "execution reverted: " + e.reason }

func revert(format string, args ...any) error {
	return revertError{reason: fmt.Sprintf(format, args...)}
}

type call struct {
	sender common.Address
	self   common.Address
	value  *big.Int
	data   []byte
}

type contract interface {
	Code() []byte
	// Call checks c against the current state and returns its output and the change it makes.
	Call(n *Network, c call) ([]byte, func(), error)
}

type handler func(n *Network, c call, args []any) ([]byte, func(), error)

func dispatch(n *Network, c call, handlers map[string]handler) ([]byte, func(), error) {
	for sig, h := range handlers {
		m, err := crossvm.ParseMethod(sig)
		if err != nil {
			return nil, nil, err
		}
		if len(c.data) < 4 || !bytes.Equal(c.data[:4], m.Selector()) {
			continue
		}
		args, err := m.Decode(c.data)
		if err != nil {
			return nil, nil, revert("%v", err)
		}
		return h(n, c, args)
	}
	return nil, nil, revert("unknown selector at %s", c.self.Hex())
}

func uintOutput(v uint64) []byte {
	out, _ := crossvm.EncodeOutputs([]string{"uint256"}, v)
	return out
}

// evmMessage runs one message. A nil to creates a contract from a registered program at
// CreateAddress(from, nonce). Must be called with mu held.
func (n *Network) evmMessage(
	from common.Address, to *common.Address, nonce uint64, value *big.Int, data []byte,
) ([]byte, func(), error) {
	if to == nil {
		program, ok := n.programs[string(data)]
		if !ok {
			return nil, nil, revert("unknown init code")
		}
		created := crypto.CreateAddress(from, nonce)
		if _, exists := n.contracts[created]; exists {
			return nil, nil, revert("contract already exists at %s", created.Hex())
		}
		return created.Bytes(), func() { n.contracts[created] = program() }, nil
	}
	c, ok := n.contracts[*to]
	if !ok {
		if len(data) == 0 {
			return nil, nil, nil
		}
		return nil, nil, revert("no contract at %s", to.Hex())
	}
	if value == nil {
		value = new(big.Int)
	}
	return c.Call(n, call{sender: from, self: *to, value: value, data: data})
}

type codeOnly struct{ code []byte }

func (c *codeOnly) Code() []byte { return c.code }

func (c *codeOnly) Call(*Network, call) ([]byte, func(), error) {
	return nil, nil, revert("not callable")
}

type numberRegistry struct{ number *big.Int }

func (r *numberRegistry) Code() []byte { return NumberRegistryCode }

func (r *numberRegistry) Call(n *Network, c call) ([]byte, func(), error) {
	return dispatch(n, c, map[string]handler{
		"number()": func(*Network, call, []any) ([]byte, func(), error) {
			out, err := crossvm.EncodeOutputs([]string{"uint256"}, new(big.Int).Set(r.number))
			return out, nil, err
		},
		"setNumber(uint256)": func(_ *Network, _ call, args []any) ([]byte, func(), error) {
			v := new(big.Int).Set(args[0].(*big.Int))
			return nil, func() { r.number = v }, nil
		},
	})
}

type safeFactory struct{}

func (f *safeFactory) Code() []byte { return []byte("testchain:SafeProxyFactory") }

func (f *safeFactory) Call(n *Network, c call) ([]byte, func(), error) {
	return dispatch(n, c, map[string]handler{
		safe.ProxyCreationCodeSignature: func(*Network, call, []any) ([]byte, func(), error) {
			out, err := crossvm.EncodeOutputs([]string{"bytes"}, proxyCreationCode)
			return out, nil, err
		},
		safe.CreateProxySignature: func(n *Network, c call, args []any) ([]byte, func(), error) {
			singleton := args[0].(common.Address)
			initializer := args[1].([]byte)
			salt := args[2].(*big.Int)
			if _, ok := n.contracts[singleton]; !ok {
				return nil, nil, revert("singleton contract not deployed")
			}
			proxy := safe.PredictProxyAddress(c.self, singleton, proxyCreationCode, initializer, salt)
			if _, exists := n.contracts[proxy]; exists {
				return nil, nil, revert("Create2 call failed")
			}
			setup, err := crossvm.DecodeCall(safe.SetupSignature, initializer)
			if err != nil {
				return nil, nil, revert("bad initializer: %v", err)
			}
			owners := setup[0].([]common.Address)
			threshold := setup[1].(*big.Int)
			if threshold.Sign() <= 0 || threshold.Cmp(big.NewInt(int64(len(owners)))) > 0 {
				return nil, nil, revert("GS201")
			}
			out, err := crossvm.EncodeOutputs([]string{"address"}, proxy)
			if err != nil {
				return nil, nil, err
			}
			return out, func() {
				n.contracts[proxy] = &safeProxy{
					owners:    append([]common.Address(nil), owners...),
					threshold: threshold.Uint64(),
				}
			}, nil
		},
	})
}

type safeProxy struct {
	owners    []common.Address
	threshold uint64
	nonce     uint64
}

func (s *safeProxy) Code() []byte { return proxyCreationCode }

func (s *safeProxy) isOwner(a common.Address) bool {
	for _, o := range s.owners {
		if o == a {
			return true
		}
	}
	return false
}

func (s *safeProxy) Call(n *Network, c call) ([]byte, func(), error) {
	return dispatch(n, c, map[string]handler{
		safe.NonceSignature: func(*Network, call, []any) ([]byte, func(), error) {
			return uintOutput(s.nonce), nil, nil
		},
		safe.GetThresholdSignature: func(*Network, call, []any) ([]byte, func(), error) {
			return uintOutput(s.threshold), nil, nil
		},
		safe.GetOwnersSignature: func(*Network, call, []any) ([]byte, func(), error) {
			out, err := crossvm.EncodeOutputs([]string{"address[]"}, s.owners)
			return out, nil, err
		},
		safe.ExecTransactionSignature: s.execTransaction,
	})
}

func (s *safeProxy) execTransaction(n *Network, c call, args []any) ([]byte, func(), error) {
	tx := safe.Transaction{
		To:             args[0].(common.Address),
		Value:          args[1].(*big.Int),
		Data:           args[2].([]byte),
		Operation:      safe.Operation(args[3].(uint8)),
		SafeTxGas:      args[4].(*big.Int).Uint64(),
		BaseGas:        args[5].(*big.Int).Uint64(),
		GasPrice:       args[6].(*big.Int),
		GasToken:       args[7].(common.Address),
		RefundReceiver: args[8].(common.Address),
		Nonce:          s.nonce,
	}
	if tx.Operation != safe.OperationCall {
		return nil, nil, revert("delegate calls are not supported")
	}
	hash, err := tx.Hash(n.chainID, c.self)
	if err != nil {
		return nil, nil, err
	}
	signers, err := safe.UnpackSignatures(hash, args[9].([]byte))
	if err != nil {
		return nil, nil, revert("GS026")
	}
	for signer := range signers {
		if !s.isOwner(signer) {
			return nil, nil, revert("GS026")
		}
	}
	if uint64(len(signers)) < s.threshold {
		return nil, nil, revert("GS020")
	}
	to := tx.To
	_, inner, err := n.evmMessage(c.self, &to, 0, tx.Value, tx.Data)
	if err != nil {
		return nil, nil, revert("GS013: %v", err)
	}
	out, err := crossvm.EncodeOutputs([]string{"bool"}, true)
	if err != nil {
		return nil, nil, err
	}
	return out, apply(inner, func() { s.nonce++ }), nil
}

// precompile forwards callMove into the Move VM as the Move identity of the caller.
type precompile struct{}

func (p *precompile) Code() []byte { return precompileCode }

func (p *precompile) Call(n *Network, c call) ([]byte, func(), error) {
	return dispatch(n, c, map[string]handler{
		crossvm.CallMoveSignature: func(n *Network, c call, args []any) ([]byte, func(), error) {
			target := address.Move(args[0].([32]byte))
			if target != address.MustParseMove(framework) {
				return nil, nil, revert("callMove only reaches the framework, got %s", target)
			}
			vote, err := crossvm.DecodeCall(callMoveVote, args[1].([]byte))
			if err != nil {
				return nil, nil, revert("unsupported move call: %v", err)
			}
			commit, err := n.vote(address.ToMove(c.sender), address.Move(vote[0].([32]byte)), vote[1].(uint64),
				vote[2].(bool))
			if err != nil {
				return nil, nil, revert("%v", err)
			}
			return nil, commit, nil
		},
	})
}

type evmTx struct {
	from  common.Address
	to    *common.Address
	nonce uint64
	value *big.Int
	data  []byte
}

// EVMAdapter is the EVM side of a Network.
type EVMAdapter struct {
	net *Network
	id  chain.ID
}

var _ chain.Adapter = &EVMAdapter{}

func (a *EVMAdapter) ID() chain.ID { return a.id }

func (a *EVMAdapter) ChainID() *big.Int { return new(big.Int).Set(a.net.chainID) }

func parseEVM(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, eris.Errorf("%q is not an evm address", s)
	}
	return common.HexToAddress(s), nil
}

func calldata(fn chain.FunctionID, args []any) ([]byte, error) {
	if fn.Name == "" {
		if len(args) != 1 {
			return nil, eris.Errorf("raw call to %s needs exactly one argument", fn)
		}
		raw, ok := args[0].([]byte)
		if !ok {
			return nil, eris.Errorf("raw call to %s needs []byte, got %T", fn, args[0])
		}
		return raw, nil
	}
	return crossvm.EncodeCall(fn.Name, args...)
}

func (a *EVMAdapter) ReadState(_ context.Context, q chain.StateQuery) ([]byte, error) {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case !q.Function.IsZero():
		to, err := parseEVM(q.Function.Address)
		if err != nil {
			return nil, err
		}
		data, err := calldata(q.Function, q.Args)
		if err != nil {
			return nil, err
		}
		var from common.Address
		if q.Account != "" {
			from = common.HexToAddress(q.Account)
		}
		out, _, err := n.evmMessage(from, &to, 0, nil, data)
		return out, eris.Wrapf(err, "eth_call %s failed", q.Function)
	case q.Resource == "code":
		account, err := parseEVM(q.Account)
		if err != nil {
			return nil, err
		}
		c, ok := n.contracts[account]
		if !ok {
			return nil, eris.Wrapf(chain.ErrNotFound, "no code at %s", account.Hex())
		}
		return c.Code(), nil
	case q.Resource == "balance":
		return common.Hash{}.Bytes(), nil
	default:
		return nil, eris.Errorf("unsupported evm state query %+v", q)
	}
}

func (a *EVMAdapter) BuildUnsignedTransaction(_ context.Context, req chain.BuildRequest) (*chain.UnsignedTransaction, error) {
	from, err := parseEVM(req.Sender)
	if err != nil {
		return nil, err
	}
	tx := &evmTx{from: from, value: new(big.Int)}
	if req.Value != nil {
		tx.value.Set(req.Value)
	}
	if req.Function.Address != "" {
		to, err := parseEVM(req.Function.Address)
		if err != nil {
			return nil, err
		}
		tx.to = &to
	}
	if tx.data, err = calldata(req.Function, req.Args); err != nil {
		return nil, err
	}

	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	tx.nonce = n.evmNonces[from]
	if req.SequenceNumber != nil {
		tx.nonce = *req.SequenceNumber
	}
	if _, _, err := n.evmMessage(from, tx.to, tx.nonce, tx.value, tx.data); err != nil {
		return nil, eris.Wrapf(chain.ErrSimulationFailed, "gas estimation for %s failed: %v", req.Function, err)
	}
	return chain.NewUnsignedTransaction(a.id, req, tx.nonce, tx), nil
}

func (a *EVMAdapter) SigningMessage(_ context.Context, tx *chain.UnsignedTransaction) ([]byte, error) {
	h, err := tx.ContentHash()
	if err != nil {
		return nil, err
	}
	return h.Bytes(), nil
}

func (a *EVMAdapter) Attach(tx *chain.UnsignedTransaction, signature, publicKey []byte) (*chain.SignedTransaction, error) {
	digest, err := a.SigningMessage(context.Background(), tx)
	if err != nil {
		return nil, err
	}
	if err := sign.VerifySecp256k1(common.HexToAddress(tx.Origin()), digest, signature); err != nil {
		return nil, eris.Wrapf(err, "signature does not match %s", tx.Origin())
	}
	return chain.NewSignedTransaction(tx, signature, publicKey, tx.Native()), nil
}

func nativeEVM(tx *chain.SignedTransaction) (*evmTx, error) {
	etx, ok := tx.Native().(*evmTx)
	if !ok {
		return nil, eris.Errorf("transaction was not built by the testchain evm: %T", tx.Native())
	}
	return etx, nil
}

func (a *EVMAdapter) Simulate(_ context.Context, tx *chain.SignedTransaction) (*chain.SimulationResult, error) {
	etx, err := nativeEVM(tx)
	if err != nil {
		return nil, err
	}
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, _, err := n.evmMessage(etx.from, etx.to, etx.nonce, etx.value, etx.data); err != nil {
		return &chain.SimulationResult{WillSucceed: false, AbortReason: err.Error()}, nil
	}
	return &chain.SimulationResult{WillSucceed: true, GasEstimate: 21000}, nil
}

func (a *EVMAdapter) Submit(_ context.Context, tx *chain.SignedTransaction) (string, error) {
	etx, err := nativeEVM(tx)
	if err != nil {
		return "", err
	}
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submits[a.id]++
	if current := n.evmNonces[etx.from]; etx.nonce != current {
		return "", eris.Wrapf(chain.ErrSubmissionRejected, "nonce %d, expected %d", etx.nonce, current)
	}
	n.evmNonces[etx.from]++
	_, commit, err := n.evmMessage(etx.from, etx.to, etx.nonce, etx.value, etx.data)
	if err != nil {
		return n.record(a.id, etx.from.Hex(), chain.StatusReverted, err.Error()), nil
	}
	apply(commit)()
	return n.record(a.id, etx.from.Hex(), chain.StatusSuccess, ""), nil
}

func (a *EVMAdapter) AwaitFinality(ctx context.Context, txID string, _, _ time.Duration) (*chain.Receipt, error) {
	return a.net.await(ctx, txID)
}

// await returns the receipt of txID. Execution is instant, so an unknown id times out.
func (n *Network) await(ctx context.Context, txID string) (*chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "")
	}
	if r, ok := n.receipt(txID); ok {
		return r, nil
	}
	return &chain.Receipt{TxID: txID, Status: chain.StatusTimedOut}, nil
}
