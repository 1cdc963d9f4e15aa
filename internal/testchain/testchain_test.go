package testchain

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/crossvm"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

type fixture struct {
	net      *Network
	evm      *txengine.Engine
	move     *txengine.Engine
	deployer common.Address
	owner    address.Move
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	keys := sign.NewKeyring()
	pk, err := crypto.GenerateKey()
	assert.NilError(t, err)
	keys.AddSecp256k1("deployer", pk)
	edKey := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	keys.AddEd25519("owner", edKey)

	net := New()
	return fixture{
		net:      net,
		evm:      txengine.New(net.EVM(), keys),
		move:     txengine.New(net.Move(), keys),
		deployer: crypto.PubkeyToAddress(pk.PublicKey),
		owner:    address.FromEd25519PublicKey(edKey.Public().(ed25519.PublicKey)),
	}
}

func (f fixture) deployRegistry(t *testing.T) common.Address {
	t.Helper()
	exec, err := f.evm.Execute(context.Background(), txengine.Request{
		Build: chain.BuildRequest{Sender: f.deployer.Hex(), Args: []any{NumberRegistryCode}},
		Key:   "deployer",
	})
	assert.NilError(t, err)
	seq, _ := exec.Unsigned.SequenceNumber()
	return crypto.CreateAddress(f.deployer, seq)
}

func (f fixture) number(t *testing.T, registry common.Address) int64 {
	t.Helper()
	raw, err := f.net.EVM().ReadState(context.Background(), chain.StateQuery{
		Function: chain.FunctionID{Address: registry.Hex(), Name: "number()"},
	})
	assert.NilError(t, err)
	out, err := crossvm.DecodeOutputs([]string{"uint256"}, raw)
	assert.NilError(t, err)
	return out[0].(*big.Int).Int64()
}

func (f fixture) sendToEVM(registry common.Address, nonce uint64, value int64) (*txengine.Execution, error) {
	call, _ := crossvm.EncodeRemoteCall(address.FromEVM(registry), "setNumber(uint256)", value)
	args, _ := crossvm.WrapForCrossCall(call, nonce, uint256.NewInt(0), crossvm.StyleAccountOriginated)
	return f.move.Execute(context.Background(), txengine.Request{
		Build: chain.BuildRequest{
			Sender:   f.owner.Hex(),
			Function: chain.FunctionID{Address: "0x1", Module: "evm", Name: "send_move_tx_to_evm"},
			Args:     args,
		},
		Key: "owner",
	})
}

func TestDeployAndCallFromMove(t *testing.T) {
	f := newFixture(t)
	registry := f.deployRegistry(t)
	assert.Equal(t, f.number(t, registry), int64(0))

	_, err := f.sendToEVM(registry, 0, 100)
	assert.NilError(t, err)
	assert.Equal(t, f.number(t, registry), int64(100))
	assert.Equal(t, f.net.CrossNonce(address.EVMAccountOf(f.owner)), uint64(1))
	assert.Equal(t, f.net.Successful(f.net.Move().ID()), 1)
	// the deployment and the call made from Move
	assert.Equal(t, f.net.Successful(f.net.EVM().ID()), 2)
}

func TestStaleCrossNonceNeverReachesTheChain(t *testing.T) {
	f := newFixture(t)
	registry := f.deployRegistry(t)
	_, err := f.sendToEVM(registry, 0, 1)
	assert.NilError(t, err)

	submits := f.net.Submits(f.net.Move().ID())
	exec, err := f.sendToEVM(registry, 0, 2)
	assert.ErrorIs(t, err, chain.ErrSimulationFailed)
	assert.Equal(t, exec.State(), txengine.StateRejected)
	assert.Equal(t, f.net.Submits(f.net.Move().ID()), submits)
	assert.Equal(t, f.number(t, registry), int64(1))
}

func TestNeverUsedAccountHasNoResource(t *testing.T) {
	f := newFixture(t)
	_, err := f.net.Move().ReadState(context.Background(), chain.StateQuery{
		Account:  address.ToMove(address.EVMAccountOf(f.owner)).Hex(),
		Resource: "0x1::evm::Account",
	})
	assert.ErrorIs(t, err, chain.ErrNotFound)
}

func TestPublishedModuleIsVisible(t *testing.T) {
	f := newFixture(t)
	q := chain.StateQuery{Account: f.owner.Hex(), Module: "demo"}
	_, err := f.net.Move().ReadState(context.Background(), q)
	assert.ErrorIs(t, err, chain.ErrNotFound)

	_, err = f.move.Execute(context.Background(), txengine.Request{
		Build: chain.BuildRequest{
			Sender:   f.owner.Hex(),
			Function: chain.FunctionID{Address: "0x1", Module: "code", Name: "publish_package_txn"},
			Args:     []any{[]byte("metadata"), [][]byte{DemoModuleCode}},
		},
		Key: "owner",
	})
	assert.NilError(t, err)
	_, err = f.net.Move().ReadState(context.Background(), q)
	assert.NilError(t, err)
}

func TestUnknownSelectorFailsGasEstimation(t *testing.T) {
	f := newFixture(t)
	registry := f.deployRegistry(t)
	exec, err := f.evm.Execute(context.Background(), txengine.Request{
		Build: chain.BuildRequest{
			Sender:   f.deployer.Hex(),
			Function: chain.FunctionID{Address: registry.Hex(), Name: "missing()"},
		},
		Key: "deployer",
	})
	assert.ErrorIs(t, err, chain.ErrSimulationFailed)
	assert.Equal(t, exec.State(), txengine.StateRejected)
	assert.Equal(t, f.net.Submits(f.net.EVM().ID()), 1)
}
