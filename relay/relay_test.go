package relay

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/internal/testchain"
	"pkg.world.dev/world-engine/crossvm/multisig"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/txengine"
)

const registryABI = `[
	{"type":"function","name":"number","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"setNumber","inputs":[{"name":"newNumber","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}
]`

type harness struct {
	net   *testchain.Network
	keys  *sign.Keyring
	evm   *txengine.Engine
	move  *txengine.Engine
	mover address.Move
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keys := sign.NewKeyring()
	for _, ref := range []sign.KeyRef{"deployer", "safe-owner", "executor"} {
		pk, err := crypto.GenerateKey()
		assert.NilError(t, err)
		keys.AddSecp256k1(ref, pk)
	}
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 1
	mover := ed25519.NewKeyFromSeed(seed)
	keys.AddEd25519("mover", mover)
	seed[0] = 2
	keys.AddEd25519("multisig-owner", ed25519.NewKeyFromSeed(seed))

	net := testchain.New()
	return &harness{
		net:   net,
		keys:  keys,
		evm:   txengine.New(net.EVM(), keys),
		move:  txengine.New(net.Move(), keys),
		mover: address.FromEd25519PublicKey(mover.Public().(ed25519.PublicKey)),
	}
}

func (h *harness) relay(opts ...Option) *Relay {
	cfg := Config{
		Deployer:    "deployer",
		MoveAccount: "mover",
		Vote:        multisig.VoteRequest{Sequence: 1, Approve: true},
	}
	artifacts := Artifacts{
		Registry: ContractArtifact{ABI: []byte(registryABI), Bytecode: testchain.NumberRegistryCode},
		Package:  MovePackage{Metadata: []byte("metadata"), Modules: [][]byte{testchain.DemoModuleCode}, Module: "demo"},
	}
	return New(cfg, artifacts, h.evm, h.move, h.keys, opts...)
}

func (h *harness) coordinator(t *testing.T) *multisig.Coordinator {
	t.Helper()
	c, err := multisig.NewCoordinator(multisig.Config{
		Precompile:      testchain.PrecompileAddress,
		SafeFactory:     testchain.SafeFactoryAddress,
		SafeSingleton:   testchain.SafeSingletonAddress,
		SafeOwners:      []sign.KeyRef{"safe-owner"},
		SafeThreshold:   1,
		Executor:        "executor",
		MoveOwner:       "multisig-owner",
		MoveThreshold:   2,
		PendingOwner:    address.MustParseMove("0xbeef"),
		ThresholdPolicy: multisig.PolicyIndependent,
	}, h.evm, h.move, testchain.NewSafeService(), h.keys)
	assert.NilError(t, err)
	return c
}

func TestDeploy(t *testing.T) {
	h := newHarness(t)
	r := h.relay()
	res, err := r.Deploy(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, res.Registry != common.Address{})
	assert.Equal(t, res.Number.Sign(), 0)
	assert.Equal(t, len(res.Executions), 1)
	assert.Equal(t, res.Executions[0].State(), txengine.StateConfirmed)
}

func TestAccountOriginatedLandsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.relay()
	_, err := r.Deploy(ctx)
	assert.NilError(t, err)

	evmBefore := h.net.Successful(h.net.EVM().ID())
	moveBefore := h.net.Successful(h.net.Move().ID())
	res, err := r.AccountOriginated(ctx)
	assert.NilError(t, err)
	assert.Equal(t, res.Number.Int64(), int64(DefaultAccountValue))
	assert.Equal(t, res.NonceBefore, uint64(0))
	assert.Equal(t, res.NonceUsed, uint64(0))
	assert.Equal(t, h.net.Successful(h.net.EVM().ID()), evmBefore+1)
	assert.Equal(t, h.net.Successful(h.net.Move().ID()), moveBefore+1)
	assert.Equal(t, h.net.CrossNonce(address.EVMAccountOf(h.mover)), uint64(1))

	// the next call resolves the advanced nonce
	res, err = r.AccountOriginated(ctx)
	assert.NilError(t, err)
	assert.Equal(t, res.NonceUsed, uint64(1))
}

func TestAccountOriginatedDeploysWhenNeeded(t *testing.T) {
	h := newHarness(t)
	res, err := h.relay().AccountOriginated(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(res.Executions), 2)
	assert.Equal(t, res.Number.Int64(), int64(DefaultAccountValue))
}

func TestContractOriginatedPublishesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.relay()

	res, err := r.ContractOriginated(ctx)
	assert.NilError(t, err)
	// deploy, publish and call
	assert.Equal(t, len(res.Executions), 3)
	assert.Equal(t, res.Number.Int64(), int64(DefaultContractValue))
	assert.Equal(t, res.NonceBefore, uint64(0))
	assert.Equal(t, res.NonceUsed, uint64(0))

	res, err = r.ContractOriginated(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(res.Executions), 1)
	assert.Equal(t, res.NonceBefore, uint64(1))
	assert.Equal(t, res.NonceUsed, uint64(1))
}

func TestBothStylesShareTheNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	results, err := h.relay().Run(ctx, ScenarioDeploy, ScenarioAccountOriginated, ScenarioContractOriginated)
	assert.NilError(t, err)
	assert.Equal(t, len(results), 3)
	assert.Equal(t, results[1].NonceUsed, uint64(0))
	assert.Equal(t, results[2].NonceUsed, uint64(1))
	assert.Equal(t, results[2].Registry, results[0].Registry)
	assert.Equal(t, results[2].Number.Int64(), int64(DefaultContractValue))
}

func TestRunAll(t *testing.T) {
	h := newHarness(t)
	r := h.relay(WithCoordinator(h.coordinator(t)))
	results, err := r.RunAll(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(results), 4)
	for i, name := range Scenarios() {
		assert.Equal(t, results[i].Scenario, name)
	}
	vote := results[3].Vote
	assert.Equal(t, vote.Kind, multisig.OutcomeVoted)
	assert.Equal(t, h.net.Votes(vote.Multisig, 1), 2)
}

func TestRunStopsAtUnknownScenario(t *testing.T) {
	h := newHarness(t)
	results, err := h.relay().Run(context.Background(), ScenarioDeploy, "teleport", ScenarioAccountOriginated)
	assert.ErrorIs(t, err, ErrUnknownScenario)
	assert.Equal(t, len(results), 1)
}

func TestMultisigVoteNeedsCoordinator(t *testing.T) {
	h := newHarness(t)
	_, err := h.relay().MultisigVote(context.Background())
	assert.ErrorContains(t, err, "coordinator")
}

func TestVerificationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.relay()
	_, err := r.AccountOriginated(ctx)
	assert.NilError(t, err)

	res := &Result{}
	r.mu.Lock()
	registry := r.registry
	r.mu.Unlock()
	err = r.verifyNumber(ctx, res, registry, DefaultContractValue)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Equal(t, res.Number.Cmp(big.NewInt(DefaultAccountValue)), 0)
}

func TestLoadContractArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NumberRegistry.json")
	content := `{"abi":` + registryABI + `,"bytecode":"` + hexutil.Encode([]byte{0x60, 0x80}) + `"}`
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))

	a, err := LoadContractArtifact(path)
	assert.NilError(t, err)
	assert.DeepEqual(t, []byte(a.Bytecode), []byte{0x60, 0x80})

	_, err = LoadContractArtifact(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to read")
}

func TestContractArtifactValidate(t *testing.T) {
	noSetter := `[{"type":"function","name":"number","inputs":[],"outputs":[{"name":"","type":"uint256"}]}]`
	tests := []struct {
		name     string
		artifact ContractArtifact
		err      string
	}{
		{"valid", ContractArtifact{ABI: []byte(registryABI), Bytecode: []byte{1}}, ""},
		{"no bytecode", ContractArtifact{ABI: []byte(registryABI)}, "no bytecode"},
		{"bad abi", ContractArtifact{ABI: []byte(`{`), Bytecode: []byte{1}}, "malformed contract abi"},
		{"no setter", ContractArtifact{ABI: []byte(noSetter), Bytecode: []byte{1}}, "no setNumber method"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.artifact.Validate()
			if tc.err == "" {
				assert.NilError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestLoadMovePackage(t *testing.T) {
	dir := t.TempDir()
	build := filepath.Join(dir, "build", "demo_pkg")
	assert.NilError(t, os.MkdirAll(filepath.Join(build, "bytecode_modules"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(build, "package-metadata.bcs"), []byte{1, 2}, 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(build, "bytecode_modules", "demo.mv"), []byte{3}, 0o600))

	pkg, err := LoadMovePackage(dir, "demo_pkg", "demo")
	assert.NilError(t, err)
	assert.DeepEqual(t, pkg.Metadata, []byte{1, 2})
	assert.DeepEqual(t, pkg.Modules, [][]byte{{3}})
	assert.Equal(t, pkg.Module, "demo")

	_, err = LoadMovePackage(dir, "demo_pkg", "other")
	assert.ErrorContains(t, err, "module other")
}
