package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/multisig"
	"pkg.world.dev/world-engine/crossvm/sign"
)

const exampleConfig = `
evm:
  rpc_url: http://localhost:8545
move:
  rpc_url: http://localhost:8080/v1
engine:
  poll_interval: 250ms
keys:
  deployer:
    scheme: secp256k1
  mover:
    scheme: ed25519
relay:
  deployer: deployer
  move_account: mover
  artifact: NumberRegistry.json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crossvm.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() Config {
	c := Default()
	c.EVM.RPCURL = "http://localhost:8545"
	c.Move.RPCURL = "http://localhost:8080/v1"
	c.Keys = map[string]KeyConfig{
		"deployer":    {Scheme: SchemeSecp256k1},
		"mover":       {Scheme: SchemeEd25519},
		"safe-owner":  {Scheme: SchemeKMS, KMSKeyName: "projects/p/locations/l/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"},
		"executor":    {Scheme: SchemeSecp256k1},
		"multisig-op": {Scheme: SchemeEd25519},
	}
	c.Relay.Deployer = "deployer"
	c.Relay.MoveAccount = "mover"
	c.Relay.Artifact = "NumberRegistry.json"
	return c
}

func validMultisig() MultisigConfig {
	m := Default().Multisig
	m.Enabled = true
	m.ServiceURL = "http://localhost:8000/api"
	m.Precompile = "0x0000000000000000000000000000000000000808"
	m.SafeFactory = "0xa6B71E26C5e0845f74c812102Ca7114b6a896AB2"
	m.SafeSingleton = "0xd9Db270c1B5E3Bd161E8c8503c55cEABeE709552"
	m.SafeOwners = []string{"safe-owner"}
	m.SafeThreshold = 1
	m.Executor = "executor"
	m.MoveOwner = "multisig-op"
	m.MoveThreshold = 2
	m.PendingOwner = "0xbeef"
	m.ThresholdPolicy = "independent"
	return m
}

func TestLoadFile(t *testing.T) {
	c, err := Load(writeConfig(t, exampleConfig))
	assert.NilError(t, err)
	assert.Equal(t, c.EVM.RPCURL, "http://localhost:8545")
	assert.Equal(t, c.Engine.PollInterval, 250*time.Millisecond)
	assert.Equal(t, c.Engine.FinalityTimeout, 60*time.Second)
	assert.Equal(t, c.Keys["mover"].Scheme, SchemeEd25519)
	assert.Equal(t, c.Relay.AccountValue, uint64(100))
	assert.Equal(t, c.Relay.ContractValue, uint64(200))
	assert.Equal(t, c.Log.Level, "info")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CROSSVM_EVM_RPC_URL", "http://evm:8545")
	t.Setenv("CROSSVM_RELAY_ACCOUNT_VALUE", "7")
	t.Setenv("CROSSVM_LOG_LEVEL", "debug")
	c, err := Load(writeConfig(t, exampleConfig))
	assert.NilError(t, err)
	assert.Equal(t, c.EVM.RPCURL, "http://evm:8545")
	assert.Equal(t, c.Relay.AccountValue, uint64(7))
	assert.Equal(t, c.Log.Level, "debug")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "couldn't load config")
}

func TestLoadValidates(t *testing.T) {
	_, err := Load(writeConfig(t, strings.Replace(exampleConfig, "rpc_url: http://localhost:8545", "", 1)))
	assert.ErrorContains(t, err, "evm.rpc_url is required")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		err    string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "valid with multisig", modify: func(c *Config) { c.Multisig = validMultisig() }},
		{name: "bad log level", modify: func(c *Config) { c.Log.Level = "loud" }, err: "invalid log level"},
		{name: "no move rpc", modify: func(c *Config) { c.Move.RPCURL = "" }, err: "move.rpc_url"},
		{name: "zero poll interval", modify: func(c *Config) { c.Engine.PollInterval = 0 }, err: "positive"},
		{
			name:   "unknown scheme",
			modify: func(c *Config) { c.Keys["deployer"] = KeyConfig{Scheme: "rsa"} },
			err:    "unknown scheme",
		},
		{
			name:   "kms without key name",
			modify: func(c *Config) { c.Keys["safe-owner"] = KeyConfig{Scheme: SchemeKMS} },
			err:    "kms_key_name",
		},
		{name: "unknown deployer", modify: func(c *Config) { c.Relay.Deployer = "nobody" }, err: "unknown key"},
		{name: "no artifact", modify: func(c *Config) { c.Relay.Artifact = "" }, err: "relay.artifact"},
		{name: "bad registry", modify: func(c *Config) { c.Relay.Registry = "0x12" }, err: "relay.registry"},
		{
			name: "no threshold policy",
			modify: func(c *Config) {
				c.Multisig = validMultisig()
				c.Multisig.ThresholdPolicy = ""
			},
			err: "threshold policy",
		},
		{
			name: "matching policy with diverging thresholds",
			modify: func(c *Config) {
				c.Multisig = validMultisig()
				c.Multisig.ThresholdPolicy = "match"
			},
			err: "does not match",
		},
		{
			name: "safe threshold above owners",
			modify: func(c *Config) {
				c.Multisig = validMultisig()
				c.Multisig.SafeThreshold = 2
			},
			err: "safe threshold 2 is invalid",
		},
		{
			name: "unknown safe owner key",
			modify: func(c *Config) {
				c.Multisig = validMultisig()
				c.Multisig.SafeOwners = []string{"stranger"}
			},
			err: "unknown key",
		},
		{
			name: "no service",
			modify: func(c *Config) {
				c.Multisig = validMultisig()
				c.Multisig.ServiceURL = ""
			},
			err: "service_url",
		},
		{
			name:   "tracing without endpoint",
			modify: func(c *Config) { c.Telemetry.Enabled = true },
			err:    "endpoint",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.modify(&c)
			err := c.Validate()
			if tc.err == "" {
				assert.NilError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestCoordinatorConfig(t *testing.T) {
	m := validMultisig()
	m.SaltNonce = "0x10"
	m.MoveOwners = []string{"0x2"}
	mc, err := m.CoordinatorConfig()
	assert.NilError(t, err)
	assert.Equal(t, mc.Framework, address.MustParseMove("0x1"))
	assert.Equal(t, mc.PendingOwner, address.MustParseMove("0xbeef"))
	assert.Equal(t, mc.Precompile, common.HexToAddress("0x0808"))
	assert.Equal(t, mc.FallbackHandler, common.Address{})
	assert.Assert(t, mc.Multisig.IsZero())
	assert.DeepEqual(t, mc.MoveOwners, []address.Move{address.MustParseMove("0x2")})
	assert.DeepEqual(t, mc.SafeOwners, []sign.KeyRef{"safe-owner"})
	assert.Equal(t, mc.SaltNonce.Int64(), int64(16))
	assert.Equal(t, mc.ThresholdPolicy, multisig.PolicyIndependent)
	assert.Equal(t, m.VoteRequest(), multisig.VoteRequest{Sequence: 1, Approve: true})

	m.SafeFactory = ""
	_, err = m.CoordinatorConfig()
	assert.ErrorContains(t, err, "multisig.safe_factory is required")

	m = validMultisig()
	m.ThresholdPolicy = "strict"
	_, err = m.CoordinatorConfig()
	assert.ErrorIs(t, err, multisig.ErrThresholdPolicy)
}

func TestKeyEnv(t *testing.T) {
	assert.Equal(t, KeyEnv("safe-owner.a"), "CROSSVM_KEY_SAFE_OWNER_A")
}

func TestKeyring(t *testing.T) {
	c := validConfig()
	env := map[string]string{
		"CROSSVM_KEY_DEPLOYER":    "0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291",
		"CROSSVM_KEY_EXECUTOR":    "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291",
		"CROSSVM_KEY_MOVER":       "0x" + strings.Repeat("01", 32),
		"CROSSVM_KEY_MULTISIG_OP": strings.Repeat("02", 32),
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	keys, err := c.keyring(lookup)
	assert.NilError(t, err)

	scheme, err := keys.Scheme("mover")
	assert.NilError(t, err)
	assert.Equal(t, scheme, sign.SchemeEd25519)
	addr, err := sign.EVMAddress(context.Background(), keys, "deployer")
	assert.NilError(t, err)
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(env["CROSSVM_KEY_DEPLOYER"], "0x"))
	assert.NilError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(pk.PublicKey))
	// kms keys are not loaded from the environment
	_, err = keys.Scheme("safe-owner")
	assert.ErrorIs(t, err, sign.ErrUnknownKey)

	delete(env, "CROSSVM_KEY_MOVER")
	_, err = c.keyring(lookup)
	assert.ErrorContains(t, err, "CROSSVM_KEY_MOVER is not set")
}
