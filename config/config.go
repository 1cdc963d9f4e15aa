// Package config loads the relay configuration from an optional file and CROSSVM_ environment variables.
package config

import (
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/multisig"
	"pkg.world.dev/world-engine/crossvm/sign"
	"pkg.world.dev/world-engine/crossvm/telemetry"
)

const (
	EnvPrefix = "CROSSVM"
	// KeyEnvPrefix prefixes the variables holding hex key material, e.g. CROSSVM_KEY_DEPLOYER.
	KeyEnvPrefix = EnvPrefix + "_KEY_"
)

const (
	SchemeSecp256k1 = "secp256k1"
	SchemeEd25519   = "ed25519"
	SchemeKMS       = "kms"
)

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	EVM    EVMConfig    `mapstructure:"evm"`
	Move   MoveConfig   `mapstructure:"move"`
	Engine EngineConfig `mapstructure:"engine"`
	// Keys maps lowercase key refs to how their key material is obtained.
	Keys      map[string]KeyConfig `mapstructure:"keys"`
	Relay     RelayConfig          `mapstructure:"relay"`
	Multisig  MultisigConfig       `mapstructure:"multisig"`
	Redis     RedisConfig          `mapstructure:"redis"`
	Telemetry telemetry.Config     `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type EVMConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
	// ID overrides the "evm:<chain id>" adapter name.
	ID          string `mapstructure:"id"`
	GasHeadroom uint64 `mapstructure:"gas_headroom"`
}

type MoveConfig struct {
	RPCURL       string        `mapstructure:"rpc_url"`
	ID           string        `mapstructure:"id"`
	MaxGasAmount uint64        `mapstructure:"max_gas_amount"`
	Expiration   time.Duration `mapstructure:"expiration"`
}

type EngineConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FinalityTimeout  time.Duration `mapstructure:"finality_timeout"`
	ReceiptKeepAlive time.Duration `mapstructure:"receipt_keep_alive"`
	RetryAttempts    uint64        `mapstructure:"retry_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
}

// KeyConfig describes one key. Hex material for secp256k1 and ed25519 keys is only read from the environment.
type KeyConfig struct {
	Scheme     string `mapstructure:"scheme"`
	KMSKeyName string `mapstructure:"kms_key_name"`
}

type RelayConfig struct {
	Deployer    string `mapstructure:"deployer"`
	MoveAccount string `mapstructure:"move_account"`
	// Registry is an already deployed target contract.
	Registry      string `mapstructure:"registry"`
	AccountValue  uint64 `mapstructure:"account_value"`
	ContractValue uint64 `mapstructure:"contract_value"`
	Artifact      string `mapstructure:"artifact"`
	PackageDir    string `mapstructure:"package_dir"`
	PackageName   string `mapstructure:"package_name"`
	Module        string `mapstructure:"module"`
}

type MultisigConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	ServiceURL      string   `mapstructure:"service_url"`
	Framework       string   `mapstructure:"framework"`
	Precompile      string   `mapstructure:"precompile"`
	SafeFactory     string   `mapstructure:"safe_factory"`
	SafeSingleton   string   `mapstructure:"safe_singleton"`
	FallbackHandler string   `mapstructure:"fallback_handler"`
	SafeOwners      []string `mapstructure:"safe_owners"`
	SafeThreshold   uint64   `mapstructure:"safe_threshold"`
	SaltNonce       string   `mapstructure:"salt_nonce"`
	Executor        string   `mapstructure:"executor"`
	MoveOwner       string   `mapstructure:"move_owner"`
	Account         string   `mapstructure:"account"`
	MoveOwners      []string `mapstructure:"move_owners"`
	MoveThreshold   uint64   `mapstructure:"move_threshold"`
	PendingOwner    string   `mapstructure:"pending_owner"`
	ThresholdPolicy string   `mapstructure:"threshold_policy"`
	Sequence        uint64   `mapstructure:"sequence"`
	Approve         bool     `mapstructure:"approve"`
}

// RedisConfig selects the redis proposal store. An empty address keeps proposals in memory.
type RedisConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

func Default() Config {
	return Config{
		Log:  LogConfig{Level: zerolog.InfoLevel.String()},
		Move: MoveConfig{ID: "move", MaxGasAmount: 200_000, Expiration: 60 * time.Second},
		Engine: EngineConfig{
			PollInterval:     time.Second,
			FinalityTimeout:  60 * time.Second,
			ReceiptKeepAlive: 10 * time.Minute,
			RetryAttempts:    3,
			RetryInterval:    time.Second,
		},
		Keys: map[string]KeyConfig{},
		Relay: RelayConfig{
			AccountValue:  100,
			ContractValue: 200,
			Module:        "demo",
		},
		Multisig: MultisigConfig{
			Framework: "0x1",
			Sequence:  1,
			Approve:   true,
		},
		Redis: RedisConfig{KeyPrefix: "crossvm:proposal:"},
		Telemetry: telemetry.Config{
			ServiceName: telemetry.DefaultServiceName,
			SampleRate:  telemetry.DefaultSampleRate,
		},
	}
}

// Load reads path when it is not empty, then overrides with environment variables such as CROSSVM_EVM_RPC_URL,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, eris.Wrapf(err, "couldn't load config %s", path)
		}
	}
	c := Default()
	if err := v.Unmarshal(&c); err != nil {
		return nil, eris.Wrap(err, "couldn't read config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// setDefaults registers every key so that AutomaticEnv overrides reach Unmarshal even when no file sets them.
func setDefaults(v *viper.Viper, d Config) {
	for key, value := range map[string]any{
		"log.level":                 d.Log.Level,
		"log.pretty":                d.Log.Pretty,
		"evm.rpc_url":               d.EVM.RPCURL,
		"evm.id":                    d.EVM.ID,
		"evm.gas_headroom":          d.EVM.GasHeadroom,
		"move.rpc_url":              d.Move.RPCURL,
		"move.id":                   d.Move.ID,
		"move.max_gas_amount":       d.Move.MaxGasAmount,
		"move.expiration":           d.Move.Expiration,
		"engine.poll_interval":      d.Engine.PollInterval,
		"engine.finality_timeout":   d.Engine.FinalityTimeout,
		"engine.receipt_keep_alive": d.Engine.ReceiptKeepAlive,
		"engine.retry_attempts":     d.Engine.RetryAttempts,
		"engine.retry_interval":     d.Engine.RetryInterval,
		"relay.deployer":            d.Relay.Deployer,
		"relay.move_account":        d.Relay.MoveAccount,
		"relay.registry":            d.Relay.Registry,
		"relay.account_value":       d.Relay.AccountValue,
		"relay.contract_value":      d.Relay.ContractValue,
		"relay.artifact":            d.Relay.Artifact,
		"relay.package_dir":         d.Relay.PackageDir,
		"relay.package_name":        d.Relay.PackageName,
		"relay.module":              d.Relay.Module,
		"multisig.enabled":          d.Multisig.Enabled,
		"multisig.service_url":      d.Multisig.ServiceURL,
		"multisig.framework":        d.Multisig.Framework,
		"multisig.precompile":       d.Multisig.Precompile,
		"multisig.safe_factory":     d.Multisig.SafeFactory,
		"multisig.safe_singleton":   d.Multisig.SafeSingleton,
		"multisig.fallback_handler": d.Multisig.FallbackHandler,
		"multisig.safe_owners":      d.Multisig.SafeOwners,
		"multisig.safe_threshold":   d.Multisig.SafeThreshold,
		"multisig.salt_nonce":       d.Multisig.SaltNonce,
		"multisig.executor":         d.Multisig.Executor,
		"multisig.move_owner":       d.Multisig.MoveOwner,
		"multisig.account":          d.Multisig.Account,
		"multisig.move_owners":      d.Multisig.MoveOwners,
		"multisig.move_threshold":   d.Multisig.MoveThreshold,
		"multisig.pending_owner":    d.Multisig.PendingOwner,
		"multisig.threshold_policy": d.Multisig.ThresholdPolicy,
		"multisig.sequence":         d.Multisig.Sequence,
		"multisig.approve":          d.Multisig.Approve,
		"redis.address":             d.Redis.Address,
		"redis.password":            d.Redis.Password,
		"redis.db":                  d.Redis.DB,
		"redis.key_prefix":          d.Redis.KeyPrefix,
		"redis.ttl":                 d.Redis.TTL,
		"telemetry.enabled":         d.Telemetry.Enabled,
		"telemetry.endpoint":        d.Telemetry.Endpoint,
		"telemetry.insecure":        d.Telemetry.Insecure,
		"telemetry.sample_rate":     d.Telemetry.SampleRate,
		"telemetry.service_name":    d.Telemetry.ServiceName,
	} {
		v.SetDefault(key, value)
	}
}

func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return eris.Wrapf(err, "invalid log level %q", c.Log.Level)
	}
	if c.EVM.RPCURL == "" {
		return eris.New("evm.rpc_url is required")
	}
	if c.Move.RPCURL == "" {
		return eris.New("move.rpc_url is required")
	}
	if c.Engine.PollInterval <= 0 || c.Engine.FinalityTimeout <= 0 {
		return eris.New("engine poll interval and finality timeout must be positive")
	}
	for ref, k := range c.Keys {
		if err := k.validate(ref); err != nil {
			return err
		}
	}
	for _, ref := range []string{c.Relay.Deployer, c.Relay.MoveAccount} {
		if err := c.requireKey(ref); err != nil {
			return eris.Wrap(err, "relay")
		}
	}
	if c.Relay.Artifact == "" {
		return eris.New("relay.artifact is required")
	}
	if c.Relay.Registry != "" && !common.IsHexAddress(c.Relay.Registry) {
		return eris.Errorf("relay.registry %q is not an evm address", c.Relay.Registry)
	}
	if c.Multisig.Enabled {
		if c.Multisig.ServiceURL == "" {
			return eris.New("multisig.service_url is required")
		}
		mc, err := c.Multisig.CoordinatorConfig()
		if err != nil {
			return err
		}
		if err := mc.Validate(); err != nil {
			return eris.Wrap(err, "multisig")
		}
		refs := append([]sign.KeyRef{mc.Executor, mc.MoveOwner}, mc.SafeOwners...)
		for _, ref := range refs {
			if err := c.requireKey(string(ref)); err != nil {
				return eris.Wrap(err, "multisig")
			}
		}
	}
	return c.Telemetry.Validate()
}

func (c Config) requireKey(ref string) error {
	if ref == "" {
		return eris.New("key ref is required")
	}
	if _, ok := c.Keys[ref]; !ok {
		return eris.Wrapf(sign.ErrUnknownKey, "%q is not configured under keys", ref)
	}
	return nil
}

func (k KeyConfig) validate(ref string) error {
	switch k.Scheme {
	case SchemeSecp256k1, SchemeEd25519:
		return nil
	case SchemeKMS:
		if k.KMSKeyName == "" {
			return eris.Errorf("kms key %q has no kms_key_name", ref)
		}
		return nil
	default:
		return eris.Errorf("key %q has unknown scheme %q", ref, k.Scheme)
	}
}

// KeyEnv is the environment variable holding the hex material of ref.
func KeyEnv(ref string) string {
	return KeyEnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(ref))
}

// Keyring loads every secp256k1 and ed25519 key from the environment. KMS keys are left to the caller.
func (c Config) Keyring() (*sign.Keyring, error) {
	return c.keyring(os.LookupEnv)
}

func (c Config) keyring(lookup func(string) (string, bool)) (*sign.Keyring, error) {
	keys := sign.NewKeyring()
	for ref, k := range c.Keys {
		if k.Scheme == SchemeKMS {
			continue
		}
		material, ok := lookup(KeyEnv(ref))
		if !ok {
			return nil, eris.Errorf("key %q: %s is not set", ref, KeyEnv(ref))
		}
		var err error
		switch k.Scheme {
		case SchemeSecp256k1:
			err = keys.AddSecp256k1Hex(sign.KeyRef(ref), material)
		case SchemeEd25519:
			err = keys.AddEd25519Hex(sign.KeyRef(ref), material)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "key %q", ref)
		}
	}
	return keys, nil
}

// CoordinatorConfig parses the addresses of c into the coordinator's configuration.
func (c MultisigConfig) CoordinatorConfig() (multisig.Config, error) {
	var (
		out multisig.Config
		err error
	)
	if out.Framework, err = optionalMove("multisig.framework", c.Framework); err != nil {
		return out, err
	}
	if out.Multisig, err = optionalMove("multisig.account", c.Account); err != nil {
		return out, err
	}
	if out.PendingOwner, err = optionalMove("multisig.pending_owner", c.PendingOwner); err != nil {
		return out, err
	}
	for _, owner := range c.MoveOwners {
		m, err := address.ParseMove(owner)
		if err != nil {
			return out, eris.Wrapf(err, "multisig.move_owners")
		}
		out.MoveOwners = append(out.MoveOwners, m)
	}
	for _, f := range []struct {
		name     string
		raw      string
		dst      *common.Address
		optional bool
	}{
		{"multisig.precompile", c.Precompile, &out.Precompile, false},
		{"multisig.safe_factory", c.SafeFactory, &out.SafeFactory, false},
		{"multisig.safe_singleton", c.SafeSingleton, &out.SafeSingleton, false},
		{"multisig.fallback_handler", c.FallbackHandler, &out.FallbackHandler, true},
	} {
		if f.raw == "" {
			if f.optional {
				continue
			}
			return out, eris.Errorf("%s is required", f.name)
		}
		if *f.dst, err = address.ParseEVM(f.raw); err != nil {
			return out, eris.Wrapf(err, "%s", f.name)
		}
	}
	if c.SaltNonce != "" {
		n, ok := new(big.Int).SetString(c.SaltNonce, 0)
		if !ok {
			return out, eris.Errorf("multisig.salt_nonce %q is not an integer", c.SaltNonce)
		}
		out.SaltNonce = n
	}
	if c.ThresholdPolicy != "" {
		if out.ThresholdPolicy, err = multisig.ParseThresholdPolicy(c.ThresholdPolicy); err != nil {
			return out, err
		}
	}
	for _, ref := range c.SafeOwners {
		out.SafeOwners = append(out.SafeOwners, sign.KeyRef(ref))
	}
	out.SafeThreshold = c.SafeThreshold
	out.Executor = sign.KeyRef(c.Executor)
	out.MoveOwner = sign.KeyRef(c.MoveOwner)
	out.MoveThreshold = c.MoveThreshold
	return out, nil
}

// VoteRequest is the vote the multisig-vote scenario casts.
func (c MultisigConfig) VoteRequest() multisig.VoteRequest {
	return multisig.VoteRequest{Sequence: c.Sequence, Approve: c.Approve}
}

func optionalMove(name, raw string) (address.Move, error) {
	if raw == "" {
		return address.Move{}, nil
	}
	m, err := address.ParseMove(raw)
	if err != nil {
		return address.Move{}, eris.Wrapf(err, "%s", name)
	}
	return m, nil
}
