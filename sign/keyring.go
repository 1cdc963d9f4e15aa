package sign

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"
)

var _ Signer = &Keyring{}

// Keyring is an in-memory Signer for keys loaded from the environment at startup.
type Keyring struct {
	mu    sync.RWMutex
	secp  map[KeyRef]*ecdsa.PrivateKey
	edKey map[KeyRef]ed25519.PrivateKey
}

func NewKeyring() *Keyring {
	return &Keyring{
		secp:  make(map[KeyRef]*ecdsa.PrivateKey),
		edKey: make(map[KeyRef]ed25519.PrivateKey),
	}
}

func (k *Keyring) AddSecp256k1(ref KeyRef, pk *ecdsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secp[ref] = pk
}

// AddSecp256k1Hex loads a hex encoded secp256k1 private key, with or without 0x prefix.
func (k *Keyring) AddSecp256k1Hex(ref KeyRef, hexKey string) error {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return eris.Wrapf(err, "invalid secp256k1 key for %q", ref)
	}
	k.AddSecp256k1(ref, pk)
	return nil
}

func (k *Keyring) AddEd25519(ref KeyRef, pk ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.edKey[ref] = pk
}

// AddEd25519Hex loads a hex encoded 32 byte ed25519 seed (the format Aptos tooling exports private keys in).
func (k *Keyring) AddEd25519Hex(ref KeyRef, hexSeed string) error {
	seed := common.FromHex(hexSeed)
	if len(seed) != ed25519.SeedSize {
		return eris.Errorf("ed25519 seed for %q must be %d bytes, got %d", ref, ed25519.SeedSize, len(seed))
	}
	k.AddEd25519(ref, ed25519.NewKeyFromSeed(seed))
	return nil
}

func (k *Keyring) Scheme(ref KeyRef) (Scheme, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if _, ok := k.secp[ref]; ok {
		return SchemeSecp256k1, nil
	}
	if _, ok := k.edKey[ref]; ok {
		return SchemeEd25519, nil
	}
	return 0, eris.Wrapf(ErrUnknownKey, "%q", ref)
}

func (k *Keyring) Sign(_ context.Context, ref KeyRef, msg []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if pk, ok := k.secp[ref]; ok {
		if len(msg) != common.HashLength {
			return nil, eris.Errorf("secp256k1 key %q signs 32 byte digests, got %d bytes", ref, len(msg))
		}
		sig, err := crypto.Sign(msg, pk)
		return sig, eris.Wrap(err, "failed to sign digest")
	}
	if pk, ok := k.edKey[ref]; ok {
		return ed25519.Sign(pk, msg), nil
	}
	return nil, eris.Wrapf(ErrUnknownKey, "%q", ref)
}

func (k *Keyring) PublicKey(_ context.Context, ref KeyRef) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if pk, ok := k.secp[ref]; ok {
		return crypto.FromECDSAPub(&pk.PublicKey), nil
	}
	if pk, ok := k.edKey[ref]; ok {
		pub, _ := pk.Public().(ed25519.PublicKey)
		return append([]byte(nil), pub...), nil
	}
	return nil, eris.Wrapf(ErrUnknownKey, "%q", ref)
}
