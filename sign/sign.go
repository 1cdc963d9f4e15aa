// Package sign is the signer boundary of the relay: "sign bytes with key X". Key custody lives behind the Signer
// interface; callers only ever hold a KeyRef.
package sign

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"
)

var (
	// ErrorSignatureValidationFailed is returned when a signature is not valid.
	ErrorSignatureValidationFailed = errors.New("signature validation failed")

	// ErrUnknownKey is returned by a Signer that does not hold the referenced key.
	ErrUnknownKey = errors.New("unknown key")
)

// KeyRef names a key held by a Signer. It carries no key material.
type KeyRef string

type Scheme uint8

const (
	// SchemeSecp256k1 signs 32 byte digests and returns 65 byte [R || S || V] signatures with V in {0, 1}.
	SchemeSecp256k1 Scheme = iota + 1
	// SchemeEd25519 signs whole messages.
	SchemeEd25519
)

func (s Scheme) String() string {
	switch s {
	case SchemeSecp256k1:
		return "secp256k1"
	case SchemeEd25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

type Signer interface {
	Sign(ctx context.Context, ref KeyRef, msg []byte) ([]byte, error)
	// PublicKey returns the uncompressed secp256k1 key (65 bytes) or the raw ed25519 key (32 bytes).
	PublicKey(ctx context.Context, ref KeyRef) ([]byte, error)
}

// EVMAddress derives the EVM address of a secp256k1 key held by s.
func EVMAddress(ctx context.Context, s Signer, ref KeyRef) (common.Address, error) {
	pub, err := s.PublicKey(ctx, ref)
	if err != nil {
		return common.Address{}, err
	}
	pk, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return common.Address{}, eris.Wrapf(err, "key %q is not a secp256k1 key", ref)
	}
	return crypto.PubkeyToAddress(*pk), nil
}

// VerifySecp256k1 checks that sig over digest was produced by addr.
func VerifySecp256k1(addr common.Address, digest, sig []byte) error {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return eris.Wrap(err, "failed to recover public key")
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return ErrorSignatureValidationFailed
	}
	return nil
}

func VerifyEd25519(pub, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, sig) {
		return ErrorSignatureValidationFailed
	}
	return nil
}

// Compose returns a Signer that asks each signer in order and uses the first one that knows the key.
func Compose(signers ...Signer) Signer {
	return composite(signers)
}

type composite []Signer

func (c composite) Sign(ctx context.Context, ref KeyRef, msg []byte) ([]byte, error) {
	for _, s := range c {
		sig, err := s.Sign(ctx, ref, msg)
		if errors.Is(err, ErrUnknownKey) {
			continue
		}
		return sig, err
	}
	return nil, eris.Wrapf(ErrUnknownKey, "%q", ref)
}

func (c composite) PublicKey(ctx context.Context, ref KeyRef) ([]byte, error) {
	for _, s := range c {
		pub, err := s.PublicKey(ctx, ref)
		if errors.Is(err, ErrUnknownKey) {
			continue
		}
		return pub, err
	}
	return nil, eris.Wrapf(ErrUnknownKey, "%q", ref)
}
