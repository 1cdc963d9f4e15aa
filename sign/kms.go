package sign

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"hash/crc32"
	"math/big"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/googleapis/gax-go/v2"
	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AsymmetricSigner is implemented by kms.KeyManagementClient. It exists so tests can use a fake KMS.
type AsymmetricSigner interface {
	AsymmetricSign(context.Context, *kmspb.AsymmetricSignRequest, ...gax.CallOption) (
		*kmspb.AsymmetricSignResponse, error)
	GetPublicKey(context.Context, *kmspb.GetPublicKeyRequest, ...gax.CallOption) (*kmspb.PublicKey, error)
}

var _ Signer = &KMSSigner{}

// KMSSigner signs EVM digests with a Google Cloud KMS key using the "Elliptic Curve secp256k1 - SHA256 Digest"
// algorithm. It answers for exactly one KeyRef.
type KMSSigner struct {
	client  AsymmetricSigner
	ref     KeyRef
	keyName string
	pubKey  *ecdsa.PublicKey
	address common.Address
}

func NewKMSSigner(ctx context.Context, client AsymmetricSigner, ref KeyRef, keyName string) (*KMSSigner, error) {
	k := &KMSSigner{client: client, ref: ref, keyName: keyName}
	if err := k.populatePublicKey(ctx); err != nil {
		return nil, eris.Wrap(err, "failed to populate signer address")
	}
	return k, nil
}

func (k *KMSSigner) Address() common.Address { return k.address }

func (k *KMSSigner) PublicKey(_ context.Context, ref KeyRef) ([]byte, error) {
	if ref != k.ref {
		return nil, eris.Wrapf(ErrUnknownKey, "%q", ref)
	}
	return crypto.FromECDSAPub(k.pubKey), nil
}

// Sign signs a 32 byte digest. See https://cloud.google.com/kms/docs/create-validate-signatures#validate_ec_signature
func (k *KMSSigner) Sign(ctx context.Context, ref KeyRef, digest []byte) ([]byte, error) {
	if ref != k.ref {
		return nil, eris.Wrapf(ErrUnknownKey, "%q", ref)
	}
	if len(digest) != common.HashLength {
		return nil, eris.Errorf("kms signer expects a 32 byte digest, got %d bytes", len(digest))
	}
	req := &kmspb.AsymmetricSignRequest{
		Name: k.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{
				Sha256: digest,
			},
		},
		DigestCrc32C: wrapperspb.Int64(int64(crc32c(digest))),
	}

	result, err := k.client.AsymmetricSign(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "failed to sign digest via KMS")
	}

	if !result.VerifiedDigestCrc32C ||
		result.Name != req.Name ||
		int64(crc32c(result.Signature)) != result.SignatureCrc32C.GetValue() {
		return nil, eris.New("AsymmetricSign: request corrupted in-transit")
	}

	return k.kmsSigToEthereumSig(digest, result.Signature)
}

func crc32c(data []byte) uint32 {
	t := crc32.MakeTable(crc32.Castagnoli)
	return crc32.Checksum(data, t)
}

func (k *KMSSigner) populatePublicKey(ctx context.Context) error {
	resp, err := k.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: k.keyName,
	})
	if err != nil {
		return eris.Wrap(err, "failed to get public key")
	}
	pub, err := parsePEMPublicKey(resp.Pem)
	if err != nil {
		return eris.Wrap(err, "failed to parse public key")
	}
	k.pubKey = pub
	k.address = crypto.PubkeyToAddress(*pub)
	return nil
}

// x509.ParsePKIXPublicKey does not support secp256k1 (asn1 1.3.132.0.10), so the SubjectPublicKeyInfo is
// unpacked by hand.
type publicKeyInfo struct {
	Raw       asn1.RawContent
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

var secp256k1HalfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

var oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

func parsePEMPublicKey(pemStr string) (*ecdsa.PublicKey, error) {
	block, rest := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, eris.New("no pem block in public key")
	}
	if len(rest) > 0 {
		return nil, eris.New("too many pem blocks when parsing public key")
	}

	var pubKeyInfo publicKeyInfo
	rest, err := asn1.Unmarshal(block.Bytes, &pubKeyInfo)
	if err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal public key info")
	}
	if len(rest) > 0 {
		return nil, eris.New("encountered unmarshalled bytes when parsing public key info")
	}
	if !pubKeyInfo.Algorithm.Algorithm.Equal(oidPublicKeyECDSA) {
		return nil, eris.New("incorrect curve for public key")
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyInfo.PublicKey.Bytes)
	if err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal public key")
	}
	return pubKey, nil
}

func byteLenOfBigInt(n *big.Int) int {
	const bitsInByte = 8
	if n == nil {
		return 0
	}
	return (n.BitLen() + (bitsInByte - 1)) / bitsInByte
}

// kmsSigToEthereumSig converts a DER signature to [R || S || V], finding V by trial recovery.
func (k *KMSSigner) kmsSigToEthereumSig(digest []byte, sig []byte) ([]byte, error) {
	var parsedSig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(sig, &parsedSig); err != nil {
		return nil, eris.New("failed to unmarshal signature")
	}
	rLen := byteLenOfBigInt(parsedSig.R)
	sLen := byteLenOfBigInt(parsedSig.S)
	if rLen == 0 || rLen > 32 || sLen == 0 || sLen > 32 {
		return nil, eris.New("R and S of google's KMS signature must be between (0,32] bytes long")
	}

	// EVM transactions only accept signatures in the lower half of the curve order.
	if parsedSig.S.Cmp(secp256k1HalfN) > 0 {
		parsedSig.S = new(big.Int).Sub(crypto.S256().Params().N, parsedSig.S)
		sLen = byteLenOfBigInt(parsedSig.S)
	}

	var ethSig [65]byte
	parsedSig.R.FillBytes(ethSig[32-rLen : 32])
	parsedSig.S.FillBytes(ethSig[64-sLen : 64])

	for recoveryID := byte(0); recoveryID < 2; recoveryID++ {
		ethSig[64] = recoveryID
		gotPubKey, err := crypto.SigToPub(digest, ethSig[:])
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*gotPubKey) == k.address {
			return ethSig[:], nil
		}
	}
	return nil, eris.New("failed to find recovery id for KMS signature")
}
