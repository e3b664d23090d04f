// Package signing holds the service's K-256 signing key: label signatures,
// multibase and did:key encodings, and ES256K inter-service auth tokens.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	secp256k1 "gitlab.com/yawning/secp256k1-voi"
	secp256k1secec "gitlab.com/yawning/secp256k1-voi/secec"
)

var ErrInvalidSignature = errors.New("crytographic signature invalid")

var k256Options = &secp256k1secec.ECDSAOptions{
	// Used to *verify* digest, not to re-hash
	Hash: crypto.SHA256,
	// Use `[R | S]` encoding.
	Encoding: secp256k1secec.EncodingCompact,
	// low-S signatures only
	RejectMalleable: true,
}

var k256LenientOptions = &secp256k1secec.ECDSAOptions{
	Hash:            crypto.SHA256,
	Encoding:        secp256k1secec.EncodingCompact,
	RejectMalleable: false,
}

// multicodec varint prefixes
var (
	privateKeyPrefix = []byte{0x81, 0x26}
	publicKeyPrefix  = []byte{0xe7, 0x01}
)

// PrivateKey is a K-256 (secp256k1, ES256K) private key. Secret key material
// is stored in memory.
type PrivateKey struct {
	inner *secp256k1secec.PrivateKey
}

type PublicKey struct {
	inner *secp256k1secec.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := secp256k1secec.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("K-256/secp256k1 key generation failed: %w", err)
	}
	return &PrivateKey{inner: key}, nil
}

func ParsePrivateBytes(data []byte) (*PrivateKey, error) {
	sk, err := secp256k1secec.NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 private key: %w", err)
	}
	return &PrivateKey{inner: sk}, nil
}

// ParsePrivateMultibase parses the output of PrivateKey.Multibase. A bare hex
// string of the 32 raw key bytes is also accepted.
func ParsePrivateMultibase(raw string) (*PrivateKey, error) {
	if !strings.HasPrefix(raw, "z") {
		b, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("private key is neither multibase nor hex: %w", err)
		}
		return ParsePrivateBytes(b)
	}
	b, err := base58.Decode(raw[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid base58 in private key: %w", err)
	}
	if len(b) < 2 || b[0] != privateKeyPrefix[0] || b[1] != privateKeyPrefix[1] {
		return nil, fmt.Errorf("unsupported private key multicodec")
	}
	return ParsePrivateBytes(b[2:])
}

func (k *PrivateKey) Bytes() []byte {
	return k.inner.Bytes()
}

// Multibase string encoding of the private key, including a multicodec indicator
func (k *PrivateKey) Multibase() string {
	return "z" + base58.Encode(append(append([]byte{}, privateKeyPrefix...), k.Bytes()...))
}

func (k *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{inner: k.inner.PublicKey()}
}

// HashAndSign hashes content with SHA-256 and returns a 64 byte low-S
// signature.
func (k *PrivateKey) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	return k.inner.Sign(rand.Reader, hash[:], k256Options)
}

func ParsePublicBytes(data []byte) (*PublicKey, error) {
	p, err := secp256k1.NewIdentityPoint().SetCompressedBytes(data)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 public key: %w", err)
	}
	pub, err := secp256k1secec.NewPublicKeyFromPoint(p)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 public key: %w", err)
	}
	return &PublicKey{inner: pub}, nil
}

func ParsePublicMultibase(raw string) (*PublicKey, error) {
	if !strings.HasPrefix(raw, "z") {
		return nil, fmt.Errorf("public key multibase must be base58btc")
	}
	b, err := base58.Decode(raw[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid base58 in public key: %w", err)
	}
	if len(b) < 2 || b[0] != publicKeyPrefix[0] || b[1] != publicKeyPrefix[1] {
		return nil, fmt.Errorf("unsupported public key multicodec")
	}
	return ParsePublicBytes(b[2:])
}

// ParseDIDKey parses a did:key string for a K-256 key.
func ParseDIDKey(didKey string) (*PublicKey, error) {
	if !strings.HasPrefix(didKey, "did:key:") {
		return nil, fmt.Errorf("not a did:key: %s", didKey)
	}
	return ParsePublicMultibase(didKey[len("did:key:"):])
}

// Bytes is the compressed point encoding.
func (k *PublicKey) Bytes() []byte {
	return k.inner.Point().CompressedBytes()
}

func (k *PublicKey) Multibase() string {
	return "z" + base58.Encode(append(append([]byte{}, publicKeyPrefix...), k.Bytes()...))
}

func (k *PublicKey) DIDKey() string {
	return "did:key:" + k.Multibase()
}

func (k *PublicKey) Equal(other *PublicKey) bool {
	return k.inner.Equal(other.inner)
}

// HashAndVerify checks a low-S signature over the SHA-256 of content.
func (k *PublicKey) HashAndVerify(content, sig []byte) error {
	hash := sha256.Sum256(content)
	if !k.inner.Verify(hash[:], sig, k256Options) {
		return ErrInvalidSignature
	}
	return nil
}

// HashAndVerifyLenient also accepts high-S signatures, as some JWT issuers
// produce them.
func (k *PublicKey) HashAndVerifyLenient(content, sig []byte) error {
	hash := sha256.Sum256(content)
	if !k.inner.Verify(hash[:], sig, k256LenientOptions) {
		return ErrInvalidSignature
	}
	return nil
}
