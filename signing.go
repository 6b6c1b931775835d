package llmbroker

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyPair authorizes spend against agreements. The private key never leaves the client.
type KeyPair struct {
	Private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
}

// CreateKeyPair generates a fresh secp256k1 key pair.
func CreateKeyPair() (KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// KeyPairFromHex restores a key pair from a hex-encoded 32-byte private key.
func KeyPairFromHex(hexKey string) (KeyPair, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	hexKey = strings.TrimPrefix(hexKey, "0X")

	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("llmbroker: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return KeyPair{}, fmt.Errorf("llmbroker: private key must be 32 bytes, got %d", len(keyBytes))
	}

	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	if priv.Key.IsZero() {
		return KeyPair{}, fmt.Errorf("llmbroker: private key is zero")
	}
	return KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// PublicHex returns the hex-encoded compressed public key sent with each request.
func (k KeyPair) PublicHex() string {
	return EncodePublicKey(k.Public)
}

// KeyID returns the integer encoding of the public key bound on-ledger.
func (k KeyPair) KeyID() *big.Int {
	return KeyID(k.Public)
}

// EncodePublicKey hex-encodes the 33-byte compressed form of pub.
func EncodePublicKey(pub *secp256k1.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

// ParsePublicKey decodes a hex-encoded compressed or uncompressed public key.
func ParsePublicKey(s string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("llmbroker: invalid public key hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("llmbroker: invalid public key: %w", err)
	}
	return pub, nil
}

// KeyID is keccak256 of the compressed public key, read as a uint256.
// Agreements store this value as clientPubKey.
func KeyID(pub *secp256k1.PublicKey) *big.Int {
	return new(big.Int).SetBytes(crypto.Keccak256(pub.SerializeCompressed()))
}

// CanonicalContext is the exact byte serialization that request signatures cover:
// a JSON array of {"role","content"} objects, fields in that order, HTML
// characters unescaped, no trailing newline. Client and provider must agree
// on these bytes or verification silently fails.
func CanonicalContext(messages []Message) []byte {
	if messages == nil {
		messages = []Message{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Message holds only strings; encoding cannot fail.
	_ = enc.Encode(messages)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// SignMessage signs the canonical serialization of messages.
// Returns the base64-encoded raw signature (r || s, 64 bytes).
func SignMessage(priv *secp256k1.PrivateKey, messages []Message) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("llmbroker: sign: nil private key")
	}
	digest := sha256.Sum256(CanonicalContext(messages))

	// RFC6979 deterministic, low-S. Layout: [recovery, r(32), s(32)].
	compactSig := ecdsa.SignCompact(priv, digest[:], true)

	return base64.StdEncoding.EncodeToString(compactSig[1:65]), nil
}

// VerifySignature reports whether signature is pub's signature over messages.
// Malformed input yields false.
func VerifySignature(pub *secp256k1.PublicKey, signature string, messages []Message) bool {
	if pub == nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != 64 {
		return false
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow || r.IsZero() {
		return false
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow || s.IsZero() {
		return false
	}

	digest := sha256.Sum256(CanonicalContext(messages))
	return ecdsa.NewSignature(&r, &s).Verify(digest[:], pub)
}
