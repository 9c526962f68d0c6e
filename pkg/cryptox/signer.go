// Package cryptox provides the Ed25519 signing and verification primitives
// used to bind every artifact and chained event in the kernel (§4.2), plus
// the signer-lifecycle table consulted by grant validation and the receipt
// verifier.
package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSignature is returned when a signature fails to verify.
var ErrInvalidSignature = errors.New("cryptox: invalid signature")

// Signature is a detached Ed25519 signature over some artifact's content
// hash, carrying the signer's claimed signing time for lifecycle-aware
// verification (§4.2, §4.10). Every hash-bound artifact in the kernel
// (chained events, grants, agreements, receipts) embeds one of these.
type Signature struct {
	KeyID           string    `json:"keyId"`
	SignatureBase64 string    `json:"signatureBase64"`
	SignedAt        time.Time `json:"signedAt"`
}

// KeyPair holds an Ed25519 private/public key and its derived keyId.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	KeyID   string
}

// GenerateKeyPair creates a new random Ed25519 keypair with a derived keyId.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptox: generate key: %w", err)
	}
	return NewKeyPair(pub, priv)
}

// NewKeyPair wraps an existing Ed25519 keypair and derives its keyId.
func NewKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*KeyPair, error) {
	keyID, err := KeyID(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub, KeyID: keyID}, nil
}

// KeyID derives the keyId of a public key: hex(SHA-256(DER SPKI)), per §4.2.
func KeyID(pub ed25519.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("cryptox: marshal SPKI: %w", err)
	}
	sum := sha256.Sum256(spki)
	return hex.EncodeToString(sum[:]), nil
}

// PublicKeyPEM renders the public key as a PEM-encoded SPKI block, the form
// persisted on the Agent Identity record.
func (k *KeyPair) PublicKeyPEM() (string, error) {
	return PublicKeyPEM(k.Public)
}

// PublicKeyPEM renders an Ed25519 public key as a PEM-encoded SPKI block.
func PublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("cryptox: marshal SPKI: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: spki}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKeyPEM parses a PEM-encoded SPKI block into an Ed25519 public key.
func ParsePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("cryptox: invalid PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptox: parse SPKI: %w", err)
	}
	ed, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("cryptox: not an Ed25519 key")
	}
	return ed, nil
}

// SignHashHex signs the hex-encoded hash string as raw bytes and returns a
// base64 detached signature. Every artifact signature in the kernel signs
// the ASCII hex digest produced by canonicalize.Hash, not the raw digest
// bytes, so verification never has to guess the encoding.
func (k *KeyPair) SignHashHex(hashHex string) string {
	sig := ed25519.Sign(k.Private, []byte(hashHex))
	return base64.StdEncoding.EncodeToString(sig)
}

// Sign signs arbitrary bytes and returns a base64 detached signature.
func (k *KeyPair) Sign(data []byte) string {
	sig := ed25519.Sign(k.Private, data)
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify verifies a base64 detached signature over hashHex against pub.
func Verify(pub ed25519.PublicKey, hashHex, signatureBase64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("cryptox: decode signature: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("cryptox: invalid public key size")
	}
	if !ed25519.Verify(pub, []byte(hashHex), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyBytes verifies a base64 detached signature over raw bytes.
func VerifyBytes(pub ed25519.PublicKey, data []byte, signatureBase64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("cryptox: decode signature: %w", err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}
