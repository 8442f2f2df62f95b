// Package signature wraps the signature primitives used by authentication,
// consent and audit. Algorithms come from the standard library; this package
// fixes the key sizes, message encodings and the audit key derivation.
package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Actions bind a signature to the operation it authorizes.
const (
	ActionConsentGrant  = "consent.grant"
	ActionConsentRevoke = "consent.revoke"
	ActionRecordUpload  = "records.upload"
	ActionAuditExport   = "audit.export"
)

// Verifier checks a detached signature. Implementations must be pure.
type Verifier interface {
	Verify(publicKey, message, signature []byte) bool
}

// Ed25519Verifier verifies Ed25519 signatures. Malformed keys or signatures verify false.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

type envelope struct {
	Action string `json:"action"`
	Body   any    `json:"body"`
}

// Canonical returns the bytes a client signs for action over body.
// Struct fields serialize in declaration order and map keys sorted, so equal
// inputs always produce equal bytes.
func Canonical(action string, body any) ([]byte, error) {
	b, err := json.Marshal(envelope{Action: action, Body: body})
	if err != nil {
		return nil, fmt.Errorf("canonical encode %s: %w", action, err)
	}
	return b, nil
}

// DecodeKey accepts standard or URL-safe base64 (padded or not).
func DecodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}

// EncodeKey is the inverse of DecodeKey using standard padded base64.
func EncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Signer produces audit signatures with a key distinct from every user key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   string
}

const (
	auditKeySalt = "carevault/audit-signing"
	auditKeyInfo = "ed25519-seed-v1"
)

// NewSigner derives an Ed25519 key from secret with HKDF-SHA256.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("audit signing secret is empty")
	}
	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(sha256.New, []byte(secret), []byte(auditKeySalt), []byte(auditKeyInfo))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive audit key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Signer{priv: priv, pub: pub, id: fmt.Sprintf("%x", sum[:8])}, nil
}

// Sign signs message with the audit key.
func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

// PublicKey returns the audit verification key.
func (s *Signer) PublicKey() []byte {
	return append([]byte(nil), s.pub...)
}

// KeyID is a short fingerprint of the public key, recorded with exports.
func (s *Signer) KeyID() string { return s.id }
