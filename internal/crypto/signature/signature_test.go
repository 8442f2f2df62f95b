package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Verifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	msg := []byte("nonce-value")
	sig := ed25519.Sign(priv, msg)

	v := Ed25519Verifier{}
	assert.True(t, v.Verify(pub, msg, sig))
	assert.False(t, v.Verify(pub, []byte("other"), sig), "different message")
	assert.False(t, v.Verify(pub[:10], msg, sig), "truncated key")
	assert.False(t, v.Verify(pub, msg, sig[:10]), "truncated signature")
	assert.False(t, v.Verify(nil, msg, nil))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.False(t, v.Verify(otherPub, msg, sig), "wrong key")
}

func TestCanonical_Deterministic(t *testing.T) {
	body := struct {
		PatientID string            `json:"patientId"`
		Extra     map[string]string `json:"extra"`
	}{PatientID: "p1", Extra: map[string]string{"b": "2", "a": "1"}}

	first, err := Canonical(ActionConsentGrant, body)
	require.NoError(t, err)
	second, err := Canonical(ActionConsentGrant, body)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, `{"action":"consent.grant","body":{"patientId":"p1","extra":{"a":"1","b":"2"}}}`, string(first))

	revoke, err := Canonical(ActionConsentRevoke, body)
	require.NoError(t, err)
	assert.NotEqual(t, first, revoke, "action separates signing domains")
}

func TestSigner(t *testing.T) {
	s1, err := NewSigner("secret-a")
	require.NoError(t, err)
	s2, err := NewSigner("secret-a")
	require.NoError(t, err)
	s3, err := NewSigner("secret-b")
	require.NoError(t, err)

	assert.Equal(t, s1.PublicKey(), s2.PublicKey(), "derivation is deterministic")
	assert.NotEqual(t, s1.PublicKey(), s3.PublicKey())
	assert.Len(t, s1.KeyID(), 16)

	msg := []byte("entry")
	assert.True(t, Ed25519Verifier{}.Verify(s1.PublicKey(), msg, s1.Sign(msg)))
	assert.False(t, Ed25519Verifier{}.Verify(s3.PublicKey(), msg, s1.Sign(msg)))

	_, err = NewSigner("")
	assert.Error(t, err)
}

func TestDecodeKey(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0x01}
	for _, s := range []string{"+/8B", "-_8B"} {
		got, err := DecodeKey(s)
		require.NoError(t, err, s)
		assert.Equal(t, raw, got)
	}
	assert.Equal(t, "+/8B", EncodeKey(raw))
	_, err := DecodeKey("***")
	assert.Error(t, err)
}
