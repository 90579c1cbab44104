package identity

import (
	"encoding/base64"
	"testing"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/stretchr/testify/require"
)

type cardFixture struct {
	DID      string   `json:"did"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	Skills   []string `json:"skills,omitempty"`
	Version  int      `json:"version"`
}

func TestSignVerifyRoundTrip(t *testing.T) {
	did, priv, err := GenerateKeypair()
	require.NoError(t, err)

	card := cardFixture{DID: did, Name: "weather", Endpoint: "http://localhost:9000", Skills: []string{"weather_forecast"}, Version: 1}
	sig, err := Sign(card, priv)
	require.NoError(t, err)

	require.True(t, Verify(card, sig, did))

	mutated := card
	mutated.Endpoint = "http://evil.example"
	require.False(t, Verify(mutated, sig, did), "mutating any field after signing must break verification")
}

func TestVerifyIgnoresEmbeddedSignature(t *testing.T) {
	did, priv, err := GenerateKeypair()
	require.NoError(t, err)

	payload := map[string]any{"did": did, "name": "x", "version": 1}
	sig, err := Sign(payload, priv)
	require.NoError(t, err)

	// a document carrying its own signature verifies against itself
	payload["signature"] = sig
	require.True(t, Verify(payload, sig, did))
}

func TestCanonicalizeDeterministic(t *testing.T) {
	asMap := map[string]any{"b": 2, "a": "x", "nested": map[string]any{"z": true, "y": []any{1, 2}}}
	asStruct := struct {
		Nested struct {
			Y []int `json:"y"`
			Z bool  `json:"z"`
		} `json:"nested"`
		B int    `json:"b"`
		A string `json:"a"`
	}{B: 2, A: "x"}
	asStruct.Nested.Y = []int{1, 2}
	asStruct.Nested.Z = true

	m, err := Canonicalize(asMap)
	require.NoError(t, err)
	s, err := Canonicalize(asStruct)
	require.NoError(t, err)
	require.Equal(t, string(m), string(s), "semantically equal payloads must canonicalize byte-identically")
	require.Equal(t, `{"a":"x","b":2,"nested":{"y":[1,2],"z":true}}`, string(m))
}

func TestVerifyFailsClosed(t *testing.T) {
	did, priv, err := GenerateKeypair()
	require.NoError(t, err)
	payload := map[string]any{"n": 1}
	sig, err := Sign(payload, priv)
	require.NoError(t, err)

	otherDID, _, err := GenerateKeypair()
	require.NoError(t, err)

	tests := []struct {
		name string
		sig  string
		did  string
	}{
		{"malformed did", sig, "did:web:nope"},
		{"missing key segment", sig, "did:poros:ed25519:"},
		{"unknown algorithm", sig, "did:poros:rsa:AAAA"},
		{"wrong key", sig, otherDID},
		{"garbage signature", "!!!not-base64!!!", did},
		{"truncated signature", base64.StdEncoding.EncodeToString([]byte("short")), did},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.False(t, Verify(payload, tt.sig, tt.did))
		})
	}
}

func TestVerifySr25519(t *testing.T) {
	priv, pub, err := schnorrkel.GenerateKeypair()
	require.NoError(t, err)

	payload := map[string]any{"action": "book_room", "slot": "2026-08-26T10:00"}
	msg, err := CanonicalizeWithoutSignature(payload)
	require.NoError(t, err)

	ctx := schnorrkel.NewSigningContext(srContext, msg)
	sig, err := priv.Sign(ctx)
	require.NoError(t, err)
	sigBytes := sig.Encode()
	pubBytes := pub.Encode()

	did := didPrefix + AlgSr25519 + ":" + base64.RawURLEncoding.EncodeToString(pubBytes[:])
	require.True(t, Verify(payload, base64.StdEncoding.EncodeToString(sigBytes[:]), did))
	require.False(t, Verify(map[string]any{"action": "other"}, base64.StdEncoding.EncodeToString(sigBytes[:]), did))
}

func TestKeypairFromSeed(t *testing.T) {
	seed := "9eafd87a084c0cf4ededa3b0ad774b77be9bb1b1a5696b9e5b11d59b71fa57ce"
	did1, priv1, err := KeypairFromSeed(seed)
	require.NoError(t, err)
	did2, _, err := KeypairFromSeed(seed)
	require.NoError(t, err)
	require.Equal(t, did1, did2)

	sig, err := Sign(map[string]any{"ok": true}, priv1)
	require.NoError(t, err)
	require.True(t, Verify(map[string]any{"ok": true}, sig, did1))

	_, _, err = KeypairFromSeed("abcd")
	require.Error(t, err)
}
