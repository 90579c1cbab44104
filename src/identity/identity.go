package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
)

// DID algorithms. Keys the engine generates are ed25519; sr25519 is accepted
// for verification so substrate-keyed agents can participate.
const (
	AlgEd25519 = "ed25519"
	AlgSr25519 = "sr25519"

	didPrefix = "did:poros:"
)

// signing context for sr25519, fixed protocol-wide
var srContext = []byte("poros")

// DeriveDID builds a Poros DID from a raw ed25519 public key.
func DeriveDID(pub ed25519.PublicKey) string {
	return didPrefix + AlgEd25519 + ":" + base64.RawURLEncoding.EncodeToString(pub)
}

// GenerateKeypair creates a fresh ed25519 identity.
func GenerateKeypair() (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	return DeriveDID(pub), priv, nil
}

// KeypairFromSeed derives a deterministic ed25519 identity from a 32-byte
// hex seed. Used for the engine's own key.
func KeypairFromSeed(seedHex string) (string, ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return "", nil, fmt.Errorf("identity seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", nil, fmt.Errorf("identity seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return DeriveDID(priv.Public().(ed25519.PublicKey)), priv, nil
}

// ParseDID splits a Poros DID into algorithm and raw public key bytes.
func ParseDID(did string) (alg string, pub []byte, err error) {
	if !strings.HasPrefix(did, didPrefix) {
		return "", nil, fmt.Errorf("malformed did %q", did)
	}
	parts := strings.Split(did, ":")
	if len(parts) != 4 || parts[3] == "" {
		return "", nil, fmt.Errorf("malformed did %q", did)
	}
	alg = parts[2]
	keyB64 := parts[3]
	// tolerate padded encodings from older SDKs
	if m := len(keyB64) % 4; m != 0 {
		pub, err = base64.RawURLEncoding.DecodeString(keyB64)
	} else {
		pub, err = base64.URLEncoding.DecodeString(keyB64)
		if err != nil {
			pub, err = base64.RawURLEncoding.DecodeString(keyB64)
		}
	}
	if err != nil {
		return "", nil, fmt.Errorf("malformed did key: %w", err)
	}
	if len(pub) != 32 {
		return "", nil, fmt.Errorf("invalid public key length: %d", len(pub))
	}
	return alg, pub, nil
}

// Sign canonicalizes payload (dropping any top-level "signature" field) and
// signs it, returning a base64 signature.
func Sign(payload any, priv ed25519.PrivateKey) (string, error) {
	msg, err := CanonicalizeWithoutSignature(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// Verify checks sigB64 over the canonical payload against the public key
// embedded in the DID. It returns false on any failure - malformed DID, key
// mismatch, canonicalization error, or signature mismatch - and never panics.
func Verify(payload any, sigB64, did string) bool {
	alg, pub, err := ParseDID(did)
	if err != nil {
		return false
	}
	msg, err := CanonicalizeWithoutSignature(payload)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	switch alg {
	case AlgEd25519:
		if len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
	case AlgSr25519:
		return verifySr25519(pub, msg, sig)
	default:
		return false
	}
}

func verifySr25519(pub, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	var pkRaw [32]byte
	copy(pkRaw[:], pub)
	var sigRaw [64]byte
	copy(sigRaw[:], sig)

	var pk schnorrkel.PublicKey
	if err := pk.Decode(pkRaw); err != nil {
		return false
	}
	var s schnorrkel.Signature
	if err := s.Decode(sigRaw); err != nil {
		return false
	}
	ctx := schnorrkel.NewSigningContext(srContext, msg)
	ok, err := pk.Verify(&s, ctx)
	return err == nil && ok
}
