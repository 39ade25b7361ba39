package evidence

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"
)

func TestFlagSigner_SignIsDeterministicRegardlessOfIDOrder(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = pub
	signer := NewFlagSigner(priv)

	sig1 := signer.Sign("suspicious batch", []int64{3, 1, 2})
	sig2 := signer.Sign("suspicious batch", []int64{1, 2, 3})
	if sig1 != sig2 {
		t.Errorf("expected order-independent signatures, got %q != %q", sig1, sig2)
	}
}

func TestFlagSigner_VerifiesWithPublicKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	signer := NewFlagSigner(priv)
	sig := signer.Sign("test summary", []int64{1, 2})

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(canonicalFlag{Summary: "test summary", EventIDs: []int64{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(pub, payload, sigBytes) {
		t.Fatal("signature failed verification")
	}
}

func TestFlagSigner_DifferentSummaryDifferentSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	signer := NewFlagSigner(priv)
	sig1 := signer.Sign("summary a", []int64{1})
	sig2 := signer.Sign("summary b", []int64{1})
	if sig1 == sig2 {
		t.Error("expected different summaries to produce different signatures")
	}
}
