package keys

import (
	"crypto/sha256"
	"testing"

	"github.com/raptrnet/raptr/src/common"
)

func TestSignVerify(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("time for grapes"))

	r, s, err := Sign(key, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(&key.PublicKey, digest[:], r, s) {
		t.Fatalf("signature should verify")
	}

	other := sha256.Sum256([]byte("time for apples"))
	if Verify(&key.PublicKey, other[:], r, s) {
		t.Fatalf("signature over different data should not verify")
	}
}

func TestEncodeDecodeSignature(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("time for grapes"))
	r, s, err := Sign(key, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	encoded := EncodeSignature(r, s)
	dr, ds, err := DecodeSignature(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cmp(dr) != 0 || s.Cmp(ds) != 0 {
		t.Fatalf("signature changed across encoding")
	}

	if _, _, err := DecodeSignature("garbage"); err == nil {
		t.Fatalf("malformed signature should not decode")
	}
}

func TestDumpParsePrivateKey(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	dump := DumpPrivateKey(key)
	parsed, err := ParsePrivateKey(dump)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.D.Cmp(key.D) != 0 {
		t.Fatalf("D changed across dump/parse")
	}
	if PublicKeyHex(&parsed.PublicKey) != PublicKeyHex(&key.PublicKey) {
		t.Fatalf("public key changed across dump/parse")
	}
}

func TestPublicKeyHexRoundTrip(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	pubHex := PublicKeyHex(&key.PublicKey)
	raw, err := common.DecodeFromString(pubHex)
	if err != nil {
		t.Fatal(err)
	}

	pub := ToPublicKey(raw)
	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatalf("public key changed across hex round trip")
	}
}
