package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// decryptReference is the reference decryptor: what the backend's private key holder does.
func decryptReference(t *testing.T, b64Cipher string) string {
	t.Helper()
	signer, err := ParsePrivateKey(testPrivateKeyPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	priv, ok := signer.(*rsa.PrivateKey)
	if !ok {
		t.Fatal("test private key is not RSA")
	}
	cipher, err := base64.StdEncoding.DecodeString(b64Cipher)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, cipher, nil)
	if err != nil {
		t.Fatalf("DecryptOAEP: %v", err)
	}
	return string(plain)
}

func TestDeriveSubjectID(t *testing.T) {
	a, err := DeriveSubjectID("user@example.com")
	if err != nil {
		t.Fatalf("DeriveSubjectID: %v", err)
	}
	b, err := DeriveSubjectID("user@example.com")
	if err != nil {
		t.Fatalf("DeriveSubjectID: %v", err)
	}
	if a != b {
		t.Error("DeriveSubjectID must be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
	if a == "user@example.com" || strings.Contains(a, "@") {
		t.Error("digest must not reveal the identity string")
	}
	if _, err := DeriveSubjectID(""); err == nil {
		t.Error("empty identity string should be rejected")
	}
	if !SubjectIDEqual(a, b) {
		t.Error("SubjectIDEqual should match identical digests")
	}
	if SubjectIDEqual(a, a[:32]) {
		t.Error("SubjectIDEqual should reject different digests")
	}
}

func TestEncryptPinForTransport_RoundTrip(t *testing.T) {
	const pin = "s3cretPIN"

	c1, err := EncryptPinForTransport(testPublicKeyPEM, pin)
	if err != nil {
		t.Fatalf("EncryptPinForTransport: %v", err)
	}
	c2, err := EncryptPinForTransport(testPublicKeyPEM, pin)
	if err != nil {
		t.Fatalf("EncryptPinForTransport: %v", err)
	}
	if c1 == c2 {
		t.Error("OAEP padding should differ across calls")
	}
	if decryptReference(t, c1) != pin || decryptReference(t, c2) != pin {
		t.Error("both ciphertexts must decrypt to the original pin")
	}
}

func TestEncryptPinForTransport_Errors(t *testing.T) {
	if _, err := EncryptPinForTransport("not a pem", "1234"); err == nil {
		t.Error("malformed PEM should fail")
	}
	if _, err := EncryptPinForTransport(testPublicKeyPEM, ""); err == nil {
		t.Error("empty pin should fail")
	}
	long := strings.Repeat("x", 300)
	if _, err := EncryptPinForTransport(testPublicKeyPEM, long); !errors.Is(err, ErrPinTooLong) {
		t.Errorf("oversized pin: err = %v, want ErrPinTooLong", err)
	}
}

func TestBuildEncryptedPin(t *testing.T) {
	sub, _ := DeriveSubjectID("user@example.com")
	ep, err := BuildEncryptedPin(sub, testPublicKeyPEM, "s3cretPIN")
	if err != nil {
		t.Fatalf("BuildEncryptedPin: %v", err)
	}
	if ep.Scheme != PinScheme {
		t.Errorf("Scheme = %q, want %q", ep.Scheme, PinScheme)
	}
	if ep.HashedSubjectID != sub {
		t.Error("HashedSubjectID mismatch")
	}
	if decryptReference(t, ep.CipherText) != "s3cretPIN" {
		t.Error("envelope ciphertext must decrypt to the pin")
	}
	if _, err := BuildEncryptedPin("", testPublicKeyPEM, "s3cretPIN"); err == nil {
		t.Error("empty hashed subject id should be rejected")
	}
}

func TestDecodeCipherEnvelope(t *testing.T) {
	raw := []byte{0x01, 0x02, 0xff}
	got, err := DecodeCipherEnvelope(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("DecodeCipherEnvelope: %v", err)
	}
	if len(got) != len(raw) || got[2] != 0xff {
		t.Errorf("decoded envelope = %v, want %v", got, raw)
	}
	if _, err := DecodeCipherEnvelope("!!!not-base64!!!"); err == nil {
		t.Error("invalid base64 should fail")
	}
	if _, err := DecodeCipherEnvelope(""); err == nil {
		t.Error("empty envelope should fail")
	}
}

func TestDefaultPinPublicKey_Parses(t *testing.T) {
	pub, err := ParseRSAPublicKey(DefaultPinPublicKeyPEM)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	if pub.Size() != 256 {
		t.Errorf("default key size = %d bytes, want 2048-bit (256)", pub.Size())
	}
}
