package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// PinScheme identifies the PIN transport encryption scheme.
const PinScheme = "RSA-OAEP+SHA-256"

// ErrPinTooLong is returned when the PIN exceeds the OAEP plaintext limit for the key.
var ErrPinTooLong = errors.New("pin too long for key")

// DefaultPinPublicKeyPEM is the fixed public key the PIN is encrypted to when no key is
// configured. 2048-bit RSA; the matching private key is held by the consent backend.
const DefaultPinPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAyJ1j/NJoFhoSvRaYV2rP
jq5rxHpvZBbL2PWBicIXO1MMyk1OJLHiTaeKoJef2xLD7phDyAjSzs2cIFUtZ6cE
aATUCTLsSEYiS4f24/v3bNN5DJjfeVnmv4cPpt7QIucWabWnj9Zx10Y+A9bys3rJ
EjjFRzWRy4J1C/42S+IB07QK5yRHpFUKy3yDNjwrvQjKgvYlStw3Dc4HHBMFMVtT
AT3FH+VmF0szXrRgbL3D+b503b/30bWgj5cI9Fr71Yl7cZh5Dglj+713lFZtwIN7
7CvYGKgJS2xXgnuEVPqrxMRJkJHkU7ZPe5Qaxi2NGDPLH6K8foUMpfrOGS7FmTdA
gQIDAQAB
-----END PUBLIC KEY-----`

// EncryptedPin is the PIN transport envelope: derived per authorization request,
// never persisted to durable storage.
type EncryptedPin struct {
	HashedSubjectID string
	CipherText      string // base64 RSA-OAEP(SHA-256) of the raw PIN
	Scheme          string
}

// DeriveSubjectID returns the one-way SHA-256 hex digest of a stable identity string.
// Deterministic; used as a non-reversible correlation key.
func DeriveSubjectID(rawSub string) (string, error) {
	if rawSub == "" {
		return "", errors.New("empty identity string")
	}
	h := sha256.Sum256([]byte(rawSub))
	return hex.EncodeToString(h[:]), nil
}

// SubjectIDEqual performs constant-time comparison of two hashed subject ids.
func SubjectIDEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// DecodeCipherEnvelope base64-decodes the at-rest PIN envelope into the binary buffer
// handed to the external signing provider for local decryption.
func DecodeCipherEnvelope(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, errors.New("empty cipher envelope")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode cipher envelope: %w", err)
	}
	return raw, nil
}

// EncryptPinForTransport imports an RSA public key from PEM and encrypts rawPin with
// RSA-OAEP/SHA-256, returning base64 ciphertext. This is the only point where the raw
// secret exists in memory; it is never logged or cached, and each attempt must re-derive
// or re-fetch the plaintext rather than reuse a stale copy. Any failure aborts the
// handshake: callers must not retry with identical state.
func EncryptPinForTransport(publicKeyPEM, rawPin string) (string, error) {
	if rawPin == "" {
		return "", errors.New("empty pin")
	}
	pub, err := ParseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return "", fmt.Errorf("import pin public key: %w", err)
	}
	hash := sha256.New()
	if len(rawPin) > pub.Size()-2*hash.Size()-2 {
		return "", ErrPinTooLong
	}
	cipher, err := rsa.EncryptOAEP(hash, rand.Reader, pub, []byte(rawPin), nil)
	if err != nil {
		return "", fmt.Errorf("encrypt pin: %w", err)
	}
	return base64.StdEncoding.EncodeToString(cipher), nil
}

// BuildEncryptedPin derives the full transport envelope for an authorization request.
func BuildEncryptedPin(hashedSubjectID, publicKeyPEM, rawPin string) (*EncryptedPin, error) {
	if hashedSubjectID == "" {
		return nil, errors.New("empty hashed subject id")
	}
	cipher, err := EncryptPinForTransport(publicKeyPEM, rawPin)
	if err != nil {
		return nil, err
	}
	return &EncryptedPin{
		HashedSubjectID: hashedSubjectID,
		CipherText:      cipher,
		Scheme:          PinScheme,
	}, nil
}
