package consent

import (
	"context"
	"errors"
	"fmt"
	"log"

	"consent-agent/internal/apiclient"
	"consent-agent/internal/messenger"
	"consent-agent/internal/security"
)

// ErrNoGrants rejects finalization of an empty grant set.
var ErrNoGrants = errors.New("no grants selected")

// PinBackend is the backend surface the finalizer needs.
type PinBackend interface {
	FetchPin(ctx context.Context, hashedSubjectID, sessionToken string) (*apiclient.PinEnvelope, error)
	SubmitAuthorizedRequest(ctx context.Context, req *apiclient.AuthorizationRequest, sessionToken string) (*apiclient.AccessCredential, error)
}

// PinDecrypter is the signing provider's decryption capability. The raw PIN
// exists only inside the finalize call; it is never cached between attempts.
type PinDecrypter interface {
	DecryptPin(ctx context.Context, cipher []byte, passphraseHash string) (string, error)
}

// Relay delivers the terminal authorization result to the owning context.
type Relay interface {
	Send(channel string, env messenger.Envelope) error
}

// Handshake is the production Finalizer: it derives the pseudonymous subject,
// fetches and re-encrypts the PIN, submits the authorized request, and relays
// the result. Every attempt re-fetches and re-derives; nothing decrypted is
// carried across attempts.
type Handshake struct {
	backend      PinBackend
	decrypter    PinDecrypter
	relay        Relay
	relayChannel string
	publicKeyPEM string
	subject      func() string
	token        func() string
}

// HandshakeOption configures a Handshake.
type HandshakeOption func(*Handshake)

// WithRelay wires the terminal result onto a messenger channel.
func WithRelay(r Relay, channel string) HandshakeOption {
	return func(h *Handshake) {
		h.relay = r
		h.relayChannel = channel
	}
}

// WithPublicKey overrides the embedded transport public key.
func WithPublicKey(pem string) HandshakeOption {
	return func(h *Handshake) { h.publicKeyPEM = pem }
}

// NewHandshake returns the production finalizer. subject yields the raw
// identity claim; token yields the session bearer token.
func NewHandshake(backend PinBackend, decrypter PinDecrypter, subject, token func() string, opts ...HandshakeOption) *Handshake {
	h := &Handshake{
		backend:      backend,
		decrypter:    decrypter,
		publicKeyPEM: security.DefaultPinPublicKeyPEM,
		subject:      subject,
		token:        token,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Finalize implements Finalizer. Any crypto failure is fatal to this attempt:
// the error propagates and the caller aborts rather than proceeding with a
// missing PIN.
func (h *Handshake) Finalize(ctx context.Context, passphraseHash string, grants []Grant, report func(int)) (*Outcome, error) {
	if len(grants) == 0 {
		return nil, ErrNoGrants
	}

	hashedSubject, err := security.DeriveSubjectID(h.subject())
	if err != nil {
		return nil, fmt.Errorf("derive subject: %w", err)
	}
	report(15)

	envelope, err := h.backend.FetchPin(ctx, hashedSubject, h.token())
	if err != nil {
		return nil, fmt.Errorf("fetch pin: %w", err)
	}
	report(35)

	cipher, err := security.DecodeCipherEnvelope(envelope.CipherEnvelope)
	if err != nil {
		return nil, fmt.Errorf("decode pin envelope: %w", err)
	}
	rawPin, err := h.decrypter.DecryptPin(ctx, cipher, passphraseHash)
	if err != nil {
		return nil, fmt.Errorf("decrypt pin: %w", err)
	}
	if rawPin == "" {
		return nil, errors.New("decrypted pin is empty")
	}
	report(55)

	encryptedPin, err := security.EncryptPinForTransport(h.publicKeyPEM, rawPin)
	if err != nil {
		return nil, fmt.Errorf("encrypt pin: %w", err)
	}
	report(70)

	scopes := make([]apiclient.GrantScope, 0, len(grants))
	for _, g := range grants {
		scopes = append(scopes, apiclient.GrantScope{
			Requester:    g.Requester,
			DataCategory: g.DataCategory,
		})
	}
	credential, err := h.backend.SubmitAuthorizedRequest(ctx, &apiclient.AuthorizationRequest{
		HashedSubjectID: hashedSubject,
		EncryptedPin:    encryptedPin,
		Scheme:          security.PinScheme,
		Grants:          scopes,
	}, h.token())
	if err != nil {
		return nil, fmt.Errorf("submit authorized request: %w", err)
	}
	report(90)

	if h.relay != nil {
		env := messenger.Envelope{
			Source: messenger.SourceWebpage,
			Type:   messenger.TypeConnectionResult,
			Payload: map[string]any{
				"granted": len(grants),
				"success": true,
			},
		}
		if err := h.relay.Send(h.relayChannel, env); err != nil {
			// The credential is already issued; a lost notification is logged,
			// not fatal.
			log.Printf("consent: relay result: %v", err)
		}
	}

	return &Outcome{
		CredentialToken: credential.Token,
		ExpiresAt:       credential.ExpiresAt,
	}, nil
}
