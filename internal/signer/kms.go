// Package signer talks to the external signing provider that holds the
// user's decryption key. The agent never sees that key; it ships the
// transport envelope to the provider and gets the plaintext PIN back.
package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// ErrEmptyPlaintext is returned when the provider answers 200 with no PIN.
var ErrEmptyPlaintext = errors.New("signer: provider returned empty plaintext")

// KMSClient calls the signing provider's decrypt endpoint over HTTPS.
type KMSClient struct {
	baseURL string
	http    *http.Client
}

func NewKMSClient(baseURL string) *KMSClient {
	return &KMSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext"`
	Proof      string `json:"proof"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
	Message   string `json:"message,omitempty"`
}

// DecryptPin submits the binary cipher to the provider together with the
// passphrase hash as possession proof. The plaintext is returned to the
// caller and must not be cached; callers re-fetch per attempt.
func (c *KMSClient) DecryptPin(ctx context.Context, cipher []byte, passphraseHash string) (string, error) {
	body, err := json.Marshal(decryptRequest{
		Ciphertext: base64.StdEncoding.EncodeToString(cipher),
		Proof:      passphraseHash,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/decrypt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("signer: decrypt request: %w", err)
	}
	defer resp.Body.Close()

	var out decryptResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("signer: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Message
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("signer: decrypt failed: %s", msg)
	}
	if out.Plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	return out.Plaintext, nil
}
