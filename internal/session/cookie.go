package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"consent-agent/internal/session/domain"
)

// CookieName is the same-origin fallback cookie mirroring the bearer token and
// session expiry. It is a redundant read path, not the primary store.
const CookieName = "onairos-session"

// ErrBadCookie is returned when the fallback cookie cannot be decoded.
var ErrBadCookie = errors.New("malformed session cookie")

// CookieCodec encodes and decodes the session fallback cookie.
type CookieCodec struct {
	Domain string
	Secure bool
}

// Encode returns the fallback cookie for the session. The value carries only
// the bearer token and expiry; the full user record stays in the primary store.
func (c *CookieCodec) Encode(sess *domain.Session) *http.Cookie {
	value := sess.BearerToken + "|" + sess.ExpiresAt.UTC().Format(time.RFC3339)
	return &http.Cookie{
		Name:     CookieName,
		Value:    base64.RawURLEncoding.EncodeToString([]byte(value)),
		Domain:   c.Domain,
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	}
}

// Expire returns the clearing cookie written on Destroy.
func (c *CookieCodec) Expire() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Domain:   c.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	}
}

// Decode reads the fallback cookie back into a partial session (token and
// expiry only). Used when the primary store read has already degraded to
// "no session".
func (c *CookieCodec) Decode(cookie *http.Cookie) (*domain.Session, error) {
	if cookie == nil || cookie.Name != CookieName || cookie.Value == "" {
		return nil, ErrBadCookie
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCookie, err)
	}
	token, expStr, ok := strings.Cut(string(raw), "|")
	if !ok || token == "" {
		return nil, ErrBadCookie
	}
	exp, err := time.Parse(time.RFC3339, expStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCookie, err)
	}
	return &domain.Session{BearerToken: token, ExpiresAt: exp}, nil
}
