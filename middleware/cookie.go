// Package middleware ties the authentication subsystem to the HTTP layer:
// a sealed cookie carrying the visitor's session ID, a handler wrapper that
// loads the session into the request context, and a role gate for protected
// routes.
package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
)

// DefaultCookieName is the default name of the session-id cookie.
const DefaultCookieName = "GDSESS"

// KeySize is the required length of each sealing key.
const KeySize = chacha20poly1305.KeySize

// maxCookieLen bounds how much attacker-supplied cookie data we decode.
const maxCookieLen = 4096

// cookiePayload is what actually lives inside the sealed cookie. Only the
// session ID crosses the wire; tokens and claims stay server-side.
type cookiePayload struct {
	SessionID string    `cbor:"1,keyasint"`
	IssuedAt  time.Time `cbor:"2,keyasint"`
}

// SessionCookie seals the visitor's session ID into a tamper-proof cookie
// using an XChaCha20-Poly1305 AEAD with CBOR payload encoding.
//
// Wire format: [keyID] "." [base64url(nonce || sealed)], with the cookie's
// name, domain, path and secure flag bound in as additional authenticated
// data. keys may hold several keys for rotation; keyID names the one used
// for sealing, all of them open.
type SessionCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	maxAge   time.Duration

	keyID string
	keys  map[string][]byte
}

// CookieOption configures a SessionCookie.
type CookieOption func(*SessionCookie)

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) CookieOption {
	return func(c *SessionCookie) { c.name = name }
}

// WithPath sets the cookie path (default "/").
func WithPath(path string) CookieOption {
	return func(c *SessionCookie) { c.path = path }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) CookieOption {
	return func(c *SessionCookie) { c.domain = domain }
}

// WithSecure toggles the Secure attribute. Defaults to true; disable only
// for plain-HTTP local development.
func WithSecure(secure bool) CookieOption {
	return func(c *SessionCookie) { c.secure = secure }
}

// WithSameSite sets the SameSite attribute. Defaults to Lax, which still
// sends the cookie on the provider's top-level redirect back to us.
func WithSameSite(s http.SameSite) CookieOption {
	return func(c *SessionCookie) { c.sameSite = s }
}

// WithMaxAge sets the cookie lifetime (default 12h, matching the session
// store TTL).
func WithMaxAge(d time.Duration) CookieOption {
	return func(c *SessionCookie) { c.maxAge = d }
}

// NewSessionCookie creates the cookie codec. Every key must be KeySize
// bytes and keyID must name one of them.
func NewSessionCookie(keyID string, keys map[string][]byte, opts ...CookieOption) (*SessionCookie, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one sealing key required")
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("sealing key %q not in key map", keyID)
	}
	for id, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("key %q: need %d bytes, got %d", id, KeySize, len(k))
		}
	}

	c := &SessionCookie{
		name:     DefaultCookieName,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		maxAge:   12 * time.Hour,
		keyID:    keyID,
		keys:     keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.path == "" {
		c.path = "/"
	}
	return c, nil
}

// Name returns the cookie name.
func (c *SessionCookie) Name() string { return c.name }

// aad binds the cookie attributes to the sealed value so a cookie moved to
// a different name or path fails to open.
func (c *SessionCookie) aad() []byte {
	secure := "f"
	if c.secure {
		secure = "t"
	}
	return []byte(c.name + ":" + c.domain + ":" + c.path + ":" + secure)
}

func (c *SessionCookie) aead(keyID string) (cipher.AEAD, []byte, error) {
	key, ok := c.keys[keyID]
	if !ok {
		return nil, nil, ErrCookieInvalid
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	return aead, key, nil
}

// Write seals sessionID into the cookie on the response.
func (c *SessionCookie) Write(w http.ResponseWriter, sessionID string) error {
	plain, err := cbor.Marshal(cookiePayload{SessionID: sessionID, IssuedAt: time.Now()})
	if err != nil {
		return err
	}

	aead, _, err := c.aead(c.keyID)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := aead.Seal(nonce, nonce, plain, c.aad())

	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    c.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   int(c.maxAge.Seconds()),
		Expires:  time.Now().Add(c.maxAge),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	})
	return nil
}

// Read opens the session-id cookie from the request. A missing, malformed
// or tampered cookie yields an error; the caller treats all of these as "no
// session" and issues a fresh one.
func (c *SessionCookie) Read(r *http.Request) (string, error) {
	ck, err := r.Cookie(c.name)
	if err != nil {
		return "", ErrCookieInvalid
	}
	if len(ck.Value) == 0 || len(ck.Value) > maxCookieLen {
		return "", ErrCookieFormat
	}

	keyID, encoded, ok := strings.Cut(ck.Value, ".")
	if !ok || keyID == "" || encoded == "" {
		return "", ErrCookieFormat
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCookieFormat
	}

	aead, _, err := c.aead(keyID)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, c.aad())
	if err != nil {
		return "", ErrCookieInvalid
	}

	var payload cookiePayload
	if err := cbor.Unmarshal(plain, &payload); err != nil {
		return "", ErrCookieInvalid
	}
	if payload.SessionID == "" {
		return "", ErrCookieInvalid
	}
	return payload.SessionID, nil
}

// Clear returns a Set-Cookie that removes the session cookie.
func (c *SessionCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	})
}
