// Package auth gates access to the store server. Clients present one
// credential per connection: a shared API key or an HS256 JWT.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns nil when cfg.StoreAuthMode is none.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.StoreAuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.StoreAPIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.StoreJWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.StoreAuthMode)
	}
}

// CredentialFromRequest reads a bearer Authorization header, falling back
// to the token query parameter for browsers, which cannot set headers on a
// WebSocket handshake.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// Header returns the request header a client sends for credential, or an
// empty header when credential is empty.
func Header(credential string) http.Header {
	h := http.Header{}
	if credential != "" {
		h.Set("Authorization", "Bearer "+credential)
	}
	return h
}

// Check extracts and verifies the credential on r. A nil verifier accepts
// everything.
func Check(v Verifier, r *http.Request) error {
	if v == nil {
		return nil
	}
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return err
	}
	return v.Verify(cred)
}
