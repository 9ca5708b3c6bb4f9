// Package auth resolves bearer tokens to scoped principals for the HTTP API.
// Scopes are resource:access pairs (orch:rw, queue:ro, events:ro,
// status:push) or "*".
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// ScopeAll grants every scope.
const ScopeAll = "*"

// readWriteResources are the resources where rw implies ro. status:push has
// no read counterpart.
var readWriteResources = []string{"orch", "queue", "events"}

var (
	ErrMissingToken = errors.New("missing Authorization header")
	ErrBadScheme    = errors.New("invalid Authorization header format")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. ID is a short fingerprint of the
// token, safe to log.
type Principal struct {
	ID     string
	Scopes map[string]struct{}
}

// Admin is the principal used when no credentials are configured.
var Admin = Principal{ID: "admin", Scopes: map[string]struct{}{ScopeAll: {}}}

// Can reports whether p holds at least one of the required scopes. No
// required scopes always passes.
func (p Principal) Can(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from "Authorization: Bearer <token>".
// The scheme is matched case-insensitively.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrBadScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

type keyEntry struct {
	token  []byte
	scopes map[string]struct{}
}

// Keyring holds the configured credentials. The legacy api_key maps to an
// admin entry.
type Keyring struct {
	entries []keyEntry
}

func NewKeyring(legacyAPIKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if legacyAPIKey != "" {
		k.entries = append(k.entries, keyEntry{
			token:  []byte(legacyAPIKey),
			scopes: map[string]struct{}{ScopeAll: {}},
		})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.entries = append(k.entries, keyEntry{
			token:  []byte(t.Token),
			scopes: normalizeScopes(t.Scopes),
		})
	}
	return k
}

// Enabled is false when no credentials are configured.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.entries) > 0
}

// Authenticate matches a presented token. Every entry is compared so the
// time taken does not depend on which one matched.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if k == nil || presented == "" {
		return Principal{}, false
	}
	var match *keyEntry
	for i := range k.entries {
		e := &k.entries[i]
		if len(e.token) == len(presented) && subtle.ConstantTimeCompare(e.token, []byte(presented)) == 1 && match == nil {
			match = e
		}
	}
	if match == nil {
		return Principal{}, false
	}
	return Principal{ID: Fingerprint(presented), Scopes: match.scopes}, true
}

// Authenticate is a one-shot form of Keyring.Authenticate.
func Authenticate(presented string, legacyAPIKey string, tokens []TokenConfig) (Principal, bool) {
	return NewKeyring(legacyAPIKey, tokens).Authenticate(presented)
}

// Fingerprint is the first 12 hex digits of the token's BLAKE3 hash.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	for _, res := range readWriteResources {
		if _, ok := out[res+":rw"]; ok {
			out[res+":ro"] = struct{}{}
		}
	}
	return out
}
