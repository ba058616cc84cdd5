package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const identityKey ctxKey = iota

// Authenticator resolves a bearer token into a username, generalizing the
// teacher's JWTValidator interface (internal/app/httpapi/auth.go) so the
// API Surface can swap validation strategies without touching the router.
type Authenticator interface {
	Authenticate(token string) (username string, isAdmin bool, err error)
}

var errMissingToken = errors.New("httpapi: missing bearer token")

// JWTAuthenticator validates HS256 tokens signed with a shared secret, the
// simplest form of the teacher's SupabaseJWTValidator that fits a
// single-tenant deployment with no external identity provider (spec.md §1
// Non-goals: identity-provider integration is out of scope, but requests
// still need SOME externally-issued credential to resolve a caller).
type JWTAuthenticator struct {
	secret  []byte
	admins  map[string]bool
}

// NewJWTAuthenticator builds a JWTAuthenticator keyed on secret, treating
// any username in adminUsers as holding the ADMIN user type (spec.md §4.8).
func NewJWTAuthenticator(secret []byte, adminUsers []string) *JWTAuthenticator {
	admins := make(map[string]bool, len(adminUsers))
	for _, u := range adminUsers {
		admins[u] = true
	}
	return &JWTAuthenticator{secret: secret, admins: admins}
}

type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

func (a *JWTAuthenticator) Authenticate(token string) (string, bool, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("httpapi: unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", false, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", false, errors.New("httpapi: invalid token")
	}
	username := c.Username
	if username == "" {
		username = c.Subject
	}
	if username == "" {
		return "", false, errors.New("httpapi: token carries no subject")
	}
	return username, a.admins[username], nil
}

// staticTokenAuthenticator recognizes a fixed set of bearer tokens mapped
// to usernames, for service accounts and local development (spec.md §4.8
// "a caller authenticates with either a JWT or a pre-shared API token").
type staticTokenAuthenticator struct {
	tokens map[string]string
	admins map[string]bool
}

// NewStaticTokenAuthenticator parses "token:username" entries (the
// AuthConfig.APITokens wire format) into a lookup table.
func NewStaticTokenAuthenticator(entries []string, adminUsers []string) Authenticator {
	tokens := make(map[string]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, ":", 2)
		if len(parts) != 2 {
			continue
		}
		tokens[parts[0]] = parts[1]
	}
	admins := make(map[string]bool, len(adminUsers))
	for _, u := range adminUsers {
		admins[u] = true
	}
	return &staticTokenAuthenticator{tokens: tokens, admins: admins}
}

func (a *staticTokenAuthenticator) Authenticate(token string) (string, bool, error) {
	username, ok := a.tokens[token]
	if !ok {
		return "", false, errors.New("httpapi: unknown API token")
	}
	return username, a.admins[username], nil
}

// compositeAuthenticator tries each Authenticator in order and succeeds on
// the first match, mirroring the teacher's compositeValidator.
type compositeAuthenticator struct {
	delegates []Authenticator
}

// NewCompositeAuthenticator chains delegates so a request may be
// authenticated by a JWT or a static API token interchangeably.
func NewCompositeAuthenticator(delegates ...Authenticator) Authenticator {
	return &compositeAuthenticator{delegates: delegates}
}

func (a *compositeAuthenticator) Authenticate(token string) (string, bool, error) {
	var lastErr error
	for _, d := range a.delegates {
		username, isAdmin, err := d.Authenticate(token)
		if err == nil {
			return username, isAdmin, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("httpapi: no authenticator configured")
	}
	return "", false, lastErr
}

func extractToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errors.New("httpapi: authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

type isAdminKeyType int

const isAdminKey isAdminKeyType = iota

// withAuth authenticates every request, rejecting unauthenticated ones with
// 401, and stashes the resolved username (and admin bit) on the request
// context for downstream handlers and approval checks to read.
func withAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractToken(r)
			if err != nil {
				unauthorized(w, err)
				return
			}
			username, isAdmin, err := auth.Authenticate(token)
			if err != nil {
				unauthorized(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, username)
			ctx = context.WithValue(ctx, isAdminKey, isAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerIsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(isAdminKey).(bool)
	return v
}
