package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, username string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{Username: username})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTAuthenticatorAcceptsValidToken(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewJWTAuthenticator(secret, []string{"root"})

	username, isAdmin, err := auth.Authenticate(signToken(t, secret, "root"))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if username != "root" || !isAdmin {
		t.Fatalf("got username=%q isAdmin=%v, want root/true", username, isAdmin)
	}

	username, isAdmin, err = auth.Authenticate(signToken(t, secret, "investigator"))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if username != "investigator" || isAdmin {
		t.Fatalf("got username=%q isAdmin=%v, want investigator/false", username, isAdmin)
	}
}

func TestJWTAuthenticatorRejectsWrongSecret(t *testing.T) {
	auth := NewJWTAuthenticator([]byte("real-secret"), nil)
	if _, _, err := auth.Authenticate(signToken(t, []byte("wrong-secret"), "root")); err == nil {
		t.Fatal("expected authentication to fail with the wrong signing secret")
	}
}

func TestStaticTokenAuthenticator(t *testing.T) {
	auth := NewStaticTokenAuthenticator([]string{"tok-abc:svc-account"}, []string{"svc-account"})
	username, isAdmin, err := auth.Authenticate("tok-abc")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if username != "svc-account" || !isAdmin {
		t.Fatalf("got username=%q isAdmin=%v, want svc-account/true", username, isAdmin)
	}
	if _, _, err := auth.Authenticate("unknown-token"); err == nil {
		t.Fatal("expected an unrecognized token to fail")
	}
}

func TestCompositeAuthenticatorTriesEachDelegate(t *testing.T) {
	jwtSecret := []byte("jwt-secret")
	auth := NewCompositeAuthenticator(
		NewJWTAuthenticator(jwtSecret, nil),
		NewStaticTokenAuthenticator([]string{"tok-abc:svc-account"}, nil),
	)

	if _, _, err := auth.Authenticate("tok-abc"); err != nil {
		t.Fatalf("expected the static token delegate to authenticate, got: %v", err)
	}
	if _, _, err := auth.Authenticate(signToken(t, jwtSecret, "root")); err != nil {
		t.Fatalf("expected the jwt delegate to authenticate, got: %v", err)
	}
	if _, _, err := auth.Authenticate("neither-a-jwt-nor-a-token"); err == nil {
		t.Fatal("expected both delegates to fail on an unrecognized credential")
	}
}

func TestWithAuthRejectsMissingBearerToken(t *testing.T) {
	var called bool
	wrapped := withAuth(NewJWTAuthenticator([]byte("s"), nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/clients", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Fatal("expected the wrapped handler not to run when unauthenticated")
	}
}

func TestWithAuthStashesCallerIdentity(t *testing.T) {
	secret := []byte("s")
	var gotCaller string
	var gotAdmin bool
	wrapped := withAuth(NewJWTAuthenticator(secret, []string{"root"}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, _ = callerFrom(r.Context())
		gotAdmin = callerIsAdmin(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/clients", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret, "root"))
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if gotCaller != "root" || !gotAdmin {
		t.Fatalf("got caller=%q admin=%v, want root/true", gotCaller, gotAdmin)
	}
}
