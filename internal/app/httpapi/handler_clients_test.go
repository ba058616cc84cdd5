package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okapi-sec/okapi/internal/app/appctx"
	"github.com/okapi-sec/okapi/internal/app/approval"
	"github.com/okapi-sec/okapi/internal/app/blobstore"
	"github.com/okapi-sec/okapi/internal/app/cipher"
	"github.com/okapi-sec/okapi/internal/app/clock"
	domainapproval "github.com/okapi-sec/okapi/internal/app/domain/approval"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
	"github.com/okapi-sec/okapi/internal/app/hunt"
	"github.com/okapi-sec/okapi/internal/app/storage/memory"
	"github.com/okapi-sec/okapi/internal/app/system"
	"github.com/okapi-sec/okapi/pkg/config"
	"github.com/okapi-sec/okapi/pkg/logger"
)

// newTestApp builds an appctx.App entirely in memory, avoiding the disk
// writes appctx.New performs for the server's persisted Cipher Layer key,
// so handler tests never touch the filesystem.
func newTestApp(t *testing.T) (*appctx.App, *clock.Fake) {
	t.Helper()
	store := memory.New()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	keys := cipher.NewMemoryKeyStore(priv, "okapi-test")
	cipherLayer, err := cipher.New(keys, fc.Now)
	if err != nil {
		t.Fatalf("new cipher layer: %v", err)
	}

	cfg := config.New()
	// ApproversRequired is 0 here so a bare CreateApproval (no Grants) is
	// already Valid, letting tests authorize a caller without separately
	// exercising the grant flow covered by handler_approvals_test.go.
	approvals, err := approval.New(store, stubAdmins{}, fc, approval.Config{ApproversRequired: 0, RestrictedFlowClasses: map[string]bool{}}, nil)
	if err != nil {
		t.Fatalf("new approval subsystem: %v", err)
	}

	return &appctx.App{
		Config:    cfg,
		Log:       logger.NewDefault("test"),
		Clock:     fc,
		Store:     store,
		Blobs:     blobstore.New(blobstore.NewMemoryBackend()),
		Cipher:    cipherLayer,
		KeyStore:  keys,
		Approvals: approvals,
		Foreman:   hunt.New(hunt.Config{Store: store, Clock: fc}),
		Manager:   system.NewManager(),
	}, fc
}

type stubAdmins struct{}

func (stubAdmins) IsAdmin(_ context.Context, _ string) (bool, error) { return true, nil }

var _ approval.UserLookup = stubAdmins{}

// grantClientAccess creates a standing Approval authorizing user against a
// client subject, so CheckClientAccess passes without exercising the
// create/grant HTTP endpoints in this test.
func grantClientAccess(t *testing.T, a *appctx.App, user string, id client.ID, fc *clock.Fake) {
	t.Helper()
	err := a.Approvals.CreateApproval(context.Background(), domainapproval.Approval{
		ID:                "test-approval-" + id.String(),
		RequestorUsername: user,
		Type:              domainapproval.TypeClient,
		SubjectID:         id.String(),
		Expiration:        fc.Now().Add(24 * time.Hour),
		CreatedAt:         fc.Now(),
	})
	if err != nil {
		t.Fatalf("grant client access: %v", err)
	}
}

func seedTestClients(t *testing.T, a *appctx.App, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		c := client.Client{ID: client.ID(i + 1), KnowledgeBase: client.KnowledgeBase{OS: "linux"}}
		if err := a.Store.WriteClientMetadata(context.Background(), c); err != nil {
			t.Fatalf("seed client %d: %v", i, err)
		}
	}
}

func TestHandleListClientsReturnsEveryEnrolledClient(t *testing.T) {
	app, _ := newTestApp(t)
	seedTestClients(t, app, 3)

	router := NewRouter(app, NewJWTAuthenticator([]byte("s"), []string{"root"}))
	req := httptest.NewRequest(http.MethodGet, "/v1/clients", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, []byte("s"), "root"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Clients []clientView `json:"clients"`
		Total   int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Total != 3 || len(body.Clients) != 3 {
		t.Fatalf("got %d clients (total=%d), want 3", len(body.Clients), body.Total)
	}
}

func TestHandleListClientsSearchesByKeyword(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()
	c := client.Client{ID: client.ID(42), KnowledgeBase: client.KnowledgeBase{OS: "linux", Hostname: "db-01"}}
	if err := app.Store.WriteClientMetadata(ctx, c); err != nil {
		t.Fatalf("write client: %v", err)
	}
	if err := app.Store.IndexClientKeywords(ctx, c.ID, []string{"db-01", "linux"}); err != nil {
		t.Fatalf("index keywords: %v", err)
	}

	router := NewRouter(app, NewJWTAuthenticator([]byte("s"), nil))
	req := httptest.NewRequest(http.MethodGet, "/v1/clients?q=db-01", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, []byte("s"), "investigator"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Clients []clientView `json:"clients"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Clients) != 1 || body.Clients[0].ID != c.ID.String() {
		t.Fatalf("got %+v, want one match for %s", body.Clients, c.ID)
	}
}

func TestHandleGetClientRequiresAuth(t *testing.T) {
	app, _ := newTestApp(t)
	seedTestClients(t, app, 1)

	router := NewRouter(app, NewJWTAuthenticator([]byte("s"), nil))
	req := httptest.NewRequest(http.MethodGet, "/v1/clients/"+client.ID(1).String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleStartFlowLaunchesRegisteredFlowClass(t *testing.T) {
	app, fc := newTestApp(t)
	seedTestClients(t, app, 1)
	grantClientAccess(t, app, "investigator", client.ID(1), fc)
	flowengine.Register(echoFlowForAPITests{})

	router := NewRouter(app, NewJWTAuthenticator([]byte("s"), nil))
	body := `{"flow_class":"EchoFlowAPITest"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/clients/"+client.ID(1).String()+"/flows", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, []byte("s"), "investigator"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	var resp startFlowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.FlowID == "" {
		t.Fatal("expected a non-empty flow_id")
	}
}

// echoFlowForAPITests is a minimal one-state FlowClass registered only for
// this test file's launch-endpoint coverage.
type echoFlowForAPITests struct{}

func (echoFlowForAPITests) Name() string { return "EchoFlowAPITest" }
func (echoFlowForAPITests) NewArgs() any { return &struct{}{} }
func (echoFlowForAPITests) States() map[string]flowengine.StateFunc {
	return map[string]flowengine.StateFunc{
		"Start": func(fc *flowengine.FlowContext, _ []flow.Response) (flowengine.Outcome, error) {
			fc.Terminate(nil)
			return flowengine.Outcome{Terminated: true}, nil
		},
	}
}
