package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okapi-sec/okapi/internal/app/appctx"
	domainapproval "github.com/okapi-sec/okapi/internal/app/domain/approval"
	huntdomain "github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
)

// grantHuntAccess creates a standing Approval with an admin grant already
// attached, satisfying CheckHuntAccess's invariant that HUNT checks always
// require an admin grantor regardless of Config.ApproversRequired.
func grantHuntAccess(t *testing.T, a *appctx.App, user string, huntID huntdomain.ID, now time.Time) {
	t.Helper()
	err := a.Approvals.CreateApproval(context.Background(), domainapproval.Approval{
		ID:                "test-hunt-approval-" + string(huntID),
		RequestorUsername: user,
		Type:              domainapproval.TypeHunt,
		SubjectID:         string(huntID),
		Expiration:        now.Add(24 * time.Hour),
		CreatedAt:         now,
		Grants:            []domainapproval.Grant{{GrantorUsername: "root", GrantorIsAdmin: true, Timestamp: now}},
	})
	if err != nil {
		t.Fatalf("grant hunt access: %v", err)
	}
}

func TestHandleCreateHuntPersistsAHunt(t *testing.T) {
	app, _ := newTestApp(t)
	flowengine.Register(echoFlowForAPITests{})

	router := NewRouter(app, NewJWTAuthenticator([]byte("s"), nil))
	body := `{"description":"sweep for a known bad hash","flow_class":"EchoFlowAPITest"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/hunts", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, []byte("s"), "investigator"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	var view huntView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.ID == "" || view.State != string(huntdomain.Started) {
		t.Fatalf("got %+v, want a persisted, started hunt", view)
	}

	stored, err := app.Store.ReadHuntObject(context.Background(), huntdomain.ID(view.ID))
	if err != nil {
		t.Fatalf("read back hunt: %v", err)
	}
	if stored.Creator != "investigator" || stored.Description != "sweep for a known bad hash" {
		t.Fatalf("got %+v, want creator/description to round-trip", stored)
	}
}

func TestHandleStopHuntRequiresHuntApproval(t *testing.T) {
	app, fc := newTestApp(t)
	hu := huntdomain.Hunt{
		ID:        huntdomain.ID("deadbeef"),
		Creator:   "investigator",
		FlowClass: "EchoFlowAPITest",
		State:     huntdomain.Started,
		CreatedAt: fc.Now(),
	}
	if err := app.Store.WriteHuntObject(context.Background(), hu); err != nil {
		t.Fatalf("seed hunt: %v", err)
	}

	router := NewRouter(app, NewJWTAuthenticator([]byte("s"), nil))
	token := "Bearer " + signToken(t, []byte("s"), "investigator")

	// Without a granted Approval, stopping is forbidden.
	req := httptest.NewRequest(http.MethodPost, "/v1/hunts/"+string(hu.ID)+"/stop", nil)
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 before any grant, body=%s", rec.Code, rec.Body.String())
	}

	grantHuntAccess(t, app, "investigator", hu.ID, fc.Now())

	req = httptest.NewRequest(http.MethodPost, "/v1/hunts/"+string(hu.ID)+"/stop", nil)
	req.Header.Set("Authorization", token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after grant, body=%s", rec.Code, rec.Body.String())
	}
	var view huntView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.State != string(huntdomain.Stopped) {
		t.Fatalf("got state %q, want %q", view.State, huntdomain.Stopped)
	}
}
