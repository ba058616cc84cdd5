package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleCreateAndGrantApproval(t *testing.T) {
	app, _ := newTestApp(t)
	router := NewRouter(app, NewJWTAuthenticator([]byte("s"), []string{"root"}))

	createBody := `{"type":"CLIENT","subject_id":"C.0000000000000001","reason":"investigating a phishing report"}`
	createReq := httptest.NewRequest(http.MethodPost, "/v1/approvals", strings.NewReader(createBody))
	createReq.Header.Set("Authorization", "Bearer "+signToken(t, []byte("s"), "investigator"))
	createReq.Header.Set("Content-Type", "application/json")
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)

	if createRec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201, body=%s", createRec.Code, createRec.Body.String())
	}
	var created approvalView
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	if created.ID == "" || created.RequestorUsername != "investigator" {
		t.Fatalf("got %+v, want a persisted approval requested by investigator", created)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/approvals?requestor=investigator&type=CLIENT&subject_id=C.0000000000000001", nil)
	listReq.Header.Set("Authorization", "Bearer "+signToken(t, []byte("s"), "investigator"))
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200, body=%s", listRec.Code, listRec.Body.String())
	}
	var listBody struct {
		Approvals []approvalView `json:"approvals"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("unmarshal list response: %v", err)
	}
	if len(listBody.Approvals) != 1 || listBody.Approvals[0].ID != created.ID {
		t.Fatalf("got %+v, want exactly the created approval", listBody.Approvals)
	}

	grantBody := `{"requestor_username":"investigator","type":"CLIENT","subject_id":"C.0000000000000001"}`
	grantReq := httptest.NewRequest(http.MethodPost, "/v1/approvals/"+created.ID+"/grants", strings.NewReader(grantBody))
	grantReq.Header.Set("Authorization", "Bearer "+signToken(t, []byte("s"), "root"))
	grantReq.Header.Set("Content-Type", "application/json")
	grantRec := httptest.NewRecorder()
	router.ServeHTTP(grantRec, grantReq)
	if grantRec.Code != http.StatusOK {
		t.Fatalf("grant status = %d, want 200, body=%s", grantRec.Code, grantRec.Body.String())
	}
}
