package httputils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	res := RequestResult{Result: RegisterInstanceRequestResult{AuthToken: "abcd"}}
	res.Send(w)

	if w.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", w.Code, http.StatusOK)
	}

	var body RegisterInstanceRequestResult
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response body: %s", err)
	}
	if body.AuthToken != "abcd" {
		t.Errorf("got auth token %q, want %q", body.AuthToken, "abcd")
	}
}

func TestSendNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	res := RequestResult{}
	res.Send(w)

	if w.Code != http.StatusNoContent {
		t.Errorf("got status %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}
}

func TestSendError(t *testing.T) {
	w := httptest.NewRecorder()
	res := RequestResult{
		Result: MandelboxAssignRequestResult{Error: "NO_INSTANCE_AVAILABLE"},
		Err:    errors.New("no instance with capacity available"),
	}
	res.Send(w)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var body MandelboxAssignRequestResult
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response body: %s", err)
	}
	if body.Error != "NO_INSTANCE_AVAILABLE" {
		t.Errorf("got error kind %q, want %q", body.Error, "NO_INSTANCE_AVAILABLE")
	}
}

func TestParseRequest(t *testing.T) {
	body := `{"region": "us-east-1", "client_commit_hash": "abc123", "session_id": 42}`
	r := httptest.NewRequest(http.MethodPost, "/mandelbox/assign", strings.NewReader(body))
	w := httptest.NewRecorder()

	var req MandelboxAssignRequest
	if err := ParseRequest(w, r, &req); err != nil {
		t.Fatalf("ParseRequest failed: %s", err)
	}

	if req.Region != "us-east-1" {
		t.Errorf("got region %q, want %q", req.Region, "us-east-1")
	}
	if req.CommitHash != "abc123" {
		t.Errorf("got commit hash %q, want %q", req.CommitHash, "abc123")
	}
	if req.ResultChan == nil {
		t.Error("expected result channel to be created")
	}
}

func TestParseUpgradeRequest(t *testing.T) {
	body := `{"client_version": "v2", "region_to_image_id": {"us-east-1": "B"}}`
	r := httptest.NewRequest(http.MethodPost, "/upgrade", strings.NewReader(body))
	w := httptest.NewRecorder()

	var req UpgradeRequest
	if err := ParseRequest(w, r, &req); err != nil {
		t.Fatalf("ParseRequest failed: %s", err)
	}

	if req.CommitHash != "v2" {
		t.Errorf("got client version %q, want %q", req.CommitHash, "v2")
	}
	if req.RegionImageMap["us-east-1"] != "B" {
		t.Errorf("got image map %v, want us-east-1 mapped to B", req.RegionImageMap)
	}
}

func TestParseRequestMalformedBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mandelbox/assign", strings.NewReader("{not json"))
	w := httptest.NewRecorder()

	var req MandelboxAssignRequest
	if err := ParseRequest(w, r, &req); err == nil {
		t.Fatal("expected an error for a malformed body")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestVerifyRequestType(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/mandelbox/assign", nil)
	w := httptest.NewRecorder()

	if err := VerifyRequestType(w, r, http.MethodPost); err == nil {
		t.Fatal("expected an error for mismatched method")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetAccessToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/upgrade", nil)
	r.Header.Set("Authorization", "Bearer sometoken")

	token, err := GetAccessToken(r)
	if err != nil {
		t.Fatalf("GetAccessToken failed: %s", err)
	}
	if token != "sometoken" {
		t.Errorf("got token %q, want %q", token, "sometoken")
	}

	r = httptest.NewRequest(http.MethodPost, "/upgrade", nil)
	if _, err := GetAccessToken(r); err == nil {
		t.Error("expected an error for a missing bearer token")
	}
}
