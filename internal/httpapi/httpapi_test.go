package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ytget/potbroker/internal/session"
	"github.com/ytget/potbroker/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *int32) {
	t.Helper()
	var calls int32
	interp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		fmt.Fprintf(w, `function bgAttest(p) { return {integrityToken: "tok-%d", expiresInSeconds: 3600}; }`, n)
	}))
	t.Cleanup(interp.Close)

	mgr, err := session.NewManager(session.Options{TokenTTL: time.Hour, VMTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewServer(mgr), interp, &calls
}

func TestGetPot_ColdRequest(t *testing.T) {
	srv, interp, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"content_binding": "L3KvsX8hJss",
		"challenge":       map[string]interface{}{"interpreter_url": interp.URL, "global_name": "g"},
	})
	req := httptest.NewRequest(http.MethodPost, "/get_pot", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp types.PotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ContentBinding != "L3KvsX8hJss" {
		t.Errorf("unexpected content binding %q", resp.ContentBinding)
	}
	if resp.POToken == "" {
		t.Error("expected non-empty po_token")
	}
}

func TestGetPot_MalformedJSONReturns422WithBodyPrefix(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/get_pot", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	details, ok := body["details"].(map[string]interface{})
	if !ok || details["body"] != "{not json" {
		t.Errorf("expected diagnostic body prefix in details, got %v", body)
	}
}

func TestGetPot_MissingContentBindingReturns400(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{})
	req := httptest.NewRequest(http.MethodPost, "/get_pot", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetPot_DeprecatedFieldReturns4xx(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"visitor_data": "abc", "content_binding": "x"})
	req := httptest.NewRequest(http.MethodPost, "/get_pot", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code < 400 || rec.Code >= 500 {
		t.Fatalf("expected 4xx, got %d", rec.Code)
	}
	var respBody map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &respBody)
	if respBody["category"] != "validation" {
		t.Errorf("expected validation category, got %v", respBody["category"])
	}
}

func TestPing_ReportsUptimeAndVersion(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp types.PingResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Version == "" {
		t.Error("expected non-empty version")
	}
}

func TestInvalidateCaches_Returns204(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/invalidate_caches", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestMinterCache_ListsCanonicalKeys(t *testing.T) {
	srv, interp, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"content_binding": "X",
		"challenge":       map[string]interface{}{"interpreter_url": interp.URL, "global_name": "g"},
	})
	postReq := httptest.NewRequest(http.MethodPost, "/get_pot", bytes.NewReader(body))
	srv.ServeHTTP(httptest.NewRecorder(), postReq)

	req := httptest.NewRequest(http.MethodGet, "/minter_cache", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var keys []string
	json.Unmarshal(rec.Body.Bytes(), &keys)
	if len(keys) != 1 || keys[0] != "default" {
		t.Errorf("expected [\"default\"], got %v", keys)
	}
}
