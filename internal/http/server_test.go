//nolint:hugeParam // test only
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"kvraft/pkg/config"
	"kvraft/pkg/engine"
	"kvraft/pkg/kvop"
	"kvraft/pkg/replication"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// fakeRaftNode implements iRaftNode by applying proposed operations directly
// to the underlying engine, as if they had already gone through consensus.
type fakeRaftNode struct {
	eng *engine.Engine
}

func (n *fakeRaftNode) IsLeader() bool     { return true }
func (n *fakeRaftNode) LeaderAddr() string { return "" }

func (n *fakeRaftNode) Execute(ctx context.Context, op kvop.Operation) (replication.Status, error) {
	if _, err := n.eng.Apply(op); err != nil {
		return replication.Fail(1, err.Error()), nil
	}
	return replication.OK(nil), nil
}

func (n *fakeRaftNode) Handle(ctx context.Context, message raftpb.Message) error { return nil }
func (n *fakeRaftNode) Run(ctx context.Context) error                           { return nil }
func (n *fakeRaftNode) Stop() error                                             { return nil }

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(t.TempDir(), config.Default())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	eng := newTestEngine(t)
	node := &fakeRaftNode{eng: eng}
	s := NewServer(node, eng, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decodeResp(t, rr)
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	eng := newTestEngine(t)
	node := &fakeRaftNode{eng: eng}
	s := NewServer(node, eng, "")

	form := url.Values{}
	form.Set("key", "foo")
	form.Set("value", "bar")
	req := httptest.NewRequest(http.MethodPut, "/api/string", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusSuccess {
		t.Fatalf("put: expected status %s, got %s", StatusSuccess, resp.Status)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil)
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Value != "bar" {
		t.Fatalf("get: expected value 'bar', got '%s'", resp.Value)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api?key=foo", nil)
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp = decodeResp(t, rr); resp.Status != StatusSuccess {
		t.Fatalf("delete: expected status %s, got %s", StatusSuccess, resp.Status)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil)
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	eng := newTestEngine(t)
	node := &fakeRaftNode{eng: eng}
	s := NewServer(node, eng, "")

	req := httptest.NewRequest(http.MethodPut, "/api/string", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/string", nil)
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/api", nil)
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}
