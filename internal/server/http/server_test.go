package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/raftlog/internal/config"
	"github.com/rzbill/raftlog/internal/runtime"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

func newTestServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Members = map[uint64]string{1: "127.0.0.1:0"}
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	cfg.Raft.ElectionTimeout = cfgpkg.Duration(150 * time.Millisecond)
	cfg.Raft.HeartbeatInterval = cfgpkg.Duration(30 * time.Millisecond)
	cfg.Snapshot.Interval = 0
	cfg.Snapshot.Threshold = 0
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	p, _ := rt.Partition(1)
	deadline := time.Now().Add(5 * time.Second)
	for !p.Node.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("no leader")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return New(rt, logger, "test"), rt
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/v1/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestStatusHandler(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var st struct {
		NodeID     uint64 `json:"nodeId"`
		Version    string `json:"version"`
		Healthy    bool   `json:"healthy"`
		Partitions []struct {
			Partition uint32 `json:"partition"`
			Role      string `json:"role"`
		} `json:"partitions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.NodeID != 1 || st.Version != "test" || !st.Healthy || len(st.Partitions) != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestAppendReadAndLookup(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/v1/partitions/1/records",
		`{"records":[{"key":5,"value":"YQ=="},{"key":6,"value":"Yg=="}]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("append status: %d %s", w.Code, w.Body.String())
	}
	var appended struct {
		Position int64 `json:"position"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &appended); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = do(t, s, http.MethodGet, "/v1/partitions/1/records?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("read status: %d", w.Code)
	}
	var page struct {
		Records []recordView `json:"records"`
		Next    int64        `json:"next"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Records) != 2 || page.Records[0].Position != appended.Position || !page.Records[1].BatchEnd {
		t.Fatalf("page = %+v", page)
	}

	w = do(t, s, http.MethodGet, "/v1/partitions/1/records?filter=key%20%3D%3D%206", "")
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].Key != 6 {
		t.Fatalf("filtered page = %+v", page)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w = do(t, s, http.MethodGet, "/v1/partitions/1/keys/6", "")
		if w.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lookup status: %d", w.Code)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recordView mirrors the fields the tests inspect.
type recordView struct {
	Position int64 `json:"position"`
	Key      int64 `json:"key"`
	BatchEnd bool  `json:"batchEnd"`
}

func TestBadRequests(t *testing.T) {
	s, _ := newTestServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown partition", http.MethodGet, "/v1/partitions/9", "", http.StatusNotFound},
		{"bad partition", http.MethodGet, "/v1/partitions/x", "", http.StatusBadRequest},
		{"bad mode", http.MethodGet, "/v1/partitions/1/records?mode=maybe", "", http.StatusBadRequest},
		{"bad filter", http.MethodGet, "/v1/partitions/1/records?filter=%28%28", "", http.StatusBadRequest},
		{"empty append", http.MethodPost, "/v1/partitions/1/records", `{"records":[]}`, http.StatusBadRequest},
		{"reserved value type", http.MethodPost, "/v1/partitions/1/records", `{"records":[{"valueType":65535}]}`, http.StatusBadRequest},
		{"unknown key", http.MethodGet, "/v1/partitions/1/keys/404", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, s, tc.method, tc.path, tc.body); w.Code != tc.want {
				t.Fatalf("status = %d want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestCompactAndStepDown(t *testing.T) {
	s, rt := newTestServer(t)
	if w := do(t, s, http.MethodPost, "/v1/partitions/1/records", `{"records":[{"key":1,"value":"eA=="}]}`); w.Code != http.StatusCreated {
		t.Fatalf("append status: %d", w.Code)
	}
	p, _ := rt.Partition(1)
	deadline := time.Now().Add(5 * time.Second)
	for p.Manager.Applied() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if w := do(t, s, http.MethodPost, "/v1/partitions/1/compact", ""); w.Code != http.StatusOK {
		t.Fatalf("compact status: %d %s", w.Code, w.Body.String())
	}
	if p.Manager.Stats().LastCompacted == 0 {
		t.Fatal("expected a compaction")
	}
	if w := do(t, s, http.MethodPost, "/v1/partitions/1/step-down", ""); w.Code != http.StatusNoContent {
		t.Fatalf("step-down status: %d", w.Code)
	}
}
