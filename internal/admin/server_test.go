package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/intentflow/internal/dispatch"
	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/store"
	"github.com/danmuck/intentflow/internal/store/storetest"
	"github.com/danmuck/intentflow/internal/supervisor"
	"github.com/danmuck/intentflow/internal/testutil/testlog"
)

type stubBackend struct {
	*store.Store
	tasks   map[string][]dispatch.Info
	streams []supervisor.StreamInfo
}

func (b stubBackend) Inflight() map[string][]dispatch.Info { return b.tasks }
func (b stubBackend) Streams() []supervisor.StreamInfo     { return b.streams }

func newServer(t *testing.T) (*Server, *store.Store, *storetest.Recorder) {
	t.Helper()
	testlog.Start(t)
	st := store.New()
	rec, unsubscribe := storetest.Attach(st)
	t.Cleanup(unsubscribe)
	backend := stubBackend{
		Store: st,
		tasks: map[string][]dispatch.Info{
			"LOAD": {{ID: "task-1", Kind: "LOAD", Policy: "latest"}},
		},
		streams: []supervisor.StreamInfo{{Channel: "WATCH_START|WATCH_STOP", Updates: 3}},
	}
	return New("127.0.0.1:0", nil, backend, WithLogger(testlog.Logger(t))), st, rec
}

func serve(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode body: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, out
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, _ := newServer(t)
	rr, body := serve(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["service"] != "intentctl" {
		t.Fatalf("unexpected health response: %d %#v", rr.Code, body)
	}

	rr, _ = serve(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "intentflow_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestPostIntentDispatches(t *testing.T) {
	s, st, rec := newServer(t)
	rr, body := serve(t, s, http.MethodPost, "/intents", `{"kind":"LOAD","payload":{"page":2}}`)
	if rr.Code != http.StatusAccepted || body["kind"] != "LOAD" {
		t.Fatalf("unexpected response: %d %#v", rr.Code, body)
	}
	got := rec.OfKind("LOAD")
	if len(got) != 1 {
		t.Fatalf("expected one dispatched intent, got %d", len(got))
	}
	payload, ok := got[0].Payload.(map[string]any)
	if !ok || payload["page"] != float64(2) {
		t.Fatalf("unexpected payload: %#v", got[0].Payload)
	}

	if err := st.Dispatch(intent.StartAction("LOAD")); err != nil {
		t.Fatalf("start: %v", err)
	}
	rr, body = serve(t, s, http.MethodGet, "/progress/LOAD", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	p, _ := body["progress"].(map[string]any)
	if p["in_progress"] != true {
		t.Fatalf("unexpected progress: %#v", body)
	}

	rr, body = serve(t, s, http.MethodGet, "/progress", "")
	ledger, _ := body["progress"].(map[string]any)
	if rr.Code != http.StatusOK || ledger["LOAD"] == nil {
		t.Fatalf("unexpected ledger response: %d %#v", rr.Code, body)
	}
}

func TestPostIntentRejectsInvalid(t *testing.T) {
	s, _, rec := newServer(t)
	cases := []string{
		`{"kind":"  "}`,
		`not json`,
		`{"kind":"@Progress/START_ACTION"}`,
	}
	for _, body := range cases {
		rr, _ := serve(t, s, http.MethodPost, "/intents", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rr.Code)
		}
	}
	if n := len(rec.Entries()); n != 0 {
		t.Fatalf("expected nothing dispatched, got %d", n)
	}
}

func TestUnknownProgressKindIsNotFound(t *testing.T) {
	s, _, _ := newServer(t)
	rr, body := serve(t, s, http.MethodGet, "/progress/NEVER", "")
	if rr.Code != http.StatusNotFound || body["kind"] != "NEVER" {
		t.Fatalf("unexpected response: %d %#v", rr.Code, body)
	}
}

func TestInflightListsTasksAndStreams(t *testing.T) {
	s, _, _ := newServer(t)
	rr, body := serve(t, s, http.MethodGet, "/inflight", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	tasks, _ := body["tasks"].(map[string]any)
	load, _ := tasks["LOAD"].([]any)
	if len(load) != 1 {
		t.Fatalf("unexpected tasks: %#v", body["tasks"])
	}
	streams, _ := body["streams"].([]any)
	if len(streams) != 1 {
		t.Fatalf("unexpected streams: %#v", body["streams"])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _, _ := newServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	s.addr = ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + s.addr + "/health")
		if err == nil {
			_ = resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not stop")
	}
}
