package debugapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harborlab/bridge/internal/budget"
	"github.com/harborlab/bridge/internal/host"
	"github.com/harborlab/bridge/internal/llm"
	"github.com/harborlab/bridge/internal/policy"
	"github.com/harborlab/bridge/internal/registry"
	"github.com/harborlab/bridge/internal/runner"

	_ "modernc.org/sqlite"
)

func testServer(t *testing.T) (*httptest.Server, *host.Host) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("sql.Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pol, err := policy.NewStoreWithDB(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	servers, err := host.NewServerStoreWithDB(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	providers := llm.NewRegistry(nil)

	h := host.New(host.Config{
		Policy:    pol,
		Budget:    budget.NewTracker(2),
		Registry:  registry.New(),
		Servers:   servers,
		Providers: providers,
	})
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	srv := NewServer(0, h, providers, nil)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, h
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s = %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts, _ := testServer(t)

	var body map[string]string
	if code := getJSON(t, ts.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
	if body["version"] == "" {
		t.Error("healthz missing version")
	}
}

func TestServersEndpoint(t *testing.T) {
	ts, h := testServer(t)

	var body struct {
		Servers []host.Server `json:"servers"`
	}
	if code := getJSON(t, ts.URL+"/v1/servers", &body); code != http.StatusOK {
		t.Fatalf("GET /v1/servers = %d", code)
	}
	if len(body.Servers) != 0 {
		t.Fatalf("servers = %d, want 0", len(body.Servers))
	}

	added, herr := h.AddServer("files", runner.LaunchSpec{Command: "/usr/bin/mcp-files"})
	if herr != nil {
		t.Fatal(herr)
	}

	if code := getJSON(t, ts.URL+"/v1/servers", &body); code != http.StatusOK {
		t.Fatalf("GET /v1/servers = %d", code)
	}
	if len(body.Servers) != 1 || body.Servers[0].ID != added.ID {
		t.Errorf("servers = %+v", body.Servers)
	}

	// The list never includes launch command arguments beyond what the
	// store carries; sanity-check that status is present.
	if body.Servers[0].Status != host.StatusDisconnected {
		t.Errorf("status = %q, want disconnected", body.Servers[0].Status)
	}
}

func TestServerByID(t *testing.T) {
	ts, h := testServer(t)

	if code := getJSON(t, ts.URL+"/v1/servers/ghost", nil); code != http.StatusNotFound {
		t.Errorf("GET unknown server = %d, want 404", code)
	}

	added, herr := h.AddServer("files", runner.LaunchSpec{Command: "/usr/bin/mcp-files"})
	if herr != nil {
		t.Fatal(herr)
	}

	var info runner.Info
	if code := getJSON(t, ts.URL+"/v1/servers/"+added.ID, &info); code != http.StatusOK {
		t.Fatalf("GET /v1/servers/{id} = %d", code)
	}
	if info.State != runner.StateStopped {
		t.Errorf("state = %q, want stopped", info.State)
	}
}

func TestToolsEndpointEmpty(t *testing.T) {
	ts, _ := testServer(t)

	var body struct {
		Tools []toolView `json:"tools"`
	}
	if code := getJSON(t, ts.URL+"/v1/tools", &body); code != http.StatusOK {
		t.Fatalf("GET /v1/tools = %d", code)
	}
	if len(body.Tools) != 0 {
		t.Errorf("tools = %+v, want none", body.Tools)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	ts, _ := testServer(t)

	var body struct {
		Providers []llm.ProviderStatus `json:"providers"`
	}
	if code := getJSON(t, ts.URL+"/v1/providers", &body); code != http.StatusOK {
		t.Fatalf("GET /v1/providers = %d", code)
	}
	if len(body.Providers) != 0 {
		t.Errorf("providers = %+v, want none registered", body.Providers)
	}
}

func TestEventsStreamsStatusTransitions(t *testing.T) {
	ts, h := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial = %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to register its observer.
	time.Sleep(100 * time.Millisecond)

	// A server whose binary does not exist fails to connect, which
	// produces a status transition for the stream.
	added, herr := h.AddServer("broken", runner.LaunchSpec{Command: "/nonexistent/no-such-binary"})
	if herr != nil {
		t.Fatal(herr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, herr := h.ConnectServer(ctx, added.ID); herr == nil {
		t.Fatal("ConnectServer() with broken binary should fail")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// The supervisor's ready notification precedes the failure; read
	// until the error transition arrives.
	var ev statusEvent
	for {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading event = %v", err)
		}
		if ev.Status == runner.StatusError {
			break
		}
	}
	if ev.ServerID != added.ID {
		t.Errorf("event server_id = %q, want %q", ev.ServerID, added.ID)
	}
}
