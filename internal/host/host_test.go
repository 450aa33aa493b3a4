package host

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harborlab/bridge/internal/budget"
	"github.com/harborlab/bridge/internal/llm"
	"github.com/harborlab/bridge/internal/policy"
	"github.com/harborlab/bridge/internal/registry"
	"github.com/harborlab/bridge/internal/runner"

	_ "modernc.org/sqlite"
)

// TestMain lets the test binary double as a fake MCP tool server when
// re-exec'd with HARBOR_FAKE_MCP_SERVER set.
func TestMain(m *testing.M) {
	if os.Getenv("HARBOR_FAKE_MCP_SERVER") != "" {
		runFakeServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runFakeServer answers newline-delimited JSON-RPC on stdin/stdout.
// Each request is served on its own goroutine so a slow tool call does
// not block the others.
func runFakeServer() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var outMu sync.Mutex
	reply := func(id int64, result any) {
		resp := map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
		data, _ := json.Marshal(resp)
		outMu.Lock()
		fmt.Println(string(data))
		outMu.Unlock()
	}

	for scanner.Scan() {
		var msg struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		go handleFakeRequest(msg.ID, msg.Method, msg.Params.Name, msg.Params.Arguments, reply)
	}
}

func handleFakeRequest(id int64, method, tool string, args map[string]any, reply func(int64, any)) {
	switch method {
	case "initialize":
		reply(id, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "fake", "version": "1.0"},
			"capabilities":    map[string]any{},
		})
	case "ping":
		reply(id, map[string]any{})
	case "tools/list":
		reply(id, map[string]any{
			"tools": []map[string]any{
				{"name": "echo", "description": "echoes text", "inputSchema": map[string]any{"type": "object"}},
				{"name": "sleep", "description": "never answers in time", "inputSchema": map[string]any{"type": "object"}},
			},
		})
	case "resources/list":
		reply(id, map[string]any{"resources": []any{}})
	case "prompts/list":
		reply(id, map[string]any{"prompts": []any{}})
	case "tools/call":
		switch tool {
		case "echo":
			text, _ := args["text"].(string)
			reply(id, map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
			})
		case "sleep":
			ms, _ := args["ms"].(float64)
			if ms <= 0 {
				ms = 30_000
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
			reply(id, map[string]any{
				"content": []map[string]any{{"type": "text", "text": "slept"}},
			})
		default:
			reply(id, map[string]any{
				"content": []map[string]any{{"type": "text", "text": "unknown tool"}},
				"isError": true,
			})
		}
	}
}

// allowAll is a prompter that always answers ALLOW_ALWAYS and counts
// how often it was asked.
type allowAll struct{ prompts int }

func (p *allowAll) PromptScope(context.Context, string, string) (policy.GrantKind, error) {
	p.prompts++
	return policy.AllowAlways, nil
}

const testOrigin = "https://example.com"

func testHost(t *testing.T, mutate func(*Config)) *Host {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("sql.Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pol, err := policy.NewStoreWithDB(db, nil)
	if err != nil {
		t.Fatalf("policy.NewStoreWithDB() = %v", err)
	}
	servers, err := NewServerStoreWithDB(db, nil)
	if err != nil {
		t.Fatalf("NewServerStoreWithDB() = %v", err)
	}

	cfg := Config{
		Policy:    pol,
		Budget:    budget.NewTracker(2),
		Registry:  registry.New(),
		Servers:   servers,
		Providers: llm.NewRegistry(nil),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := New(cfg)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

// grantAndAllow sets up the usual happy-path policy state for a tool.
func grantAndAllow(t *testing.T, h *Host, toolKey string) {
	t.Helper()
	if err := h.cfg.Policy.SetDurable(testOrigin, ScopeToolsCall, policy.AllowAlways); err != nil {
		t.Fatal(err)
	}
	if err := h.cfg.Policy.AllowTool(testOrigin, toolKey); err != nil {
		t.Fatal(err)
	}
}

// addFakeServer stores a server whose launch spec re-execs this binary
// as the fake MCP server.
func addFakeServer(t *testing.T, h *Host) string {
	t.Helper()
	server, herr := h.AddServer("fake", runner.LaunchSpec{
		Command: os.Args[0],
		Env:     []string{"HARBOR_FAKE_MCP_SERVER=1"},
	})
	if herr != nil {
		t.Fatalf("AddServer() = %v", herr)
	}
	return server.ID
}

func TestCallToolWithoutGrantRequiresScope(t *testing.T) {
	h := testHost(t, nil)

	_, herr := h.CallTool(context.Background(), testOrigin, "", "", "srv/echo", nil)
	if herr == nil || herr.Code != CodeScopeRequired {
		t.Fatalf("CallTool() = %v, want %s", herr, CodeScopeRequired)
	}
}

func TestCallToolDeniedOrigin(t *testing.T) {
	h := testHost(t, nil)
	if err := h.cfg.Policy.SetDurable(testOrigin, ScopeToolsCall, policy.Deny); err != nil {
		t.Fatal(err)
	}

	_, herr := h.CallTool(context.Background(), testOrigin, "", "", "srv/echo", nil)
	if herr == nil || herr.Code != CodePermissionDenied {
		t.Fatalf("CallTool() = %v, want %s", herr, CodePermissionDenied)
	}
}

func TestCallToolPrompterResolvesAbsentGrant(t *testing.T) {
	prompter := &allowAll{}
	h := testHost(t, func(c *Config) { c.Prompter = prompter })
	if err := h.cfg.Policy.AllowTool(testOrigin, "srv/echo"); err != nil {
		t.Fatal(err)
	}

	// The grant resolves via the prompter; the call still fails later in
	// the pipeline because no such tool is registered.
	_, herr := h.CallTool(context.Background(), testOrigin, "", "", "srv/echo", nil)
	if herr == nil || herr.Code != CodeToolNotFound {
		t.Fatalf("CallTool() = %v, want %s", herr, CodeToolNotFound)
	}
	if prompter.prompts != 1 {
		t.Errorf("prompts = %d, want 1", prompter.prompts)
	}

	// ALLOW_ALWAYS was recorded, so the second call must not prompt.
	_, _ = h.CallTool(context.Background(), testOrigin, "", "", "srv/echo", nil)
	if prompter.prompts != 1 {
		t.Errorf("prompts after second call = %d, want 1", prompter.prompts)
	}
}

func TestCallToolNotAllowlisted(t *testing.T) {
	h := testHost(t, nil)
	if err := h.cfg.Policy.SetDurable(testOrigin, ScopeToolsCall, policy.AllowAlways); err != nil {
		t.Fatal(err)
	}

	_, herr := h.CallTool(context.Background(), testOrigin, "", "", "srv/echo", nil)
	if herr == nil || herr.Code != CodeToolNotAllowed {
		t.Fatalf("CallTool() = %v, want %s", herr, CodeToolNotAllowed)
	}
}

func TestCallToolUnknownTool(t *testing.T) {
	h := testHost(t, nil)
	grantAndAllow(t, h, "srv/missing")

	_, herr := h.CallTool(context.Background(), testOrigin, "", "", "srv/missing", nil)
	if herr == nil || herr.Code != CodeToolNotFound {
		t.Fatalf("CallTool() = %v, want %s", herr, CodeToolNotFound)
	}
}

func TestCallToolConcurrencyCap(t *testing.T) {
	h := testHost(t, func(c *Config) { c.Budget = budget.NewTracker(1) })
	grantAndAllow(t, h, "srv/echo")

	// Occupy the single slot directly, as a pending call would.
	if err := h.cfg.Budget.AcquireSlot(testOrigin); err != nil {
		t.Fatal(err)
	}
	defer h.cfg.Budget.ReleaseSlot(testOrigin)

	_, herr := h.CallTool(context.Background(), testOrigin, "", "", "srv/echo", nil)
	if herr == nil || herr.Code != CodeRateLimited {
		t.Fatalf("CallTool() = %v, want %s", herr, CodeRateLimited)
	}
}

func TestCallToolRunBudgetExhaustion(t *testing.T) {
	h := testHost(t, nil)
	grantAndAllow(t, h, "srv/missing")
	h.StartRun(testOrigin, "run-1", 1)

	// First call consumes the only budgeted slot and then fails at
	// resolution. The second is refused before any work happens.
	_, herr := h.CallTool(context.Background(), testOrigin, "", "run-1", "srv/missing", nil)
	if herr == nil || herr.Code != CodeToolNotFound {
		t.Fatalf("first CallTool() = %v, want %s", herr, CodeToolNotFound)
	}

	_, herr = h.CallTool(context.Background(), testOrigin, "", "run-1", "srv/missing", nil)
	if herr == nil || herr.Code != CodeBudgetExceeded {
		t.Fatalf("second CallTool() = %v, want %s", herr, CodeBudgetExceeded)
	}
}

func TestCallToolImplicitRunGetsDefaultBudget(t *testing.T) {
	h := testHost(t, func(c *Config) { c.DefaultRunBudget = 1 })
	grantAndAllow(t, h, "srv/missing")

	// Unknown run id starts a run with the default budget on first use.
	_, herr := h.CallTool(context.Background(), testOrigin, "", "run-x", "srv/missing", nil)
	if herr == nil || herr.Code != CodeToolNotFound {
		t.Fatalf("first CallTool() = %v, want %s", herr, CodeToolNotFound)
	}
	_, herr = h.CallTool(context.Background(), testOrigin, "", "run-x", "srv/missing", nil)
	if herr == nil || herr.Code != CodeBudgetExceeded {
		t.Fatalf("second CallTool() = %v, want %s", herr, CodeBudgetExceeded)
	}
}

func TestListToolsGatedByScope(t *testing.T) {
	h := testHost(t, nil)

	_, herr := h.ListTools(context.Background(), testOrigin)
	if herr == nil || herr.Code != CodeScopeRequired {
		t.Fatalf("ListTools() = %v, want %s", herr, CodeScopeRequired)
	}

	if err := h.cfg.Policy.SetDurable(testOrigin, ScopeToolsList, policy.AllowAlways); err != nil {
		t.Fatal(err)
	}
	tools, herr := h.ListTools(context.Background(), testOrigin)
	if herr != nil {
		t.Fatalf("ListTools() after grant = %v", herr)
	}
	if len(tools) != 0 {
		t.Errorf("ListTools() = %d tools, want 0", len(tools))
	}
}

func TestConnectCallDisconnectThroughHost(t *testing.T) {
	h := testHost(t, nil)
	serverID := addFakeServer(t, h)
	grantAndAllow(t, h, serverID+"/echo")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	info, toolCount, herr := h.ConnectServer(ctx, serverID)
	if herr != nil {
		t.Fatalf("ConnectServer() = %v", herr)
	}
	if info.Name != "fake" || toolCount != 2 {
		t.Errorf("ConnectServer() = %+v with %d tools", info, toolCount)
	}

	out, herr := h.CallTool(ctx, testOrigin, "", "", serverID+"/echo", map[string]any{"text": "hi"})
	if herr != nil {
		t.Fatalf("CallTool() = %v", herr)
	}
	if out != "hi" {
		t.Errorf("CallTool() = %q, want hi", out)
	}

	if herr := h.DisconnectServer(ctx, serverID); herr != nil {
		t.Fatalf("DisconnectServer() = %v", herr)
	}

	// After disconnect the tool is gone from the registry.
	_, herr = h.CallTool(ctx, testOrigin, "", "", serverID+"/echo", nil)
	if herr == nil || herr.Code != CodeToolNotFound {
		t.Errorf("CallTool() after disconnect = %v, want %s", herr, CodeToolNotFound)
	}
}

func TestCallToolTimeout(t *testing.T) {
	h := testHost(t, func(c *Config) { c.CallTimeout = 300 * time.Millisecond })
	serverID := addFakeServer(t, h)
	grantAndAllow(t, h, serverID+"/sleep")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, _, herr := h.ConnectServer(ctx, serverID); herr != nil {
		t.Fatalf("ConnectServer() = %v", herr)
	}

	_, herr := h.CallTool(ctx, testOrigin, "", "", serverID+"/sleep", nil)
	if herr == nil || herr.Code != CodeToolTimeout {
		t.Fatalf("CallTool(sleep) = %v, want %s", herr, CodeToolTimeout)
	}

	// The subprocess outlived the deadline; a later call on the same
	// server still works once the slow one is abandoned.
	grantAndAllow(t, h, serverID+"/echo")
	out, herr := h.CallTool(ctx, testOrigin, "", "", serverID+"/echo", map[string]any{"text": "ok"})
	if herr != nil {
		t.Fatalf("CallTool(echo) after timeout = %v", herr)
	}
	if out != "ok" {
		t.Errorf("CallTool(echo) = %q, want ok", out)
	}
}

func TestToolsSurviveAutoRestart(t *testing.T) {
	h := testHost(t, nil)
	serverID := addFakeServer(t, h)
	grantAndAllow(t, h, serverID+"/echo")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, _, herr := h.ConnectServer(ctx, serverID); herr != nil {
		t.Fatalf("ConnectServer() = %v", herr)
	}

	snap, herr := h.ServerSnapshot(serverID)
	if herr != nil {
		t.Fatal(herr)
	}
	proc, err := os.FindProcess(snap.PID)
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatal(err)
	}

	// The supervisor restarts the server on its own.
	deadline := time.Now().Add(10 * time.Second)
	for {
		snap, herr = h.ServerSnapshot(serverID)
		if herr == nil && snap.RestartCount > 0 && snap.State == runner.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no restart observed: state %s, restarts %d", snap.State, snap.RestartCount)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The registry refresh is asynchronous; the tool must come back
	// without another explicit connect.
	for {
		out, herr := h.CallTool(ctx, testOrigin, "", "", serverID+"/echo", map[string]any{"text": "back"})
		if herr == nil {
			if out != "back" {
				t.Fatalf("CallTool() after restart = %q, want back", out)
			}
			return
		}
		if herr.Code != CodeToolNotFound && herr.Code != CodeServerUnavail {
			t.Fatalf("CallTool() after restart = %v", herr)
		}
		if time.Now().After(deadline) {
			t.Fatalf("tool never reappeared after restart: %v", herr)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLateResponseToAbandonedCallIsDiscarded(t *testing.T) {
	h := testHost(t, func(c *Config) { c.CallTimeout = 100 * time.Millisecond })
	serverID := addFakeServer(t, h)
	grantAndAllow(t, h, serverID+"/sleep")
	grantAndAllow(t, h, serverID+"/echo")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, _, herr := h.ConnectServer(ctx, serverID); herr != nil {
		t.Fatalf("ConnectServer() = %v", herr)
	}

	_, herr := h.CallTool(ctx, testOrigin, "", "", serverID+"/sleep", map[string]any{"ms": 400})
	if herr == nil || herr.Code != CodeToolTimeout {
		t.Fatalf("CallTool(sleep) = %v, want %s", herr, CodeToolTimeout)
	}

	// Let the abandoned call's response reach the transport first, then
	// make sure it is not handed to the next caller.
	time.Sleep(600 * time.Millisecond)

	out, herr := h.CallTool(ctx, testOrigin, "", "", serverID+"/echo", map[string]any{"text": "fresh"})
	if herr != nil {
		t.Fatalf("CallTool(echo) = %v", herr)
	}
	if out != "fresh" {
		t.Errorf("CallTool(echo) = %q, want fresh", out)
	}
}

func TestConnectUnknownServer(t *testing.T) {
	h := testHost(t, nil)

	_, _, herr := h.ConnectServer(context.Background(), "no-such-id")
	if herr == nil || herr.Code != CodeNotFound {
		t.Fatalf("ConnectServer() = %v, want %s", herr, CodeNotFound)
	}
}

func TestRemoveServerDropsTools(t *testing.T) {
	h := testHost(t, nil)
	serverID := addFakeServer(t, h)
	grantAndAllow(t, h, serverID+"/echo")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, _, herr := h.ConnectServer(ctx, serverID); herr != nil {
		t.Fatalf("ConnectServer() = %v", herr)
	}
	if herr := h.RemoveServer(ctx, serverID); herr != nil {
		t.Fatalf("RemoveServer() = %v", herr)
	}

	servers, herr := h.ListServers()
	if herr != nil {
		t.Fatal(herr)
	}
	if len(servers) != 0 {
		t.Errorf("ListServers() after removal = %d, want 0", len(servers))
	}
	_, herr = h.CallTool(ctx, testOrigin, "", "", serverID+"/echo", nil)
	if herr == nil || herr.Code != CodeToolNotFound {
		t.Errorf("CallTool() after removal = %v, want %s", herr, CodeToolNotFound)
	}
}

func TestSubscribeObservesStatusTransitions(t *testing.T) {
	h := testHost(t, nil)
	serverID := addFakeServer(t, h)

	events, cancelSub := h.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, _, herr := h.ConnectServer(ctx, serverID); herr != nil {
		t.Fatalf("ConnectServer() = %v", herr)
	}

	select {
	case st := <-events:
		if st.ServerID != serverID {
			t.Errorf("event for %q, want %q", st.ServerID, serverID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no status event observed after connect")
	}
}

func TestGrantScopeOnceExpires(t *testing.T) {
	h := testHost(t, func(c *Config) { c.AllowOnceTTL = 50 * time.Millisecond })

	if herr := h.GrantScope(testOrigin, ScopeToolsList, policy.AllowOnce, "tab-1"); herr != nil {
		t.Fatalf("GrantScope() = %v", herr)
	}
	if _, herr := h.ListTools(context.Background(), testOrigin); herr != nil {
		t.Fatalf("ListTools() under fresh grant = %v", herr)
	}

	time.Sleep(100 * time.Millisecond)
	_, herr := h.ListTools(context.Background(), testOrigin)
	if herr == nil || herr.Code != CodeScopeRequired {
		t.Errorf("ListTools() after TTL = %v, want %s", herr, CodeScopeRequired)
	}
}

func TestTabClosedDropsVolatileGrant(t *testing.T) {
	h := testHost(t, nil)

	if herr := h.GrantScope(testOrigin, ScopeToolsList, policy.AllowOnce, "tab-9"); herr != nil {
		t.Fatalf("GrantScope() = %v", herr)
	}
	h.DropTab("tab-9")

	_, herr := h.ListTools(context.Background(), testOrigin)
	if herr == nil || herr.Code != CodeScopeRequired {
		t.Errorf("ListTools() after tab close = %v, want %s", herr, CodeScopeRequired)
	}
}
