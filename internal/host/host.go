// Package host orchestrates the bridge: it owns the supervisors, checks
// permissions and budgets, routes tool calls through the registry, and
// dispatches page-facing messages.
//
// Tool call arguments and results are never persisted or logged here.
// Only tool names and error codes appear in diagnostics.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harborlab/bridge/internal/budget"
	"github.com/harborlab/bridge/internal/buildinfo"
	"github.com/harborlab/bridge/internal/llm"
	"github.com/harborlab/bridge/internal/mcp"
	"github.com/harborlab/bridge/internal/policy"
	"github.com/harborlab/bridge/internal/registry"
	"github.com/harborlab/bridge/internal/runner"
)

// Permission scopes checked by the host.
const (
	ScopeToolsList = "mcp:tools.list"
	ScopeToolsCall = "mcp:tools.call"
)

// ConsentPrompter resolves a missing grant into a consent decision.
// Implementations surface a UI to the user; the host records whatever
// they return. A nil prompter means absent grants always fail with
// ERR_SCOPE_REQUIRED.
type ConsentPrompter interface {
	PromptScope(ctx context.Context, origin, scope string) (policy.GrantKind, error)
}

// Config wires the host's collaborators.
type Config struct {
	Policy    *policy.Store
	Budget    *budget.Tracker
	Registry  *registry.Registry
	Servers   *ServerStore
	Providers *llm.Registry
	Prompter  ConsentPrompter

	// CallTimeout bounds a single forwarded tool call. Zero means 30s.
	CallTimeout time.Duration

	// DefaultRunBudget is the call budget for runs started without an
	// explicit budget. Zero means 25.
	DefaultRunBudget int

	// AllowOnceTTL bounds prompted ALLOW_ONCE grants. Zero means 5m.
	AllowOnceTTL time.Duration

	MaxRestartAttempts int
	LogTailLines       int

	Logger *slog.Logger
}

// Host is the orchestrator at the middle of the bridge.
type Host struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	sups map[string]*runner.Supervisor

	notify chan runner.Status
	done   chan struct{}

	obsMu     sync.Mutex
	observers map[int]chan runner.Status
	nextObs   int
}

// New creates a host and starts its status loop.
func New(cfg Config) *Host {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.DefaultRunBudget <= 0 {
		cfg.DefaultRunBudget = 25
	}
	if cfg.AllowOnceTTL <= 0 {
		cfg.AllowOnceTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Host{
		cfg:       cfg,
		logger:    logger,
		sups:      make(map[string]*runner.Supervisor),
		notify:    make(chan runner.Status, 64),
		done:      make(chan struct{}),
		observers: make(map[int]chan runner.Status),
	}
	go h.statusLoop()
	return h
}

// Hello answers the handshake with bridge build info.
func (h *Host) Hello() map[string]any {
	return map[string]any{
		"bridge_version": buildinfo.Version,
		"build":          buildinfo.Info(),
	}
}

// AddServer stores a new server configuration.
func (h *Host) AddServer(label string, launch runner.LaunchSpec) (Server, *Error) {
	if label == "" {
		return Server{}, Errorf(CodeInvalidParams, "missing or invalid 'label' parameter")
	}
	if launch.Command == "" {
		return Server{}, Errorf(CodeInvalidParams, "missing or invalid 'command' parameter")
	}
	server, err := h.cfg.Servers.Add(label, launch)
	if err != nil {
		return Server{}, AsError(err, CodeInternal)
	}
	h.logger.Info("server added", "server_id", server.ID, "label", label)
	return server, nil
}

// RemoveServer stops and deletes a configured server.
func (h *Host) RemoveServer(ctx context.Context, serverID string) *Error {
	h.mu.Lock()
	sup := h.sups[serverID]
	delete(h.sups, serverID)
	h.mu.Unlock()

	if sup != nil {
		if err := sup.Shutdown(ctx); err != nil {
			h.logger.Warn("shutdown during removal failed", "server_id", serverID, "error", err)
		}
	}
	h.cfg.Registry.DropServer(serverID)

	if err := h.cfg.Servers.Remove(serverID); err != nil {
		if errors.Is(err, ErrServerNotFound) {
			return Errorf(CodeNotFound, "server not found: %s", serverID)
		}
		return AsError(err, CodeInternal)
	}
	h.logger.Info("server removed", "server_id", serverID)
	return nil
}

// ListServers returns all configured servers with runtime status.
func (h *Host) ListServers() ([]Server, *Error) {
	servers, err := h.cfg.Servers.List()
	if err != nil {
		return nil, AsError(err, CodeInternal)
	}
	return servers, nil
}

// ConnectServer launches a configured server and registers its tools.
func (h *Host) ConnectServer(ctx context.Context, serverID string) (mcp.ServerInfo, int, *Error) {
	if _, err := h.cfg.Servers.Get(serverID); err != nil {
		if errors.Is(err, ErrServerNotFound) {
			return mcp.ServerInfo{}, 0, Errorf(CodeNotFound, "server not found: %s", serverID)
		}
		return mcp.ServerInfo{}, 0, AsError(err, CodeInternal)
	}

	sup := h.supervisor(serverID)
	h.cfg.Servers.UpdateStatus(serverID, StatusConnecting, "")

	info, err := sup.Connect(ctx)
	if err != nil {
		h.cfg.Servers.UpdateStatus(serverID, StatusError, err.Error())
		return mcp.ServerInfo{}, 0, AsError(err, CodeServerUnavail)
	}

	tools, err := sup.ListTools(ctx)
	if err != nil {
		h.logger.Warn("tool listing failed after connect", "server_id", serverID, "error", err)
		tools = nil
	}
	h.cfg.Registry.RegisterServer(sup, tools)
	h.cfg.Servers.UpdateStatus(serverID, StatusConnected, "")

	h.logger.Info("server connected",
		"server_id", serverID, "server_name", info.Name, "tools", len(tools))
	return info, len(tools), nil
}

// DisconnectServer stops a server and drops its registry entries.
func (h *Host) DisconnectServer(ctx context.Context, serverID string) *Error {
	h.mu.Lock()
	sup := h.sups[serverID]
	h.mu.Unlock()

	h.cfg.Registry.DropServer(serverID)
	h.cfg.Servers.UpdateStatus(serverID, StatusDisconnected, "")

	if sup == nil {
		return nil
	}
	if err := sup.Disconnect(ctx); err != nil {
		return AsError(err, CodeInternal)
	}
	return nil
}

// ServerSnapshot returns the supervisor's view of one server.
func (h *Host) ServerSnapshot(serverID string) (runner.Info, *Error) {
	h.mu.Lock()
	sup := h.sups[serverID]
	h.mu.Unlock()

	if sup == nil {
		if _, err := h.cfg.Servers.Get(serverID); err != nil {
			return runner.Info{}, Errorf(CodeNotFound, "server not found: %s", serverID)
		}
		return runner.Info{ServerID: serverID, State: runner.StateStopped}, nil
	}
	return sup.Snapshot(), nil
}

// ListTools returns every registered tool, gated by the tools.list
// scope.
func (h *Host) ListTools(ctx context.Context, origin string) ([]*registry.Tool, *Error) {
	if cerr := h.checkScope(ctx, origin, "", ScopeToolsList); cerr != nil {
		return nil, cerr
	}
	return h.cfg.Registry.List(), nil
}

// KnownToolNames returns the registered tools in both their namespaced
// and raw forms, for the text parser.
func (h *Host) KnownToolNames() []registry.Tool {
	tools := h.cfg.Registry.List()
	out := make([]registry.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, *t)
	}
	return out
}

// CallTool runs the full tool-call pipeline for one origin:
// scope grant, allowlist, concurrency slot and run budget, registry
// resolution, then the forwarded call under the per-call timeout.
func (h *Host) CallTool(ctx context.Context, origin, tabID, runID, key string, args map[string]any) (string, *Error) {
	if cerr := h.checkScope(ctx, origin, tabID, ScopeToolsCall); cerr != nil {
		return "", cerr
	}

	allowed, err := h.cfg.Policy.ToolAllowed(origin, key)
	if err != nil {
		return "", AsError(err, CodeInternal)
	}
	if !allowed {
		return "", Errorf(CodeToolNotAllowed, "tool %s is not allowlisted for %s", key, origin)
	}

	if err := h.cfg.Budget.AcquireSlot(origin); err != nil {
		return "", Errorf(CodeRateLimited, "too many concurrent calls for %s", origin)
	}
	defer h.cfg.Budget.ReleaseSlot(origin)

	if runID != "" {
		if cerr := h.consumeBudget(origin, runID); cerr != nil {
			return "", cerr
		}
	}

	tool, err := h.cfg.Registry.Resolve(key)
	if err != nil {
		return "", Errorf(CodeToolNotFound, "unknown tool: %s", key)
	}
	if tool.Supervisor.State() != runner.StateRunning {
		return "", Errorf(CodeServerUnavail, "server %s is not running", tool.ServerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()

	h.logger.Debug("forwarding tool call", "tool", key, "origin", origin)
	result, err := tool.Supervisor.CallTool(callCtx, tool.RawName, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			h.logger.Warn("tool call timed out", "tool", key, "origin", origin)
			return "", Errorf(CodeToolTimeout, "tool %s did not answer within %s", key, h.cfg.CallTimeout)
		}
		h.logger.Warn("tool call failed", "tool", key, "origin", origin, "code", CodeToolFailed)
		return "", &Error{Code: CodeToolFailed, Message: err.Error()}
	}
	return result, nil
}

// consumeBudget decrements the run budget, creating the run with the
// default budget on first sight of its id.
func (h *Host) consumeBudget(origin, runID string) *Error {
	err := h.cfg.Budget.ConsumeCall(origin, runID)
	if errors.Is(err, budget.ErrUnknownRun) {
		h.cfg.Budget.StartRun(origin, runID, h.cfg.DefaultRunBudget)
		err = h.cfg.Budget.ConsumeCall(origin, runID)
	}
	if errors.Is(err, budget.ErrBudgetExceeded) {
		return Errorf(CodeBudgetExceeded, "run %s has no calls remaining", runID)
	}
	if err != nil {
		return AsError(err, CodeInternal)
	}
	return nil
}

// ListResources forwards a resource listing to a running server.
func (h *Host) ListResources(ctx context.Context, serverID string) ([]mcp.ResourceDefinition, *Error) {
	sup, cerr := h.runningSupervisor(serverID)
	if cerr != nil {
		return nil, cerr
	}
	resources, err := sup.ListResources(ctx)
	if err != nil {
		return nil, AsError(err, CodeToolFailed)
	}
	return resources, nil
}

// ListPrompts forwards a prompt listing to a running server.
func (h *Host) ListPrompts(ctx context.Context, serverID string) ([]mcp.PromptDefinition, *Error) {
	sup, cerr := h.runningSupervisor(serverID)
	if cerr != nil {
		return nil, cerr
	}
	prompts, err := sup.ListPrompts(ctx)
	if err != nil {
		return nil, AsError(err, CodeToolFailed)
	}
	return prompts, nil
}

// ReadResource reads a resource from a running server.
func (h *Host) ReadResource(ctx context.Context, serverID, uri string) ([]byte, *Error) {
	sup, cerr := h.runningSupervisor(serverID)
	if cerr != nil {
		return nil, cerr
	}
	raw, err := sup.ReadResource(ctx, uri)
	if err != nil {
		return nil, AsError(err, CodeToolFailed)
	}
	return raw, nil
}

// GetPrompt fetches a rendered prompt from a running server.
func (h *Host) GetPrompt(ctx context.Context, serverID, name string, args map[string]any) ([]byte, *Error) {
	sup, cerr := h.runningSupervisor(serverID)
	if cerr != nil {
		return nil, cerr
	}
	raw, err := sup.GetPrompt(ctx, name, args)
	if err != nil {
		return nil, AsError(err, CodeToolFailed)
	}
	return raw, nil
}

// GrantScope records a consent decision delivered by the extension UI.
func (h *Host) GrantScope(origin, scope string, kind policy.GrantKind, tabID string) *Error {
	switch kind {
	case policy.AllowOnce:
		h.cfg.Policy.SetOnce(origin, scope, tabID, h.cfg.AllowOnceTTL)
	case policy.AllowAlways, policy.Deny:
		if err := h.cfg.Policy.SetDurable(origin, scope, kind); err != nil {
			return AsError(err, CodeInternal)
		}
	default:
		return Errorf(CodeInvalidParams, "unknown grant kind %q", kind)
	}
	return nil
}

// RevokeScope clears all grants for an (origin, scope) pair.
func (h *Host) RevokeScope(origin, scope string) *Error {
	if err := h.cfg.Policy.Revoke(origin, scope); err != nil {
		return AsError(err, CodeInternal)
	}
	return nil
}

// AllowTool adds a tool to an origin's allowlist.
func (h *Host) AllowTool(origin, toolKey string) *Error {
	if err := h.cfg.Policy.AllowTool(origin, toolKey); err != nil {
		return AsError(err, CodeInternal)
	}
	return nil
}

// DisallowTool removes a tool from an origin's allowlist.
func (h *Host) DisallowTool(origin, toolKey string) *Error {
	if err := h.cfg.Policy.RemoveTool(origin, toolKey); err != nil {
		return AsError(err, CodeInternal)
	}
	return nil
}

// StartRun opens a call budget for an agent run.
func (h *Host) StartRun(origin, runID string, calls int) {
	if calls <= 0 {
		calls = h.cfg.DefaultRunBudget
	}
	h.cfg.Budget.StartRun(origin, runID, calls)
}

// EndRun destroys a run's remaining budget.
func (h *Host) EndRun(origin, runID string) {
	h.cfg.Budget.EndRun(origin, runID)
}

// DropTab discards volatile grants tied to a closed tab.
func (h *Host) DropTab(tabID string) {
	h.cfg.Policy.DropTab(tabID)
}

// Subscribe registers an observer for supervisor status transitions.
// The returned cancel function must be called to release it.
func (h *Host) Subscribe() (<-chan runner.Status, func()) {
	ch := make(chan runner.Status, 16)

	h.obsMu.Lock()
	id := h.nextObs
	h.nextObs++
	h.observers[id] = ch
	h.obsMu.Unlock()

	return ch, func() {
		h.obsMu.Lock()
		delete(h.observers, id)
		h.obsMu.Unlock()
	}
}

// Shutdown stops every supervisor and the status loop.
func (h *Host) Shutdown(ctx context.Context) {
	h.mu.Lock()
	sups := make([]*runner.Supervisor, 0, len(h.sups))
	for _, sup := range h.sups {
		sups = append(sups, sup)
	}
	h.sups = make(map[string]*runner.Supervisor)
	h.mu.Unlock()

	for _, sup := range sups {
		if err := sup.Shutdown(ctx); err != nil {
			h.logger.Warn("supervisor shutdown failed", "server_id", sup.ServerID(), "error", err)
		}
	}
	close(h.done)
}

// checkScope resolves the effective grant for (origin, scope), asking
// the consent prompter when no decision exists yet.
func (h *Host) checkScope(ctx context.Context, origin, tabID, scope string) *Error {
	if origin == "" {
		return Errorf(CodeInvalidParams, "missing 'origin' parameter")
	}

	grant, err := h.cfg.Policy.Effective(origin, scope)
	if err != nil {
		return AsError(err, CodeInternal)
	}
	if grant != nil {
		if grant.Kind == policy.Deny {
			return Errorf(CodePermissionDenied, "%s denied for %s", scope, origin)
		}
		return nil
	}

	if h.cfg.Prompter == nil {
		return Errorf(CodeScopeRequired, "%s requires consent for %s", scope, origin)
	}

	kind, err := h.cfg.Prompter.PromptScope(ctx, origin, scope)
	if err != nil {
		return Errorf(CodeScopeRequired, "%s requires consent for %s", scope, origin)
	}
	if cerr := h.GrantScope(origin, scope, kind, tabID); cerr != nil {
		return cerr
	}
	if kind == policy.Deny {
		return Errorf(CodePermissionDenied, "%s denied for %s", scope, origin)
	}
	return nil
}

// supervisor returns the supervisor for a server, creating it lazily.
func (h *Host) supervisor(serverID string) *runner.Supervisor {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sup, ok := h.sups[serverID]; ok {
		return sup
	}
	sup := runner.New(runner.Config{
		ServerID:           serverID,
		Launcher:           h.cfg.Servers,
		MaxRestartAttempts: h.cfg.MaxRestartAttempts,
		LogTailLines:       h.cfg.LogTailLines,
		Notify:             h.notify,
		Logger:             h.logger,
	})
	h.sups[serverID] = sup
	return sup
}

// runningSupervisor fetches a server's supervisor and requires it to be
// running.
func (h *Host) runningSupervisor(serverID string) (*runner.Supervisor, *Error) {
	h.mu.Lock()
	sup := h.sups[serverID]
	h.mu.Unlock()

	if sup == nil || sup.State() != runner.StateRunning {
		return nil, Errorf(CodeServerUnavail, "server %s is not running", serverID)
	}
	return sup, nil
}

// refreshTools reloads a server's tool list into the registry once it
// reaches running. Auto-restart replaces the subprocess after a crash
// dropped the registry entries, and without the refresh the tools would
// stay missing until the next explicit connect.
func (h *Host) refreshTools(serverID string) {
	h.mu.Lock()
	sup := h.sups[serverID]
	h.mu.Unlock()
	if sup == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tools, err := sup.ListTools(ctx)
	if err != nil {
		h.logger.Warn("tool refresh failed", "server_id", serverID, "error", err)
		return
	}
	// The server may have been stopped while the listing was in flight;
	// registering its tools then would resurrect them.
	if sup.State() != runner.StateRunning {
		return
	}
	h.cfg.Registry.RegisterServer(sup, tools)
}

// statusLoop reacts to unsolicited supervisor transitions: crashes and
// disconnects clear the registry and update the server store, connects
// repopulate it, and every event fans out to subscribed observers.
func (h *Host) statusLoop() {
	for {
		select {
		case status := <-h.notify:
			h.handleStatus(status)
		case <-h.done:
			return
		}
	}
}

func (h *Host) handleStatus(status runner.Status) {
	switch status.Status {
	case runner.StatusConnected:
		h.cfg.Servers.UpdateStatus(status.ServerID, StatusConnected, "")
		// The refresh runs off the status loop so a slow server cannot
		// stall other notifications.
		go h.refreshTools(status.ServerID)
	case runner.StatusDisconnected:
		h.cfg.Registry.DropServer(status.ServerID)
		h.cfg.Servers.UpdateStatus(status.ServerID, StatusDisconnected, "")
	case runner.StatusCrashed:
		h.cfg.Registry.DropServer(status.ServerID)
		h.cfg.Servers.UpdateStatus(status.ServerID, StatusError, "server crashed")
	case runner.StatusError:
		h.cfg.Registry.DropServer(status.ServerID)
		msg := "server error"
		if s, ok := status.Data["error"].(string); ok {
			msg = s
		}
		h.cfg.Servers.UpdateStatus(status.ServerID, StatusError, msg)
	}

	h.obsMu.Lock()
	for _, ch := range h.observers {
		select {
		case ch <- status:
		default:
		}
	}
	h.obsMu.Unlock()
}
