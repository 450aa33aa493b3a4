// Package runner supervises one tool server subprocess per Supervisor.
//
// A supervisor is a single-threaded, message-driven loop: every public
// operation becomes a Command on its channel and is answered by a
// Response with the same id. The subprocess itself is owned through the
// mcp stdio transport; an exit monitor injects a crash command when the
// process dies unexpectedly, which drives bounded auto-restart and the
// terminal ERROR state. Nothing here is shared across supervisors, so a
// crashing or hanging server can never corrupt its siblings.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harborlab/bridge/internal/mcp"
)

// State is a supervisor's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateError    State = "error" // terminal until an explicit connect
)

// ErrNotRunning is returned for protocol operations against a supervisor
// whose server is not in the running state.
var ErrNotRunning = errors.New("runner: server is not running")

// ErrShutdown is returned for operations against a supervisor that has
// been shut down.
var ErrShutdown = errors.New("runner: supervisor is shut down")

// LaunchSpec is a resolved server command. How a server id becomes a
// runnable command is the installer's concern, not this package's.
type LaunchSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Launcher resolves a server id into something executable.
type Launcher interface {
	Resolve(ctx context.Context, serverID string) (LaunchSpec, error)
}

// Config configures one supervisor.
type Config struct {
	ServerID string
	Launcher Launcher

	// MaxRestartAttempts bounds automatic restarts after a crash before
	// the supervisor parks in the terminal error state. Zero means 3.
	MaxRestartAttempts int

	// LogTailLines caps the retained stderr tail. Zero means 50.
	LogTailLines int

	// Notify, if non-nil, receives unsolicited status transitions. Sends
	// never block; a full channel drops the notification.
	Notify chan<- Status

	Logger *slog.Logger
}

// Info is a point-in-time snapshot of a supervised server.
type Info struct {
	ServerID      string    `json:"server_id"`
	State         State     `json:"state"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	StoppedAt     time.Time `json:"stopped_at,omitzero"`
	ExitCode      int       `json:"exit_code,omitempty"`
	RestartCount  int       `json:"restart_count,omitempty"`
	RecentLogTail []string  `json:"recent_log_tail,omitempty"`

	Server mcp.ServerInfo `json:"server,omitzero"`
}

// Supervisor owns exactly one tool server.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	commands chan *Command

	mu        sync.Mutex
	state     State
	client    *mcp.Client
	info      mcp.ServerInfo
	startedAt time.Time
	stoppedAt time.Time
	exitCode  int
	restarts  int
	lastTail  []string
	closed    bool
}

// New creates a supervisor and starts its command loop. The server
// subprocess is not launched until a connect command.
func New(cfg Config) *Supervisor {
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = 3
	}
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With("server_id", cfg.ServerID),
		commands: make(chan *Command, 16),
		state:    StateStopped,
	}
	go s.loop()
	s.notify(StatusReady, nil)
	return s
}

// ServerID returns the id of the supervised server.
func (s *Supervisor) ServerID() string {
	return s.cfg.ServerID
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the supervisor's observable state.
func (s *Supervisor) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ServerID:     s.cfg.ServerID,
		State:        s.state,
		StartedAt:    s.startedAt,
		StoppedAt:    s.stoppedAt,
		ExitCode:     s.exitCode,
		RestartCount: s.restarts,
		Server:       s.info,
	}
	if s.client != nil {
		info.PID = s.client.Transport().PID()
		info.RecentLogTail = s.client.Transport().LogTail()
	} else {
		info.RecentLogTail = s.lastTail
	}
	return info
}

// do submits a command and waits for its response or context expiry.
func (s *Supervisor) do(ctx context.Context, cmd *Command) (Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Response{}, ErrShutdown
	}
	s.mu.Unlock()

	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-cmd.reply:
		if !resp.Success {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Connect launches the server (idempotent while running) and returns its
// handshake info.
func (s *Supervisor) Connect(ctx context.Context) (mcp.ServerInfo, error) {
	resp, err := s.do(ctx, newCommand(ctx, CmdConnect))
	if err != nil {
		return mcp.ServerInfo{}, err
	}
	info, _ := resp.Data.(mcp.ServerInfo)
	return info, nil
}

// Disconnect stops the server subprocess.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	_, err := s.do(ctx, newCommand(ctx, CmdDisconnect))
	return err
}

// ListTools fetches the server's tool definitions.
func (s *Supervisor) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	resp, err := s.do(ctx, newCommand(ctx, CmdListTools))
	if err != nil {
		return nil, err
	}
	tools, _ := resp.Data.([]mcp.ToolDefinition)
	return tools, nil
}

// ListResources fetches the server's resource definitions.
func (s *Supervisor) ListResources(ctx context.Context) ([]mcp.ResourceDefinition, error) {
	resp, err := s.do(ctx, newCommand(ctx, CmdListResources))
	if err != nil {
		return nil, err
	}
	resources, _ := resp.Data.([]mcp.ResourceDefinition)
	return resources, nil
}

// ListPrompts fetches the server's prompt definitions.
func (s *Supervisor) ListPrompts(ctx context.Context) ([]mcp.PromptDefinition, error) {
	resp, err := s.do(ctx, newCommand(ctx, CmdListPrompts))
	if err != nil {
		return nil, err
	}
	prompts, _ := resp.Data.([]mcp.PromptDefinition)
	return prompts, nil
}

// CallTool invokes a tool by its raw name.
func (s *Supervisor) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	cmd := newCommand(ctx, CmdCallTool)
	cmd.ToolName = name
	cmd.Args = args
	resp, err := s.do(ctx, cmd)
	if err != nil {
		return "", err
	}
	text, _ := resp.Data.(string)
	return text, nil
}

// ReadResource reads a resource by URI.
func (s *Supervisor) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	cmd := newCommand(ctx, CmdReadResource)
	cmd.URI = uri
	resp, err := s.do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	raw, _ := resp.Data.(json.RawMessage)
	return raw, nil
}

// GetPrompt fetches a rendered prompt by name.
func (s *Supervisor) GetPrompt(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	cmd := newCommand(ctx, CmdGetPrompt)
	cmd.PromptName = name
	cmd.Args = args
	resp, err := s.do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	raw, _ := resp.Data.(json.RawMessage)
	return raw, nil
}

// Shutdown stops the server and permanently retires the supervisor.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	_, err := s.do(ctx, newCommand(ctx, CmdShutdown))
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}

// loop is the supervisor's single-threaded dispatch loop. All state
// transitions happen here (or, for the few fields read by snapshots,
// under s.mu).
func (s *Supervisor) loop() {
	for cmd := range s.commands {
		resp := s.handle(cmd)
		resp.ID = cmd.ID
		resp.Type = cmd.Type
		if cmd.reply != nil {
			cmd.reply <- resp
		}
		if cmd.Type == CmdShutdown {
			return
		}
	}
}

func (s *Supervisor) handle(cmd *Command) Response {
	switch cmd.Type {
	case CmdConnect:
		return s.handleConnect(cmd.ctx)
	case CmdDisconnect:
		return s.handleDisconnect()
	case CmdListTools:
		return s.withClient(cmd, func(c *mcp.Client) (any, error) {
			return c.ListTools(cmd.ctx)
		})
	case CmdListResources:
		return s.withClient(cmd, func(c *mcp.Client) (any, error) {
			return c.ListResources(cmd.ctx)
		})
	case CmdListPrompts:
		return s.withClient(cmd, func(c *mcp.Client) (any, error) {
			return c.ListPrompts(cmd.ctx)
		})
	case CmdCallTool:
		return s.withClient(cmd, func(c *mcp.Client) (any, error) {
			return c.CallTool(cmd.ctx, cmd.ToolName, cmd.Args)
		})
	case CmdReadResource:
		return s.withClient(cmd, func(c *mcp.Client) (any, error) {
			return c.ReadResource(cmd.ctx, cmd.URI)
		})
	case CmdGetPrompt:
		return s.withClient(cmd, func(c *mcp.Client) (any, error) {
			return c.GetPrompt(cmd.ctx, cmd.PromptName, cmd.Args)
		})
	case CmdShutdown:
		return s.handleShutdown()
	case cmdCrashExit:
		return s.handleCrashExit()
	default:
		return Response{Error: fmt.Sprintf("unknown command type %q", cmd.Type)}
	}
}

// withClient runs a protocol operation against the running client.
func (s *Supervisor) withClient(cmd *Command, fn func(*mcp.Client) (any, error)) Response {
	s.mu.Lock()
	client := s.client
	state := s.state
	s.mu.Unlock()

	if state != StateRunning || client == nil {
		return Response{Error: ErrNotRunning.Error()}
	}

	data, err := fn(client)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{Success: true, Data: data}
}

// handleConnect launches and initializes the server. Connecting while
// running returns the existing handshake info without reconnecting. An
// explicit connect also clears the restart counter, which is what lets a
// caller retry out of the terminal error state.
func (s *Supervisor) handleConnect(ctx context.Context) Response {
	s.mu.Lock()
	if s.state == StateRunning {
		info := s.info
		s.mu.Unlock()
		return Response{Success: true, Data: info}
	}
	s.restarts = 0
	s.state = StateStarting
	s.mu.Unlock()

	info, err := s.connectOnce(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		s.notify(StatusError, map[string]any{"error": err.Error()})
		return Response{Error: err.Error()}
	}

	s.notify(StatusConnected, map[string]any{"server_name": info.Name})
	return Response{Success: true, Data: info}
}

// connectOnce resolves the launch spec, spawns the subprocess, performs
// the handshake, and installs the exit monitor.
func (s *Supervisor) connectOnce(ctx context.Context) (mcp.ServerInfo, error) {
	spec, err := s.cfg.Launcher.Resolve(ctx, s.cfg.ServerID)
	if err != nil {
		return mcp.ServerInfo{}, fmt.Errorf("resolve launch command: %w", err)
	}

	transport := mcp.NewStdioTransport(mcp.StdioConfig{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		LogTail: mcp.NewLogRing(s.cfg.LogTailLines),
		Logger:  s.logger,
	})
	client := mcp.NewClient(s.cfg.ServerID, transport, s.logger)

	if err := transport.Start(ctx); err != nil {
		return mcp.ServerInfo{}, err
	}

	info, err := client.Initialize(ctx)
	if err != nil {
		_ = transport.Close()
		return mcp.ServerInfo{}, fmt.Errorf("handshake: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.info = info
	s.state = StateRunning
	s.startedAt = time.Now()
	s.stoppedAt = time.Time{}
	s.exitCode = 0
	s.mu.Unlock()

	go s.monitorExit(client)

	return info, nil
}

// monitorExit injects a crash command when the subprocess exits outside
// an orderly stop. It runs once per launched process.
func (s *Supervisor) monitorExit(client *mcp.Client) {
	<-client.Transport().Exited()

	s.mu.Lock()
	if s.client != client {
		// A newer process replaced this one; nothing to report.
		s.mu.Unlock()
		return
	}
	expected := s.state == StateStopping || s.closed
	s.mu.Unlock()
	if expected {
		return
	}

	cmd := &Command{ID: "crash:" + s.cfg.ServerID, Type: cmdCrashExit, ctx: context.Background()}
	select {
	case s.commands <- cmd:
	default:
		// Loop is saturated; the next command will observe the dead
		// client and fail cleanly.
		s.logger.Warn("dropping crash notification, command queue full")
	}
}

// handleCrashExit records the crash and drives bounded auto-restart.
func (s *Supervisor) handleCrashExit() Response {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		return Response{Success: true}
	}

	status := s.client.Transport().ExitStatus()
	s.lastTail = s.client.Transport().LogTail()
	s.exitCode = status.Code
	s.stoppedAt = time.Now()
	s.state = StateCrashed
	s.client = nil
	s.mu.Unlock()

	s.logger.Warn("tool server crashed", "exit_code", status.Code)
	s.notify(StatusCrashed, map[string]any{"exit_code": status.Code})

	// Bounded restart: each attempt consumes budget whether or not the
	// relaunch itself succeeds, so a fast crash loop terminates.
	for {
		s.mu.Lock()
		if s.restarts >= s.cfg.MaxRestartAttempts {
			s.state = StateError
			s.mu.Unlock()
			s.logger.Error("restart attempts exhausted, entering terminal error state",
				"attempts", s.cfg.MaxRestartAttempts)
			s.notify(StatusError, map[string]any{
				"error": fmt.Sprintf("crashed %d times, giving up", s.cfg.MaxRestartAttempts),
			})
			return Response{Success: true}
		}
		s.restarts++
		attempt := s.restarts
		s.state = StateStarting
		s.mu.Unlock()

		s.logger.Info("auto-restarting tool server",
			"attempt", attempt, "max", s.cfg.MaxRestartAttempts)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		info, err := s.connectOnce(ctx)
		cancel()
		if err == nil {
			s.notify(StatusConnected, map[string]any{
				"server_name": info.Name,
				"restarted":   true,
			})
			return Response{Success: true}
		}
		s.logger.Warn("restart attempt failed", "attempt", attempt, "error", err)
	}
}

// handleDisconnect stops the subprocess and parks the supervisor.
func (s *Supervisor) handleDisconnect() Response {
	s.mu.Lock()
	client := s.client
	if client == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return Response{Success: true}
	}
	s.state = StateStopping
	s.mu.Unlock()

	err := client.Close()

	s.mu.Lock()
	s.lastTail = client.Transport().LogTail()
	s.exitCode = client.Transport().ExitStatus().Code
	s.client = nil
	s.state = StateStopped
	s.stoppedAt = time.Now()
	s.mu.Unlock()

	s.notify(StatusDisconnected, nil)

	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{Success: true}
}

// handleShutdown is disconnect plus retiring the command loop.
func (s *Supervisor) handleShutdown() Response {
	resp := s.handleDisconnect()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return resp
}

// notify sends an unsolicited status to the owner without ever blocking
// the supervisor loop.
func (s *Supervisor) notify(kind StatusKind, data map[string]any) {
	if s.cfg.Notify == nil {
		return
	}
	select {
	case s.cfg.Notify <- Status{ServerID: s.cfg.ServerID, Status: kind, Data: data}:
	default:
		s.logger.Warn("dropping status notification, owner channel full", "status", kind)
	}
}
