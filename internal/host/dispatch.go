package host

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/harborlab/bridge/internal/llm"
	"github.com/harborlab/bridge/internal/policy"
	"github.com/harborlab/bridge/internal/runner"
	"github.com/harborlab/bridge/internal/toolcall"
)

// request is the superset of fields any page-facing message may carry.
// Each handler reads the ones it needs.
type request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`

	Origin string `json:"origin,omitempty"`
	TabID  string `json:"tab_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`

	// add_server
	Label   string   `json:"label,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"` // KEY=VALUE pairs

	ServerID string `json:"server_id,omitempty"`

	// call_tool, get_prompt
	Tool      string         `json:"tool,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// read_resource
	URI string `json:"uri,omitempty"`

	// permission management
	Scope string           `json:"scope,omitempty"`
	Grant policy.GrantKind `json:"grant,omitempty"`

	// start_run
	Calls int `json:"calls,omitempty"`

	// parse_tool_call
	Text string `json:"text,omitempty"`

	// chat
	ProviderID        string        `json:"provider_id,omitempty"`
	Messages          []llm.Message `json:"messages,omitempty"`
	Model             string        `json:"model,omitempty"`
	RequiresTools     bool          `json:"requires_tools,omitempty"`
	RequiresStreaming bool          `json:"requires_streaming,omitempty"`
}

type handlerFunc func(ctx context.Context, req *request) (map[string]any, *Error)

// Dispatcher routes decoded page messages to host operations and wraps
// the outcome in a result or error envelope.
type Dispatcher struct {
	host     *Host
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher builds the handler table for every supported message
// type.
func NewDispatcher(h *Host) *Dispatcher {
	d := &Dispatcher{host: h, logger: h.logger}
	d.handlers = map[string]handlerFunc{
		"hello":             d.handleHello,
		"add_server":        d.handleAddServer,
		"remove_server":     d.handleRemoveServer,
		"list_servers":      d.handleListServers,
		"connect_server":    d.handleConnectServer,
		"disconnect_server": d.handleDisconnectServer,
		"server_status":     d.handleServerStatus,
		"list_tools":        d.handleListTools,
		"list_resources":    d.handleListResources,
		"list_prompts":      d.handleListPrompts,
		"read_resource":     d.handleReadResource,
		"get_prompt":        d.handleGetPrompt,
		"call_tool":         d.handleCallTool,
		"grant_scope":       d.handleGrantScope,
		"revoke_scope":      d.handleRevokeScope,
		"allow_tool":        d.handleAllowTool,
		"disallow_tool":     d.handleDisallowTool,
		"start_run":         d.handleStartRun,
		"end_run":           d.handleEndRun,
		"tab_closed":        d.handleTabClosed,
		"parse_tool_call":   d.handleParseToolCall,
		"list_providers":    d.handleListProviders,
		"probe_providers":   d.handleProbeProviders,
		"chat":              d.handleChat,
	}
	return d
}

// Dispatch handles one decoded message and returns the encoded reply
// envelope. Every input produces exactly one reply.
func (d *Dispatcher) Dispatch(ctx context.Context, raw json.RawMessage) json.RawMessage {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorEnvelope("", Errorf(CodeInvalidParams, "malformed message: %v", err))
	}
	if req.Type == "" {
		return errorEnvelope(req.RequestID, Errorf(CodeInvalidParams, "missing 'type' field"))
	}

	handler, ok := d.handlers[req.Type]
	if !ok {
		return errorEnvelope(req.RequestID, Errorf(CodeUnknownType, "unknown message type: %s", req.Type))
	}

	d.logger.Debug("dispatching", "type", req.Type, "request_id", req.RequestID)
	result, herr := handler(ctx, &req)
	if herr != nil {
		d.logger.Debug("request failed", "type", req.Type, "code", herr.Code)
		return errorEnvelope(req.RequestID, herr)
	}
	return resultEnvelope(req.Type, req.RequestID, result)
}

func resultEnvelope(reqType, requestID string, payload map[string]any) json.RawMessage {
	env := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		env[k] = v
	}
	env["type"] = reqType + "_result"
	env["request_id"] = requestID
	out, err := json.Marshal(env)
	if err != nil {
		return errorEnvelope(requestID, Errorf(CodeInternal, "encoding reply: %v", err))
	}
	return out
}

func errorEnvelope(requestID string, herr *Error) json.RawMessage {
	env := map[string]any{
		"type":       "error",
		"request_id": requestID,
		"error":      herr,
	}
	out, _ := json.Marshal(env)
	return out
}

func (d *Dispatcher) handleHello(_ context.Context, _ *request) (map[string]any, *Error) {
	return d.host.Hello(), nil
}

func (d *Dispatcher) handleAddServer(_ context.Context, req *request) (map[string]any, *Error) {
	server, herr := d.host.AddServer(req.Label, runner.LaunchSpec{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
	})
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"server": server}, nil
}

func (d *Dispatcher) handleRemoveServer(ctx context.Context, req *request) (map[string]any, *Error) {
	if req.ServerID == "" {
		return nil, missingParam("server_id")
	}
	if herr := d.host.RemoveServer(ctx, req.ServerID); herr != nil {
		return nil, herr
	}
	return map[string]any{"server_id": req.ServerID}, nil
}

func (d *Dispatcher) handleListServers(_ context.Context, _ *request) (map[string]any, *Error) {
	servers, herr := d.host.ListServers()
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"servers": servers}, nil
}

func (d *Dispatcher) handleConnectServer(ctx context.Context, req *request) (map[string]any, *Error) {
	if req.ServerID == "" {
		return nil, missingParam("server_id")
	}
	info, toolCount, herr := d.host.ConnectServer(ctx, req.ServerID)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{
		"server_id":  req.ServerID,
		"server":     info,
		"tool_count": toolCount,
	}, nil
}

func (d *Dispatcher) handleDisconnectServer(ctx context.Context, req *request) (map[string]any, *Error) {
	if req.ServerID == "" {
		return nil, missingParam("server_id")
	}
	if herr := d.host.DisconnectServer(ctx, req.ServerID); herr != nil {
		return nil, herr
	}
	return map[string]any{"server_id": req.ServerID}, nil
}

func (d *Dispatcher) handleServerStatus(_ context.Context, req *request) (map[string]any, *Error) {
	if req.ServerID == "" {
		return nil, missingParam("server_id")
	}
	info, herr := d.host.ServerSnapshot(req.ServerID)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"status": info}, nil
}

func (d *Dispatcher) handleListTools(ctx context.Context, req *request) (map[string]any, *Error) {
	tools, herr := d.host.ListTools(ctx, req.Origin)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"tools": tools}, nil
}

func (d *Dispatcher) handleListResources(ctx context.Context, req *request) (map[string]any, *Error) {
	if req.ServerID == "" {
		return nil, missingParam("server_id")
	}
	resources, herr := d.host.ListResources(ctx, req.ServerID)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"resources": resources}, nil
}

func (d *Dispatcher) handleListPrompts(ctx context.Context, req *request) (map[string]any, *Error) {
	if req.ServerID == "" {
		return nil, missingParam("server_id")
	}
	prompts, herr := d.host.ListPrompts(ctx, req.ServerID)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"prompts": prompts}, nil
}

func (d *Dispatcher) handleReadResource(ctx context.Context, req *request) (map[string]any, *Error) {
	if req.ServerID == "" {
		return nil, missingParam("server_id")
	}
	if req.URI == "" {
		return nil, missingParam("uri")
	}
	raw, herr := d.host.ReadResource(ctx, req.ServerID, req.URI)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"resource": json.RawMessage(raw)}, nil
}

func (d *Dispatcher) handleGetPrompt(ctx context.Context, req *request) (map[string]any, *Error) {
	if req.ServerID == "" {
		return nil, missingParam("server_id")
	}
	if req.Name == "" {
		return nil, missingParam("name")
	}
	raw, herr := d.host.GetPrompt(ctx, req.ServerID, req.Name, req.Arguments)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"prompt": json.RawMessage(raw)}, nil
}

func (d *Dispatcher) handleCallTool(ctx context.Context, req *request) (map[string]any, *Error) {
	if req.Tool == "" {
		return nil, missingParam("tool")
	}
	result, herr := d.host.CallTool(ctx, req.Origin, req.TabID, req.RunID, req.Tool, req.Arguments)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{"tool": req.Tool, "result": result}, nil
}

func (d *Dispatcher) handleGrantScope(_ context.Context, req *request) (map[string]any, *Error) {
	if req.Origin == "" {
		return nil, missingParam("origin")
	}
	if req.Scope == "" {
		return nil, missingParam("scope")
	}
	if herr := d.host.GrantScope(req.Origin, req.Scope, req.Grant, req.TabID); herr != nil {
		return nil, herr
	}
	return map[string]any{"origin": req.Origin, "scope": req.Scope}, nil
}

func (d *Dispatcher) handleRevokeScope(_ context.Context, req *request) (map[string]any, *Error) {
	if req.Origin == "" {
		return nil, missingParam("origin")
	}
	if req.Scope == "" {
		return nil, missingParam("scope")
	}
	if herr := d.host.RevokeScope(req.Origin, req.Scope); herr != nil {
		return nil, herr
	}
	return map[string]any{"origin": req.Origin, "scope": req.Scope}, nil
}

func (d *Dispatcher) handleAllowTool(_ context.Context, req *request) (map[string]any, *Error) {
	if req.Origin == "" {
		return nil, missingParam("origin")
	}
	if req.Tool == "" {
		return nil, missingParam("tool")
	}
	if herr := d.host.AllowTool(req.Origin, req.Tool); herr != nil {
		return nil, herr
	}
	return map[string]any{"origin": req.Origin, "tool": req.Tool}, nil
}

func (d *Dispatcher) handleDisallowTool(_ context.Context, req *request) (map[string]any, *Error) {
	if req.Origin == "" {
		return nil, missingParam("origin")
	}
	if req.Tool == "" {
		return nil, missingParam("tool")
	}
	if herr := d.host.DisallowTool(req.Origin, req.Tool); herr != nil {
		return nil, herr
	}
	return map[string]any{"origin": req.Origin, "tool": req.Tool}, nil
}

func (d *Dispatcher) handleStartRun(_ context.Context, req *request) (map[string]any, *Error) {
	if req.Origin == "" {
		return nil, missingParam("origin")
	}
	if req.RunID == "" {
		return nil, missingParam("run_id")
	}
	d.host.StartRun(req.Origin, req.RunID, req.Calls)
	return map[string]any{"run_id": req.RunID}, nil
}

func (d *Dispatcher) handleEndRun(_ context.Context, req *request) (map[string]any, *Error) {
	if req.Origin == "" {
		return nil, missingParam("origin")
	}
	if req.RunID == "" {
		return nil, missingParam("run_id")
	}
	d.host.EndRun(req.Origin, req.RunID)
	return map[string]any{"run_id": req.RunID}, nil
}

func (d *Dispatcher) handleTabClosed(_ context.Context, req *request) (map[string]any, *Error) {
	if req.TabID == "" {
		return nil, missingParam("tab_id")
	}
	d.host.DropTab(req.TabID)
	return map[string]any{"tab_id": req.TabID}, nil
}

func (d *Dispatcher) handleParseToolCall(_ context.Context, req *request) (map[string]any, *Error) {
	if req.Text == "" {
		return nil, missingParam("text")
	}
	tools := d.host.KnownToolNames()
	known := make([]toolcall.ToolName, 0, len(tools))
	for _, t := range tools {
		known = append(known, toolcall.ToolName{Key: t.Key, Short: t.RawName})
	}
	call := toolcall.Parse(req.Text, known)
	if call == nil {
		return map[string]any{"call": nil}, nil
	}
	return map[string]any{
		"call": map[string]any{
			"name":      call.Name,
			"arguments": call.Args,
			"strategy":  call.Strategy,
		},
	}, nil
}

func (d *Dispatcher) handleListProviders(_ context.Context, _ *request) (map[string]any, *Error) {
	return map[string]any{"providers": d.host.cfg.Providers.Statuses()}, nil
}

func (d *Dispatcher) handleProbeProviders(ctx context.Context, _ *request) (map[string]any, *Error) {
	return map[string]any{"providers": d.host.cfg.Providers.ProbeAll(ctx)}, nil
}

// handleChat selects a provider and runs a non-streaming completion.
// Streaming over the framed channel is not offered; pages that need
// token streams talk to the provider directly.
func (d *Dispatcher) handleChat(ctx context.Context, req *request) (map[string]any, *Error) {
	if len(req.Messages) == 0 {
		return nil, missingParam("messages")
	}
	id, client, err := d.host.cfg.Providers.Select(llm.Requirements{
		ProviderID:        req.ProviderID,
		RequiresTools:     req.RequiresTools,
		RequiresStreaming: req.RequiresStreaming,
	})
	if err != nil {
		return nil, Errorf(CodeServerUnavail, "no usable model provider: %v", err)
	}
	resp, err := client.Chat(ctx, req.Model, req.Messages, nil)
	if err != nil {
		return nil, Errorf(CodeToolFailed, "chat via %s failed: %v", id, err)
	}
	return map[string]any{
		"provider": id,
		"model":    resp.Model,
		"message":  resp.Message,
	}, nil
}

func missingParam(name string) *Error {
	return Errorf(CodeInvalidParams, "missing or invalid '%s' parameter", name)
}
