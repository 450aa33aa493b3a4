package runner

import (
	"context"

	"github.com/google/uuid"
)

// CommandType enumerates the operations a supervisor accepts.
type CommandType string

const (
	CmdConnect       CommandType = "connect"
	CmdDisconnect    CommandType = "disconnect"
	CmdListTools     CommandType = "list_tools"
	CmdListResources CommandType = "list_resources"
	CmdListPrompts   CommandType = "list_prompts"
	CmdCallTool      CommandType = "call_tool"
	CmdReadResource  CommandType = "read_resource"
	CmdGetPrompt     CommandType = "get_prompt"
	CmdShutdown      CommandType = "shutdown"

	// cmdCrashExit is internal: injected by the exit monitor when the
	// subprocess dies unexpectedly.
	cmdCrashExit CommandType = "crash_exit"
)

// Command is one request on a supervisor's command channel.
type Command struct {
	ID   string      `json:"id"`
	Type CommandType `json:"type"`

	// Operation parameters; which are set depends on Type.
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	URI        string         `json:"uri,omitempty"`
	PromptName string         `json:"prompt_name,omitempty"`

	ctx   context.Context
	reply chan Response
}

// Response answers exactly one Command, correlated by ID.
type Response struct {
	ID      string      `json:"id"`
	Type    CommandType `json:"type"`
	Success bool        `json:"success"`
	Data    any         `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// newCommand builds a command with a fresh id and reply slot.
func newCommand(ctx context.Context, typ CommandType) *Command {
	return &Command{
		ID:    uuid.NewString(),
		Type:  typ,
		ctx:   ctx,
		reply: make(chan Response, 1),
	}
}

// StatusKind enumerates unsolicited supervisor status notifications.
type StatusKind string

const (
	StatusReady        StatusKind = "ready"
	StatusConnected    StatusKind = "connected"
	StatusDisconnected StatusKind = "disconnected"
	StatusCrashed      StatusKind = "crashed"
	StatusError        StatusKind = "error"
)

// Status is an unsolicited notification from a supervisor to its owner.
type Status struct {
	ServerID string         `json:"server_id"`
	Status   StatusKind     `json:"status"`
	Data     map[string]any `json:"data,omitempty"`
}
