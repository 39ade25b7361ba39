// Package tools implements the agent loop's callable tool registry: the
// handful of operations the chat agent may invoke, split between
// read-only data lookups and proposals that require human approval
// before anything executes.
package tools

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agentic-eda/sentinel/internal/store"
)

// Store is the subset of internal/store.Store the tool registry needs.
type Store interface {
	GetEvents(limit, offset int, since string) ([]store.EventRow, error)
	GetFlags(status string, limit int) ([]store.FlagRow, error)
	UpdateFlagStatus(id int64, status string) error
	GetConfig(key, defaultVal string) (string, error)
	SetConfig(key, value string) error
}

// ResultType tags the shape of a tool's result.
type ResultType string

const (
	ResultData     ResultType = "tool_result"
	ResultProposal ResultType = "proposal"
	ResultError    ResultType = "error"
)

// Result is the uniform envelope every tool call returns.
type Result struct {
	Type    ResultType `json:"type"`
	Action  string     `json:"action,omitempty"`
	Data    any        `json:"data,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Definition describes one callable tool for the agent's system prompt.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry holds the 6 tools the chat agent may call.
type Registry struct {
	store Store
}

// NewRegistry constructs a Registry over the given store.
func NewRegistry(st Store) *Registry {
	return &Registry{store: st}
}

// Definitions returns the tool list for the agent's system prompt.
func (r *Registry) Definitions() []Definition {
	return []Definition{
		{
			Name:        "get_events",
			Description: "Get recent security events from the log. Use to investigate what has happened on the system.",
			Parameters: map[string]any{
				"limit": map[string]any{"type": "integer", "description": "max events to return, default 50"},
			},
		},
		{
			Name:        "get_flags",
			Description: "Get flagged incidents that need review. Use to check on pending or past flags.",
			Parameters: map[string]any{
				"status": map[string]any{"type": "string", "description": "filter by status: pending, resolved, dismissed"},
			},
		},
		{
			Name:        "propose_command",
			Description: "Propose a shell command for user to approve and run. Use this for ANY investigation: checking ports, looking up IPs, reading logs, etc.",
			Parameters: map[string]any{
				"command": map[string]any{"type": "string", "description": "the shell command to run"},
				"reason":  map[string]any{"type": "string", "description": "why this command is being proposed"},
			},
		},
		{
			Name:        "propose_ignore_port",
			Description: "Propose adding a port to the ignore list so future events on it are not flagged.",
			Parameters: map[string]any{
				"port":   map[string]any{"type": "string", "description": "the port number to ignore"},
				"reason": map[string]any{"type": "string", "description": "why this port should be ignored"},
			},
		},
		{
			Name:        "propose_ignore_ip",
			Description: "Propose adding an IP address to the ignore list so future events from it are not flagged.",
			Parameters: map[string]any{
				"ip":     map[string]any{"type": "string", "description": "the IP address to ignore"},
				"reason": map[string]any{"type": "string", "description": "why this IP should be ignored"},
			},
		},
		{
			Name:        "resolve_flag",
			Description: "Mark a flag as resolved or dismissed.",
			Parameters: map[string]any{
				"flag_id": map[string]any{"type": "integer", "description": "the flag id to update"},
				"status":  map[string]any{"type": "string", "description": "resolved or dismissed"},
			},
		},
	}
}

// Execute dispatches a tool call by name, catching any handler panic into
// an error result the way the registry's Python counterpart catches
// exceptions around each handler.
func (r *Registry) Execute(name string, params map[string]any) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{Type: ResultError, Message: fmt.Sprintf("%v", rec)}
		}
	}()

	switch name {
	case "get_events":
		return r.GetEvents(params)
	case "get_flags":
		return r.GetFlags(params)
	case "propose_command":
		return r.ProposeCommand(params)
	case "propose_ignore_port":
		return r.ProposeIgnorePort(params)
	case "propose_ignore_ip":
		return r.ProposeIgnoreIP(params)
	case "resolve_flag":
		return r.ResolveFlag(params)
	default:
		return Result{Type: ResultError, Message: fmt.Sprintf("unknown tool: %s", name)}
	}
}

func stringParam(params map[string]any, key, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return defaultVal
}

func intParam(params map[string]any, key string, defaultVal int) int {
	v, ok := params[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEvents returns recent events.
func (r *Registry) GetEvents(params map[string]any) Result {
	limit := intParam(params, "limit", 50)
	events, err := r.store.GetEvents(limit, 0, "")
	if err != nil {
		return Result{Type: ResultError, Message: err.Error()}
	}
	return Result{Type: ResultData, Data: events}
}

// GetFlags returns flags, optionally filtered by status.
func (r *Registry) GetFlags(params map[string]any) Result {
	status := stringParam(params, "status", "")
	flags, err := r.store.GetFlags(status, 50)
	if err != nil {
		return Result{Type: ResultError, Message: err.Error()}
	}
	return Result{Type: ResultData, Data: flags}
}

// ProposeCommand produces a run_command proposal. It never runs anything
// itself; execution is gated on human approval via the PTY service.
func (r *Registry) ProposeCommand(params map[string]any) Result {
	command := stringParam(params, "command", "")
	reason := stringParam(params, "reason", "")
	if reason == "" {
		reason = stringParam(params, "description", "No reason provided")
	}
	if command == "" {
		return Result{Type: ResultError, Message: "command is required"}
	}
	return Result{
		Type:   ResultProposal,
		Action: "run_command",
		Data: map[string]any{
			"command": command,
			"reason":  reason,
		},
	}
}

// ProposeIgnorePort produces an ignore_port proposal.
func (r *Registry) ProposeIgnorePort(params map[string]any) Result {
	port := stringParam(params, "port", "")
	reason := stringParam(params, "reason", "No reason provided")
	if port == "" {
		return Result{Type: ResultError, Message: "port is required"}
	}
	return Result{
		Type:   ResultProposal,
		Action: "ignore_port",
		Data: map[string]any{
			"port":   port,
			"reason": reason,
		},
	}
}

// ProposeIgnoreIP produces an ignore_ip proposal.
func (r *Registry) ProposeIgnoreIP(params map[string]any) Result {
	ip := stringParam(params, "ip", "")
	reason := stringParam(params, "reason", "No reason provided")
	if ip == "" {
		return Result{Type: ResultError, Message: "ip is required"}
	}
	return Result{
		Type:   ResultProposal,
		Action: "ignore_ip",
		Data: map[string]any{
			"ip":     ip,
			"reason": reason,
		},
	}
}

// ResolveFlag updates a flag's status directly; this is a data operation,
// not a proposal, since it only touches bookkeeping, never host state.
func (r *Registry) ResolveFlag(params map[string]any) Result {
	status := stringParam(params, "status", "")
	if status != "resolved" && status != "dismissed" {
		return Result{Type: ResultError, Message: "Status must be 'resolved' or 'dismissed'"}
	}
	flagID := int64(intParam(params, "flag_id", 0))
	if err := r.store.UpdateFlagStatus(flagID, status); err != nil {
		return Result{Type: ResultError, Message: err.Error()}
	}
	return Result{Type: ResultData, Data: map[string]any{"flag_id": flagID, "status": status}}
}

// ProposalExecutor carries out an approved proposal. run_command is
// always refused here: commands only ever execute through the PTY
// service, with a human watching the session.
type ProposalExecutor struct {
	store Store
}

// NewProposalExecutor constructs a ProposalExecutor over the given store.
func NewProposalExecutor(st Store) *ProposalExecutor {
	return &ProposalExecutor{store: st}
}

// ExecResult is the outcome of executing one approved proposal.
type ExecResult struct {
	Success bool
	Error   string
	Detail  map[string]any
}

// Execute carries out action with the given data payload.
func (e *ProposalExecutor) Execute(action string, data map[string]any) ExecResult {
	switch action {
	case "run_command":
		return ExecResult{Success: false, Error: "Commands should be executed via PTY service"}
	case "ignore_port":
		port := stringParam(data, "port", "")
		if port == "" {
			return ExecResult{Success: false, Error: "port is required"}
		}
		if err := e.addToSet("ignored_ports", port); err != nil {
			return ExecResult{Success: false, Error: err.Error()}
		}
		return ExecResult{Success: true, Detail: map[string]any{"port": port}}
	case "ignore_ip":
		ip := stringParam(data, "ip", "")
		if ip == "" {
			return ExecResult{Success: false, Error: "ip is required"}
		}
		if err := e.addToSet("ignored_ips", ip); err != nil {
			return ExecResult{Success: false, Error: err.Error()}
		}
		return ExecResult{Success: true, Detail: map[string]any{"ip": ip}}
	default:
		return ExecResult{Success: false, Error: fmt.Sprintf("unknown action: %s", action)}
	}
}

// addToSet reads the newline-joined sorted set stored under key, adds
// value if absent, and writes the result back.
func (e *ProposalExecutor) addToSet(key, value string) error {
	raw, err := e.store.GetConfig(key, "")
	if err != nil {
		return err
	}
	set := map[string]bool{}
	for _, v := range strings.Split(raw, "\n") {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = true
		}
	}
	set[value] = true

	items := make([]string, 0, len(set))
	for v := range set {
		items = append(items, v)
	}
	sort.Strings(items)
	return e.store.SetConfig(key, strings.Join(items, "\n"))
}
