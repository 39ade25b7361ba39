// Package agentloop drives the interactive chat agent: a bounded
// tool-call loop over an LLM that can look up events/flags and propose
// host-affecting actions, but never executes them itself.
package agentloop

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentic-eda/sentinel/internal/store"
	"github.com/agentic-eda/sentinel/internal/tools"
)

const maxIterations = 5

const maxIterationsText = "I've reached the maximum number of tool calls. Please continue the conversation."

// EventType tags the kind of AgentEvent emitted to the caller.
type EventType string

const (
	EventStatus     EventType = "status"
	EventText       EventType = "text"
	EventProposal   EventType = "proposal"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
)

// AgentEvent is one step of the ordered event sequence a Chat call
// produces.
type AgentEvent struct {
	Type   EventType
	Text   string
	Tool   string
	Params map[string]any
	Action string
	Data   any
}

// Message is a single chat turn sent to the LLM.
type Message struct {
	Role    string
	Content string
}

// ChatStore is the subset of internal/store.Store the agent loop needs
// for its own conversational history.
type ChatStore interface {
	InsertChatMessage(role, content string, metadata map[string]any) (int64, error)
	GetChatMessages(limit int) ([]store.ChatMessageRow, error)
}

// ToolRegistry is the subset of internal/tools.Registry the agent loop
// calls against.
type ToolRegistry interface {
	Definitions() []tools.Definition
	Execute(name string, params map[string]any) tools.Result
}

// LLM performs one chat completion call.
type LLM interface {
	Call(messages []Message) (string, error)
}

// Agent wires a ChatStore, ToolRegistry, and LLM into the bounded
// tool-call loop.
type Agent struct {
	store ChatStore
	tools ToolRegistry
	llm   LLM
}

// New constructs an Agent.
func New(st ChatStore, reg ToolRegistry, llm LLM) *Agent {
	return &Agent{store: st, tools: reg, llm: llm}
}

const systemPromptTemplate = `You are Agent, an assistant for a Linux based server. You help the operator investigate security events, review flags, and take action on this machine.

CRITICAL WORKFLOW:
- For ANY investigation (checking ports, looking up IPs, reading logs, running diagnostics) use propose_command. Never fabricate command output or claim to have run something you haven't.
- Proposals always require operator approval before anything executes.
- Use get_events and get_flags to ground your answers in real data before proposing action.

You CAN help with:
- Explaining what a flagged event means
- Investigating suspicious activity via proposed commands
- Recommending whether to ignore a port/IP or escalate
- Resolving or dismissing flags once reviewed

Available tools:
%s

EXAMPLES:
- To check what's listening: propose_command(command="ss -tlnp", reason="list listening ports")
- To look up an IP: propose_command(command="host 1.2.3.4", reason="resolve suspicious source")
- To tail a log: propose_command(command="tail -n 50 /var/log/auth.log", reason="review recent auth attempts")
- To check a process: propose_command(command="ps aux | grep sshd", reason="confirm sshd is running")
- To check for updates: propose_command(command="apt list --upgradable", reason="check pending patches")

Keep responses concise. Do not use markdown tables - use simple lists instead.`

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	for _, d := range a.tools.Definitions() {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return fmt.Sprintf(systemPromptTemplate, b.String())
}

// Chat runs one user turn through the bounded tool-call loop, streaming
// AgentEvents to the returned channel. The channel is closed after a
// EventDone event.
func (a *Agent) Chat(userMessage string) <-chan AgentEvent {
	out := make(chan AgentEvent, 16)
	go func() {
		defer close(out)
		a.run(userMessage, out)
	}()
	return out
}

func (a *Agent) run(userMessage string, out chan<- AgentEvent) {
	a.store.InsertChatMessage("user", userMessage, nil)
	out <- AgentEvent{Type: EventStatus, Text: "Thinking..."}

	history, err := a.store.GetChatMessages(20)
	if err != nil {
		history = nil
	}
	messages := []Message{{Role: "system", Content: a.systemPrompt()}}
	for _, h := range history {
		messages = append(messages, Message{Role: h.Role, Content: h.Content})
	}

	for iter := 0; iter < maxIterations; iter++ {
		resp, err := a.llm.Call(messages)
		if err != nil {
			resp = fmt.Sprintf("Error calling LLM: %v", err)
		}

		toolName, params, found := parseToolCall(resp)
		if !found {
			clean := cleanResponse(resp)
			if clean == "" {
				clean = resp
			}
			a.store.InsertChatMessage("assistant", clean, nil)
			out <- AgentEvent{Type: EventText, Text: clean}
			out <- AgentEvent{Type: EventDone}
			return
		}

		out <- AgentEvent{Type: EventStatus, Text: fmt.Sprintf("Calling %s...", toolName)}
		out <- AgentEvent{Type: EventToolCall, Tool: toolName, Params: params}
		result := a.tools.Execute(toolName, params)

		if result.Type == tools.ResultProposal {
			clean := cleanResponse(resp)
			a.store.InsertChatMessage("assistant", clean, map[string]any{"action": result.Action, "data": result.Data})
			out <- AgentEvent{Type: EventProposal, Action: result.Action, Data: result.Data}
			out <- AgentEvent{Type: EventDone}
			return
		}

		out <- AgentEvent{Type: EventToolResult, Data: result.Data}
		out <- AgentEvent{Type: EventStatus, Text: "Analyzing results..."}

		resultJSON, err := json.Marshal(result)
		if err != nil {
			resultJSON = []byte(`{"type":"error"}`)
		}
		messages = append(messages, Message{Role: "assistant", Content: resp})
		messages = append(messages, Message{Role: "user", Content: "Tool result: " + string(resultJSON)})
	}

	out <- AgentEvent{Type: EventText, Text: maxIterationsText}
	out <- AgentEvent{Type: EventDone}
}

var knownToolNames = map[string]bool{
	"get_events":          true,
	"get_flags":           true,
	"propose_command":     true,
	"propose_ignore_port": true,
	"propose_ignore_ip":   true,
	"resolve_flag":        true,
}

var (
	reExplicitTool  = regexp.MustCompile(`(?is)TOOL:\s*(\w+)\s*\n*PARAMS:\s*(\{.*\})`)
	reChannelTagged = regexp.MustCompile(`(?s)to=(?:tool\.)?(\w+)[\s\S]*?<\|message\|>(\{[\s\S]*?\})`)
	reProposingLine = regexp.MustCompile(`(?m)^Proposing:\s*(.+)$`)
	reBashCodeBlock = regexp.MustCompile("(?s)```(?:bash|sh)\\s*\\n(.+)\\n```")
	reXMLTool       = regexp.MustCompile(`(?s)<tool>(\w+)</tool>`)
	reXMLParams     = regexp.MustCompile(`(?s)<params>(\{.*?\})</params>`)
	reBareCall      = regexp.MustCompile(`(?s)(\w+)\((\{.*?\})\)`)
)

// parseToolCall runs the tool-call extraction cascade against an LLM
// response, trying each recognized form in order and returning the first
// match.
func parseToolCall(content string) (toolName string, params map[string]any, ok bool) {
	// a. explicit TOOL: <name> / PARAMS: <json>
	if m := reExplicitTool.FindStringSubmatch(content); m != nil {
		if p, err := decodeParams(m[2]); err == nil {
			return m[1], p, true
		}
	}

	// b. vendor channel-tag form: to=<name> ... <|message|>{json}
	if m := reChannelTagged.FindStringSubmatch(content); m != nil {
		if p, err := decodeParams(m[2]); err == nil {
			return m[1], p, true
		}
	}

	// c. a JSON blob with tool+params fields, or a bare command field.
	if name, p, found := parseJSONBlob(content); found {
		return name, p, true
	}

	// d. fallback heuristics: "Proposing: <command>" line.
	if m := reProposingLine.FindStringSubmatch(content); m != nil {
		cmd := strings.TrimSpace(m[1])
		if cmd != "" {
			return "propose_command", map[string]any{"command": cmd}, true
		}
	}

	// d. fallback heuristics: single-line fenced bash/sh block, <=200 chars.
	if m := reBashCodeBlock.FindStringSubmatch(content); m != nil {
		line := strings.TrimSpace(m[1])
		if line != "" && !strings.Contains(line, "\n") && len(line) <= 200 {
			return "propose_command", map[string]any{"command": line}, true
		}
	}

	// e. XML tool/params tags.
	if tm := reXMLTool.FindStringSubmatch(content); tm != nil {
		if pm := reXMLParams.FindStringSubmatch(content); pm != nil {
			if p, err := decodeParams(pm[1]); err == nil {
				return tm[1], p, true
			}
		}
	}

	// f. bare function-call syntax, validated against the known tool set.
	if m := reBareCall.FindStringSubmatch(content); m != nil && knownToolNames[m[1]] {
		if p, err := decodeParams(m[2]); err == nil {
			return m[1], p, true
		}
	}

	return "", nil, false
}

func decodeParams(raw string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseJSONBlob(content string) (string, map[string]any, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return "", nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &m); err != nil {
		return "", nil, false
	}
	if toolVal, ok := m["tool"].(string); ok {
		if paramsVal, ok := m["params"].(map[string]any); ok {
			return toolVal, paramsVal, true
		}
	}
	if _, ok := m["command"]; ok {
		return "propose_command", m, true
	}
	return "", nil, false
}

var (
	reThinkBlock     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	reChannelMessage = regexp.MustCompile(`(?s)<\|channel\|>.*?<\|message\|>\{.*?\}`)
	reTrailingTag    = regexp.MustCompile(`(?s)<\|channel\|>.*$`)
	reSentinelTag    = regexp.MustCompile(`<\|[^|]*\|>[^<{]*`)
	reStandaloneKV   = regexp.MustCompile(`(?s)\{["'][\w-]*["']\s*:\s*["'].*?["']\s*\}`)
	reTrailingCommaKV = regexp.MustCompile(`(?s),\s*["'][\w-]*["']\s*:\s*["'].*?["']\s*\}`)
	reWhitespaceRun  = regexp.MustCompile(`\s+`)
)

// cleanResponse strips vendor channel tags, control sentinels, and
// leftover tool-call fragments from content that did not parse as a
// tool call, so plain-text replies don't leak model-internal markup.
func cleanResponse(content string) string {
	content = reThinkBlock.ReplaceAllString(content, "")
	content = reChannelMessage.ReplaceAllString(content, "")
	content = reTrailingTag.ReplaceAllString(content, "")
	content = reSentinelTag.ReplaceAllString(content, "")
	content = reStandaloneKV.ReplaceAllString(content, "")
	content = reTrailingCommaKV.ReplaceAllString(content, "")
	content = reXMLTool.ReplaceAllString(content, "")
	content = reXMLParams.ReplaceAllString(content, "")
	content = reWhitespaceRun.ReplaceAllString(content, " ")
	return strings.TrimSpace(content)
}
