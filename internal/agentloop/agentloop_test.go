package agentloop

import (
	"testing"

	"github.com/agentic-eda/sentinel/internal/store"
	"github.com/agentic-eda/sentinel/internal/tools"
)

func TestParseToolCall_ExplicitForm(t *testing.T) {
	content := "I'll check that.\nTOOL: get_events\nPARAMS: {\"limit\": 10}"
	name, params, ok := parseToolCall(content)
	if !ok || name != "get_events" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
	if params["limit"].(float64) != 10 {
		t.Errorf("got params=%+v", params)
	}
}

func TestParseToolCall_ChannelTagForm(t *testing.T) {
	content := `to=tool.propose_command some preamble <|message|>{"command": "ss -tlnp"}`
	name, params, ok := parseToolCall(content)
	if !ok || name != "propose_command" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
	if params["command"] != "ss -tlnp" {
		t.Errorf("got params=%+v", params)
	}
}

func TestParseToolCall_JSONBlobCommandField(t *testing.T) {
	content := `Here's what I'll run: {"command": "tail -n 50 /var/log/auth.log"}`
	name, params, ok := parseToolCall(content)
	if !ok || name != "propose_command" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
	if params["command"] != "tail -n 50 /var/log/auth.log" {
		t.Errorf("got params=%+v", params)
	}
}

func TestParseToolCall_JSONBlobToolParamsFields(t *testing.T) {
	content := `{"tool": "get_flags", "params": {"status": "pending"}}`
	name, params, ok := parseToolCall(content)
	if !ok || name != "get_flags" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
	if params["status"] != "pending" {
		t.Errorf("got params=%+v", params)
	}
}

func TestParseToolCall_ProposingLine(t *testing.T) {
	content := "Let me investigate.\nProposing: ps aux | grep sshd\nThat should confirm it."
	name, params, ok := parseToolCall(content)
	if !ok || name != "propose_command" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
	if params["command"] != "ps aux | grep sshd" {
		t.Errorf("got params=%+v", params)
	}
}

func TestParseToolCall_BashCodeBlock(t *testing.T) {
	content := "I'll run this:\n```bash\nss -tlnp\n```\n"
	name, params, ok := parseToolCall(content)
	if !ok || name != "propose_command" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
	if params["command"] != "ss -tlnp" {
		t.Errorf("got params=%+v", params)
	}
}

func TestParseToolCall_BashCodeBlockTooLongRejected(t *testing.T) {
	long := ""
	for i := 0; i < 210; i++ {
		long += "a"
	}
	content := "```bash\n" + long + "\n```"
	_, _, ok := parseToolCall(content)
	if ok {
		t.Fatal("expected oversized single-line bash block to be rejected")
	}
}

func TestParseToolCall_XMLTags(t *testing.T) {
	content := `<tool>propose_ignore_port</tool> some text <params>{"port": "4444", "reason": "scanner noise"}</params>`
	name, params, ok := parseToolCall(content)
	if !ok || name != "propose_ignore_port" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
	if params["port"] != "4444" {
		t.Errorf("got params=%+v", params)
	}
}

func TestParseToolCall_BareFunctionCall(t *testing.T) {
	content := `get_flags({"status": "pending"})`
	name, params, ok := parseToolCall(content)
	if !ok || name != "get_flags" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
	if params["status"] != "pending" {
		t.Errorf("got params=%+v", params)
	}
}

func TestParseToolCall_BareFunctionCallRejectsUnknownName(t *testing.T) {
	content := `delete_everything({"confirm": "true"})`
	_, _, ok := parseToolCall(content)
	if ok {
		t.Fatal("expected unknown function name to be rejected")
	}
}

func TestParseToolCall_NoMatchOnPlainText(t *testing.T) {
	_, _, ok := parseToolCall("The sshd service looks healthy, no action needed.")
	if ok {
		t.Fatal("expected plain text to not parse as a tool call")
	}
}

func TestCleanResponse_StripsThinkBlock(t *testing.T) {
	got := cleanResponse("<think>the user wants ports</think>Here are the open ports.")
	if got != "Here are the open ports." {
		t.Errorf("got %q", got)
	}
}

func TestCleanResponse_StripsChannelTags(t *testing.T) {
	got := cleanResponse(`<|channel|>analysis<|message|>{"foo": "bar"} All good here.`)
	if got != "All good here." {
		t.Errorf("got %q", got)
	}
}

type fakeChatStore struct {
	messages []store.ChatMessageRow
}

func (f *fakeChatStore) InsertChatMessage(role, content string, metadata map[string]any) (int64, error) {
	f.messages = append(f.messages, store.ChatMessageRow{Role: role, Content: content})
	return int64(len(f.messages)), nil
}

func (f *fakeChatStore) GetChatMessages(limit int) ([]store.ChatMessageRow, error) {
	return f.messages, nil
}

type fakeRegistry struct {
	result tools.Result
}

func (f *fakeRegistry) Definitions() []tools.Definition {
	return []tools.Definition{{Name: "get_events", Description: "get events"}}
}

func (f *fakeRegistry) Execute(name string, params map[string]any) tools.Result {
	return f.result
}

type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Call(messages []Message) (string, error) {
	if s.calls >= len(s.responses) {
		return "", nil
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

func drain(ch <-chan AgentEvent) []AgentEvent {
	var out []AgentEvent
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func TestChat_DataToolLoopsThenRespondsWithText(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"TOOL: get_events\nPARAMS: {}",
		"Everything looks normal.",
	}}
	reg := &fakeRegistry{result: tools.Result{Type: tools.ResultData, Data: []string{}}}
	a := New(&fakeChatStore{}, reg, llm)

	events := drain(a.Chat("anything suspicious?"))
	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Fatalf("last event = %+v, want done", last)
	}
	foundText := false
	for _, e := range events {
		if e.Type == EventText && e.Text == "Everything looks normal." {
			foundText = true
		}
	}
	if !foundText {
		t.Errorf("expected final text event, got %+v", events)
	}
}

func TestChat_ProposalTerminatesLoop(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"TOOL: propose_command\nPARAMS: {\"command\": \"ss -tlnp\"}",
	}}
	reg := &fakeRegistry{result: tools.Result{Type: tools.ResultProposal, Action: "run_command", Data: map[string]any{"command": "ss -tlnp"}}}
	a := New(&fakeChatStore{}, reg, llm)

	events := drain(a.Chat("check ports"))
	var sawProposal bool
	for _, e := range events {
		if e.Type == EventProposal {
			sawProposal = true
			if e.Action != "run_command" {
				t.Errorf("action = %q", e.Action)
			}
		}
	}
	if !sawProposal {
		t.Fatal("expected a proposal event")
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("last event = %+v, want done", events[len(events)-1])
	}
	if llm.calls != 1 {
		t.Errorf("llm called %d times, want exactly 1 (proposal should terminate)", llm.calls)
	}
}

func TestChat_MaxIterationsExceeded(t *testing.T) {
	responses := make([]string, maxIterations)
	for i := range responses {
		responses[i] = "TOOL: get_events\nPARAMS: {}"
	}
	llm := &scriptedLLM{responses: responses}
	reg := &fakeRegistry{result: tools.Result{Type: tools.ResultData, Data: []string{}}}
	a := New(&fakeChatStore{}, reg, llm)

	events := drain(a.Chat("keep digging"))
	last := events[len(events)-2]
	if last.Type != EventText || last.Text != maxIterationsText {
		t.Fatalf("got %+v, want the max-iterations text", last)
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatal("expected trailing done event")
	}
}
