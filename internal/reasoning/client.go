// Package reasoning calls an OpenAI-compatible chat completion endpoint to
// classify a batch of security events, and provides guardrails that check
// proposed actions against an allowlist and dangerous patterns.
package reasoning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Verdict is the classification reached for one batch of events.
type Verdict struct {
	Flagged          bool
	Severity         string
	Summary          string
	SuggestedActions []string
}

// ClientConfig carries the endpoint and prompt settings AnalyzeBatch needs.
type ClientConfig struct {
	APIURL         string
	APIKey         string
	Model          string
	TimeoutSeconds int
	Sensitivity    int
}

// Client wraps an HTTP client and an optional budget tracker for the
// batch-reasoning call site.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	budget *BudgetTracker
}

// NewClient constructs a Client. budget may be nil to disable budget
// enforcement (e.g. in tests).
func NewClient(cfg ClientConfig, budget *BudgetTracker) *Client {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: time.Duration(timeout) * time.Second},
		budget: budget,
	}
}

func (c *Client) systemPrompt() string {
	sensitivity := c.cfg.Sensitivity
	if sensitivity <= 0 {
		sensitivity = 7
	}
	return fmt.Sprintf(`You are a security analyst reviewing a batch of system log events from a personal Linux machine.

Sensitivity level: %d (1=only flag severe incidents, 10=flag anything unusual).

Review the events below and decide whether they represent something worth a human's attention. Respond with ONLY a JSON object, no other text:
{"flagged": true/false, "severity": "info"/"warning"/"critical", "summary": "one sentence summary", "suggested_actions": ["action1", "action2"]}

Events:
{EVENTS}`, sensitivity)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// AnalyzeBatch classifies the given batch of normalized event strings.
// It never returns an error to the caller: any failure (network, parse,
// budget) degrades to a conservative "inconclusive, flagged" verdict so a
// malfunctioning LLM endpoint fails safe rather than silent.
func (c *Client) AnalyzeBatch(events []string) *Verdict {
	if len(events) == 0 {
		return &Verdict{Flagged: false, Severity: "info", Summary: "No events to analyze", SuggestedActions: []string{}}
	}

	if c.budget != nil {
		if err := c.budget.CheckBudget(); err != nil {
			return inconclusiveVerdict(len(events))
		}
		release, ok := c.budget.TryAcquire()
		if !ok {
			return inconclusiveVerdict(len(events))
		}
		defer release()
	}

	eventsText := strings.Join(events, "\n- ")
	if eventsText != "" {
		eventsText = "- " + eventsText
	}
	prompt := strings.Replace(c.systemPrompt(), "{EVENTS}", eventsText, 1)

	content, inputTokens, outputTokens, err := c.call(prompt)
	if err != nil {
		return inconclusiveVerdict(len(events))
	}
	if c.budget != nil {
		c.budget.RecordCost(inputTokens, outputTokens)
	}

	verdict, err := parseVerdict(content)
	if err != nil {
		return inconclusiveVerdict(len(events))
	}
	return verdict
}

func inconclusiveVerdict(n int) *Verdict {
	return &Verdict{
		Flagged:          true,
		Severity:         "warning",
		Summary:          fmt.Sprintf("Analysis inconclusive for %d event(s)", n),
		SuggestedActions: []string{"Review events manually"},
	}
}

func (c *Client) call(prompt string) (content string, inputTokens, outputTokens int, err error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   500,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return "", 0, 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", 0, 0, fmt.Errorf("call llm: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, 0, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("llm response had no choices")
	}

	content = parsed.Choices[0].Message.Content
	inputTokens = len(strings.Fields(prompt))
	outputTokens = len(strings.Fields(content))
	return content, inputTokens, outputTokens, nil
}

func parseVerdict(content string) (*Verdict, error) {
	if strings.Contains(content, "<think>") {
		parts := strings.Split(content, "</think>")
		content = strings.TrimSpace(parts[len(parts)-1])
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var raw struct {
		Flagged          *bool    `json:"flagged"`
		Severity         *string  `json:"severity"`
		Summary          *string  `json:"summary"`
		SuggestedActions []string `json:"suggested_actions"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode verdict json: %w", err)
	}

	v := &Verdict{
		Flagged:          false,
		Severity:         "info",
		Summary:          "Analysis complete",
		SuggestedActions: []string{},
	}
	if raw.Flagged != nil {
		v.Flagged = *raw.Flagged
	}
	if raw.Severity != nil {
		v.Severity = *raw.Severity
	}
	if raw.Summary != nil {
		v.Summary = *raw.Summary
	}
	if raw.SuggestedActions != nil {
		v.SuggestedActions = raw.SuggestedActions
	}
	return v, nil
}

// truncate shortens s to at most max characters, appending "..." if
// anything was cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
