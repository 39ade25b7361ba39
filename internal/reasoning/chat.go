package reasoning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChatTurn is one message in a multi-turn conversation sent to the chat
// endpoint.
type ChatTurn struct {
	Role    string
	Content string
}

// ChatClient calls the same chat-completion endpoint as Client, but for
// the interactive agent loop rather than batch analysis: multi-turn,
// no budget tracking (the operator is present and watching), and a
// larger token ceiling to accommodate longer tool-call reasoning.
type ChatClient struct {
	cfg  ClientConfig
	http *http.Client
}

// NewChatClient constructs a ChatClient.
func NewChatClient(cfg ClientConfig) *ChatClient {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	return &ChatClient{cfg: cfg, http: &http.Client{Timeout: time.Duration(timeout) * time.Second}}
}

// Call sends the full turn history to the chat endpoint and returns the
// assistant's raw reply content, unparsed and uncleaned.
func (c *ChatClient) Call(turns []ChatTurn) (string, error) {
	messages := make([]chatMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}

	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1000,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call llm: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
