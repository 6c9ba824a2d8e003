// llm.go implements the LLM-backed classifier against an OpenAI-compatible
// chat completions endpoint. Classification and coaching are produced in one
// call; the coaching message is a field of the same JSON response, so it
// reflects the same reasoning as the type it accompanies.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LLMConfig configures the classifier endpoint.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible API base (e.g. "https://api.openai.com/v1").
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests. Resolved keyring → env → config.
	APIKey string `yaml:"api_key"`

	// Model is the classification model (small and fast is fine).
	Model string `yaml:"model"`

	// TimeoutSeconds bounds one classification call (default 30).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// LLM is the primary classifier.
type LLM struct {
	cfg        LLMConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLM creates the LLM classifier.
func NewLLM(cfg LLMConfig, logger *slog.Logger) *LLM {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With("component", "classifier-llm"),
	}
}

const classifySystemPrompt = `You classify the final output of an autonomous coding agent.
Return ONLY a JSON object, no prose, with this shape:
{"type": "completion"|"question"|"blocker"|"error"|"status", "confidence": 0.0-1.0, "reason": "...", "coaching_message": "..."|null}

Definitions:
- completion: the task is done and the text is a final answer.
- question: the agent needs a human decision (including "ready when approved" style approval gates).
- blocker: an external obstacle (missing credentials, access, third-party outage).
- error: the agent reports a failure.
- status: a genuine intermediate progress update; the agent should keep working unattended.

Set coaching_message ONLY when type is "status": name specifically what is missing
from the output (hedging language, absent evidence, unverified claims) so the agent
knows what to fix in the next round. Never use a generic "keep going" template.
When in doubt between status and anything else, prefer the other type.`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	// Temperature zero keeps the classification deterministic.
	Temperature float64 `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Classify performs one chat-completion call and parses the JSON verdict.
func (l *LLM) Classify(ctx context.Context, in Input) (*Result, error) {
	user := "Agent output:\n\n" + in.Output
	if in.PlanContext != "" {
		user = "Active plan context:\n" + in.PlanContext + "\n\n" + user
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: l.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		l.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classification request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classification API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("classification API error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("classification API returned no choices")
	}

	return ParseResult(cr.Choices[0].Message.Content)
}

// ParseResult decodes the model's JSON verdict, tolerating markdown fences.
func ParseResult(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	var res Result
	if err := json.Unmarshal([]byte(content), &res); err != nil {
		return nil, fmt.Errorf("parse classification JSON: %w", err)
	}
	switch res.Type {
	case TypeCompletion, TypeQuestion, TypeBlocker, TypeError, TypeStatus:
	default:
		return nil, fmt.Errorf("unknown classification type %q", res.Type)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", res.Confidence)
	}
	return &res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
