// Package generator composes the message text for a time slot through an
// OpenAI-compatible chat-completions endpoint (Groq by default).
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"groupbot/internal/fault"
	logx "groupbot/pkg/logx"
)

const (
	DefaultBaseURL     = "https://api.groq.com/openai/v1"
	DefaultModel       = "llama-3.3-70b-versatile"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
	DefaultTimeout     = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// SystemPrompt asks for exactly three lines: a hunger joke, a health tip and
// a gentle chocolate mention.
const SystemPrompt = `You are an AI message generator for an Indian Daily Hunger-Time WhatsApp Notification System.
Your task is to generate ONE short WhatsApp-friendly message for the given hunger time.

STRICT RULES:
1. Output MUST have EXACTLY 3 lines.
2. Each line MUST be separated by a single line break.
3. Do NOT add greetings, explanations, headers, or extra spacing.
4. Language must be simple, casual, and relatable to Indian users.
5. Tone should be funny, light, and friendly.

REQUIRED STRUCTURE:
Line 1: Funny hunger-related line (Indian context)
Line 2: Simple, practical health tip
Line 3: Soft chocolate mention (gentle, non-pushy)

Return ONLY the 3-line WhatsApp message. Nothing else.`

// Request is one generation call. APIKey is read from the config store at
// fire time, so it is passed per call.
type Request struct {
	APIKey string
	Slot   string
}

// Generator returns the message text for a slot. An empty string means the
// provider produced nothing usable.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type Config struct {
	BaseURL      string
	Model        string
	Temperature  *float64 // nil = DefaultTemperature
	MaxTokens    int
	Timeout      time.Duration
	SystemPrompt string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = SystemPrompt
	}
	return c
}

// Client talks to a chat-completions endpoint.
type Client struct {
	http *http.Client
	log  logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, log logx.Logger) *Client {
	return &Client{
		http: &http.Client{},
		log:  log.With(logx.String("comp", "generator")),
		cfg:  cfg.withDefaults(),
	}
}

func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Client) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return "", fault.Missing("credential", "save the API key in the panel first")
	}
	cfg := c.config()

	body, err := json.Marshal(chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: cfg.SystemPrompt},
			{Role: "user", Content: "Generate message for: " + req.Slot},
		},
		Temperature: *cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", fault.Wrap(err, "marshal request")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fault.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(req.APIKey))

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fault.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fault.Wrap(err, "read response")
	}
	if resp.StatusCode/100 != 2 {
		err := fault.Newf("chat completion failed with status %d: %s", resp.StatusCode, snippet(raw))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			err = fault.WithHint(err, "check the API key saved in the panel")
		}
		return "", err
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fault.Wrap(err, "decode response")
	}
	if len(out.Choices) == 0 {
		return "", fault.New("chat completion returned no choices")
	}

	text := strings.TrimSpace(out.Choices[0].Message.Content)
	c.log.Debug("message generated",
		logx.String("slot", req.Slot),
		logx.String("model", cfg.Model),
		logx.Int("tokens", out.Usage.TotalTokens),
		logx.Int("chars", len(text)),
		logx.Duration("took", time.Since(start)),
	)
	return text, nil
}

const snippetLen = 300

// snippet shortens a provider body for error text without splitting a rune.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= snippetLen {
		return s
	}
	cut := snippetLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
