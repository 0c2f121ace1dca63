// Package assistant is a client for the LLM assistant service used to draft
// narrative recommendations.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/ehr/claimflow/internal/platform/httpclient"
)

var ErrDisabled = errors.New("assistant is not configured")

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context describes where the prompt comes from.
type Context struct {
	ApplicationType string    `json:"application_type"`
	Specialty       string    `json:"specialty,omitempty"`
	TenantID        string    `json:"tenant_id,omitempty"`
	Page            string    `json:"page,omitempty"`
	Role            string    `json:"role,omitempty"`
	AllowedActions  []string  `json:"allowed_actions,omitempty"`
	History         []Message `json:"history,omitempty"`
}

type Request struct {
	Prompt  string  `json:"prompt"`
	Context Context `json:"context"`
}

// Action is a structured suggestion attached to a reply.
type Action struct {
	Type            string                 `json:"type"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	Confidence      float64                `json:"confidence"`
	PredictedImpact string                 `json:"predicted_impact,omitempty"`
}

type Response struct {
	Reply  string  `json:"reply"`
	Action *Action `json:"action,omitempty"`
}

type Config struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// Client posts prompts to the assistant endpoint.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	logger = logger.With().Str("component", "assistant").Logger()
	return &Client{
		cfg:  cfg,
		http: httpclient.New(httpclient.Options{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries}, logger),
	}
}

// Enabled reports whether a URL is configured.
func (c *Client) Enabled() bool { return c != nil && c.cfg.URL != "" }

// Ask sends one prompt and returns the assistant's reply.
func (c *Client) Ask(ctx context.Context, in Request) (*Response, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal assistant request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build assistant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assistant request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read assistant response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("assistant returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode assistant response: %w", err)
	}
	return &out, nil
}
