// Package replygen hands captured leads to the external reply generator.
package replygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Timeout time.Duration `yaml:"timeout"`
	// APIKey, when set, is sent as x-api-key so the generator can trust us.
	APIKey string `yaml:"api_key"`
}

func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second}
}

// Request is the body posted to a workflow's webhook.
type Request struct {
	LeadID           uuid.UUID `json:"lead_id"`
	WorkflowID       uuid.UUID `json:"workflow_id"`
	NodeID           uuid.UUID `json:"node_id"`
	GroupName        string    `json:"group_name"`
	Prompt           string    `json:"prompt"`
	PostURL          string    `json:"post_url"`
	Author           string    `json:"author"`
	Text             string    `json:"text"`
	ScreenshotBase64 string    `json:"screenshot_base64,omitempty"`
	CallbackURL      string    `json:"callback_url"`
}

// StatusError is a non-2xx answer from the generator.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("reply generator returned status %d", e.Status)
	}
	return fmt.Sprintf("reply generator returned status %d: %s", e.Status, e.Body)
}

type Client struct {
	apiKey     string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Send posts req to webhookURL. Any 2xx counts as accepted.
func (c *Client) Send(ctx context.Context, webhookURL string, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode reply request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post to reply generator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
