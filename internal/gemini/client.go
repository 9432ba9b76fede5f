// Package gemini is a client for the Google Generative Language API.
// It requests structured JSON output via a response schema so the
// analysis result parses without prose-stripping heuristics.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fernwake/insightd/internal/config"
	"github.com/fernwake/insightd/internal/httpkit"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// ErrUnauthorized is returned by Validate when the API rejects the key.
// Callers use it to distinguish a misconfiguration (fatal) from a
// transient network or service problem (retryable).
var ErrUnauthorized = errors.New("gemini: API key rejected")

// ProposedAction is one service call the model recommends. ServiceData
// is a JSON object encoded as a string; the schema requests it that way
// because nested free-form objects are not expressible in the response
// schema language.
type ProposedAction struct {
	Domain      string  `json:"domain"`
	Service     string  `json:"service"`
	ServiceData string  `json:"service_data,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Insight is a parsed analysis response.
type Insight struct {
	Insights string
	Alerts   string
	Proposed []ProposedAction
	Raw      string // verbatim model output, for the raw_response sensor
}

// Client talks to the generateContent endpoint for a single model.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Gemini client. The API key is required; an empty
// model selects the configured default.
func NewClient(apiKey, model string, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if model == "" {
		model = config.DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Generation can take a while before headers arrive on long prompts.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		logger:  logger.With("provider", "gemini", "model", model),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // ctx deadlines control request lifetime
			httpkit.WithTransport(t),
		),
	}, nil
}

// Wire types for the generateContent endpoint.

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
	Role  string `json:"role,omitempty"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64     `json:"temperature"`
	MaxOutputTokens  int         `json:"maxOutputTokens"`
	ResponseMIMEType string      `json:"responseMimeType,omitempty"`
	ResponseSchema   *schemaNode `json:"responseSchema,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type schemaNode struct {
	Type       string                 `json:"type"`
	Properties map[string]*schemaNode `json:"properties,omitempty"`
	Items      *schemaNode            `json:"items,omitempty"`
	Required   []string               `json:"required,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// insightPayload is the schema-enforced shape of the model's JSON reply.
type insightPayload struct {
	Insights  string           `json:"insights"`
	Alerts    string           `json:"alerts"`
	ToExecute []ProposedAction `json:"to_execute"`
}

// responseSchema constrains the model to the insightPayload shape.
func responseSchema() *schemaNode {
	return &schemaNode{
		Type: "OBJECT",
		Properties: map[string]*schemaNode{
			"insights": {Type: "STRING"},
			"alerts":   {Type: "STRING"},
			"to_execute": {
				Type: "ARRAY",
				Items: &schemaNode{
					Type: "OBJECT",
					Properties: map[string]*schemaNode{
						"domain":       {Type: "STRING"},
						"service":      {Type: "STRING"},
						"service_data": {Type: "STRING"},
						"confidence":   {Type: "NUMBER"},
					},
					Required: []string{"domain", "service", "confidence"},
				},
			},
		},
		Required: []string{"insights", "alerts"},
	}
}

func safetySettings() []safetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	out := make([]safetySetting, len(categories))
	for i, c := range categories {
		out[i] = safetySetting{Category: c, Threshold: "BLOCK_MEDIUM_AND_ABOVE"}
	}
	return out
}

// GenerateInsights sends the assembled prompt and parses the structured
// reply. The raw model text is always preserved on the returned Insight.
func (c *Client) GenerateInsights(ctx context.Context, prompt string) (*Insight, error) {
	req := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:      0.2,
			MaxOutputTokens:  2048,
			ResponseMIMEType: "application/json",
			ResponseSchema:   responseSchema(),
		},
		SafetySettings: safetySettings(),
	}

	text, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	var payload insightPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("parse model response: %w", err)
	}

	return &Insight{
		Insights: payload.Insights,
		Alerts:   payload.Alerts,
		Proposed: payload.ToExecute,
		Raw:      text,
	}, nil
}

// Validate sends a minimal one-token request to verify the API key.
// A rejected key returns ErrUnauthorized; everything else is treated as
// transient.
func (c *Client) Validate(ctx context.Context) error {
	req := generateRequest{
		Contents:         []content{{Parts: []part{{Text: "ping"}}}},
		GenerationConfig: generationConfig{MaxOutputTokens: 1},
	}
	_, err := c.generate(ctx, req)
	return err
}

func (c *Client) generate(ctx context.Context, req generateRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Key goes in a header, never the URL, so it can't leak into logs.
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			// The API reports an invalid key as 400 with an API_KEY_INVALID
			// detail; fold the auth-shaped statuses into one sentinel.
			return "", fmt.Errorf("%w (status %d): %s", ErrUnauthorized, resp.StatusCode, errBody)
		default:
			return "", fmt.Errorf("gemini API error %d: %s", resp.StatusCode, errBody)
		}
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(genResp.Candidates) == 0 {
		if fb := genResp.PromptFeedback; fb != nil && fb.BlockReason != "" {
			return "", fmt.Errorf("prompt blocked: %s", fb.BlockReason)
		}
		return "", errors.New("empty response: no candidates")
	}

	cand := genResp.Candidates[0]
	var text string
	for _, p := range cand.Content.Parts {
		text += p.Text
	}

	c.logger.Debug("response received",
		"finish_reason", cand.FinishReason,
		"prompt_tokens", genResp.UsageMetadata.PromptTokenCount,
		"output_tokens", genResp.UsageMetadata.CandidatesTokenCount,
		"content_len", len(text),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", text)

	return text, nil
}
