package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicMessagesPath   = "/v1/messages"
	anthropicVersion        = "2023-06-01"
	maxAnalysisInputRunes   = 6000
)

// AnthropicConfig configures the model-backed analyzer.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

// AnthropicAnalyzer enriches notes through the Anthropic messages API with a
// JSON-only prompt contract.
type AnthropicAnalyzer struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewAnthropicAnalyzer validates config and returns the model-backed
// analyzer.
func NewAnthropicAnalyzer(cfg AnthropicConfig) (*AnthropicAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("analyze: anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("analyze: anthropic model is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicAnalyzer{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: baseURL,
		client:  client,
	}, nil
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type analysisPayload struct {
	AITitle      string   `json:"aiTitle"`
	SummaryShort string   `json:"summaryShort"`
	SummaryLong  string   `json:"summaryLong"`
	Tags         []string `json:"tags"`
	Hashtags     []string `json:"hashtags"`
	Category     string   `json:"category"`
	Confidence   float64  `json:"confidence"`
	LowContent   bool     `json:"lowContent"`
}

// Analyze sends the text to the model and parses the structured reply.
// Timeouts come from ctx; any transport failure, API error or non-JSON reply
// surfaces as *AnalysisError.
func (a *AnthropicAnalyzer) Analyze(ctx context.Context, text string) (Result, error) {
	prompt := buildPrompt(runeCap(text, maxAnalysisInputRunes))

	reply, err := a.callAPI(ctx, prompt)
	if err != nil {
		return Result{}, &AnalysisError{Provider: "anthropic", Err: err}
	}

	payload, err := parseAnalysisReply(reply)
	if err != nil {
		return Result{}, &AnalysisError{Provider: "anthropic", Err: err}
	}

	return Result{
		AITitle:      payload.AITitle,
		SummaryShort: payload.SummaryShort,
		SummaryLong:  payload.SummaryLong,
		Tags:         payload.Tags,
		Hashtags:     payload.Hashtags,
		Category:     payload.Category,
		Confidence:   payload.Confidence,
		LowContent:   payload.LowContent,
	}, nil
}

func buildPrompt(text string) string {
	var sb strings.Builder
	sb.WriteString("Analyze this captured note content. Return JSON only.\n\n")
	sb.WriteString("Content:\n")
	sb.WriteString(text)
	sb.WriteString("\n\n")
	sb.WriteString(`Return a JSON object with this structure:
{
  "aiTitle": "short title",
  "summaryShort": "one or two sentences",
  "summaryLong": "a fuller paragraph",
  "tags": ["topic-tag"],
  "hashtags": ["#hashtag"],
  "category": "single category name",
  "confidence": 0.9,
  "lowContent": false
}

Rules:
- Write title and summaries in the language of the content
- Suggest 2-5 tags, lowercase
- Set lowContent true when the content carries too little substance to summarize
- Confidence is 0.0-1.0

Return ONLY the JSON, no other text.`)
	return sb.String()
}

func (a *AnthropicAnalyzer) callAPI(ctx context.Context, prompt string) (string, error) {
	requestBody := apiRequest{
		Model:     a.model,
		MaxTokens: 1024,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+anthropicMessagesPath, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-api-key", a.apiKey)
	request.Header.Set("anthropic-version", anthropicVersion)

	response, err := a.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("api error: %s", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return "", errors.New("empty response content")
	}
	return parsed.Content[0].Text, nil
}

// parseAnalysisReply tolerates markdown code fences around the JSON but
// rejects anything that does not decode into the expected shape.
func parseAnalysisReply(reply string) (analysisPayload, error) {
	cleaned := strings.TrimSpace(reply)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var payload analysisPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return analysisPayload{}, fmt.Errorf("non-JSON model output: %w", err)
	}
	if strings.TrimSpace(payload.AITitle) == "" {
		return analysisPayload{}, errors.New("model output missing aiTitle")
	}
	return payload, nil
}

func runeCap(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
