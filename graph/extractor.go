package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

const (
	extractMaxTokens   = 2048
	extractTemperature = 0.1
)

// Extractor turns episode text into graph elements.
type Extractor interface {
	ExtractGraph(ctx context.Context, content string, schema *ProjectSchema) (*Extraction, error)
}

// LLMExtractor extracts entities and relations with an OpenAI-compatible
// chat completions endpoint.
type LLMExtractor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// LLMExtractorConfig holds configuration for the extractor.
type LLMExtractorConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewLLMExtractor creates an extractor instance.
func NewLLMExtractor(cfg LLMExtractorConfig) *LLMExtractor {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &LLMExtractor{
		client:  openai.NewClientWithConfig(config),
		model:   cfg.Model,
		timeout: timeout,
	}
}

// ExtractGraph analyzes the episode content. A non-empty project schema
// steers the model toward the project's known types; the model may still
// propose new ones.
func (e *LLMExtractor) ExtractGraph(ctx context.Context, content string, schema *ProjectSchema) (*Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       e.model,
		MaxTokens:   extractMaxTokens,
		Temperature: extractTemperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: extractSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildExtractPrompt(content, schema),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, req)
	latency := time.Since(start)

	if err != nil {
		slog.Error("graph_extraction_failed",
			"model", e.model,
			"error", err,
			"latency_ms", latency.Milliseconds())
		return nil, errors.Wrap(err, "LLM request failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty response from LLM")
	}

	var extraction Extraction
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &extraction); err != nil {
		slog.Warn("graph_extraction_parse_failed",
			"model", e.model,
			"content", resp.Choices[0].Message.Content,
			"error", err)
		return nil, errors.Wrap(err, "parse response failed")
	}

	slog.Debug("graph_extraction_success",
		"model", e.model,
		"entities", len(extraction.Entities),
		"edges", len(extraction.Edges),
		"latency_ms", latency.Milliseconds(),
		"tokens_total", resp.Usage.TotalTokens)
	return &extraction, nil
}

func buildExtractPrompt(content string, schema *ProjectSchema) string {
	var b strings.Builder
	if schema != nil && (len(schema.EntityTypes) > 0 || len(schema.EdgeTypes) > 0) {
		b.WriteString("Known entity types: ")
		b.WriteString(strings.Join(schema.EntityTypes, ", "))
		b.WriteString("\nKnown edge types: ")
		b.WriteString(strings.Join(schema.EdgeTypes, ", "))
		b.WriteString("\nPrefer these types; introduce a new type only when none fits.\n\n")
	}
	b.WriteString("Episode:\n")
	b.WriteString(content)
	return b.String()
}

const extractSystemPrompt = `You extract a knowledge graph from an episode of user memory.
Return a JSON object with two arrays:
  "entities": [{"name", "type", "summary"}]
  "edges": [{"source_entity", "target_entity", "type", "fact"}]
Entity and edge types are UPPER_SNAKE_CASE singular nouns, e.g. PERSON, WORKS_AT.
Every edge must reference entity names present in "entities".
Return only the JSON object.`
