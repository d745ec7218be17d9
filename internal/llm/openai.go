package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/domain"
	"github.com/surveybot/surveybot/internal/schema"
)

// OpenAIProvider talks to an OpenAI-compatible chat completion endpoint.
// It also serves locally hosted llama.cpp servers, which expose the same
// API surface.
type OpenAIProvider struct {
	client         *openai.Client
	model          string
	maxTokens      int
	temperature    float32
	supportsSchema bool
	logger         *zap.Logger
}

// NewOpenAIProvider creates a provider from config. BaseURL overrides the
// default endpoint, which is how the llamacpp provider variant is built.
func NewOpenAIProvider(cfg config.LLMConfig, logger *zap.Logger) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		temperature:    float32(cfg.Temperature),
		supportsSchema: resolveSchemaSupport(cfg),
		logger:         logger,
	}
}

// NewLocalProvider creates a provider for a locally served llama.cpp model.
// llama.cpp enforces JSON schemas via grammar sampling, so the structured
// path is always available.
func NewLocalProvider(cfg config.LLMConfig, logger *zap.Logger) *OpenAIProvider {
	local := cfg
	local.BaseURL = strings.TrimRight(cfg.LlamaServerURL, "/") + "/v1"
	local.APIKey = "none"
	local.SupportsSchema = "true"
	return NewOpenAIProvider(local, logger)
}

func resolveSchemaSupport(cfg config.LLMConfig) bool {
	switch cfg.SupportsSchema {
	case "true":
		return true
	case "false":
		return false
	}
	// Structured outputs landed with the 2024-08-06 gpt-4o snapshots; older
	// model names fall back to json_object mode plus prompt instructions.
	m := cfg.Model
	return strings.HasPrefix(m, "gpt-4o") || strings.HasPrefix(m, "gpt-4.1") ||
		strings.HasPrefix(m, "gpt-5") || strings.HasPrefix(m, "o1") ||
		strings.HasPrefix(m, "o3")
}

// SupportsResponseSchema reports whether the structured-output path is used.
func (p *OpenAIProvider) SupportsResponseSchema() bool {
	return p.supportsSchema
}

// Complete submits the conversation and expected schema and returns the raw
// reply text plus whether generation was truncated.
func (p *OpenAIProvider) Complete(
	ctx context.Context,
	messages []domain.Message,
	expected *schema.Expected,
) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Messages:    toChatMessages(messages),
	}

	if p.supportsSchema {
		raw, err := json.Marshal(expected.JSONSchema())
		if err != nil {
			return nil, fmt.Errorf("marshaling response schema: %w", err)
		}
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   expected.Name(),
				Schema: json.RawMessage(raw),
				Strict: true,
			},
		}
	} else {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
		req.Messages = withSchemaInstruction(req.Messages, expected)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, domain.NewProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewProviderError(fmt.Errorf("no completion choices returned"))
	}

	choice := resp.Choices[0]
	finish := FinishStop
	if choice.FinishReason == openai.FinishReasonLength {
		finish = FinishLength
	}
	p.logger.Debug("completion received",
		zap.String("model", resp.Model),
		zap.String("finish_reason", string(choice.FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return &Completion{Text: choice.Message.Content, FinishReason: finish}, nil
}

func toChatMessages(messages []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// withSchemaInstruction appends the schema as an explicit instruction for
// providers without native schema enforcement.
func withSchemaInstruction(
	messages []openai.ChatCompletionMessage, expected *schema.Expected,
) []openai.ChatCompletionMessage {
	raw, err := json.Marshal(expected.JSONSchema())
	if err != nil {
		return messages
	}
	instruction := "Respond with a single JSON object conforming exactly to " +
		"this JSON schema, with no additional keys and no surrounding text:\n" +
		string(raw)
	out := make([]openai.ChatCompletionMessage, len(messages), len(messages)+1)
	copy(out, messages)
	return append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: instruction,
	})
}
