package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/draftbridge/backend/internal/config"
	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// LLMService streams chat completions from the configured provider. It
// implements ChatStreamer.
type LLMService struct {
	config *config.LLMConfig
}

func NewLLMService(cfg *config.LLMConfig) *LLMService {
	return &LLMService{config: cfg}
}

func (s *LLMService) Model() string {
	return s.config.Model
}

// StreamChat dispatches to the provider-specific streaming call based on the
// configured provider.
func (s *LLMService) StreamChat(ctx context.Context, messages []ChatMessage, onDelta func(string) error) (*ChatUsage, error) {
	logger.Debug().
		Str("provider", s.config.Provider).
		Str("model", s.config.Model).
		Int("messages", len(messages)).
		Msg("starting chat stream")

	switch s.config.Provider {
	case "anthropic":
		return s.streamAnthropic(ctx, messages, onDelta)
	case "ollama":
		return s.streamOllama(ctx, messages, onDelta)
	case "gemini":
		return s.streamGemini(ctx, messages, onDelta)
	default:
		// openai and OpenAI-compatible services
		return s.streamOpenAI(ctx, messages, onDelta)
	}
}

// streamOpenAI handles OpenAI and OpenAI-compatible APIs (including custom endpoints)
func (s *LLMService) streamOpenAI(ctx context.Context, messages []ChatMessage, onDelta func(string) error) (*ChatUsage, error) {
	clientConfig := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		clientConfig.BaseURL = s.config.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted = append(converted, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         s.config.Model,
		Messages:      converted,
		MaxTokens:     s.config.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer stream.Close()

	var usage *ChatUsage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return usage, fmt.Errorf("OpenAI stream error: %w", err)
		}
		// The usage-bearing chunk arrives last, with an empty choice list.
		if resp.Usage != nil {
			usage = &ChatUsage{
				PromptTokens:     int64(resp.Usage.PromptTokens),
				CompletionTokens: int64(resp.Usage.CompletionTokens),
				TotalTokens:      int64(resp.Usage.TotalTokens),
			}
		}
		if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
			if err := onDelta(resp.Choices[0].Delta.Content); err != nil {
				return usage, err
			}
		}
	}
	return usage, nil
}

// streamAnthropic handles the Anthropic Claude API using the native SDK
func (s *LLMService) streamAnthropic(ctx context.Context, messages []ChatMessage, onDelta func(string) error) (*ChatUsage, error) {
	client := anthropic.NewClient(
		option.WithAPIKey(s.config.APIKey),
	)

	maxTokens := int64(s.config.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var system []anthropic.TextBlockParam
	converted := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case models.RoleAssistant:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	stream := client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.config.Model),
		MaxTokens: maxTokens,
		System:    system,
		Messages:  converted,
	})

	usage := &ChatUsage{}
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.PromptTokens = ev.Message.Usage.InputTokens
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if err := onDelta(delta.Text); err != nil {
					return usage, err
				}
			}
		case anthropic.MessageDeltaEvent:
			usage.CompletionTokens = ev.Usage.OutputTokens
		}
	}
	if err := stream.Err(); err != nil {
		return usage, fmt.Errorf("Anthropic API error: %w", err)
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage, nil
}

// streamOllama handles the Ollama API using the native SDK
func (s *LLMService) streamOllama(ctx context.Context, messages []ChatMessage, onDelta func(string) error) (*ChatUsage, error) {
	baseURL := s.config.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}
	client := api.NewClient(u, http.DefaultClient)

	converted := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		converted = append(converted, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	usage := &ChatUsage{}
	stream := true
	err = client.Chat(ctx, &api.ChatRequest{
		Model:    s.config.Model,
		Messages: converted,
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			if err := onDelta(resp.Message.Content); err != nil {
				return err
			}
		}
		if resp.Done {
			usage.PromptTokens = int64(resp.Metrics.PromptEvalCount)
			usage.CompletionTokens = int64(resp.Metrics.EvalCount)
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		return nil
	})
	if err != nil {
		return usage, fmt.Errorf("Ollama API error: %w", err)
	}
	return usage, nil
}

// streamGemini handles the Google Gemini API using the native SDK
func (s *LLMService) streamGemini(ctx context.Context, messages []ChatMessage, onDelta func(string) error) (*ChatUsage, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: s.config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("Gemini client error: %w", err)
	}

	var genCfg *genai.GenerateContentConfig
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			genCfg = &genai.GenerateContentConfig{
				SystemInstruction: &genai.Content{
					Parts: []*genai.Part{{Text: msg.Content}},
				},
			}
		case models.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	usage := &ChatUsage{}
	for chunk, err := range client.Models.GenerateContentStream(ctx, s.config.Model, contents, genCfg) {
		if err != nil {
			return usage, fmt.Errorf("Gemini API error: %w", err)
		}
		if text := chunk.Text(); text != "" {
			if err := onDelta(text); err != nil {
				return usage, err
			}
		}
		if chunk.UsageMetadata != nil {
			usage.PromptTokens = int64(chunk.UsageMetadata.PromptTokenCount)
			usage.CompletionTokens = int64(chunk.UsageMetadata.CandidatesTokenCount)
			usage.TotalTokens = int64(chunk.UsageMetadata.TotalTokenCount)
		}
	}
	return usage, nil
}
