package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	defaultOpenAIBase      = "https://api.openai.com/v1"
	defaultOpenAIMaxTokens = 1024
	defaultOpenAIRetries   = 2
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	Name        string // provider label for logs, default "openai"
	APIKey      string
	BaseURL     string // OpenAI-compatible endpoint (OpenRouter, vLLM, ...)
	Model       string
	MaxTokens   int
	Temperature *float64
	Timeout     time.Duration
	MaxRetries  *int
}

// OpenAIProvider implements Provider for OpenAI-compatible chat completion APIs.
type OpenAIProvider struct {
	name         string
	defaultModel string
	maxTokens    int
	temperature  *float64
	completions  *openai.ChatCompletionService
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai: model required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBase
	}
	retries := defaultOpenAIRetries
	if cfg.MaxRetries != nil {
		retries = *cfg.MaxRetries
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(base),
		option.WithMaxRetries(retries),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := openai.NewClient(opts...)

	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}
	return &OpenAIProvider{
		name:         name,
		defaultModel: strings.TrimSpace(cfg.Model),
		maxTokens:    maxTokens,
		temperature:  cfg.Temperature,
		completions:  &client.Chat.Completions,
	}, nil
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	completion, err := p.completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("%s: chat completion: %w", p.name, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", p.name)
	}
	choice := completion.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage:        convertUsage(completion.Usage),
	}, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	params := p.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		content strings.Builder
		resp    ChatResponse
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			resp.Usage = convertUsage(chunk.Usage)
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				resp.FinishReason = string(choice.FinishReason)
			}
			if delta := choice.Delta.Content; delta != "" {
				content.WriteString(delta)
				if onChunk != nil {
					onChunk(StreamChunk{Content: delta})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%s: chat stream: %w", p.name, err)
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	resp.Content = content.String()
	return &resp, nil
}

func (p *OpenAIProvider) buildParams(req ChatRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		Messages:            convertMessages(req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	temp := p.temperature
	if req.Temperature != nil {
		temp = req.Temperature
	}
	if temp != nil {
		params.Temperature = openai.Float(*temp)
	}
	return params
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, openai.SystemMessage(m.Content))
			}
		case "assistant":
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)},
				},
			})
		default:
			content := m.Content
			if strings.TrimSpace(content) == "" {
				content = "."
			}
			out = append(out, openai.UserMessage(content))
		}
	}
	if len(out) == 0 {
		out = append(out, openai.UserMessage("."))
	}
	return out
}

func convertUsage(u openai.CompletionUsage) *Usage {
	return &Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}
