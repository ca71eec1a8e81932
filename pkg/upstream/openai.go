package upstream

import (
	"context"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tiktoken-go/tokenizer"
)

// OpenAIProvider implements Provider for OpenAI chat completions.
//
// The chat API does not report which stop sequence fired, so stop literals
// are not sent: markers arrive in the text and are recognized there.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream makes a streaming chat completion call
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, onEvent func(StreamEvent)) (Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	resp := Response{}
	text := make([]byte, 0, 4096)
	finish := ""
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			resp.Usage = Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text = append(text, choice.Delta.Content...)
				emit(onEvent, StreamEvent{Kind: EventTextDelta, Text: choice.Delta.Content})
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Response{}, fail(onEvent, err)
	}
	if finish == "" {
		return Response{}, fail(onEvent, ErrIncompleteStream)
	}

	resp.Text = string(text)
	resp.Stop = Stop{Reason: mapOpenAIFinishReason(finish)}
	if resp.Usage == (Usage{}) {
		resp.Usage = EstimateUsage(req.Messages, resp.Text)
	}
	emit(onEvent, StreamEvent{Kind: EventTurnStopped, Stop: resp.Stop, Usage: resp.Usage})
	return resp, nil
}

func mapOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "stop":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	default:
		return StopUnknown
	}
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// EstimateUsage counts tokens locally with the cl100k_base encoding. It is
// used when the stream carries no usage block.
func EstimateUsage(messages []Message, output string) Usage {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return Usage{}
	}

	count := func(s string) int {
		_, tokens, err := codec.Encode(s)
		if err != nil {
			return 0
		}
		return len(tokens)
	}

	var u Usage
	for _, msg := range messages {
		u.InputTokens += count(msg.Content)
	}
	u.OutputTokens = count(output)
	return u
}
