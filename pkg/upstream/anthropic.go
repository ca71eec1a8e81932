package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrIncompleteStream is returned when a stream ends without a stop event
var ErrIncompleteStream = errors.New("stream ended without a stop event")

// AnthropicProvider implements Provider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream makes a streaming call to Anthropic. Stop literals are passed as
// stop sequences; the one that fired is reported in Stop.Sequence and is
// not part of the streamed text.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request, onEvent func(StreamEvent)) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    toAnthropicMessages(req.Messages),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	var text strings.Builder
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return Response{}, fail(onEvent, fmt.Errorf("accumulate stream event: %w", err))
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				text.WriteString(d.Text)
				emit(onEvent, StreamEvent{Kind: EventTextDelta, Text: d.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Response{}, fail(onEvent, err)
	}
	if msg.StopReason == "" {
		return Response{}, fail(onEvent, ErrIncompleteStream)
	}

	resp := Response{
		Text: text.String(),
		Stop: Stop{
			Reason:   mapAnthropicStopReason(msg.StopReason),
			Sequence: msg.StopSequence,
		},
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	emit(onEvent, StreamEvent{Kind: EventTurnStopped, Stop: resp.Stop, Usage: resp.Usage})
	return resp, nil
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		}
	}
	return out
}

func mapAnthropicStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonStopSequence:
		return StopSequence
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopUnknown
	}
}
