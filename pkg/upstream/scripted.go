package upstream

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ScriptedTurn is one canned reply of a ScriptedProvider.
type ScriptedTurn struct {
	Chunks []string
	Stop   Stop
	// Err fails the call after Chunks were streamed
	Err error
	// Hang blocks after Chunks until the context is done
	Hang bool
}

// ScriptedProvider replays canned turns in order. It records every request
// it receives. Once the script is exhausted it answers with a Finished stop.
type ScriptedProvider struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	requests []Request
}

// NewScriptedProvider creates a provider replaying turns
func NewScriptedProvider(turns ...ScriptedTurn) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

// Name returns the provider name
func (p *ScriptedProvider) Name() string {
	return "scripted"
}

// Requests returns copies of the requests received so far
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	for i, r := range p.requests {
		r.Messages = append([]Message(nil), r.Messages...)
		out[i] = r
	}
	return out
}

// Stream replays the next turn
func (p *ScriptedProvider) Stream(ctx context.Context, req Request, onEvent func(StreamEvent)) (Response, error) {
	p.mu.Lock()
	req.Messages = append([]Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
	turn := ScriptedTurn{Stop: Stop{Reason: StopSequence, Sequence: "/* FINISHED */"}}
	if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	}
	p.mu.Unlock()

	var text strings.Builder
	for _, chunk := range turn.Chunks {
		if err := ctx.Err(); err != nil {
			return Response{}, fail(onEvent, err)
		}
		text.WriteString(chunk)
		emit(onEvent, StreamEvent{Kind: EventTextDelta, Text: chunk})
	}
	if turn.Hang {
		<-ctx.Done()
		return Response{}, fail(onEvent, ctx.Err())
	}
	if turn.Err != nil {
		return Response{}, fail(onEvent, turn.Err)
	}
	if turn.Stop.Reason == "" {
		turn.Stop.Reason = StopEndTurn
	}

	resp := Response{Text: text.String(), Stop: turn.Stop, Usage: Usage{OutputTokens: len(turn.Chunks)}}
	emit(onEvent, StreamEvent{Kind: EventTurnStopped, Stop: resp.Stop, Usage: resp.Usage})
	return resp, nil
}

// ErrScripted is a convenient transient failure for scripts
var ErrScripted = errors.New("scripted upstream failure: 529 overloaded")
