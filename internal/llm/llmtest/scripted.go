// Package llmtest provides a scripted llm.Client for engine tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"AgentCompany/internal/llm"
)

// Step produces one response. Returning a nil response and nil error is
// treated as an empty reply.
type Step func(req llm.Request) (*llm.Response, error)

// Scripted replays responses in order. Once the script is exhausted the
// Fallback (if any) answers every further call.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	Fallback Step
	requests []llm.Request
}

// New returns a client that answers with steps in order.
func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Generate implements llm.Client.
func (s *Scripted) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var step Step
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	} else {
		step = s.Fallback
	}
	s.mu.Unlock()

	if step == nil {
		return nil, fmt.Errorf("llmtest: script exhausted after %d calls", len(s.Requests()))
	}
	resp, err := step(req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &llm.Response{}
	}
	return resp, nil
}

// Requests returns a copy of every request seen so far.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Calls returns the number of Generate calls.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Text replies with plain content.
func Text(content string) Step {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: content, Usage: llm.Usage{InputTokens: 100, OutputTokens: 50}}, nil
	}
}

// Fail replies with err.
func Fail(err error) Step {
	return func(llm.Request) (*llm.Response, error) { return nil, err }
}

// Tool replies with a single tool call whose arguments are args marshalled to JSON.
func Tool(name string, args any) Step {
	return Tools(Call(name, args))
}

// Tools replies with several tool calls at once.
func Tools(calls ...llm.ToolCall) Step {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: calls, Usage: llm.Usage{InputTokens: 100, OutputTokens: 20}}, nil
	}
}

// Call builds a tool call with a deterministic id.
func Call(name string, args any) llm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return llm.ToolCall{ID: "call_" + name, Name: name, Arguments: raw}
}
