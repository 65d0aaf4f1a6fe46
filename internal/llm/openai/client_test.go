package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateWithTools(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-2024-08-06",
			"choices": []map[string]any{
				{
					"finish_reason": "tool_calls",
					"message": map[string]any{
						"content": "",
						"tool_calls": []map[string]any{
							{
								"id":   "call_1",
								"type": "function",
								"function": map[string]any{
									"name":      "delegate_task",
									"arguments": `{"to_role":"developer","task_description":"build it"}`,
								},
							},
						},
					},
				},
			},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		System: "you are the CEO",
		Messages: []llm.Message{
			llm.UserMessage("plan"),
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c0", Name: "report_result", Arguments: json.RawMessage(`{"result":"x"}`)}}},
			llm.ToolResult("c0", "ok"),
		},
		Tools: []llm.ToolSpec{{Name: "delegate_task", Description: "delegate", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "delegate_task" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	var args map[string]string
	if err := json.Unmarshal(resp.ToolCalls[0].Arguments, &args); err != nil || args["to_role"] != "developer" {
		t.Fatalf("unexpected arguments: %s", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 30 || resp.Model != "gpt-4o-2024-08-06" {
		t.Fatalf("unexpected usage: %+v", resp)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	messages := captured.Body["messages"].([]any)
	if len(messages) != 4 || messages[0].(map[string]any)["role"] != "system" {
		t.Fatalf("system prompt must lead the conversation: %+v", messages)
	}
	if messages[3].(map[string]any)["tool_call_id"] != "c0" {
		t.Fatalf("tool result not forwarded: %+v", messages[3])
	}
	tools := captured.Body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools not forwarded: %+v", captured.Body["tools"])
	}
}

func TestGenerateErrorClassification(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", status)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Generate(context.Background(), llm.Request{})
	if !xerrors.Is(err, llm.CodeRequestRejected) || xerrors.RetryableError(err) {
		t.Fatalf("400 should be a non-retryable rejection, got %v", err)
	}

	status = http.StatusTooManyRequests
	_, err = client.Generate(context.Background(), llm.Request{})
	if !xerrors.Is(err, xerrors.CodeProvider) || !xerrors.RetryableError(err) {
		t.Fatalf("429 should be a retryable provider error, got %v", err)
	}

	status = http.StatusBadGateway
	if _, err = client.Generate(context.Background(), llm.Request{}); !xerrors.RetryableError(err) {
		t.Fatalf("502 should be retryable, got %v", err)
	}
}
