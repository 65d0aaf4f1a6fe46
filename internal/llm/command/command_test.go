package command

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "model.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestGenerateReadsJSONResponse(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"content":"hello","usage":{"input_tokens":3,"output_tokens":5},"tool_calls":[{"id":"c1","name":"report_result","arguments":{"result":"ok"}}]}'
`)
	client, err := NewClient(Config{Executable: script, Model: "local"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "hello" || resp.Usage.OutputTokens != 5 || resp.Model != "local" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "report_result" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
}

func TestGenerateFailuresAreClassified(t *testing.T) {
	failing := writeScript(t, "echo boom >&2\nexit 3\n")
	client, _ := NewClient(Config{Executable: failing})
	_, err := client.Generate(context.Background(), llm.Request{})
	if !xerrors.Is(err, xerrors.CodeProvider) || !xerrors.RetryableError(err) {
		t.Fatalf("non-zero exit should be a retryable provider error, got %v", err)
	}

	garbage := writeScript(t, "echo not-json\n")
	client, _ = NewClient(Config{Executable: garbage})
	_, err = client.Generate(context.Background(), llm.Request{})
	if !xerrors.Is(err, llm.CodeRequestRejected) {
		t.Fatalf("unparsable output should be rejected, got %v", err)
	}

	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected missing executable to be rejected")
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/srv", "./bridge.py"); got != "/srv/bridge.py" {
		t.Fatalf("unexpected %s", got)
	}
	if got := ResolvePath("/srv", "--flag"); got != "--flag" {
		t.Fatalf("flags must be left alone, got %s", got)
	}
}
