// Package command 通过外部进程完成模型推理：请求以 JSON 写入标准输入，
// 进程在标准输出返回 JSON 响应。适合接入本地模型或自定义脚本。
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/llm"
)

// Config 描述外部进程。
type Config struct {
	Executable string
	Args       []string
	WorkingDir string
	Model      string
	Timeout    time.Duration
}

// Client 通过调用外部进程实现大模型推理。
type Client struct {
	executable string
	args       []string
	workingDir string
	model      string
	timeout    time.Duration
}

// NewClient 创建外部进程客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Executable) == "" {
		return nil, fmt.Errorf("未指定推理进程")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	args := make([]string, 0, len(cfg.Args))
	for _, arg := range cfg.Args {
		args = append(args, ResolvePath(cfg.WorkingDir, arg))
	}
	return &Client{
		executable: cfg.Executable,
		args:       args,
		workingDir: cfg.WorkingDir,
		model:      cfg.Model,
		timeout:    timeout,
	}, nil
}

// Generate 调用外部进程，并解析输出。
// 进程退出码非零或超时视为可重试的提供方错误，输出无法解析则直接失败。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.executable, c.args...)
	if c.workingDir != "" {
		cmd.Dir = c.workingDir
	}
	cmd.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, xerrors.Provider(
			fmt.Errorf("%w, stderr=%s", err, strings.TrimSpace(stderr.String())),
			"执行推理进程失败",
		)
	}

	var resp llm.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(llm.CodeRequestRejected, err, "解析推理进程输出失败")
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

// ResolvePath 把以 ./ 或 ../ 开头的相对路径参数解析到工作目录下。
func ResolvePath(baseDir, arg string) string {
	if arg == "" || baseDir == "" || filepath.IsAbs(arg) {
		return arg
	}
	if strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
		return filepath.Join(baseDir, arg)
	}
	return arg
}
