package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"AgentCompany/internal/cost"
	"AgentCompany/internal/events"
	"AgentCompany/internal/role"
	"AgentCompany/pkg/logger"
)

// Config 描述一家公司的完整配置。
type Config struct {
	Company    CompanyConfig         `yaml:"company" toml:"company" json:"company"`
	Roles      []role.Role           `yaml:"roles" toml:"roles" json:"roles,omitempty"`
	Agents     []AgentConfig         `yaml:"agents" toml:"agents" json:"agents"`
	Autonomous AutonomousConfig      `yaml:"autonomous" toml:"autonomous" json:"autonomous"`
	LLM        LLMConfig             `yaml:"llm" toml:"llm" json:"llm"`
	Pricing    map[string]cost.Price `yaml:"pricing" toml:"pricing" json:"pricing,omitempty"`
	Storage    StorageConfig         `yaml:"storage" toml:"storage" json:"storage"`
	Events     EventsConfig          `yaml:"events" toml:"events" json:"events"`
	Server     ServerConfig          `yaml:"server" toml:"server" json:"server"`
	Wallet     WalletConfig          `yaml:"wallet" toml:"wallet" json:"wallet"`
	Knowledge  KnowledgeConfig       `yaml:"knowledge" toml:"knowledge" json:"knowledge"`
	Alerting   AlertingConfig        `yaml:"alerting" toml:"alerting" json:"alerting"`
	Logging    logger.Config         `yaml:"logging" toml:"logging" json:"logging"`
	Tracing    TracingConfig         `yaml:"tracing" toml:"tracing" json:"tracing"`

	path string
}

// CompanyConfig 是公司的基本信息。
type CompanyConfig struct {
	Name  string `yaml:"name" toml:"name" json:"name"`
	Owner string `yaml:"owner" toml:"owner" json:"owner"`
}

// AgentConfig 描述一个雇佣的智能体。
type AgentConfig struct {
	Name    string  `yaml:"name" toml:"name" json:"name"`
	Role    role.ID `yaml:"role" toml:"role" json:"role"`
	Model   string  `yaml:"model" toml:"model" json:"model,omitempty"`
	Persona string  `yaml:"persona" toml:"persona" json:"persona,omitempty"`
}

// AutonomousConfig 是目标运行的限额与策略。
type AutonomousConfig struct {
	MaxCycles          int     `yaml:"max_cycles" toml:"max_cycles" json:"max_cycles"`
	MaxWavesPerCycle   int     `yaml:"max_waves_per_cycle" toml:"max_waves_per_cycle" json:"max_waves_per_cycle"`
	MaxTotalTasks      int     `yaml:"max_total_tasks" toml:"max_total_tasks" json:"max_total_tasks"`
	MaxTimeSeconds     int     `yaml:"max_time_seconds" toml:"max_time_seconds" json:"max_time_seconds"`
	MaxCostUSD         float64 `yaml:"max_cost_usd" toml:"max_cost_usd" json:"max_cost_usd"`
	MaxAgentIterations int     `yaml:"max_agent_iterations" toml:"max_agent_iterations" json:"max_agent_iterations"`
	TaskTimeoutSeconds int     `yaml:"task_timeout_seconds" toml:"task_timeout_seconds" json:"task_timeout_seconds"`
	MaxReworks         int     `yaml:"max_reworks" toml:"max_reworks" json:"max_reworks"`
	RecoveryPolicy     string  `yaml:"recovery_policy" toml:"recovery_policy" json:"recovery_policy,omitempty"`
}

// TaskTimeout 返回单个任务调用的超时时间。
func (a AutonomousConfig) TaskTimeout() time.Duration {
	return time.Duration(a.TaskTimeoutSeconds) * time.Second
}

// LLMConfig 选择模型提供方。
type LLMConfig struct {
	Provider string        `yaml:"provider" toml:"provider" json:"provider"`
	Model    string        `yaml:"model" toml:"model" json:"model"`
	OpenAI   OpenAIConfig  `yaml:"openai" toml:"openai" json:"openai"`
	Command  CommandConfig `yaml:"command" toml:"command" json:"command"`
}

// OpenAIConfig 描述兼容 chat completions 接口的服务。
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key" toml:"api_key" json:"-"`
	BaseURL        string `yaml:"base_url" toml:"base_url" json:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds"`
}

// CommandConfig 描述通过外部进程完成推理的方式。
type CommandConfig struct {
	Executable     string   `yaml:"executable" toml:"executable" json:"executable"`
	Args           []string `yaml:"args" toml:"args" json:"args,omitempty"`
	WorkingDir     string   `yaml:"working_dir" toml:"working_dir" json:"working_dir"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds"`
}

// StorageConfig 选择快照与付款队列的持久化方式。
type StorageConfig struct {
	Driver  string `yaml:"driver" toml:"driver" json:"driver"`
	DSN     string `yaml:"dsn" toml:"dsn" json:"-"`
	DataDir string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`
}

// EventsConfig 配置事件总线与外部投递目标。
type EventsConfig struct {
	HistorySize      int                       `yaml:"history_size" toml:"history_size" json:"history_size"`
	DeliveryAttempts int                       `yaml:"delivery_attempts" toml:"delivery_attempts" json:"delivery_attempts"`
	Redis            *events.RedisStreamConfig `yaml:"redis" toml:"redis" json:"redis,omitempty"`
	RabbitMQ         *events.RabbitMQConfig    `yaml:"rabbitmq" toml:"rabbitmq" json:"rabbitmq,omitempty"`
	NATS             *events.NATSConfig        `yaml:"nats" toml:"nats" json:"nats,omitempty"`
}

// ServerConfig 控制 API 服务。
type ServerConfig struct {
	Address        string        `yaml:"address" toml:"address" json:"address"`
	MetricsAddress string        `yaml:"metrics_address" toml:"metrics_address" json:"metrics_address"`
	AuthDisabled   bool          `yaml:"auth_disabled" toml:"auth_disabled" json:"auth_disabled"`
	Tokens         []TokenConfig `yaml:"tokens" toml:"tokens" json:"-"`
}

// TokenConfig 是一个操作员令牌。
type TokenConfig struct {
	Subject     string   `yaml:"subject" toml:"subject"`
	Token       string   `yaml:"token" toml:"token"`
	Permissions []string `yaml:"permissions" toml:"permissions"`
}

// WalletConfig 配置链上付款。
type WalletConfig struct {
	ChainsFile    string `yaml:"chains_file" toml:"chains_file" json:"chains_file"`
	DefaultChain  string `yaml:"default_chain" toml:"default_chain" json:"default_chain"`
	KeystoreDir   string `yaml:"keystore_dir" toml:"keystore_dir" json:"keystore_dir"`
	Account       string `yaml:"account" toml:"account" json:"account"`
	PasswordEnv   string `yaml:"password_env" toml:"password_env" json:"password_env"`
	PrivateKeyEnv string `yaml:"private_key_env" toml:"private_key_env" json:"private_key_env"`
}

// KnowledgeConfig 指向业务知识片段文件。
type KnowledgeConfig struct {
	Path       string `yaml:"path" toml:"path" json:"path"`
	MaxResults int    `yaml:"max_results" toml:"max_results" json:"max_results"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	Log            bool              `yaml:"log" toml:"log" json:"log"`
	WebhookURL     string            `yaml:"webhook_url" toml:"webhook_url" json:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers" toml:"webhook_headers" json:"-"`
}

// TracingConfig 控制 OpenTelemetry span 的服务名。
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" toml:"service_name" json:"service_name"`
}

// Path 返回配置文件路径。
func (c *Config) Path() string { return c.path }

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load 解析指定路径的配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}
	baseDir := filepath.Dir(abs)
	loadDotEnv(baseDir)

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	expanded := expandEnv(string(content))

	var cfg Config
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("解析 TOML 配置失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	}

	cfg.path = abs
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAll 加载多份配置，每份对应一家独立的公司，公司名称不得重复。
func LoadAll(paths []string) ([]*Config, error) {
	if len(paths) == 0 {
		return nil, errors.New("至少需要一个配置文件")
	}
	seen := make(map[string]string, len(paths))
	out := make([]*Config, 0, len(paths))
	for _, path := range paths {
		cfg, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, ok := seen[cfg.Company.Name]; ok {
			return nil, fmt.Errorf("公司 %q 在 %s 与 %s 中重复定义", cfg.Company.Name, prev, path)
		}
		seen[cfg.Company.Name] = path
		out = append(out, cfg)
	}
	return out, nil
}

// loadDotEnv 依次读取配置目录与当前目录下的 .env，已存在的环境变量不会被覆盖。
func loadDotEnv(baseDir string) {
	candidates := []string{filepath.Join(baseDir, ".env")}
	if cwd, err := os.Getwd(); err == nil && cwd != baseDir {
		candidates = append(candidates, filepath.Join(cwd, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

func expandEnv(content string) string {
	return envRef.ReplaceAllStringFunc(content, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Company.Name == "" {
		c.Company.Name = "company"
	}
	if c.Company.Owner == "" {
		c.Company.Owner = "Owner"
	}

	a := &c.Autonomous
	if a.MaxCycles <= 0 {
		a.MaxCycles = 5
	}
	if a.MaxWavesPerCycle <= 0 {
		a.MaxWavesPerCycle = 10
	}
	if a.MaxTotalTasks <= 0 {
		a.MaxTotalTasks = 50
	}
	if a.MaxTimeSeconds <= 0 {
		a.MaxTimeSeconds = 3600
	}
	if a.MaxCostUSD < 0 {
		a.MaxCostUSD = 0
	}
	if a.MaxAgentIterations <= 0 {
		a.MaxAgentIterations = 25
	}
	if a.TaskTimeoutSeconds <= 0 {
		a.TaskTimeoutSeconds = 300
	}
	if a.MaxReworks < 0 {
		a.MaxReworks = 0
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 120
	}
	if c.LLM.Command.TimeoutSeconds <= 0 {
		c.LLM.Command.TimeoutSeconds = 120
	}
	c.LLM.Command.WorkingDir = resolve(baseDir, c.LLM.Command.WorkingDir, baseDir)

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Storage.DataDir = resolve(baseDir, c.Storage.DataDir, filepath.Join(baseDir, "data"))
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Storage.DataDir, c.Company.Name+".db")
	}

	if c.Events.HistorySize <= 0 {
		c.Events.HistorySize = 1024
	}
	if c.Events.DeliveryAttempts <= 0 {
		c.Events.DeliveryAttempts = 5
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8420"
	}

	if c.Wallet.DefaultChain == "" {
		c.Wallet.DefaultChain = "ethereum"
	}
	if c.Wallet.ChainsFile != "" {
		c.Wallet.ChainsFile = resolve(baseDir, c.Wallet.ChainsFile, "")
	}
	if c.Wallet.KeystoreDir != "" {
		c.Wallet.KeystoreDir = resolve(baseDir, c.Wallet.KeystoreDir, "")
	}

	if c.Knowledge.Path != "" {
		c.Knowledge.Path = resolve(baseDir, c.Knowledge.Path, "")
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agentcompany"
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// RoleGraph 以内置角色叠加自定义角色构建角色图。
func (c *Config) RoleGraph() (*role.Graph, error) {
	return role.New(role.WithCustom(role.Builtin(), c.Roles))
}

// Validate 检查配置中的引用关系。
func (c *Config) Validate() error {
	graph, err := c.RoleGraph()
	if err != nil {
		return err
	}
	names := make(map[string]struct{}, len(c.Agents))
	for i, agent := range c.Agents {
		if strings.TrimSpace(agent.Name) == "" {
			return fmt.Errorf("第 %d 个智能体缺少名称", i+1)
		}
		if _, dup := names[agent.Name]; dup {
			return fmt.Errorf("智能体 %q 重复定义", agent.Name)
		}
		names[agent.Name] = struct{}{}
		if !graph.Has(agent.Role) {
			return fmt.Errorf("智能体 %q 的角色 %q 不存在", agent.Name, agent.Role)
		}
	}
	switch c.Storage.Driver {
	case "memory", "file", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("mysql 存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	switch c.LLM.Provider {
	case "openai":
	case "command":
		if c.LLM.Command.Executable == "" {
			return errors.New("command 提供方需要配置 executable")
		}
	default:
		return fmt.Errorf("不支持的模型提供方: %s", c.LLM.Provider)
	}
	for _, tok := range c.Server.Tokens {
		if tok.Token == "" || tok.Subject == "" {
			return errors.New("操作员令牌需要 subject 与 token")
		}
	}
	return nil
}
