package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
company:
  name: acme
agents:
  - name: alice
    role: ceo
  - name: bob
    role: developer
autonomous:
  max_cycles: 2
  max_cost_usd: 1.5
llm:
  provider: openai
  openai:
    api_key: ${ACME_TEST_KEY}
storage:
  driver: sqlite
  data_dir: state
server:
  tokens:
    - subject: ops
      token: ${ACME_TEST_TOKEN}
      permissions: [read, payments:decide]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLWithEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ACME_TEST_KEY", "sk-test")
	writeFile(t, dir, ".env", "ACME_TEST_TOKEN=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("ACME_TEST_TOKEN") })
	path := writeFile(t, dir, "company.yaml", sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Fatalf("env not expanded: %q", cfg.LLM.OpenAI.APIKey)
	}
	if cfg.Server.Tokens[0].Token != "from-dotenv" {
		t.Fatalf(".env not loaded: %q", cfg.Server.Tokens[0].Token)
	}
	a := cfg.Autonomous
	if a.MaxCycles != 2 || a.MaxWavesPerCycle != 10 || a.MaxTotalTasks != 50 || a.MaxTimeSeconds != 3600 || a.MaxCostUSD != 1.5 {
		t.Fatalf("unexpected limits: %+v", a)
	}
	if a.TaskTimeout() != 300*time.Second || a.MaxAgentIterations != 25 {
		t.Fatalf("unexpected agent defaults: %+v", a)
	}
	if cfg.Storage.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("data dir should resolve against config dir, got %s", cfg.Storage.DataDir)
	}
	if cfg.Storage.DSN != filepath.Join(dir, "state", "acme.db") {
		t.Fatalf("unexpected sqlite dsn %s", cfg.Storage.DSN)
	}
	if cfg.Path() != path {
		t.Fatalf("unexpected path %s", cfg.Path())
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "company.toml", `
[company]
name = "globex"

[[agents]]
name = "carol"
role = "cto"

[autonomous]
max_total_tasks = 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Company.Name != "globex" || cfg.Autonomous.MaxTotalTasks != 7 || cfg.Agents[0].Role != "cto" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsBadReferences(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown role":   "agents:\n  - name: x\n    role: wizard\n",
		"duplicate":      "agents:\n  - name: x\n    role: ceo\n  - name: x\n    role: cto\n",
		"bad driver":     "storage:\n  driver: oracle\n",
		"mysql no dsn":   "storage:\n  driver: mysql\n",
		"command no exe": "llm:\n  provider: command\n",
	}
	for name, body := range cases {
		path := writeFile(t, dir, "c.yaml", body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadAllRejectsDuplicateCompanies(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", "company:\n  name: same\n")
	b := writeFile(t, dir, "b.yaml", "company:\n  name: same\n")
	if _, err := LoadAll([]string{a, b}); err == nil {
		t.Fatalf("expected duplicate company error")
	}
	c := writeFile(t, dir, "c.yaml", "company:\n  name: other\n")
	cfgs, err := LoadAll([]string{a, c})
	if err != nil || len(cfgs) != 2 {
		t.Fatalf("expected two configs, got %v %v", cfgs, err)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "company.yaml", "company:\n  name: acme\nautonomous:\n  max_cycles: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	go func() { _ = Watch(ctx, path, func(c *Config) { reloaded <- c }) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Autonomous.MaxCycles != 3 {
				t.Fatalf("expected reloaded limits, got %+v", cfg.Autonomous)
			}
			return
		case <-tick.C:
			writeFile(t, dir, "company.yaml", "company:\n  name: acme\nautonomous:\n  max_cycles: 3\n")
		case <-deadline:
			t.Fatalf("config was not reloaded")
		}
	}
}
