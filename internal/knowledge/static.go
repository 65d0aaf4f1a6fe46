// Package knowledge 提供注入规划、评审与智能体提示词的业务知识片段。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"AgentCompany/internal/role"
)

// Provider 定义知识检索的通用接口。
type Provider interface {
	Query(text string, r role.ID) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。Roles 为空表示对所有角色可见；
// Keywords 为空表示通用背景，总是可以被选中。
type Snippet struct {
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Keywords []string  `json:"keywords"`
	Tags     []string  `json:"tags"`
	Roles    []role.ID `json:"roles,omitempty"`
}

// StaticProvider 通过加载 JSON 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 按命中的关键词与标签数量排序返回片段，命中数相同时保持文件顺序。
func (p *StaticProvider) Query(text string, r role.ID) []Snippet {
	if p == nil {
		return nil
	}
	text = strings.ToLower(strings.TrimSpace(text))

	type scored struct {
		snippet Snippet
		score   int
		index   int
	}
	var candidates []scored
	for i, item := range p.items {
		if !visibleTo(item, r) {
			continue
		}
		score, ok := matches(item, text)
		if !ok {
			continue
		}
		candidates = append(candidates, scored{snippet: item, score: score, index: i})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].index < candidates[j].index
	})

	results := make([]Snippet, 0, p.maxResults)
	for _, c := range candidates {
		results = append(results, c.snippet)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func visibleTo(snippet Snippet, r role.ID) bool {
	if len(snippet.Roles) == 0 || r == "" {
		return true
	}
	for _, allowed := range snippet.Roles {
		if allowed == r {
			return true
		}
	}
	return false
}

func matches(snippet Snippet, text string) (int, bool) {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return 0, true
	}
	hits := 0
	for _, word := range append(append([]string(nil), snippet.Keywords...), snippet.Tags...) {
		normalized := strings.ToLower(strings.TrimSpace(word))
		if normalized == "" {
			continue
		}
		if strings.Contains(text, normalized) {
			hits++
		}
	}
	return hits, hits > 0
}

// Format 把片段渲染为提示词中的 BUSINESS CONTEXT 段落，没有片段时返回空串。
func Format(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("BUSINESS CONTEXT:\n")
	for _, s := range snippets {
		fmt.Fprintf(&b, "- %s: %s\n", strings.TrimSpace(s.Title), strings.TrimSpace(s.Content))
	}
	return b.String()
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
