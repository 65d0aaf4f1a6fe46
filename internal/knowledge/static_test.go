package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"AgentCompany/internal/role"
)

func TestQueryRanksAndFiltersByRole(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "general", Content: "we sell templates"},
		{Title: "pricing", Content: "price at $29", Keywords: []string{"price", "launch"}},
		{Title: "sales-only", Content: "discount policy", Keywords: []string{"launch"}, Roles: []role.ID{"sales"}},
		{Title: "unrelated", Content: "hiring", Keywords: []string{"recruit"}},
	}, 5)

	got := p.Query("Plan the LAUNCH and set a price", "developer")
	if len(got) != 2 || got[0].Title != "pricing" || got[1].Title != "general" {
		t.Fatalf("unexpected developer results: %+v", got)
	}
	got = p.Query("launch", "sales")
	if len(got) != 3 {
		t.Fatalf("sales should see its snippet too: %+v", got)
	}

	var nilProvider *StaticProvider
	if nilProvider.Query("x", "") != nil {
		t.Fatalf("nil provider should return nothing")
	}
}

func TestLoadAndFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.json")
	if err := os.WriteFile(path, []byte(`[{"title":"niche","content":"developer tools","keywords":["tool"]}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	block := Format(p.Query("build a tool", ""))
	if !strings.HasPrefix(block, "BUSINESS CONTEXT:") || !strings.Contains(block, "- niche: developer tools") {
		t.Fatalf("unexpected block: %q", block)
	}
	if Format(nil) != "" {
		t.Fatalf("empty snippets should render nothing")
	}
	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("expected empty path error")
	}
}
