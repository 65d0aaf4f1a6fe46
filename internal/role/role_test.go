package role

import (
	"testing"

	xerrors "AgentCompany/internal/errors"
)

func TestBuiltinGraph(t *testing.T) {
	g, err := New(Builtin())
	if err != nil {
		t.Fatalf("builtin roles must load: %v", err)
	}
	if g.Root() != CEO {
		t.Fatalf("expected ceo as root, got %s", g.Root())
	}
	if !g.CanDelegate(CEO, CTO) || !g.CanDelegate(CTO, Developer) {
		t.Fatalf("expected ceo->cto->developer delegation")
	}
	if g.CanDelegate(Developer, CEO) {
		t.Fatalf("developer must not delegate upwards")
	}
	if g.CanDelegate(CEO, Developer) {
		t.Fatalf("ceo delegates to developer only through cto/project_manager")
	}
	if g.CanDelegate("ghost", CEO) {
		t.Fatalf("unknown role cannot delegate")
	}

	chain := g.ChainToRoot(Developer)
	want := []ID{Developer, CTO, CEO}
	if len(chain) != len(want) {
		t.Fatalf("unexpected chain length: %+v", chain)
	}
	for i, r := range chain {
		if r.ID != want[i] {
			t.Fatalf("chain[%d] = %s, want %s", i, r.ID, want[i])
		}
	}
	if g.ChainToRoot("ghost") != nil {
		t.Fatalf("unknown role should have no chain")
	}
}

func TestNewRejectsInvalidGraphs(t *testing.T) {
	cases := map[string][]Role{
		"two roots": {
			{ID: "a"}, {ID: "b"},
		},
		"unknown parent": {
			{ID: "a"}, {ID: "b", ReportsTo: "c"},
		},
		"unknown delegate": {
			{ID: "a", DelegateTo: []ID{"x"}},
		},
		"reporting cycle": {
			{ID: "root"}, {ID: "a", ReportsTo: "b"}, {ID: "b", ReportsTo: "a"},
		},
		"delegation cycle": {
			{ID: "a", DelegateTo: []ID{"b"}}, {ID: "b", ReportsTo: "a", DelegateTo: []ID{"a"}},
		},
		"self delegate": {
			{ID: "a", DelegateTo: []ID{"a"}},
		},
		"duplicate": {
			{ID: "a"}, {ID: "a", ReportsTo: "a"},
		},
	}
	for name, roles := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(roles)
			if err == nil {
				t.Fatalf("expected error")
			}
			if xerrors.CodeOf(err) != CodeRoleConfig {
				t.Fatalf("unexpected code: %v", err)
			}
		})
	}
}

func TestWithCustomOverridesAndAppends(t *testing.T) {
	roles := WithCustom(Builtin(), []Role{
		{ID: Developer, Title: "Staff Engineer", ReportsTo: CTO, DelegateTo: []ID{"qa"}},
		{ID: "qa", Title: "QA", ReportsTo: CTO},
	})
	g, err := New(roles)
	if err != nil {
		t.Fatalf("load custom roles: %v", err)
	}
	r, _ := g.Get(Developer)
	if r.Title != "Staff Engineer" {
		t.Fatalf("custom role should override builtin")
	}
	if !g.CanDelegate(Developer, "qa") {
		t.Fatalf("custom delegation edge missing")
	}
}

func TestOrgChart(t *testing.T) {
	g, err := New(Builtin())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chart := g.OrgChart("Alice", map[ID][]Member{
		CEO:       {{ID: "ceo-1", Name: "Ada"}},
		Developer: {{ID: "dev-1", Name: "Linus"}},
	})
	if chart.ID != OwnerNodeID || chart.Kind != "human" {
		t.Fatalf("root must be owner node: %+v", chart)
	}
	if len(chart.Children) != 1 || chart.Children[0].ID != string(CEO) {
		t.Fatalf("owner should have ceo as only child")
	}
	ceo := chart.Children[0]
	if len(ceo.Members) != 1 || ceo.Members[0].ID != "ceo-1" {
		t.Fatalf("ceo members missing: %+v", ceo.Members)
	}
	var cto *OrgNode
	for i := range ceo.Children {
		if ceo.Children[i].ID == string(CTO) {
			cto = &ceo.Children[i]
		}
	}
	if cto == nil || len(cto.Children) != 1 || cto.Children[0].Members[0].ID != "dev-1" {
		t.Fatalf("developer should be nested under cto: %+v", cto)
	}
}
