package registry

import (
	"strings"
	"testing"
)

const sample = `{
  "accounts": [
    {"number": 886557, "role": "trading", "fund": "BALANCE"},
    {"number": 886066, "role": "trading", "fund": "BALANCE"},
    {"number": 897591, "role": "separation", "fund": "BALANCE", "label": "profit sep"},
    {"number": 897599, "role": "intermediary", "fund": "CORE"},
    {"number": 885822, "role": "house", "fund": "CORE"}
  ],
  "edges": [
    {"from": 886557, "to": 897591},
    {"from": 886066, "to": 897591, "kind": "feeds"},
    {"from": 897591, "to": 897599}
  ]
}`

func TestLoad_RolesAndEdges(t *testing.T) {
	r, err := Load(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if r.Role(897591) != RoleSeparation {
		t.Errorf("expected separation role, got %q", r.Role(897591))
	}
	if !r.IsSegregated(897599) {
		t.Error("intermediary account should be segregated")
	}
	if !r.IsHouse(885822) {
		t.Error("885822 should be house capital")
	}
	if r.Role(1) != "" {
		t.Error("unregistered account should have no role")
	}
	if r.Fund(886557) != "BALANCE" {
		t.Errorf("unexpected fund %q", r.Fund(886557))
	}

	fedBy := r.FedBy(897591)
	if len(fedBy) != 2 || fedBy[0] != 886066 || fedBy[1] != 886557 {
		t.Errorf("unexpected feeders: %v", fedBy)
	}
	if feeds := r.Feeds(897591); len(feeds) != 1 || feeds[0] != 897599 {
		t.Errorf("unexpected feeds: %v", feeds)
	}
	if got := len(r.Accounts()); got != 5 {
		t.Errorf("expected 5 accounts, got %d", got)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []Spec{
		{Accounts: []AccountSpec{{Number: 1, Role: "bogus"}}},
		{Accounts: []AccountSpec{{Number: 1, Role: RoleTrading}, {Number: 1, Role: RoleHouse}}},
		{Accounts: []AccountSpec{{Number: 1, Role: RoleTrading}}, Edges: []EdgeSpec{{From: 1, To: 2}}},
	}
	for i, spec := range tests {
		if _, err := Build(spec); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestEmpty(t *testing.T) {
	r := Empty()
	if r.IsSegregated(42) || r.IsHouse(42) {
		t.Error("empty registry should know no roles")
	}
	if r.FedBy(42) != nil {
		t.Error("expected nil neighbours for unknown account")
	}
}
