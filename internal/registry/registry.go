// Package registry holds the declared relationships between trading
// accounts: which accounts are separation or intermediary accounts, which
// hold house capital, and which accounts feed which.
//
// Accounts live in an arena slice addressed by index; an index map resolves
// stable account numbers to arena slots, and relationships are stored as
// edges between slots. Changing the registry file reclassifies accounts
// without code changes.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// Role is the declared purpose of a registered account.
type Role string

const (
	RoleTrading      Role = "trading"
	RoleSeparation   Role = "separation"
	RoleIntermediary Role = "intermediary"
	RoleHouse        Role = "house"
)

// EdgeKind is the relationship carried by an edge.
type EdgeKind string

// EdgeFeeds means money extracted from From is parked in To.
const EdgeFeeds EdgeKind = "feeds"

var (
	ErrUnknownAccount = errors.New("registry: unknown account")
	ErrDuplicate      = errors.New("registry: duplicate account")
	ErrInvalidRole    = errors.New("registry: invalid role")
)

type node struct {
	number int64
	role   Role
	fund   string
	label  string
}

type edge struct {
	from, to int // arena indices
	kind     EdgeKind
}

// Registry is immutable after Build/Load and safe for concurrent reads.
type Registry struct {
	nodes []node
	index map[int64]int
	edges []edge
	out   map[int][]int // node → edge indices
	in    map[int][]int
}

// AccountSpec declares one account in a registry file.
type AccountSpec struct {
	Number int64  `json:"number"`
	Role   Role   `json:"role"`
	Fund   string `json:"fund,omitempty"`
	Label  string `json:"label,omitempty"`
}

// EdgeSpec declares one relationship in a registry file.
type EdgeSpec struct {
	From int64    `json:"from"`
	To   int64    `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Spec is the on-disk registry document.
type Spec struct {
	Accounts []AccountSpec `json:"accounts"`
	Edges    []EdgeSpec    `json:"edges"`
}

// Build validates a spec and produces a registry.
func Build(spec Spec) (*Registry, error) {
	r := &Registry{
		index: make(map[int64]int, len(spec.Accounts)),
		out:   make(map[int][]int),
		in:    make(map[int][]int),
	}
	for _, a := range spec.Accounts {
		switch a.Role {
		case RoleTrading, RoleSeparation, RoleIntermediary, RoleHouse:
		default:
			return nil, fmt.Errorf("%w: %q for account %d", ErrInvalidRole, a.Role, a.Number)
		}
		if _, ok := r.index[a.Number]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicate, a.Number)
		}
		r.index[a.Number] = len(r.nodes)
		r.nodes = append(r.nodes, node{number: a.Number, role: a.Role, fund: a.Fund, label: a.Label})
	}
	for _, e := range spec.Edges {
		from, ok := r.index[e.From]
		if !ok {
			return nil, fmt.Errorf("%w: edge source %d", ErrUnknownAccount, e.From)
		}
		to, ok := r.index[e.To]
		if !ok {
			return nil, fmt.Errorf("%w: edge target %d", ErrUnknownAccount, e.To)
		}
		kind := e.Kind
		if kind == "" {
			kind = EdgeFeeds
		}
		i := len(r.edges)
		r.edges = append(r.edges, edge{from: from, to: to, kind: kind})
		r.out[from] = append(r.out[from], i)
		r.in[to] = append(r.in[to], i)
	}
	return r, nil
}

// Load reads a JSON registry document.
func Load(rd io.Reader) (*Registry, error) {
	var spec Spec
	if err := json.NewDecoder(rd).Decode(&spec); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	return Build(spec)
}

// LoadFile reads a JSON registry document from disk.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Empty returns a registry with no accounts.
func Empty() *Registry {
	r, _ := Build(Spec{})
	return r
}

// Role returns the declared role of an account, or "" if unregistered.
func (r *Registry) Role(account int64) Role {
	i, ok := r.index[account]
	if !ok {
		return ""
	}
	return r.nodes[i].role
}

// Fund returns the fund an account was registered under, if any.
func (r *Registry) Fund(account int64) string {
	if i, ok := r.index[account]; ok {
		return r.nodes[i].fund
	}
	return ""
}

// IsSegregated reports whether the account is a separation or intermediary account.
func (r *Registry) IsSegregated(account int64) bool {
	role := r.Role(account)
	return role == RoleSeparation || role == RoleIntermediary
}

// IsHouse reports whether the account holds the operator's house capital.
func (r *Registry) IsHouse(account int64) bool {
	return r.Role(account) == RoleHouse
}

// Accounts returns every registered account number in ascending order.
func (r *Registry) Accounts() []int64 {
	out := make([]int64, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.number)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Feeds returns the accounts that the given account feeds, ascending.
func (r *Registry) Feeds(account int64) []int64 {
	return r.neighbours(account, r.out, func(e edge) int { return e.to })
}

// FedBy returns the accounts that feed the given account, ascending.
func (r *Registry) FedBy(account int64) []int64 {
	return r.neighbours(account, r.in, func(e edge) int { return e.from })
}

func (r *Registry) neighbours(account int64, adj map[int][]int, pick func(edge) int) []int64 {
	i, ok := r.index[account]
	if !ok {
		return nil
	}
	var out []int64
	for _, ei := range adj[i] {
		out = append(out, r.nodes[pick(r.edges[ei])].number)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
