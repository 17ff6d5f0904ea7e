package policy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

//go:embed catalogue/policies.yaml
var defaultCatalogue []byte

type catalogueFile struct {
	Policies []ApprovalPolicy `yaml:"policies"`
}

// Registry is the read-only policy catalogue. Safe for concurrent use
// because nothing mutates it after construction.
type Registry struct {
	policies map[repository.OperationType]ApprovalPolicy
}

// NewRegistry validates policies and indexes them by operation type.
func NewRegistry(policies []ApprovalPolicy) (*Registry, error) {
	r := &Registry{policies: make(map[repository.OperationType]ApprovalPolicy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.policies[p.OperationType]; dup {
			return nil, fmt.Errorf("policy %s declared twice", p.OperationType)
		}
		r.policies[p.OperationType] = p.clone()
	}
	return r, nil
}

// Parse builds a registry from a YAML catalogue document.
func Parse(data []byte) (*Registry, error) {
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy catalogue: %w", err)
	}
	return NewRegistry(file.Policies)
}

// LoadDefault returns the catalogue compiled into the binary.
func LoadDefault() (*Registry, error) {
	return Parse(defaultCatalogue)
}

// Load reads the catalogue from path, or the embedded one when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return LoadDefault()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy catalogue: %w", err)
	}
	return Parse(data)
}

// Get returns a detached copy of the policy for op; changing it does not
// affect the registry.
func (r *Registry) Get(op repository.OperationType) (ApprovalPolicy, bool) {
	p, ok := r.policies[op]
	if !ok {
		return ApprovalPolicy{}, false
	}
	return p.clone(), true
}

// List returns all policies ordered by operation type.
func (r *Registry) List() []ApprovalPolicy {
	out := make([]ApprovalPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationType < out[j].OperationType })
	return out
}

func (r *Registry) Len() int {
	return len(r.policies)
}
