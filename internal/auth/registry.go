package auth

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kansa/internal/model"
)

// ErrInvalidCredentials is returned for an unknown principal or a wrong API key.
// Callers cannot tell the two cases apart.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Registry holds the principals allowed to obtain tokens.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]model.Principal
}

type registryFile struct {
	Principals []model.Principal `yaml:"principals"`
}

// NewRegistry validates and indexes principals.
func NewRegistry(principals []model.Principal) (*Registry, error) {
	r := &Registry{byID: make(map[string]model.Principal, len(principals))}
	for _, p := range principals {
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadRegistry reads a YAML principals file:
//
//	principals:
//	  - id: op-ana
//	    role: operator
//	    senior: true
//	    api_key_hash: "argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>"
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("auth: read principals: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("auth: parse principals: %w", err)
	}
	return NewRegistry(f.Principals)
}

// Add registers a principal. Duplicate ids are rejected.
func (r *Registry) Add(p model.Principal) error {
	if err := model.ValidatePrincipalID(p.ID); err != nil {
		return fmt.Errorf("auth: principal %q: %w", p.ID, err)
	}
	if !p.Role.Valid() {
		return fmt.Errorf("auth: principal %q: unknown role %q", p.ID, p.Role)
	}
	if p.Senior && p.Role != model.RoleOperator && p.Role != model.RoleAdmin {
		return fmt.Errorf("auth: principal %q: senior applies only to operators and admins", p.ID)
	}
	if p.APIKeyHash == "" {
		return fmt.Errorf("auth: principal %q: api_key_hash is required", p.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; ok {
		return fmt.Errorf("auth: duplicate principal %q", p.ID)
	}
	r.byID[p.ID] = p
	return nil
}

// Len returns the number of registered principals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Authenticate checks an API key against the principal's stored hash.
func (r *Registry) Authenticate(id, apiKey string) (model.Principal, error) {
	r.mu.RLock()
	p, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		equalizeTiming()
		return model.Principal{}, ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(apiKey, p.APIKeyHash)
	if err != nil {
		return model.Principal{}, fmt.Errorf("auth: verify %q: %w", id, err)
	}
	if !valid {
		return model.Principal{}, ErrInvalidCredentials
	}
	return p, nil
}

// RoleAllows reports whether have satisfies any of want. Admins satisfy every role.
func RoleAllows(have model.Role, want ...model.Role) bool {
	if have == model.RoleAdmin {
		return true
	}
	for _, w := range want {
		if have == w {
			return true
		}
	}
	return false
}
