package llms

import (
	"fmt"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/observability"
	"github.com/kadirpekel/cortex/pkg/registry"
)

// Registry holds one chat client per configured role.
type Registry struct {
	clients *registry.BaseRegistry[Client]
}

// NewRegistry builds clients for every configured endpoint role.
func NewRegistry(endpoints map[string]*config.LLMEndpointConfig, concurrency int, metrics observability.Metrics) (*Registry, error) {
	r := &Registry{clients: registry.NewBaseRegistry[Client]()}
	for role, cfg := range endpoints {
		client, err := NewOpenAIClient(role, cfg, concurrency, metrics)
		if err != nil {
			return nil, fmt.Errorf("build llm client for role '%s': %w", role, err)
		}
		if err := r.clients.Register(role, client); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Get returns the client for a role.
func (r *Registry) Get(role string) (Client, error) {
	client, ok := r.clients.Get(role)
	if !ok {
		return nil, fmt.Errorf("no llm client for role '%s'", role)
	}
	return client, nil
}

// Guide returns the guide-role client.
func (r *Registry) Guide() (Client, error) {
	return r.Get(config.RoleGuide)
}

// Coordinator returns the coordinator-role client.
func (r *Registry) Coordinator() (Client, error) {
	return r.Get(config.RoleCoordinator)
}

// Roles returns configured roles, sorted.
func (r *Registry) Roles() []string {
	return r.clients.Names()
}

// Close closes every client.
func (r *Registry) Close() error {
	var firstErr error
	for _, client := range r.clients.List() {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
