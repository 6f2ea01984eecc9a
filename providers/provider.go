// Package providers defines the connector contract every cloud provider
// implements, the typed credential sets, and the connector registry.
package providers

import (
	"context"
	"sort"

	"github.com/yairfalse/cloudwatcher/types"
)

// Connector fetches one account's instances from a provider API.
// ListInstances returns a complete snapshot or an error, never a partial list.
type Connector interface {
	// Provider returns the provider this connector serves
	Provider() types.Provider

	// RequiredFields lists the credential keys ListInstances needs
	RequiredFields() []string

	// ListInstances fetches every instance visible to the credentials
	ListInstances(ctx context.Context, creds Credentials) ([]types.Instance, error)
}

// Registry maps providers to connectors. It is immutable after NewRegistry.
type Registry struct {
	connectors map[types.Provider]Connector
}

// NewRegistry builds a registry. A later connector for the same provider
// replaces an earlier one.
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[types.Provider]Connector, len(connectors))}
	for _, c := range connectors {
		if c == nil {
			continue
		}
		r.connectors[c.Provider()] = c
	}
	return r
}

// Resolve returns the connector for p
func (r *Registry) Resolve(p types.Provider) (Connector, error) {
	c, ok := r.connectors[p]
	if !ok {
		return nil, types.UnknownProviderError(p)
	}
	return c, nil
}

// Providers returns the registered providers sorted by id
func (r *Registry) Providers() []types.Provider {
	out := make([]types.Provider, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate resolves the connector for p and checks creds against it
func (r *Registry) Validate(p types.Provider, creds Credentials) error {
	if _, err := r.Resolve(p); err != nil {
		return err
	}
	return Validate(p, creds)
}
