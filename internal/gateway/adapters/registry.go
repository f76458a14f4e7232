package adapters

import (
	"strings"

	"github.com/smallbiznis/subpay/internal/gateway/domain"
)

// Registry holds all configured gateways keyed by name. It is built
// once at startup and immutable afterwards.
type Registry struct {
	gateways    map[string]domain.Gateway
	defaultName string
}

func NewRegistry(defaultName string, gateways ...domain.Gateway) *Registry {
	registry := &Registry{
		gateways:    map[string]domain.Gateway{},
		defaultName: strings.ToLower(strings.TrimSpace(defaultName)),
	}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(gw.Name()))
		if name == "" {
			continue
		}
		registry.gateways[name] = gw
	}
	return registry
}

func (r *Registry) Exists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (r *Registry) Resolve(name string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrUnsupportedGateway
	}
	gw, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrUnsupportedGateway
	}
	return gw, nil
}

// Default returns the configured default gateway for callers that do
// not pin a processor.
func (r *Registry) Default() (domain.Gateway, error) {
	return r.Resolve(r.defaultName)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
