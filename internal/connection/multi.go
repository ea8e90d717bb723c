package connection

import (
	"context"
	"fmt"
)

type multi struct {
	name      string
	endpoints []Endpoint
}

// Multi combines endpoints that must all be reachable for the link to count
// as connected, e.g. the queue database and the message broker.
func Multi(name string, endpoints ...Endpoint) Endpoint {
	return &multi{name: name, endpoints: endpoints}
}

func (m *multi) Name() string { return m.name }

// Probe checks the endpoints in order and stops at the first failure.
func (m *multi) Probe(ctx context.Context) error {
	for _, e := range m.endpoints {
		if err := e.Probe(ctx); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return nil
}
