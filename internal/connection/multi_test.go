package connection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedEndpoint struct {
	fakeEndpoint
	name string
}

func (e *namedEndpoint) Name() string { return e.name }

func TestMulti_RequiresEveryEndpoint(t *testing.T) {
	db := &namedEndpoint{name: "postgres"}
	broker := &namedEndpoint{name: "kafka"}
	m := Multi("coordinator", db, broker)

	assert.Equal(t, "coordinator", m.Name())
	require.NoError(t, m.Probe(context.Background()))

	broker.setDown(true)
	err := m.Probe(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errRefused)
	assert.Contains(t, err.Error(), "kafka")

	db.setDown(true)
	err = m.Probe(context.Background())
	assert.Contains(t, err.Error(), "postgres")
	assert.Equal(t, 2, broker.probes, "stops at the first unreachable endpoint")
}
