package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

func workers(loads ...int) []*domain.Worker {
	out := make([]*domain.Worker, len(loads))
	for i, n := range loads {
		w := &domain.Worker{ID: string(rune('a' + i)), Capacity: 10, CurrentJobIDs: map[string]bool{}}
		for j := 0; j < n; j++ {
			w.CurrentJobIDs[string(rune('A'+j))] = true
		}
		out[i] = w
	}
	return out
}

func TestNewBalancer_UnknownPolicy(t *testing.T) {
	_, err := NewBalancer("fastest")
	var cfgErr *domain.InvalidConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRoundRobin_Cycles(t *testing.T) {
	b, err := NewBalancer(RoundRobin)
	require.NoError(t, err)
	ws := workers(0, 0, 0)
	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, b.Pick(&domain.Job{}, ws).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b"}, got)
}

func TestLeastLoaded_PicksFewestJobsLowestIDOnTie(t *testing.T) {
	b, err := NewBalancer(LeastLoaded)
	require.NoError(t, err)
	assert.Equal(t, "b", b.Pick(&domain.Job{}, workers(3, 1, 2)).ID)
	assert.Equal(t, "a", b.Pick(&domain.Job{}, workers(1, 1, 1)).ID)
}

func TestRandom_UsesSource(t *testing.T) {
	b := randomPick{intN: func(n int) int { return n - 1 }}
	assert.Equal(t, "c", b.Pick(&domain.Job{}, workers(0, 0, 0)).ID)
	assert.Nil(t, b.Pick(&domain.Job{}, nil))
}

func TestAffinity_StaysOnWorkflowWorker(t *testing.T) {
	b, err := NewBalancer(Affinity)
	require.NoError(t, err)
	ws := workers(0, 2, 5)
	job := &domain.Job{WorkflowID: "wf-1"}

	b.Assigned(job, "c")
	assert.Equal(t, "c", b.Pick(job, ws).ID, "sticks despite load")

	// Falls back to least loaded when the preferred worker is unavailable.
	assert.Equal(t, "a", b.Pick(job, ws[:2]).ID)

	// Jobs without a workflow are balanced by load.
	assert.Equal(t, "a", b.Pick(&domain.Job{}, ws).ID)
	b.Assigned(&domain.Job{}, "b")
	assert.Equal(t, "a", b.Pick(&domain.Job{}, ws).ID)
}
