//go:build integration

package worker

import (
	"context"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/checkpoint"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/connection"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/offline"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/postgres"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/steps"
)

var testPostgresDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("orchestrator"),
		tcPostgres.WithUsername("orchestrator"),
		tcPostgres.WithPassword("orchestrator"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	testPostgresDSN, err = pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	if _, err := postgres.Migrate(ctx, pool, slog.Default()); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	pool.Close()

	return m.Run()
}

type stack struct {
	queue  *postgres.Queue
	link   *connection.Manager
	local  *offline.Store
	gate   gateStep
	record *recordStep
}

// newStack wires a worker the way the serve command does, minus Kafka.
func newStack(t *testing.T, ctx context.Context, dbPath string, gate gateStep) (*stack, *Agent) {
	t.Helper()
	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	q, err := postgres.NewQueue(pool)
	require.NoError(t, err)

	local, err := offline.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	s := &stack{queue: q, local: local, gate: gate, record: &recordStep{}}
	var agent *Agent
	s.link, err = connection.New(postgres.Endpoint{Pool: pool}, connection.DefaultConfig(),
		connection.WithOnConnected(func() { agent.OnConnected() }),
		connection.WithOnDisconnected(func(err error) { agent.OnDisconnected(err) }),
	)
	require.NoError(t, err)

	executor := checkpoint.NewExecutor(checkpoint.NewManager(local), steps.NewRegistry(gate, s.record, steps.DelayExecutor{}))
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	agent, err = New("it-worker", cfg, q, s.link, local, executor)
	require.NoError(t, err)
	return s, agent
}

func (s *stack) start(t *testing.T, agent *Agent) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	linkDone := make(chan struct{})
	agentDone := make(chan error, 1)
	go func() { _ = s.link.Run(ctx); close(linkDone) }()
	go func() { agentDone <- agent.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-agentDone)
		<-linkDone
	}
}

func TestWorker_ExecutesWorkflowAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	s, agent := newStack(t, ctx, filepath.Join(t.TempDir(), "offline.db"),
		gateStep{entered: make(chan string, 1), release: make(chan struct{}, 1)})
	stop := s.start(t, agent)
	defer stop()

	job, err := s.queue.Enqueue(ctx, &domain.Job{
		Type:    "workflow",
		Payload: []byte(`{"steps":[{"id":"wait","type":"delay","config":{"duration":"10ms"}},{"id":"rec","type":"record"}]}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.queue.Get(ctx, job.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"rec"}, s.record.executed())
}

func TestWorker_RestartResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "offline.db")
	gate := gateStep{entered: make(chan string, 1), release: make(chan struct{}, 1)}

	first, agent := newStack(t, ctx, dbPath, gate)
	stop := first.start(t, agent)
	job, err := first.queue.Enqueue(ctx, &domain.Job{
		Type:    "workflow",
		Payload: []byte(`{"steps":[{"id":"s1","type":"record"},{"id":"s2","type":"gate"}]}`),
	})
	require.NoError(t, err)

	select {
	case <-gate.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("second step never started")
	}
	stop()
	require.NoError(t, first.local.Close())
	assert.Equal(t, []string{"s1"}, first.record.executed())

	second, agent := newStack(t, ctx, dbPath, gate)
	gate.release <- struct{}{}
	stop = second.start(t, agent)
	defer stop()

	require.Eventually(t, func() bool {
		got, err := second.queue.Get(ctx, job.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)
	assert.Empty(t, second.record.executed(), "checkpointed step is not repeated")
}
