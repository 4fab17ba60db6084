package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/ciflow/internal/domain"
	ciflowerrors "github.com/cklxx/ciflow/internal/errors"
	"github.com/cklxx/ciflow/internal/metrics"
	"github.com/cklxx/ciflow/internal/store/storetest"
)

func testMetrics() *metrics.Registry {
	return metrics.NewRegistry(prometheus.NewRegistry())
}

func successAgent(next domain.TaskKind, hasNext bool) domain.Agent {
	return domain.AgentFunc(func(ctx context.Context, buildCtx domain.BuildContext, payload []byte) (domain.Outcome, error) {
		var nextTasks []domain.NextTask
		if hasNext {
			nextTasks = append(nextTasks, domain.NextTask{Kind: next})
		}
		return domain.Outcome{Status: domain.OutcomeSuccess, NextTasks: nextTasks}, nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerCount = 2
	cfg.LeaseTTL = 200 * time.Millisecond
	cfg.AgentTimeout = 100 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.HeartbeatFraction = 3
	cfg.Backoff = ciflowerrors.BackoffConfig{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	return cfg
}

func waitForBuildStatus(t *testing.T, store *storetest.Store, buildID string, status domain.BuildStatus, timeout time.Duration) domain.Build {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		build, err := store.GetBuild(context.Background(), buildID)
		require.NoError(t, err)
		if build.Status == status {
			return *build
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("build %s did not reach status %s in time", buildID, status)
	return domain.Build{}
}

func TestHappyPathDrivesBuildToCompleted(t *testing.T) {
	store := storetest.New()
	registry := domain.NewRegistry()
	registry.Register(domain.TaskPlan, successAgent(domain.TaskRetrieve, true))
	registry.Register(domain.TaskRetrieve, successAgent(domain.TaskPatch, true))
	registry.Register(domain.TaskPatch, successAgent(domain.TaskValidate, true))
	registry.Register(domain.TaskValidate, successAgent(domain.TaskCreatePR, true))
	registry.Register(domain.TaskCreatePR, successAgent(domain.TaskNotify, true))
	registry.Register(domain.TaskNotify, successAgent("", false))

	d := New(store, registry, testMetrics(), testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(time.Second)

	build, err := store.CreateBuild(context.Background(), domain.BuildFields{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)

	final := waitForBuildStatus(t, store, build.ID, domain.BuildCompleted, 2*time.Second)
	assert.Equal(t, domain.BuildCompleted, final.Status)

	tasks, err := store.ListTasksByBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 6)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskCompleted, task.Status)
	}
}

func TestExhaustedRetriesReachManualIntervention(t *testing.T) {
	store := storetest.New()
	registry := domain.NewRegistry()
	registry.Register(domain.TaskPlan, domain.AgentFunc(func(ctx context.Context, buildCtx domain.BuildContext, payload []byte) (domain.Outcome, error) {
		return domain.Outcome{Status: domain.OutcomeRetry, Error: "flaky"}, nil
	}))
	registry.Register(domain.TaskNotify, successAgent("", false))

	d := New(store, registry, testMetrics(), testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(time.Second)

	build, err := store.CreateBuild(context.Background(), domain.BuildFields{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)

	final := waitForBuildStatus(t, store, build.ID, domain.BuildManualInterventionRequired, 3*time.Second)
	assert.Equal(t, domain.BuildManualInterventionRequired, final.Status)
}

func TestMissingAgentFailsTaskAsNoAgentRegistered(t *testing.T) {
	store := storetest.New()
	registry := domain.NewRegistry() // no PLAN agent registered
	registry.Register(domain.TaskNotify, successAgent("", false))

	d := New(store, registry, testMetrics(), testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(time.Second)

	build, err := store.CreateBuild(context.Background(), domain.BuildFields{Job: "svc", BuildNumber: 1})
	require.NoError(t, err)

	final := waitForBuildStatus(t, store, build.ID, domain.BuildFailed, 2*time.Second)
	assert.Equal(t, domain.BuildFailed, final.Status)
}

func TestBackPressureBoundsInFlightTasks(t *testing.T) {
	store := storetest.New()
	registry := domain.NewRegistry()

	var concurrent int32
	var maxConcurrent int32
	var mu sync.Mutex

	blocker := domain.AgentFunc(func(ctx context.Context, buildCtx domain.BuildContext, payload []byte) (domain.Outcome, error) {
		n := atomic.AddInt32(&concurrent, 1)
		mu.Lock()
		if n > maxConcurrent {
			maxConcurrent = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return domain.Outcome{Status: domain.OutcomeSuccess}, nil
	})
	registry.Register(domain.TaskPlan, blocker)

	cfg := testConfig()
	cfg.WorkerCount = 3
	d := New(store, registry, testMetrics(), cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(time.Second)

	for i := 0; i < 10; i++ {
		_, err := store.CreateBuild(context.Background(), domain.BuildFields{Job: "svc", BuildNumber: int64(i)})
		require.NoError(t, err)
	}

	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	got := maxConcurrent
	mu.Unlock()
	assert.LessOrEqualf(t, got, int32(cfg.WorkerCount), "observed %d concurrent tasks with only %d workers", got, cfg.WorkerCount)
}
