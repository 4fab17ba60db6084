// Package dispatcher runs the worker pool that leases tasks from a
// domain.Store, invokes the registered agent for each task's kind, and
// translates the agent's outcome back into store mutations.
package dispatcher

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cklxx/ciflow/internal/domain"
	ciflowerrors "github.com/cklxx/ciflow/internal/errors"
	"github.com/cklxx/ciflow/internal/logging"
	"github.com/cklxx/ciflow/internal/metrics"
)

// Config parameterizes a Dispatcher's concurrency and timing.
type Config struct {
	WorkerCount       int
	LeaseTTL          time.Duration
	AgentTimeout      time.Duration
	PollInterval      time.Duration
	HeartbeatFraction int // lease_ttl / HeartbeatFraction between heartbeats
	Backoff           ciflowerrors.BackoffConfig
}

// DefaultConfig returns the package's recommended production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:       4,
		LeaseTTL:          5 * time.Minute,
		AgentTimeout:      2 * time.Minute,
		PollInterval:      500 * time.Millisecond,
		HeartbeatFraction: 3,
		Backoff:           ciflowerrors.DefaultBackoffConfig(),
	}
}

// Stats is a snapshot of the dispatcher's operational surface.
type Stats struct {
	WorkerCount     int
	ActiveTasks     int
	BuildsByStatus  map[domain.BuildStatus]int
	TasksByStatus   map[domain.TaskStatus]int
	DeadLetterCount int
}

// Dispatcher owns the worker pool and the agent registry it dispatches to.
type Dispatcher struct {
	store    domain.Store
	registry *domain.Registry
	metrics  *metrics.Registry
	cfg      Config
	logger   logging.Logger

	mu          sync.Mutex
	activeTasks int

	cancel         context.CancelFunc
	group          *errgroup.Group
	workerIDPrefix string
}

// New constructs a Dispatcher over store, dispatching to the agents
// registered in registry. reg may be nil, in which case metrics recording
// is skipped.
func New(store domain.Store, registry *domain.Registry, reg *metrics.Registry, cfg Config, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:          store,
		registry:       registry,
		metrics:        reg,
		cfg:            cfg,
		logger:         logging.OrNop(logger).With("dispatcher"),
		workerIDPrefix: "worker",
	}
}

// Start launches cfg.WorkerCount worker goroutines. Call Shutdown to stop
// them.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	group, groupCtx := errgroup.WithContext(runCtx)
	d.group = group

	for i := 0; i < d.cfg.WorkerCount; i++ {
		workerID := workerName(d.workerIDPrefix, i)
		group.Go(func() error {
			d.runWorker(groupCtx, workerID)
			return nil
		})
	}
}

// Shutdown stops accepting new leases and waits up to grace for in-flight
// workers to finish their current task.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	if d.cancel == nil {
		return
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("shutdown grace period elapsed with workers still in flight")
	}
}

// Stats returns a snapshot of the dispatcher's operational surface.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	buildsByStatus, err := d.store.CountBuildsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	tasksByStatus, err := d.store.CountTasksByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	deadLetters, err := d.store.ListDeadLetters(ctx, 0)
	if err != nil {
		return Stats{}, err
	}

	d.mu.Lock()
	active := d.activeTasks
	d.mu.Unlock()

	if d.metrics != nil {
		for status, count := range buildsByStatus {
			d.metrics.BuildsByStatus.WithLabelValues(string(status)).Set(float64(count))
		}
		for status, count := range tasksByStatus {
			d.metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(count))
		}
	}

	return Stats{
		WorkerCount:     d.cfg.WorkerCount,
		ActiveTasks:     active,
		BuildsByStatus:  buildsByStatus,
		TasksByStatus:   tasksByStatus,
		DeadLetterCount: len(deadLetters),
	}, nil
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	log := d.logger.With(workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := d.store.LeaseNextTask(ctx, workerID, d.cfg.LeaseTTL)
		if err != nil {
			log.Error("lease failed: %v", err)
			sleep(ctx, d.cfg.PollInterval)
			continue
		}
		if task == nil {
			sleep(ctx, jitteredPoll(d.cfg.PollInterval))
			continue
		}

		if d.metrics != nil {
			d.metrics.TasksLeased.Inc()
		}
		d.setActiveTasks(d.adjustActiveTasks(1))

		// The task in hand runs on a context that Shutdown does not cancel,
		// so it can finish within the grace period.
		d.process(context.WithoutCancel(ctx), workerID, task, log)

		d.setActiveTasks(d.adjustActiveTasks(-1))
	}
}

// adjustActiveTasks changes activeTasks by delta and returns the new value.
func (d *Dispatcher) adjustActiveTasks(delta int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeTasks += delta
	return d.activeTasks
}

func (d *Dispatcher) setActiveTasks(n int) {
	if d.metrics != nil {
		d.metrics.ActiveTasks.Set(float64(n))
	}
}

func (d *Dispatcher) process(ctx context.Context, workerID string, task *domain.Task, log logging.Logger) {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go d.runHeartbeat(heartbeatCtx, workerID, task.ID, log)

	agent, ok := d.registry.Lookup(task.Kind)
	if !ok {
		err := d.store.CompleteTask(ctx, task.ID, workerID, domain.Outcome{
			Status: domain.OutcomeFailed,
			Error:  domain.ErrNoAgentRegistered,
		})
		if err != nil {
			log.Error("complete_task (no agent) failed for %s: %v", task.ID, err)
		} else if d.metrics != nil {
			d.metrics.TasksCompleted.WithLabelValues(strings.ToLower(string(domain.OutcomeFailed))).Inc()
			d.metrics.TaskAttempts.Observe(float64(task.Attempt))
		}
		return
	}

	buildCtx, err := d.loadBuildContext(ctx, task.BuildID)
	if err != nil {
		log.Error("loading build context for %s failed: %v", task.BuildID, err)
		return
	}

	agentCtx, cancel := context.WithTimeout(ctx, d.cfg.AgentTimeout)
	start := time.Now()
	outcome, handleErr := invokeWithTimeout(agentCtx, agent, *buildCtx, task.Payload)
	elapsed := time.Since(start)
	cancel()

	if d.metrics != nil {
		d.metrics.AgentDuration.WithLabelValues(string(task.Kind)).Observe(elapsed.Seconds())
	}

	if handleErr != nil {
		if agentCtx.Err() != nil {
			outcome = domain.Outcome{Status: domain.OutcomeRetry, Error: "TIMEOUT"}
		} else {
			outcome = domain.Outcome{Status: domain.OutcomeRetry, Error: handleErr.Error()}
		}
	}

	if outcome.Status == domain.OutcomeRetry && outcome.RetryAfter <= 0 {
		outcome.RetryAfter = ciflowerrors.Backoff(task.Attempt, d.cfg.Backoff)
	}

	exhausted := outcome.Status == domain.OutcomeRetry && task.Attempt >= task.MaxAttempts

	if err := d.store.CompleteTask(ctx, task.ID, workerID, outcome); err != nil {
		if err == domain.ErrLeaseNotOwned {
			log.Warn("lease for task %s expired before completion; stuck-task recovery will reclaim it", task.ID)
			return
		}
		log.Error("complete_task failed for %s: %v", task.ID, err)
		return
	}

	if d.metrics == nil {
		return
	}
	d.metrics.TasksCompleted.WithLabelValues(strings.ToLower(string(outcome.Status))).Inc()
	if outcome.Status != domain.OutcomeRetry || exhausted {
		d.metrics.TaskAttempts.Observe(float64(task.Attempt))
	}
	if exhausted {
		d.metrics.DeadLetterTotal.Inc()
	}
}

// invokeWithTimeout runs agent.Handle and additionally recovers a panic,
// treating it like any other uncaught failure.
func invokeWithTimeout(ctx context.Context, agent domain.Agent, buildCtx domain.BuildContext, payload []byte) (outcome domain.Outcome, err error) {
	type result struct {
		outcome domain.Outcome
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: panicError{r}}
			}
		}()
		o, e := agent.Handle(ctx, buildCtx, payload)
		resultCh <- result{outcome: o, err: e}
	}()

	select {
	case res := <-resultCh:
		return res.outcome, res.err
	case <-ctx.Done():
		return domain.Outcome{}, ctx.Err()
	}
}

type panicError struct{ value any }

func (p panicError) Error() string { return "agent panic: " + toString(p.value) }

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}

func (d *Dispatcher) loadBuildContext(ctx context.Context, buildID string) (*domain.BuildContext, error) {
	build, err := d.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	plan, err := d.store.LatestPlan(ctx, buildID)
	if err != nil {
		return nil, err
	}
	candidates, err := d.store.CandidateFiles(ctx, buildID)
	if err != nil {
		return nil, err
	}
	patches, err := d.store.Patches(ctx, buildID)
	if err != nil {
		return nil, err
	}
	validations, err := d.store.Validations(ctx, buildID)
	if err != nil {
		return nil, err
	}
	pr, err := d.store.PullRequest(ctx, buildID)
	if err != nil {
		return nil, err
	}
	return &domain.BuildContext{
		Build:          *build,
		Plan:           plan,
		CandidateFiles: candidates,
		Patches:        patches,
		Validations:    validations,
		PullRequest:    pr,
	}, nil
}

func (d *Dispatcher) runHeartbeat(ctx context.Context, workerID, taskID string, log logging.Logger) {
	interval := d.cfg.LeaseTTL / time.Duration(max(d.cfg.HeartbeatFraction, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Heartbeat(ctx, taskID, workerID, d.cfg.LeaseTTL); err != nil {
				log.Warn("heartbeat failed for task %s: %v", taskID, err)
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func jitteredPoll(base time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(base) * jitter)
}

func workerName(prefix string, index int) string {
	return prefix + "-" + strconv.Itoa(index)
}
