package optimization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asirikuy/framework/internal/bus"
	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/history"
	"github.com/asirikuy/framework/internal/metrics"
	"github.com/asirikuy/framework/internal/results"
	"github.com/asirikuy/framework/pkg/optimizer"
)

// RunIDPlaceholder in a results path is replaced by the run id.
const RunIDPlaceholder = "{run_id}"

const finishTimeout = 5 * time.Second

var (
	ErrJobNotFound = errors.New("optimization job not found")
	ErrShutdown    = errors.New("optimization manager is shutting down")
)

// Dependencies are the optional infrastructure a run writes to. Nil members are skipped.
type Dependencies struct {
	History *history.Store
	Store   *results.Store
	Bus     *bus.Bus
	Redis   *redis.Client
	// Listeners receive every iteration after the configured sinks, e.g. a websocket hub.
	Listeners []results.Sink
	// OnFinish is called once per run after its outcome was stored.
	OnFinish func(JobInfo)
}

// JobInfo is a point-in-time view of a job.
type JobInfo struct {
	ID             uuid.UUID  `json:"id"`
	Type           string     `json:"type"`
	Symbols        []string   `json:"symbols"`
	Status         string     `json:"status"`
	TestsCompleted int64      `json:"tests_completed"`
	Iterations     int        `json:"iterations"`
	BestFitness    *float64   `json:"best_fitness,omitempty"`
	BestParams     []float64  `json:"best_params,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Job is one running or finished optimization.
type Job struct {
	id        uuid.UUID
	typ       optimizer.Type
	symbols   []string
	startedAt time.Time
	scheduler *optimizer.Scheduler
	recorder  *results.Recorder
	done      chan struct{}

	mu         sync.RWMutex
	status     string
	err        error
	finishedAt *time.Time
}

// ID returns the run id.
func (j *Job) ID() uuid.UUID { return j.id }

// Done is closed once the run finished and every sink was closed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Stop asks the scheduler to stop dispatching tests. In-flight tests complete.
func (j *Job) Stop() { j.scheduler.Stop() }

// Info returns a snapshot of the job.
func (j *Job) Info() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()

	info := JobInfo{
		ID:             j.id,
		Type:           j.typ.String(),
		Symbols:        j.symbols,
		Status:         j.status,
		TestsCompleted: j.scheduler.TestsCompleted(),
		Iterations:     j.recorder.Iterations(),
		StartedAt:      j.startedAt,
		FinishedAt:     j.finishedAt,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	if j.typ == optimizer.Genetic {
		if params, fitness := j.scheduler.Best(); len(params) > 0 {
			info.BestParams = params
			info.BestFitness = &fitness
		}
	}
	return info
}

func (j *Job) finish(status string, err error) {
	now := time.Now()
	j.mu.Lock()
	j.status = status
	j.err = err
	j.finishedAt = &now
	j.mu.Unlock()
	close(j.done)
}

// Manager starts optimization runs and tracks them until they finish.
type Manager struct {
	cfg    *config.Config
	deps   Dependencies
	runner optimizer.Runner
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[uuid.UUID]*Job
	closing bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRunner replaces the default EMA crossover tester.
func WithRunner(r optimizer.Runner) ManagerOption {
	return func(m *Manager) { m.runner = r }
}

// NewManager creates a manager. Runs read history through deps.History, which is required.
func NewManager(cfg *config.Config, deps Dependencies, opts ...ManagerOption) (*Manager, error) {
	if deps.History == nil {
		return nil, fmt.Errorf("history store is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		log:    config.NewLogger("optimization"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[uuid.UUID]*Job),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.runner == nil {
		runner, err := NewRunner(cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		m.runner = runner
	}
	return m, nil
}

// Start validates and launches a run in the background. The run outlives ctx, which only
// bounds the setup.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Job, error) {
	m.mu.RLock()
	closing := m.closing
	m.mu.RUnlock()
	if closing {
		return nil, ErrShutdown
	}

	req, err := BuildRequest(m.cfg, m.deps.History, opts)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	runLog := config.NewRunLogger(id.String(), req.Type.String())

	names := opts.ParamNames
	if names == nil {
		names = paramNames(req.Params)
	}
	sinks, err := m.sinks(id, opts, names)
	if err != nil {
		return nil, err
	}

	balances := make([]float64, len(req.Symbols))
	for i := range req.Symbols {
		balances[i] = req.AccountInfo[i].Balance
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	recorder := results.NewRecorder(runCtx, id.String(), balances, sinks...)
	req.OnUpdate = recorder.Update

	observer := metrics.NewObserver(runLog)
	schedOpts := []optimizer.Option{
		optimizer.WithObserver(observer),
		optimizer.WithLogger(runLog),
	}
	if d := m.cfg.Optimizer.ProgressInterval; d > 0 {
		schedOpts = append(schedOpts, optimizer.WithProgressInterval(d))
	}
	if m.deps.Redis != nil {
		cache := results.NewFitnessCache(m.deps.Redis, cacheNamespace(req, m.cfg.History), m.cfg.Results.CacheTTL)
		if opts.ClearCache {
			n, err := cache.Clear(ctx)
			if err != nil {
				runLog.Warn().Err(err).Msg("Failed to clear fitness cache")
			} else {
				runLog.Info().Int("deleted", n).Msg("Fitness cache cleared")
			}
		}
		schedOpts = append(schedOpts, optimizer.WithCache(cache))
	}
	scheduler := optimizer.NewScheduler(m.runner, schedOpts...)

	job := &Job{
		id:        id,
		typ:       req.Type,
		symbols:   req.Symbols,
		startedAt: time.Now(),
		scheduler: scheduler,
		recorder:  recorder,
		done:      make(chan struct{}),
		status:    results.RunRunning,
	}

	if m.deps.Store != nil {
		if err := m.deps.Store.CreateRun(ctx, id, req.Type.String(), req.Symbols); err != nil {
			cancel()
			_ = recorder.Close()
			return nil, err
		}
	}

	var stopSub *nats.Subscription
	if m.deps.Bus != nil {
		if stopSub, err = m.deps.Bus.ListenStop(id.String(), scheduler); err != nil {
			runLog.Warn().Err(err).Msg("Remote stop unavailable")
		}
		m.publishStatus(ctx, job)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		if stopSub != nil {
			_ = stopSub.Unsubscribe()
		}
		cancel()
		_ = recorder.Close()
		return nil, ErrShutdown
	}
	m.jobs[id] = job
	m.wg.Add(1)
	m.mu.Unlock()

	observer.RunStarted()
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer observer.RunFinished()
		m.run(runCtx, job, req, stopSub, runLog)
	}()

	runLog.Info().
		Strs("symbols", req.Symbols).
		Int("params", len(req.Params)).
		Int("sinks", len(sinks)).
		Msg("Optimization started")
	return job, nil
}

func (m *Manager) run(ctx context.Context, job *Job, req *optimizer.Request, stopSub *nats.Subscription, runLog zerolog.Logger) {
	err := job.scheduler.Run(ctx, req)

	status := results.RunCompleted
	switch {
	case job.scheduler.Stopped() || errors.Is(err, context.Canceled):
		status = results.RunStopped
		err = nil
	case err != nil:
		status = results.RunFailed
	}

	if stopSub != nil {
		_ = stopSub.Unsubscribe()
	}
	if cerr := job.recorder.Close(); cerr != nil {
		runLog.Error().Err(cerr).Msg("Failed to close result sinks")
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	job.mu.Lock()
	job.status = status
	job.err = err
	job.mu.Unlock()
	info := job.Info()

	if m.deps.Store != nil {
		if ferr := m.deps.Store.FinishRun(finishCtx, job.id, status, info.TestsCompleted, info.BestFitness, err); ferr != nil {
			runLog.Error().Err(ferr).Msg("Failed to store run outcome")
		}
	}
	if m.deps.Bus != nil {
		m.publishStatus(finishCtx, job)
	}

	job.finish(status, err)
	if m.deps.OnFinish != nil {
		m.deps.OnFinish(job.Info())
	}

	event := runLog.Info()
	if err != nil {
		event = runLog.Error().Err(err)
	}
	event.
		Str("status", status).
		Int64("tests", info.TestsCompleted).
		Int("iterations", info.Iterations).
		Int("sink_failures", job.recorder.Failures()).
		Dur("duration", time.Since(job.startedAt)).
		Msg("Optimization finished")
}

// sinks opens the configured result outputs. Postgres and NATS are guarded by circuit breakers.
func (m *Manager) sinks(id uuid.UUID, opts StartOptions, names map[int]string) ([]results.Sink, error) {
	var out []results.Sink
	closeAll := func() {
		for _, s := range out {
			if c, ok := s.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
	}

	csvPath := firstNonEmpty(opts.CSVPath, m.cfg.Results.CSVPath)
	if csvPath != "" {
		w, err := results.CreateCSV(runPath(csvPath, id), names)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}

	parquetPath := firstNonEmpty(opts.ParquetPath, m.cfg.Results.ParquetPath)
	if parquetPath != "" {
		w, err := results.CreateParquet(runPath(parquetPath, id), names)
		if err != nil {
			closeAll()
			return nil, err
		}
		out = append(out, w)
	}

	if m.deps.Store != nil {
		out = append(out, results.Guard("postgres", m.deps.Store, results.DefaultBreakerSettings()))
	}
	if m.deps.Bus != nil {
		out = append(out, results.Guard("nats", m.deps.Bus, results.DefaultBreakerSettings()))
	}
	return append(out, m.deps.Listeners...), nil
}

func (m *Manager) publishStatus(ctx context.Context, job *Job) {
	info := job.Info()
	ev := bus.StatusEvent{
		RunID:          info.ID.String(),
		Status:         info.Status,
		TestsCompleted: info.TestsCompleted,
		BestFitness:    info.BestFitness,
		Error:          info.Error,
		Timestamp:      time.Now(),
	}
	if err := m.deps.Bus.PublishStatus(ctx, ev); err != nil {
		log.Warn().Err(err).Str("run_id", ev.RunID).Msg("Failed to publish run status")
	}
}

// Get returns the job with id.
func (m *Manager) Get(id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns every tracked job, newest first.
func (m *Manager) List() []JobInfo {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.RUnlock()

	out := make([]JobInfo, len(jobs))
	for i, job := range jobs {
		out[i] = job.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Stop stops the job with id. Stopping a finished job is a no-op.
func (m *Manager) Stop(id uuid.UUID) error {
	job, err := m.Get(id)
	if err != nil {
		return err
	}
	job.Stop()
	m.log.Info().Str("run_id", id.String()).Msg("Optimization stop requested")
	return nil
}

// Shutdown stops every run and waits for them to finish or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for _, job := range m.jobs {
		job.Stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

// paramNames labels settings indexes with the names of the parameter space, if any.
func paramNames(space optimizer.Space) map[int]string {
	var names map[int]string
	for _, p := range space {
		if p.Name == "" {
			continue
		}
		if names == nil {
			names = make(map[int]string, len(space))
		}
		names[p.Index] = p.Name
	}
	return names
}

func runPath(path string, id uuid.UUID) string {
	return strings.ReplaceAll(path, RunIDPlaceholder, id.String())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
