package jobs

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/otcheredev/ris-dicom-store/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	jobsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dicomstore",
		Subsystem: "jobs",
		Name:      "jobs",
		Help:      "Jobs in the registry by state",
	}, []string{"state"})
	jobSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "jobs",
		Name:      "steps_total",
		Help:      "Job steps executed by job type",
	}, []string{"type"})
	jobCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Jobs reaching a final state",
	}, []string{"type", "state"})
)

// PropertyStore persists the registry snapshot
type PropertyStore interface {
	GlobalProperty(ctx context.Context, property models.GlobalProperty) (string, bool, error)
	SetGlobalProperty(ctx context.Context, property models.GlobalProperty, value string) error
}

// Options configures the engine
type Options struct {
	Workers     int
	HistorySize int
	SavePeriod  time.Duration
	RetryPeriod time.Duration
}

// DefaultOptions mirrors the defaults of the configuration layer
func DefaultOptions() Options {
	return Options{
		Workers:     2,
		HistorySize: 10,
		SavePeriod:  10 * time.Second,
		RetryPeriod: 200 * time.Millisecond,
	}
}

type handler struct {
	id        string
	job       Job
	state     State
	priority  int
	seq       uint64
	heapIndex int

	creation     time.Time
	lastChange   time.Time
	completion   time.Time
	runtime      time.Duration
	runningSince time.Time
	retryAt      time.Time
	err          error

	pauseScheduled  bool
	cancelScheduled bool
	finished        chan struct{}
}

func (h *handler) setState(state State) {
	h.state = state
	h.lastChange = time.Now()
}

// Engine is the jobs registry together with its worker pool
type Engine struct {
	opts  Options
	store PropertyStore

	mu        sync.Mutex
	cond      *sync.Cond
	jobs      map[string]*handler
	pending   pendingQueue
	retries   map[string]*handler
	completed []*handler
	nextSeq   uint64
	started   bool
	stopping  bool

	unserializers map[string]Unserializer

	workers    sync.WaitGroup
	background sync.WaitGroup
	cancel     context.CancelFunc

	log zerolog.Logger
}

// NewEngine creates an engine. store may be nil to disable persistence.
func NewEngine(store PropertyStore, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.HistorySize < 0 {
		opts.HistorySize = 0
	}
	if opts.RetryPeriod <= 0 {
		opts.RetryPeriod = 200 * time.Millisecond
	}
	e := &Engine{
		opts:          opts,
		store:         store,
		jobs:          make(map[string]*handler),
		retries:       make(map[string]*handler),
		unserializers: make(map[string]Unserializer),
		log:           logger.Component("jobs"),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// RegisterUnserializer declares how to rebuild persisted jobs of a type
func (e *Engine) RegisterUnserializer(jobType string, fn Unserializer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unserializers[jobType] = fn
}

// Start launches the workers, the retry scheduler and the periodic saver
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errcode.New(errcode.BadSequenceOfCalls, "jobs engine already started")
	}
	e.started = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.opts.Workers; i++ {
		e.workers.Add(1)
		go e.worker(runCtx, i)
	}

	e.background.Add(1)
	go e.every(runCtx, e.opts.RetryPeriod, func() { e.scheduleRetries(time.Now()) })

	if e.store != nil && e.opts.SavePeriod > 0 {
		e.background.Add(1)
		go e.every(runCtx, e.opts.SavePeriod, func() {
			if err := e.Save(runCtx); err != nil {
				e.log.Error().Err(err).Msg("Cannot save jobs registry")
			}
		})
	}

	e.log.Info().Int("workers", e.opts.Workers).Msg("Jobs engine started")
	return nil
}

func (e *Engine) every(ctx context.Context, period time.Duration, fn func()) {
	defer e.background.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop lets running jobs finish their current step, requeues them and saves
// the registry
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.workers.Wait()
	if e.cancel != nil {
		e.cancel()
	}
	e.background.Wait()

	e.log.Info().Msg("Jobs engine stopped")
	if e.store == nil {
		return nil
	}
	return e.Save(ctx)
}

func (e *Engine) worker(ctx context.Context, index int) {
	defer e.workers.Done()
	for {
		h := e.next(index)
		if h == nil {
			return
		}
		e.run(ctx, h)
	}
}

// next blocks until a pending job is available or the engine stops
func (e *Engine) next(worker int) *handler {
	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.stopping && e.pending.Len() == 0 {
		e.cond.Wait()
	}
	if e.stopping {
		return nil
	}

	h := e.pending.pop()
	h.setState(StateRunning)
	h.runningSince = time.Now()
	h.err = nil
	h.pauseScheduled = false
	h.cancelScheduled = false
	e.updateGaugesLocked()
	e.log.Info().Str("job", h.id).Str("type", h.job.Type()).Int("priority", h.priority).Int("worker", worker).Msg("Executing job")
	return h
}

type interruption int

const (
	interruptNone interruption = iota
	interruptPause
	interruptCancel
	interruptShutdown
)

func (e *Engine) interruption(h *handler) interruption {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case h.cancelScheduled:
		return interruptCancel
	case h.pauseScheduled:
		return interruptPause
	case e.stopping:
		return interruptShutdown
	}
	return interruptNone
}

func (e *Engine) run(ctx context.Context, h *handler) {
	for {
		switch e.interruption(h) {
		case interruptCancel:
			h.job.Stop(StopCanceled)
			e.finishRun(h, StateFailure, errcode.New(errcode.CanceledJob, "job canceled"), 0)
			return
		case interruptPause:
			h.job.Stop(StopPaused)
			e.finishRun(h, StatePaused, nil, 0)
			return
		case interruptShutdown:
			h.job.Stop(StopShutdown)
			e.finishRun(h, StatePending, nil, 0)
			return
		}

		result := e.step(ctx, h)
		switch result.Code {
		case StepContinue:
			continue
		case StepSuccess:
			h.job.Stop(StopSuccess)
			e.finishRun(h, StateSuccess, nil, 0)
		case StepFailure:
			h.job.Stop(StopFailure)
			e.finishRun(h, StateFailure, result.Err, 0)
		case StepRetry:
			h.job.Stop(StopRetry)
			e.finishRun(h, StateRetry, nil, result.RetryAfter)
		default:
			h.job.Stop(StopFailure)
			e.finishRun(h, StateFailure, errcode.Newf(errcode.InternalError, "unknown step code %d", result.Code), 0)
		}
		return
	}
}

func (e *Engine) step(ctx context.Context, h *handler) (result StepResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("job", h.id).Msg("Job step panicked")
			result = Failure(errcode.Newf(errcode.InternalError, "job step panicked: %v", r))
		}
	}()
	jobSteps.WithLabelValues(h.job.Type()).Inc()
	return h.job.Step(ctx, h.id)
}

func (e *Engine) finishRun(h *handler, state State, err error, retryAfter time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h.runtime += time.Since(h.runningSince)
	h.runningSince = time.Time{}

	switch state {
	case StateSuccess, StateFailure:
		e.completeLocked(h, state, err)
	case StatePaused:
		h.setState(StatePaused)
	case StateRetry:
		h.setState(StateRetry)
		h.retryAt = time.Now().Add(retryAfter)
		e.retries[h.id] = h
	case StatePending:
		h.setState(StatePending)
		e.pending.push(h)
	}
	e.updateGaugesLocked()
	e.cond.Broadcast()
}

func (e *Engine) completeLocked(h *handler, state State, err error) {
	h.setState(state)
	h.err = err
	h.completion = time.Now()
	e.completed = append(e.completed, h)
	close(h.finished)
	jobCompletions.WithLabelValues(h.job.Type(), state.String()).Inc()

	ev := e.log.Info()
	if err != nil {
		ev = e.log.Warn().Err(err)
	}
	ev.Str("job", h.id).Str("type", h.job.Type()).Str("state", state.String()).Msg("Job completed")

	for len(e.completed) > e.opts.HistorySize {
		forgotten := e.completed[0]
		delete(e.jobs, forgotten.id)
		if d, ok := forgotten.job.(Disposable); ok {
			go d.Dispose()
		}
		e.completed[0] = nil
		e.completed = e.completed[1:]
	}
}

func (e *Engine) updateGaugesLocked() {
	counts := make(map[State]int, len(stateNames))
	for _, h := range e.jobs {
		counts[h.state]++
	}
	for state, name := range stateNames {
		jobsByState.WithLabelValues(name).Set(float64(counts[state]))
	}
}

func (e *Engine) scheduleRetries(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	requeued := false
	for id, h := range e.retries {
		if !now.Before(h.retryAt) {
			delete(e.retries, id)
			h.setState(StatePending)
			e.pending.push(h)
			requeued = true
		}
	}
	if requeued {
		e.updateGaugesLocked()
		e.cond.Broadcast()
	}
}

// Submit queues a job and returns its id
func (e *Engine) Submit(job Job, priority int) string {
	h := e.submit(job, priority)
	return h.id
}

func (e *Engine) submit(job Job, priority int) *handler {
	now := time.Now()
	h := &handler{
		id:         uuid.NewString(),
		job:        job,
		priority:   priority,
		creation:   now,
		lastChange: now,
		state:      StatePending,
		heapIndex:  -1,
		finished:   make(chan struct{}),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq++
	h.seq = e.nextSeq
	e.jobs[h.id] = h
	e.pending.push(h)
	e.updateGaugesLocked()
	e.cond.Signal()

	e.log.Info().Str("job", h.id).Str("type", job.Type()).Int("priority", priority).Msg("Job submitted")
	return h
}

// SubmitAndWait queues a job and blocks until it completes. When ctx ends
// first the job is canceled.
func (e *Engine) SubmitAndWait(ctx context.Context, job Job, priority int) (string, error) {
	h := e.submit(job, priority)
	select {
	case <-h.finished:
	case <-ctx.Done():
		if err := e.Cancel(h.id); err != nil {
			e.log.Warn().Err(err).Str("job", h.id).Msg("Cannot cancel abandoned job")
		}
		return h.id, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if h.state == StateFailure {
		return h.id, h.err
	}
	return h.id, nil
}

func (e *Engine) lookupLocked(id string) (*handler, error) {
	h, ok := e.jobs[id]
	if !ok {
		return nil, errcode.Newf(errcode.UnknownResource, "unknown job: %s", id)
	}
	return h, nil
}

// Cancel moves a job to Failure with CanceledJob. A running job is canceled
// between two steps. Completed jobs are left untouched.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.lookupLocked(id)
	if err != nil {
		return err
	}

	canceled := errcode.New(errcode.CanceledJob, "job canceled")
	switch h.state {
	case StatePending:
		e.pending.remove(h)
		e.completeLocked(h, StateFailure, canceled)
	case StateRetry:
		delete(e.retries, id)
		e.completeLocked(h, StateFailure, canceled)
	case StatePaused:
		e.completeLocked(h, StateFailure, canceled)
	case StateRunning:
		h.cancelScheduled = true
	}
	e.updateGaugesLocked()
	e.cond.Broadcast()
	return nil
}

// Pause parks a job until Resume
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.lookupLocked(id)
	if err != nil {
		return err
	}

	switch h.state {
	case StatePending:
		e.pending.remove(h)
		h.setState(StatePaused)
	case StateRetry:
		delete(e.retries, id)
		h.setState(StatePaused)
	case StateRunning:
		h.pauseScheduled = true
	}
	e.updateGaugesLocked()
	return nil
}

// Resume requeues a paused job
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if h.state != StatePaused {
		return errcode.Newf(errcode.BadSequenceOfCalls, "cannot resume job %s in state %s", id, h.state)
	}
	h.setState(StatePending)
	e.pending.push(h)
	e.updateGaugesLocked()
	e.cond.Signal()
	return nil
}

// Resubmit resets a failed job and requeues it
func (e *Engine) Resubmit(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if h.state != StateFailure {
		return errcode.Newf(errcode.BadSequenceOfCalls, "cannot resubmit job %s in state %s", id, h.state)
	}
	if err := h.job.Reset(); err != nil {
		return fmt.Errorf("failed to reset job %s: %w", id, err)
	}

	for i, c := range e.completed {
		if c == h {
			e.completed = append(e.completed[:i], e.completed[i+1:]...)
			break
		}
	}
	h.err = nil
	h.runtime = 0
	h.completion = time.Time{}
	h.finished = make(chan struct{})
	h.setState(StatePending)
	e.pending.push(h)
	e.updateGaugesLocked()
	e.cond.Signal()

	e.log.Info().Str("job", id).Msg("Job resubmitted")
	return nil
}

// SetPriority changes the priority of a job, reordering the pending queue
func (e *Engine) SetPriority(id string, priority int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	h.priority = priority
	if h.state == StatePending {
		e.pending.fix(h)
	}
	return nil
}

// List returns the ids of the jobs in the registry, oldest first
func (e *Engine) List() []string {
	e.mu.Lock()
	handlers := make([]*handler, 0, len(e.jobs))
	for _, h := range e.jobs {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].seq < handlers[j].seq })
	ids := make([]string, len(handlers))
	for i, h := range handlers {
		ids[i] = h.id
	}
	return ids
}

// Get describes a job
func (e *Engine) Get(id string) (Info, error) {
	e.mu.Lock()
	h, err := e.lookupLocked(id)
	if err != nil {
		e.mu.Unlock()
		return Info{}, err
	}
	info := Info{
		ID:           h.id,
		Type:         h.job.Type(),
		State:        h.state,
		Priority:     h.priority,
		CreationTime: toolbox.FormatISO(h.creation),
	}
	runtime := h.runtime
	if h.state == StateRunning {
		runtime += time.Since(h.runningSince)
	}
	info.EffectiveRuntime = runtime.Seconds()
	if !h.completion.IsZero() {
		info.CompletionTime = toolbox.FormatISO(h.completion)
	}
	jobErr := h.err
	job := h.job
	state := h.state
	e.mu.Unlock()

	if jobErr != nil {
		code := errcode.CodeOf(jobErr)
		info.ErrorCode = int(code)
		info.ErrorDescription = code.String()
		info.ErrorDetails = jobErr.Error()
	} else {
		info.ErrorDescription = "Success"
	}

	progress := job.Progress()
	if state == StateSuccess {
		progress = 1
	}
	info.Progress = int(math.Round(100 * math.Max(0, math.Min(1, progress))))
	info.Content = job.Content()
	return info, nil
}

// Output returns a file produced by a successful job
func (e *Engine) Output(id, key string) (Output, error) {
	e.mu.Lock()
	h, err := e.lookupLocked(id)
	if err != nil {
		e.mu.Unlock()
		return Output{}, err
	}
	state := h.state
	job := h.job
	e.mu.Unlock()

	if state != StateSuccess {
		return Output{}, errcode.Newf(errcode.BadSequenceOfCalls, "job %s has not succeeded (%s)", id, state)
	}
	provider, ok := job.(OutputProvider)
	if !ok {
		return Output{}, errcode.Newf(errcode.InexistentItem, "job %s has no outputs", id)
	}
	out, ok := provider.Output(key)
	if !ok {
		return Output{}, errcode.Newf(errcode.InexistentItem, "job %s has no output %q", id, key)
	}
	return out, nil
}

// Stats counts the jobs by state
func (e *Engine) Stats() map[State]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[State]int)
	for _, h := range e.jobs {
		out[h.state]++
	}
	return out
}
