package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/probelab/netprobe/pkg/log"
	"github.com/probelab/netprobe/pkg/metrics"
	"github.com/probelab/netprobe/pkg/types"
)

// ErrTaskNotFound is returned when a task id is unknown
var ErrTaskNotFound = errors.New("task not found")

// StopSignal is a one-shot cooperative cancellation flag. One writer
// sets it; producers observe it through Done or IsSet.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopSignal creates an unset signal
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Set fires the signal. Subsequent calls are no-ops.
func (s *StopSignal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// IsSet reports whether the signal has fired
func (s *StopSignal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal fires
func (s *StopSignal) Done() <-chan struct{} {
	return s.ch
}

// Registry owns all in-process task state: scan tasks, ping tasks, their
// result buffers, and per-task stop signals. It is passed explicitly to
// every collaborator; there are no hidden globals. All state is
// ephemeral.
type Registry struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	scanTasks   map[string]*types.ScanTask
	pingTasks   map[string]*types.PingTask
	scanResults map[string][]*types.ProbeResult
	pingResults map[string][]types.PingSample
	stops       map[string]*StopSignal
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		logger:      log.WithComponent("registry"),
		scanTasks:   make(map[string]*types.ScanTask),
		pingTasks:   make(map[string]*types.PingTask),
		scanResults: make(map[string][]*types.ProbeResult),
		pingResults: make(map[string][]types.PingSample),
		stops:       make(map[string]*StopSignal),
	}
}

// Shutdown fires every stop signal so producers exit
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stop := range r.stops {
		stop.Set()
	}
	r.logger.Info().Msg("registry shut down")
}

// CreateScanTask registers a new pending scan task and returns its
// snapshot
func (r *Registry) CreateScanTask(targets []string, ports []int, proto types.Protocol) types.ScanTask {
	task := &types.ScanTask{
		ID:        uuid.New().String(),
		Targets:   targets,
		Ports:     ports,
		Protocol:  proto,
		Status:    types.TaskPending,
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.scanTasks[task.ID] = task
	r.scanResults[task.ID] = nil
	r.stops[task.ID] = NewStopSignal()
	r.mu.Unlock()

	metrics.TasksTotal.WithLabelValues("scan", string(types.TaskPending)).Inc()
	r.logger.Info().Str("task_id", task.ID).Int("targets", len(targets)).Int("ports", len(ports)).Msg("scan task created")
	return *task
}

// GetScanTask returns a snapshot of the task
func (r *Registry) GetScanTask(id string) (types.ScanTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.scanTasks[id]
	if !ok {
		return types.ScanTask{}, false
	}
	return *task, true
}

// ListScanTasks returns snapshots of every scan task
func (r *Registry) ListScanTasks() []types.ScanTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ScanTask, 0, len(r.scanTasks))
	for _, task := range r.scanTasks {
		out = append(out, *task)
	}
	return out
}

// UpdateScanTask applies fn to the task under the registry lock. The
// terminal-state and progress-monotonicity invariants are enforced here
// rather than trusted to callers.
func (r *Registry) UpdateScanTask(id string, fn func(*types.ScanTask)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.scanTasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		// Completed, failed, and cancelled tasks never transition again
		return nil
	}

	prevStatus := task.Status
	prevProgress := task.Progress
	fn(task)

	if task.Progress < prevProgress {
		task.Progress = prevProgress
	}
	if task.Progress > 100 {
		task.Progress = 100
	}
	if task.Status.Terminal() && task.CompletedAt == nil {
		now := time.Now()
		task.CompletedAt = &now
		if task.Status == types.TaskCompleted {
			task.Progress = 100
		}
	}

	if task.Status != prevStatus {
		metrics.TasksTotal.WithLabelValues("scan", string(prevStatus)).Dec()
		metrics.TasksTotal.WithLabelValues("scan", string(task.Status)).Inc()
	}
	return nil
}

// DeleteScanTask removes the task, its result buffer, and its stop
// signal, firing the signal first
func (r *Registry) DeleteScanTask(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.scanTasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if stop, ok := r.stops[id]; ok {
		stop.Set()
	}
	metrics.TasksTotal.WithLabelValues("scan", string(task.Status)).Dec()
	delete(r.scanTasks, id)
	delete(r.scanResults, id)
	delete(r.stops, id)
	return nil
}

// AppendScanResults appends results to the task's buffer
func (r *Registry) AppendScanResults(id string, results ...*types.ProbeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scanTasks[id]; !ok {
		return ErrTaskNotFound
	}
	r.scanResults[id] = append(r.scanResults[id], results...)
	return nil
}

// ScanResults returns a snapshot of the task's result buffer
func (r *Registry) ScanResults(id string) ([]*types.ProbeResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results, ok := r.scanResults[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := make([]*types.ProbeResult, len(results))
	copy(out, results)
	return out, nil
}

// CreatePingTask registers a new pending ping task
func (r *Registry) CreatePingTask(target string, interval float64) types.PingTask {
	task := &types.PingTask{
		ID:        uuid.New().String(),
		Target:    target,
		Status:    types.TaskPending,
		Interval:  interval,
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.pingTasks[task.ID] = task
	r.pingResults[task.ID] = nil
	r.stops[task.ID] = NewStopSignal()
	r.mu.Unlock()

	metrics.TasksTotal.WithLabelValues("ping", string(types.TaskPending)).Inc()
	r.logger.Info().Str("task_id", task.ID).Str("target", target).Msg("ping task created")
	return *task
}

// GetPingTask returns a snapshot of the task
func (r *Registry) GetPingTask(id string) (types.PingTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.pingTasks[id]
	if !ok {
		return types.PingTask{}, false
	}
	return *task, true
}

// ListPingTasks returns snapshots of every ping task
func (r *Registry) ListPingTasks() []types.PingTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.PingTask, 0, len(r.pingTasks))
	for _, task := range r.pingTasks {
		out = append(out, *task)
	}
	return out
}

// UpdatePingTask applies fn to the task under the registry lock with the
// same invariants as scan tasks
func (r *Registry) UpdatePingTask(id string, fn func(*types.PingTask)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.pingTasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return nil
	}

	prevStatus := task.Status
	fn(task)

	if task.Status.Terminal() && task.CompletedAt == nil {
		now := time.Now()
		task.CompletedAt = &now
	}
	if task.Status != prevStatus {
		metrics.TasksTotal.WithLabelValues("ping", string(prevStatus)).Dec()
		metrics.TasksTotal.WithLabelValues("ping", string(task.Status)).Inc()
	}
	return nil
}

// DeletePingTask removes the task, its sample buffer, and its stop
// signal, firing the signal first
func (r *Registry) DeletePingTask(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.pingTasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if stop, ok := r.stops[id]; ok {
		stop.Set()
	}
	metrics.TasksTotal.WithLabelValues("ping", string(task.Status)).Dec()
	delete(r.pingTasks, id)
	delete(r.pingResults, id)
	delete(r.stops, id)
	return nil
}

// AppendPingSample appends a sample to the task's buffer
func (r *Registry) AppendPingSample(id string, sample types.PingSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pingTasks[id]; !ok {
		return ErrTaskNotFound
	}
	r.pingResults[id] = append(r.pingResults[id], sample)
	return nil
}

// PingSamples returns a snapshot of the task's sample buffer
func (r *Registry) PingSamples(id string) ([]types.PingSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	samples, ok := r.pingResults[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := make([]types.PingSample, len(samples))
	copy(out, samples)
	return out, nil
}

// Cancel fires the task's stop signal and marks it cancelled unless it
// already reached a terminal state
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stop, ok := r.stops[id]
	if !ok {
		return ErrTaskNotFound
	}
	stop.Set()

	if task, ok := r.scanTasks[id]; ok && !task.Status.Terminal() {
		metrics.TasksTotal.WithLabelValues("scan", string(task.Status)).Dec()
		metrics.TasksTotal.WithLabelValues("scan", string(types.TaskCancelled)).Inc()
		task.Status = types.TaskCancelled
		now := time.Now()
		task.CompletedAt = &now
	}
	if task, ok := r.pingTasks[id]; ok && !task.Status.Terminal() {
		metrics.TasksTotal.WithLabelValues("ping", string(task.Status)).Dec()
		metrics.TasksTotal.WithLabelValues("ping", string(types.TaskCancelled)).Inc()
		task.Status = types.TaskCancelled
		now := time.Now()
		task.CompletedAt = &now
	}

	r.logger.Info().Str("task_id", id).Msg("task cancelled")
	return nil
}

// Stop returns the task's stop signal
func (r *Registry) Stop(id string) (*StopSignal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stop, ok := r.stops[id]
	return stop, ok
}
