package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DeviceSource is the scheduler's view of dispatchable devices. Implemented
// by DeviceRegistry.
type DeviceSource interface {
	Online() []Device
}

// SchedulerConfig wires the task scheduler.
type SchedulerConfig struct {
	// Devices supplies online devices for selection. Required.
	Devices DeviceSource
	// Store persists definitions and executions. Nil disables persistence.
	Store TaskStore
	// Metrics receives scheduler counters. Optional.
	Metrics *Metrics

	// IdleSleep spaces dispatch passes when nothing can be dispatched.
	// Default 500ms.
	IdleSleep time.Duration
	// DefaultTimeout bounds tasks submitted without one. Default 5m.
	DefaultTimeout time.Duration
	// CancelGrace is how long a cancelled handler gets to wind down before
	// the device is freed underneath it. Default 5s.
	CancelGrace time.Duration
	// RateLimit caps dispatches per device per RateWindow. 0 disables.
	RateLimit  int
	RateWindow time.Duration
}

// TaskScheduler owns the priority queue, the dispatch loop, and the
// transient busy flag of every device. Discovery state stays with the
// registry; the two never share a lock.
type TaskScheduler struct {
	cfg     SchedulerConfig
	devices DeviceSource
	store   TaskStore
	queue   *taskQueue
	limiter *dispatchRateLimiter
	metrics *Metrics

	mu           sync.Mutex
	handlers     map[string]TaskHandler
	definitions  map[string]*TaskDefinition
	executions   map[string]*TaskExecution
	busy         map[string]*runningTask
	lastDispatch map[string]time.Time
}

// runningTask tracks one in-flight execution on one device.
type runningTask struct {
	taskID string
	serial string
	cancel context.CancelFunc
	done   chan struct{}
}

type handlerResult struct {
	out string
	err error
}

func NewTaskScheduler(cfg SchedulerConfig) (*TaskScheduler, error) {
	if cfg.Devices == nil {
		return nil, errors.New("scheduler: device source is nil")
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 500 * time.Millisecond
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	store := cfg.Store
	if store == nil {
		store = noopTaskStore{}
	}
	return &TaskScheduler{
		cfg:          cfg,
		devices:      cfg.Devices,
		store:        store,
		queue:        newTaskQueue(),
		limiter:      newDispatchRateLimiter(cfg.RateLimit, cfg.RateWindow),
		metrics:      cfg.Metrics,
		handlers:     make(map[string]TaskHandler),
		definitions:  make(map[string]*TaskDefinition),
		executions:   make(map[string]*TaskExecution),
		busy:         make(map[string]*runningTask),
		lastDispatch: make(map[string]time.Time),
	}, nil
}

// RegisterHandler binds a handler to a task type. Later registrations for
// the same type win.
func (s *TaskScheduler) RegisterHandler(taskType string, handler TaskHandler) {
	if s == nil || strings.TrimSpace(taskType) == "" || handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.TrimSpace(taskType)] = handler
}

// Submit validates and accepts a task: persisted first, then enqueued into
// its priority bucket. Never waits on device availability.
func (s *TaskScheduler) Submit(ctx context.Context, def *TaskDefinition) (string, error) {
	if s == nil {
		return "", errors.New("scheduler is nil")
	}
	if def == nil {
		return "", errors.New("submit: nil task definition")
	}
	d := *def
	d.Type = strings.TrimSpace(d.Type)
	if d.Type == "" {
		return "", errors.New("submit: empty task type")
	}
	if strings.TrimSpace(d.TaskID) == "" {
		d.TaskID = uuid.NewString()
	}
	if d.Priority == "" {
		d.Priority = PriorityNormal
	}
	if d.Timeout <= 0 {
		d.Timeout = s.cfg.DefaultTimeout
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	exec := &TaskExecution{TaskID: d.TaskID, Status: TaskPending}
	if err := s.store.SaveTask(ctx, &d); err != nil {
		return "", errors.Wrap(err, "persist task definition")
	}
	if err := s.store.UpsertExecution(ctx, exec); err != nil {
		return "", errors.Wrap(err, "persist task execution")
	}

	s.mu.Lock()
	s.definitions[d.TaskID] = &d
	s.executions[d.TaskID] = exec
	s.mu.Unlock()
	s.queue.Push(&d)

	s.metrics.TaskSubmitted(d.Priority)
	s.metrics.SetQueueDepths(s.queue.Counts())
	log.Info().Str("task_id", d.TaskID).Str("type", d.Type).
		Str("priority", string(d.Priority)).Msg("task submitted")
	return d.TaskID, nil
}

// Cancel is best-effort and never errors: true when the task was pending or
// running and is now cancelled, false for unknown or already-terminal ids.
func (s *TaskScheduler) Cancel(taskID string) bool {
	if s == nil {
		return false
	}
	taskID = strings.TrimSpace(taskID)

	s.mu.Lock()
	exec, ok := s.executions[taskID]
	if !ok || exec.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	var rt *runningTask
	if exec.Status == TaskRunning || exec.Status == TaskAssigned {
		for _, candidate := range s.busy {
			if candidate.taskID == taskID {
				rt = candidate
				break
			}
		}
	}
	exec.Status = TaskCancelled
	exec.FinishedAt = time.Now()
	execCopy := *exec
	s.mu.Unlock()

	s.queue.Remove(taskID)
	if rt != nil {
		rt.cancel()
	}
	s.persistExec(&execCopy)
	s.metrics.TaskFinished(TaskCancelled)
	s.metrics.SetQueueDepths(s.queue.Counts())
	log.Info().Str("task_id", taskID).Bool("was_running", rt != nil).Msg("task cancelled")
	return true
}

// Execution returns a copy of the task's execution record, falling back to
// the store for records already dropped from memory.
func (s *TaskScheduler) Execution(ctx context.Context, taskID string) (TaskExecution, bool) {
	if s == nil {
		return TaskExecution{}, false
	}
	taskID = strings.TrimSpace(taskID)
	s.mu.Lock()
	exec, ok := s.executions[taskID]
	if ok {
		out := *exec
		s.mu.Unlock()
		return out, true
	}
	s.mu.Unlock()

	stored, err := s.store.GetExecution(ctx, taskID)
	if err != nil || stored == nil {
		return TaskExecution{}, false
	}
	return *stored, true
}

// Stats snapshots queue depths, running executions, and free online devices.
func (s *TaskScheduler) Stats() QueueStats {
	stats := QueueStats{Pending: s.queue.Counts()}
	online := s.devices.Online()
	s.mu.Lock()
	stats.Active = len(s.busy)
	for _, dev := range online {
		if _, taken := s.busy[dev.Serial]; !taken {
			stats.AvailableDevices++
		}
	}
	s.mu.Unlock()
	return stats
}

// BusySerials lists devices currently holding a running execution.
func (s *TaskScheduler) BusySerials() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.busy))
	for serial := range s.busy {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

// RunningTasks maps each busy device serial to the task it is executing.
func (s *TaskScheduler) RunningTasks() map[string]string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.busy))
	for serial, rt := range s.busy {
		out[serial] = rt.taskID
	}
	return out
}

// Run drives dispatch until the context is cancelled. Exactly one Run loop
// may be active per scheduler.
func (s *TaskScheduler) Run(ctx context.Context) error {
	log.Info().Msg("task dispatch loop started")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("task dispatch loop stopped")
			return nil
		}
		if s.DispatchOnce(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("task dispatch loop stopped")
			return nil
		case <-time.After(s.cfg.IdleSleep):
		}
	}
}

// DispatchOnce makes one dispatch decision: the head of the highest
// non-empty bucket either launches on a qualifying free device or nothing
// happens this pass. Lower buckets are never consulted while a higher one
// has work, so starved-but-urgent work is never overtaken. Returns whether
// the pass made progress.
func (s *TaskScheduler) DispatchOnce(ctx context.Context) bool {
	def, ok := s.queue.Peek()
	if !ok {
		return false
	}
	serial, ok := s.selectDevice(def)
	if !ok {
		return false
	}
	if !s.queue.PopHead(def.TaskID) {
		// Head changed under us (cancelled); count it as progress and let
		// the next pass look again.
		return true
	}
	s.metrics.SetQueueDepths(s.queue.Counts())
	s.launch(ctx, def, serial)
	return true
}

// selectDevice picks the least-recently-dispatched free online device whose
// capabilities satisfy the task's requirements.
func (s *TaskScheduler) selectDevice(def *TaskDefinition) (string, bool) {
	online := s.devices.Online()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]Device, 0, len(online))
	for _, dev := range online {
		if _, taken := s.busy[dev.Serial]; taken {
			continue
		}
		if !def.Requirements.Matches(dev) {
			continue
		}
		if s.limiter.remaining(dev.Serial, now) <= 0 {
			continue
		}
		candidates = append(candidates, dev)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := s.lastDispatch[candidates[i].Serial], s.lastDispatch[candidates[j].Serial]
		if ti.Equal(tj) {
			return candidates[i].Serial < candidates[j].Serial
		}
		return ti.Before(tj)
	})
	return candidates[0].Serial, true
}

// launch marks the device busy and starts the execution goroutine. The
// matching free lives in execute's defer, so every path that marks busy has
// a guaranteed release.
func (s *TaskScheduler) launch(ctx context.Context, def *TaskDefinition, serial string) {
	now := time.Now()

	s.mu.Lock()
	exec, ok := s.executions[def.TaskID]
	if !ok || exec.Status != TaskPending {
		// Cancelled between pop and launch.
		s.mu.Unlock()
		return
	}
	handler := s.handlers[def.Type]
	if handler == nil {
		exec.Status = TaskFailed
		exec.Error = errors.Wrapf(ErrNoHandler, "type %q", def.Type).Error()
		exec.FinishedAt = now
		execCopy := *exec
		s.mu.Unlock()
		s.persistExec(&execCopy)
		s.metrics.TaskFinished(TaskFailed)
		log.Error().Str("task_id", def.TaskID).Str("type", def.Type).Msg("no handler registered, task failed")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{taskID: def.TaskID, serial: serial, cancel: cancel, done: make(chan struct{})}
	s.busy[serial] = rt
	s.lastDispatch[serial] = now
	s.limiter.recordDispatch(serial, now)
	exec.Status = TaskAssigned
	exec.DeviceSerial = serial
	exec.AssignedAt = now
	execCopy := *exec
	s.mu.Unlock()

	s.persistExec(&execCopy)
	s.metrics.TaskDispatched()
	s.metrics.SetActive(len(s.BusySerials()))
	log.Info().Str("task_id", def.TaskID).Str("serial", serial).
		Str("priority", string(def.Priority)).Msg("task dispatched")
	go s.execute(runCtx, rt, def, handler)
}

// execute runs one attempt, bounded by the task timeout. The device free and
// the done signal are deferred so they survive panics in this function.
func (s *TaskScheduler) execute(runCtx context.Context, rt *runningTask, def *TaskDefinition, handler TaskHandler) {
	defer close(rt.done)
	defer s.releaseDevice(rt.serial)

	s.markRunning(def.TaskID)
	started := time.Now()

	attemptCtx, cancel := context.WithTimeout(runCtx, def.Timeout)
	defer cancel()

	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerResult{err: errors.Errorf("handler panicked: %v", r)}
			}
		}()
		out, err := handler(attemptCtx, rt.serial, def.Parameters)
		resultCh <- handlerResult{out: out, err: err}
	}()

	var res handlerResult
	var timedOut, settled bool
	select {
	case res = <-resultCh:
		settled = true
	case <-attemptCtx.Done():
		if runCtx.Err() != nil {
			// Cancellation (user or shutdown): cooperative, give the
			// handler the grace period, then abandon it to drain on its
			// own while the device is freed.
			select {
			case res = <-resultCh:
				settled = true
			case <-time.After(s.cfg.CancelGrace):
				log.Warn().Str("task_id", def.TaskID).Str("serial", rt.serial).
					Msg("handler ignored cancellation, abandoning after grace")
			}
		} else {
			timedOut = true
		}
	}
	// A prompt handler can surface the deadline before the select sees
	// attemptCtx expire; that is still a timeout, not a handler failure.
	if settled && res.err != nil && runCtx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		timedOut = true
	}
	// A success that raced the cancellation still counts. Anything else
	// under a cancelled context is an interruption, not a task failure.
	interrupted := runCtx.Err() != nil && (!settled || res.err != nil)
	s.finalize(def, rt.serial, res, time.Since(started), timedOut, interrupted)
}

// finalize applies the outcome policy: timeout is terminal with no retry,
// handler errors retry at the same priority until the budget is spent,
// success completes. A cancelled execution keeps its status; a shutdown
// leaves the record non-terminal so startup recovery re-enqueues it.
func (s *TaskScheduler) finalize(def *TaskDefinition, serial string, res handlerResult, elapsed time.Duration, timedOut, interrupted bool) {
	var requeue, finishedHere bool

	s.mu.Lock()
	exec, ok := s.executions[def.TaskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch {
	case exec.Status.Terminal():
		// Cancel already settled it and emitted the finish accounting.
	case timedOut:
		exec.Status = TaskTimeout
		exec.Error = errors.Errorf("execution exceeded timeout %s", def.Timeout).Error()
		exec.FinishedAt = time.Now()
		finishedHere = true
	case interrupted:
		// Shutdown mid-flight. Persist as-is, non-terminal, so the next
		// start re-enqueues it without charging the retry budget.
		execCopy := *exec
		s.mu.Unlock()
		s.persistExec(&execCopy)
		log.Info().Str("task_id", def.TaskID).Str("serial", serial).
			Msg("execution interrupted by shutdown, left recoverable")
		return
	case res.err != nil:
		exec.RetryCount++
		exec.Error = res.err.Error()
		if exec.RetryCount <= def.MaxRetries {
			exec.Status = TaskPending
			exec.DeviceSerial = ""
			requeue = true
		} else {
			exec.Status = TaskFailed
			exec.FinishedAt = time.Now()
			finishedHere = true
		}
	default:
		exec.Status = TaskCompleted
		exec.Result = res.out
		exec.FinishedAt = time.Now()
		finishedHere = true
	}
	status := exec.Status
	retries := exec.RetryCount
	execCopy := *exec
	s.mu.Unlock()

	s.persistExec(&execCopy)
	if requeue {
		s.queue.Push(def)
		s.metrics.TaskRetried()
		s.metrics.SetQueueDepths(s.queue.Counts())
		log.Warn().Str("task_id", def.TaskID).Str("serial", serial).Int("retry", retries).
			Err(res.err).Msg("task attempt failed, requeued")
		return
	}
	if finishedHere {
		s.metrics.TaskFinished(status)
		s.metrics.ObserveExecution(status, elapsed)
		log.Info().Str("task_id", def.TaskID).Str("serial", serial).
			Str("status", string(status)).Dur("elapsed", elapsed).Msg("task finished")
	}
}

// markRunning flips the execution to running once the goroutine is live.
func (s *TaskScheduler) markRunning(taskID string) {
	s.mu.Lock()
	exec, ok := s.executions[taskID]
	if !ok || exec.Status != TaskAssigned {
		s.mu.Unlock()
		return
	}
	exec.Status = TaskRunning
	execCopy := *exec
	s.mu.Unlock()
	s.persistExec(&execCopy)
}

// releaseDevice clears the busy flag. Every launch has exactly one matching
// release, panic or not.
func (s *TaskScheduler) releaseDevice(serial string) {
	s.mu.Lock()
	delete(s.busy, serial)
	active := len(s.busy)
	s.mu.Unlock()
	s.metrics.SetActive(active)
}

// Recover re-enqueues definitions whose executions never reached a terminal
// state, typically after a daemon restart. Retry counts survive; the
// interrupted attempt itself is not charged.
func (s *TaskScheduler) Recover(ctx context.Context) error {
	defs, err := s.store.LoadRecoverable(ctx)
	if err != nil {
		return errors.Wrap(err, "load recoverable tasks")
	}
	for _, def := range defs {
		if def == nil || strings.TrimSpace(def.TaskID) == "" {
			continue
		}
		exec := &TaskExecution{TaskID: def.TaskID, Status: TaskPending}
		if stored, err := s.store.GetExecution(ctx, def.TaskID); err == nil && stored != nil {
			exec.RetryCount = stored.RetryCount
		}
		s.mu.Lock()
		s.definitions[def.TaskID] = def
		s.executions[def.TaskID] = exec
		s.mu.Unlock()
		s.queue.Push(def)
		s.persistExec(exec)
		log.Info().Str("task_id", def.TaskID).Int("retry", exec.RetryCount).Msg("task recovered from store")
	}
	if len(defs) > 0 {
		s.metrics.SetQueueDepths(s.queue.Counts())
		log.Info().Int("count", len(defs)).Msg("startup recovery requeued tasks")
	}
	return nil
}

// PurgeTerminal drops terminal executions older than the retention window
// from the store and from memory.
func (s *TaskScheduler) PurgeTerminal(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	purged, err := s.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("purge terminal executions failed")
		return
	}

	s.mu.Lock()
	removed := 0
	for taskID, exec := range s.executions {
		if exec.Status.Terminal() && !exec.FinishedAt.IsZero() && exec.FinishedAt.Before(cutoff) {
			delete(s.executions, taskID)
			delete(s.definitions, taskID)
			removed++
		}
	}
	s.mu.Unlock()
	if purged > 0 || removed > 0 {
		log.Info().Int64("store", purged).Int("memory", removed).Msg("terminal executions purged")
	}
}

// persistExec writes one execution row with a bounded context, absorbing
// storage errors into logs so task flow never stalls on the store.
func (s *TaskScheduler) persistExec(exec *TaskExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpsertExecution(ctx, exec); err != nil {
		log.Warn().Err(err).Str("task_id", exec.TaskID).Msg("persist execution failed")
	}
}
