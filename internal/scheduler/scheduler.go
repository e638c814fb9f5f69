// Package scheduler runs registered background tasks on their
// schedules: trust verification sweeps, compliance re-checks, audit
// pruning.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/palisade-fw/palisade/internal/clock"
	"github.com/palisade-fw/palisade/internal/logging"
)

// TaskFunc performs one run of a scheduled task. The context is
// cancelled when the scheduler stops or the task times out.
type TaskFunc func(ctx context.Context) error

// Task is a registered background job.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus is the observable state of one task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Scheduler owns the task registry and the tick loop. A task failure
// is recorded and the task stays scheduled; one bad run never takes
// the loop down.
type Scheduler struct {
	logger *logging.Logger

	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// tick defaults to one second; tests shrink it.
	tick time.Duration
}

type taskEntry struct {
	task    *Task
	status  TaskStatus
	nextRun time.Time
}

// New creates a stopped scheduler.
func New(logger *logging.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.WithComponent("scheduler"),
		tasks:  make(map[string]*taskEntry),
		tick:   time.Second,
	}
}

// AddTask registers a task. IDs must be unique.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task %s: schedule is required", task.ID)
	}
	if task.Func == nil {
		return fmt.Errorf("task %s: function is required", task.ID)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already registered", task.ID)
	}

	entry := &taskEntry{
		task:    task,
		status:  TaskStatus{ID: task.ID, Name: task.Name},
		nextRun: task.Schedule.Next(clock.Now()),
	}
	entry.status.NextRun = entry.nextRun
	s.tasks[task.ID] = entry
	s.logger.Debug("task registered", "id", task.ID, "next_run", entry.nextRun)
	return nil
}

// RemoveTask unregisters a task. A run already in flight finishes.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[id]; !exists {
		return fmt.Errorf("task %s not found", id)
	}
	delete(s.tasks, id)
	return nil
}

// RunTask runs a task immediately, regardless of its schedule.
func (s *Scheduler) RunTask(id string) error {
	s.mu.RLock()
	entry, exists := s.tasks[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}
	s.wg.Add(1)
	go s.executeTask(entry)
	return nil
}

// Status returns all task statuses sorted by ID.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// TaskStatusByID returns the status of one task.
func (s *Scheduler) TaskStatusByID(id string) (TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start launches the tick loop and any run-on-start tasks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	for _, entry := range s.tasks {
		if entry.task.RunOnStart {
			s.wg.Add(1)
			go s.executeTask(entry)
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started")
}

// Stop cancels the loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runDue(clock.Now())
		}
	}
}

func (s *Scheduler) runDue(now time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.tasks {
		if entry.nextRun.IsZero() || now.Before(entry.nextRun) {
			continue
		}
		s.wg.Add(1)
		go s.executeTask(entry)
		// Push nextRun forward immediately so the next tick does not
		// start a second run of the same task.
		entry.nextRun = entry.task.Schedule.Next(now)
	}
}

func (s *Scheduler) executeTask(entry *taskEntry) {
	defer s.wg.Done()

	task := entry.task

	base := s.ctx
	if base == nil {
		base = context.Background()
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(base, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}
	defer cancel()

	start := clock.Now()
	err := task.Func(ctx)
	duration := clock.Since(start)

	s.mu.Lock()
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
	} else {
		entry.status.LastError = ""
	}
	entry.status.NextRun = entry.nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}
}
