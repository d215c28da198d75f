// Package scheduler runs the daemon's periodic housekeeping tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mindflora/mindflora/internal/logging"
)

// ErrTaskNotFound is returned for an unknown task ID
var ErrTaskNotFound = errors.New("task not found")

// Scheduler manages scheduled tasks
type Scheduler struct {
	tasks    map[string]*Task
	running  map[string]context.CancelFunc
	mu       sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	timezone *time.Location
	now      func() time.Time
}

// Config configures the scheduler
type Config struct {
	Timezone string // IANA name; empty means Local
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg Config) (*Scheduler, error) {
	tz := time.Local
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone: %w", err)
		}
		tz = loc
	}

	return &Scheduler{
		tasks:    make(map[string]*Task),
		running:  make(map[string]context.CancelFunc),
		timezone: tz,
		now:      time.Now,
	}, nil
}

// Task is a named job and its run history
type Task struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Schedule   Schedule      `json:"schedule"`
	Handler    TaskHandler   `json:"-"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Timeout    time.Duration `json:"timeout"`
}

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// Schedule defines when a task runs
type Schedule struct {
	Type     ScheduleType  `json:"type"`
	Interval time.Duration `json:"interval,omitempty"` // ScheduleInterval
	At       string        `json:"at,omitempty"`       // ScheduleDaily, "HH:MM"
}

// ScheduleType represents the type of schedule
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval" // Run every X duration
	ScheduleDaily    ScheduleType = "daily"    // Run at a local time each day
)

// Register adds a task to the scheduler
func (s *Scheduler) Register(task *Task) error {
	if task.ID == "" {
		return errors.New("task ID is required")
	}
	if task.Handler == nil {
		return errors.New("task handler is required")
	}
	switch task.Schedule.Type {
	case ScheduleInterval:
		if task.Schedule.Interval <= 0 {
			return fmt.Errorf("task %s: interval must be positive", task.ID)
		}
	case ScheduleDaily:
		if _, err := time.Parse("15:04", task.Schedule.At); err != nil {
			return fmt.Errorf("task %s: daily time must be HH:MM", task.ID)
		}
	default:
		return fmt.Errorf("task %s: unknown schedule %q", task.ID, task.Schedule.Type)
	}
	if task.Timeout == 0 {
		task.Timeout = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already registered", task.ID)
	}
	next := s.nextRun(task.Schedule)
	task.NextRun = &next
	s.tasks[task.ID] = task

	if s.started {
		s.startTask(task)
	}
	return nil
}

// Start runs every registered task until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, task := range s.tasks {
		s.startTask(task)
	}
	return nil
}

// Stop cancels every task loop and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = make(map[string]context.CancelFunc)
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
}

// startTask starts a single task's loop. Caller holds mu.
func (s *Scheduler) startTask(task *Task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel

	s.wg.Add(1)
	go s.runTaskLoop(taskCtx, task)
}

func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		wait := task.NextRun.Sub(s.now())
		s.mu.RUnlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.execute(ctx, task)
		}
	}
}

// execute runs the handler once and records the outcome
func (s *Scheduler) execute(ctx context.Context, task *Task) error {
	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	start := s.now()
	err := task.Handler(execCtx)

	s.mu.Lock()
	task.LastRun = &start
	task.RunCount++
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	next := s.nextRun(task.Schedule)
	task.NextRun = &next
	s.mu.Unlock()

	log := logging.WithFields(map[string]interface{}{
		"task":     task.ID,
		"duration": s.now().Sub(start).String(),
	})
	if err != nil {
		log.Warn("Scheduled task failed: %v", err)
	} else {
		log.Debug("Scheduled task finished")
	}
	return err
}

// nextRun calculates the next run time for a schedule
func (s *Scheduler) nextRun(schedule Schedule) time.Time {
	now := s.now().In(s.timezone)

	switch schedule.Type {
	case ScheduleDaily:
		at, _ := time.Parse("15:04", schedule.At)
		next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, s.timezone)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return now.Add(schedule.Interval)
	}
}

// RunNow executes a task immediately and returns its error
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return s.execute(ctx, task)
}

// RunAll executes every task once, in ID order, and joins their errors
func (s *Scheduler) RunAll(ctx context.Context) error {
	var errs []error
	for _, t := range s.ListTasks() {
		if err := s.RunNow(ctx, t.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ListTasks returns a snapshot of every task sorted by ID
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	slices.SortFunc(tasks, func(a, b Task) int { return strings.Compare(a.ID, b.ID) })
	return tasks
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:      s.started,
		TotalTasks:   len(s.tasks),
		RunningTasks: len(s.running),
		Timezone:     s.timezone.String(),
	}
	for _, task := range s.tasks {
		stats.TotalRuns += task.RunCount
		stats.TotalErrors += task.ErrorCount
	}
	return stats
}

// Stats contains scheduler statistics
type Stats struct {
	Started      bool   `json:"started"`
	TotalTasks   int    `json:"total_tasks"`
	RunningTasks int    `json:"running_tasks"`
	TotalRuns    int64  `json:"total_runs"`
	TotalErrors  int64  `json:"total_errors"`
	Timezone     string `json:"timezone"`
}

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id, name string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleInterval, Interval: interval},
		Handler:  handler,
	}
}

// DailyTask creates a task that runs daily at a specific time
func DailyTask(id, name, at string, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleDaily, At: at},
		Handler:  handler,
	}
}
