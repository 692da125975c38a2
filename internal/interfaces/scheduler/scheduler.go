package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// ScheduleTime is a time of day at which the batch job provider runs.
type ScheduleTime struct {
	Hour   int
	Minute int
}

func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime parses HH:MM.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}
	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}
	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// JobProvider builds a batch of jobs at run time.
type JobProvider func(ctx context.Context) ([]Job, error)

type Config struct {
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool

	// BatchJobs runs at every ScheduleTimes entry.
	BatchJobs JobProvider

	// SweepJob runs every SweepInterval. Optional.
	SweepJob      Job
	SweepInterval time.Duration
}

// Scheduler feeds a worker pool from two clocks: fixed times of day for batch
// jobs and a short interval for the sweep job. Other components may Enqueue
// one-off jobs at any time.
type Scheduler struct {
	pool          *WorkerPool
	scheduleTimes []ScheduleTime
	runOnStartup  bool
	batchJobs     JobProvider
	sweepJob      Job
	sweepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastRun string
}

func New(cfg Config) (*Scheduler, error) {
	times := make([]ScheduleTime, 0, len(cfg.ScheduleTimes))
	for _, s := range cfg.ScheduleTimes {
		st, err := ParseScheduleTime(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule time %q: %w", s, err)
		}
		times = append(times, st)
	}
	if len(times) == 0 && cfg.SweepJob == nil {
		return nil, fmt.Errorf("at least one schedule time or a sweep job is required")
	}
	if cfg.SweepJob != nil && cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	log.Printf("Scheduler initialized: batch at %v, sweep every %v, %d workers",
		cfg.ScheduleTimes, cfg.SweepInterval, cfg.WorkerCount)

	return &Scheduler{
		pool:          NewWorkerPool(cfg.WorkerCount, cfg.JobDelay, cfg.QueueSize),
		scheduleTimes: times,
		runOnStartup:  cfg.RunOnStartup,
		batchJobs:     cfg.BatchJobs,
		sweepJob:      cfg.SweepJob,
		sweepInterval: cfg.SweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func (s *Scheduler) Start() {
	s.pool.Start()

	if s.runOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runBatch()
		}()
	}

	if len(s.scheduleTimes) > 0 {
		s.wg.Add(1)
		go s.batchLoop()
	}
	if s.sweepJob != nil {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	log.Println("Scheduler started")
}

// Enqueue submits a one-off job, e.g. a refresh after a link completes.
func (s *Scheduler) Enqueue(job Job) error {
	return s.pool.Submit(job)
}

func (s *Scheduler) batchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if s.shouldRun(now) {
				log.Printf("Scheduler: Triggered at %s", now.Format("15:04"))
				s.runBatch()
			}
		}
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.pool.Submit(s.sweepJob); err != nil {
				log.Printf("Scheduler: %v", err)
			}
		}
	}
}

// shouldRun matches now against the schedule, at most once per minute slot.
func (s *Scheduler) shouldRun(now time.Time) bool {
	key := now.Format("2006-01-02T15:04")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRun == key {
		return false
	}
	for _, st := range s.scheduleTimes {
		if now.Hour() == st.Hour && now.Minute() == st.Minute {
			s.lastRun = key
			return true
		}
	}
	return false
}

func (s *Scheduler) runBatch() {
	if s.batchJobs == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	jobs, err := s.batchJobs(ctx)
	if err != nil {
		log.Printf("Scheduler: Failed to fetch jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		log.Println("Scheduler: No jobs to process")
		return
	}
	s.pool.SubmitBatch(jobs)
}

// Shutdown stops both clocks, then drains the pool within timeout.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Println("Scheduler: Timeout waiting for loops to stop")
	}

	s.pool.ShutdownWithTimeout(timeout)
	log.Println("Scheduler: Shutdown complete")
}

// NextRun returns the next batch time after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	var next time.Time
	for _, st := range s.scheduleTimes {
		t := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}
