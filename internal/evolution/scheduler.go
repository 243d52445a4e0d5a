package evolution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/recall/pkg/types"
)

// Job is one periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their own tickers. Each run gets a context bounded
// by maxRun.
type Scheduler struct {
	jobs   []Job
	maxRun time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Jobs with a non-positive interval or a
// nil Run are ignored.
func NewScheduler(maxRun time.Duration, jobs ...Job) *Scheduler {
	if maxRun <= 0 {
		maxRun = DefaultConfig().MaxRunDuration
	}
	s := &Scheduler{maxRun: maxRun}
	for _, j := range jobs {
		if j.Interval > 0 && j.Run != nil {
			s.jobs = append(s.jobs, j)
		}
	}
	return s
}

// Start launches one goroutine per job. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	log.Printf("Scheduler started: %d jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, s.maxRun)
			start := time.Now()
			err := job.Run(runCtx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("WARNING: scheduler: job %s failed after %v: %v", job.Name, time.Since(start), err)
			}
		}
	}
}

// Stop cancels every job and waits for in-flight runs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// EvolveAll evolves every category in turn, waiting on limiter between
// categories when it is non-nil. Busy and insufficient-data outcomes are
// expected and not reported as errors.
func (e *Engine) EvolveAll(ctx context.Context, limiter *rate.Limiter) ([]*types.EvolutionSnapshot, error) {
	return e.eachCategory(ctx, limiter, func(ctx context.Context, c types.Category) (*types.EvolutionSnapshot, error) {
		return e.Evolve(ctx, c, nil)
	})
}

// DecayAll runs Decay for every category, paced like EvolveAll.
func (e *Engine) DecayAll(ctx context.Context, limiter *rate.Limiter) ([]*types.EvolutionSnapshot, error) {
	return e.eachCategory(ctx, limiter, e.Decay)
}

func (e *Engine) eachCategory(ctx context.Context, limiter *rate.Limiter, run func(context.Context, types.Category) (*types.EvolutionSnapshot, error)) ([]*types.EvolutionSnapshot, error) {
	var (
		snaps []*types.EvolutionSnapshot
		errs  []error
	)
	for _, c := range types.Categories {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return snaps, err
			}
		}
		snap, err := run(ctx, c)
		if snap != nil {
			snaps = append(snaps, snap)
		}
		if err != nil && !errors.Is(err, types.ErrEvolutionBusy) && !errors.Is(err, types.ErrInsufficientData) {
			errs = append(errs, err)
		}
	}
	return snaps, errors.Join(errs...)
}
