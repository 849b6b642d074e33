package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one periodic maintenance task. It returns how many rows it touched.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Sweeper runs maintenance jobs on a fixed interval until stopped.
type Sweeper struct {
	interval time.Duration
	jobs     []Job

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSweeper initializes a Sweeper; a non-positive interval disables Start.
func NewSweeper(interval time.Duration, jobs ...Job) *Sweeper {
	return &Sweeper{interval: interval, jobs: jobs}
}

// Start launches the ticker loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.interval <= 0 {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.running = true

	go s.loop(s.ctx, s.done)
	log.Printf("Sweeper started with %d jobs every %s", len(s.jobs), s.interval)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	log.Println("Sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every job in order. A failing job is logged and does
// not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		n, err := job.Run(ctx)
		if err != nil {
			log.Printf("sweeper: %s failed: %v", job.Name, err)
			continue
		}
		if n > 0 {
			log.Printf("sweeper: %s affected %d rows", job.Name, n)
		}
	}
}
