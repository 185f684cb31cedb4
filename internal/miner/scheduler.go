package miner

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultAutoInterval is the auto-mining period.
const DefaultAutoInterval = 5 * time.Second

// Scheduler fires tick every interval until stopped. A tick that arrives after
// Stop is dropped.
type Scheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	tick     func(time.Time)

	mu   sync.Mutex
	done chan struct{}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(clock clockwork.Clock, interval time.Duration, tick func(time.Time)) *Scheduler {
	if interval <= 0 {
		interval = DefaultAutoInterval
	}
	return &Scheduler{clock: clock, interval: interval, tick: tick}
}

// Start launches the loop. It returns false if already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return false
	}
	done := make(chan struct{})
	s.done = done
	ticker := s.clock.NewTicker(s.interval)
	go s.run(ticker, done)
	return true
}

func (s *Scheduler) run(ticker clockwork.Ticker, done chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.Chan():
			select {
			case <-done:
				return
			default:
			}
			s.tick(now)
		}
	}
}

// Stop cancels pending ticks. It does not wait for a tick already executing,
// so it is safe to call from inside tick. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	close(s.done)
	s.done = nil
}

// Running reports whether the loop is live.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}
