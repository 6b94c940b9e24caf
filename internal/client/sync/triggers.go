package sync

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// DefaultDebounce is the window in which repeated sync triggers collapse
// into a single cycle.
const DefaultDebounce = 2 * time.Second

// TriggerScheduler turns sync triggers (connectivity restored, app
// foregrounded, periodic tick) into debounced cycle starts. Triggers
// arriving while a cycle runs are dropped by the orchestrator's busy
// rejection, never queued.
type TriggerScheduler struct {
	logger   *slog.Logger
	debounce time.Duration
	fire     func()

	mu      stdsync.Mutex
	timer   *time.Timer
	stopped bool

	stopPeriodic chan struct{}
	wg           stdsync.WaitGroup
}

// NewTriggerScheduler starts a scheduler. periodicInterval of 0 disables
// the background ticker; debounce of 0 uses DefaultDebounce.
func NewTriggerScheduler(logger *slog.Logger, debounce, periodicInterval time.Duration, fire func()) *TriggerScheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	s := &TriggerScheduler{
		logger:       logger,
		debounce:     debounce,
		fire:         fire,
		stopPeriodic: make(chan struct{}),
	}

	if periodicInterval > 0 {
		s.wg.Add(1)
		go s.periodicLoop(periodicInterval)
	}

	return s
}

// Request schedules a cycle after the debounce window. Requests landing
// inside an already open window are absorbed by it.
func (s *TriggerScheduler) Request() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		// A window is already open; this trigger rides along.
		return
	}

	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.timer = nil
		stopped := s.stopped
		s.mu.Unlock()

		if !stopped {
			s.fire()
		}
	})
}

// Stop cancels any scheduled cycle and the periodic ticker.
func (s *TriggerScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	close(s.stopPeriodic)
	s.wg.Wait()
}

func (s *TriggerScheduler) periodicLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Debug("periodic sync trigger")
			s.Request()
		case <-s.stopPeriodic:
			return
		}
	}
}
