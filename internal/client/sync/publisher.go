package sync

import (
	"log/slog"
	stdsync "sync"

	"github.com/fieldworks/fieldsync/internal/models"
)

// StatusPublisher fans sync status changes out to UI listeners. A
// panicking listener is isolated: it never prevents delivery to the
// remaining listeners or corrupts engine state.
type StatusPublisher struct {
	logger *slog.Logger

	mu        stdsync.Mutex
	listeners map[int]func(models.SyncStatus)
	nextID    int
	current   models.SyncStatus
}

// NewStatusPublisher creates a publisher with the given initial status.
func NewStatusPublisher(logger *slog.Logger, initial models.SyncStatus) *StatusPublisher {
	return &StatusPublisher{
		logger:    logger,
		listeners: make(map[int]func(models.SyncStatus)),
		current:   initial,
	}
}

// Current returns the last published status.
func (p *StatusPublisher) Current() models.SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers a listener and returns an unsubscribe func.
// The listener immediately receives the current status.
func (p *StatusPublisher) Subscribe(fn func(models.SyncStatus)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	current := p.current
	p.mu.Unlock()

	p.deliver(fn, current)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Publish stores the new status and delivers it to every listener.
func (p *StatusPublisher) Publish(status models.SyncStatus) {
	p.mu.Lock()
	p.current = status
	listeners := make([]func(models.SyncStatus), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		p.deliver(fn, status)
	}
}

func (p *StatusPublisher) deliver(fn func(models.SyncStatus), status models.SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("status listener panicked", "panic", r)
		}
	}()
	fn(status)
}
