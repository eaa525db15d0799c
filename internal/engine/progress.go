package engine

import (
	"sync"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
)

// Progress is the single owned progress state machine. Only the running
// top-level operation writes to it; subscribers receive value snapshots and
// never see the live struct.
type Progress struct {
	mu     sync.Mutex
	state  domain.FetchProgress
	subs   map[int]func(domain.FetchProgress)
	nextID int
}

// NewProgress returns a reporter in the idle phase.
func NewProgress() *Progress {
	return &Progress{
		state: domain.FetchProgress{Operation: domain.PhaseIdle},
		subs:  make(map[int]func(domain.FetchProgress)),
	}
}

// Report moves the machine to phase with the given step counters. Leaving
// idle stamps the operation start time and clears the event counter.
func (p *Progress) Report(phase domain.Phase, step, total int, message string) {
	p.update(func(s *domain.FetchProgress) {
		if s.Operation == domain.PhaseIdle && phase != domain.PhaseIdle {
			s.StartedAtMs = domain.Now().UnixMilli()
			s.EventsLoaded = 0
		}
		s.Operation = phase
		s.CurrentStep = step
		s.TotalSteps = total
		s.Message = message
	})
}

// AddEvents bumps the loaded-event counter of the running operation.
func (p *Progress) AddEvents(n int) {
	if n == 0 {
		return
	}
	p.update(func(s *domain.FetchProgress) {
		s.EventsLoaded += n
	})
}

// Reset returns the machine to idle. It is safe to call on every exit path.
func (p *Progress) Reset() {
	p.update(func(s *domain.FetchProgress) {
		*s = domain.FetchProgress{Operation: domain.PhaseIdle}
	})
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() domain.FetchProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe registers fn for every state change and returns a function that
// removes it. fn runs on the reporting goroutine and must not block.
func (p *Progress) Subscribe(fn func(domain.FetchProgress)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

func (p *Progress) update(mutate func(*domain.FetchProgress)) {
	p.mu.Lock()
	mutate(&p.state)
	snapshot := p.state
	subs := make([]func(domain.FetchProgress), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
