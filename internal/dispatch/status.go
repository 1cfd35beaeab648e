package dispatch

import (
	"sync"
	"time"
)

// StatusSnapshot is an immutable snapshot of delivery counters.
type StatusSnapshot struct {
	Enqueued       int       `json:"enqueued"`
	Succeeded      int       `json:"succeeded"`
	Retried        int       `json:"retried"`
	Failed         int       `json:"failed"`
	Dead           int       `json:"dead"`
	InFlight       int       `json:"in_flight"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitzero"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
}

// Status provides thread-safe tracking of job outcomes.
type Status struct {
	mu sync.RWMutex

	enqueued    int
	succeeded   int
	retried     int
	failed      int
	dead        int
	inFlight    int
	lastError   string
	lastErrorAt time.Time
	startTime   time.Time
}

// NewStatus creates zeroed counters.
func NewStatus() *Status {
	return &Status{startTime: time.Now()}
}

// Enqueued counts an accepted job.
func (s *Status) Enqueued() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued++
}

// Started marks a delivery as running.
func (s *Status) Started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
}

// Finished records the outcome of a delivery started with Started.
func (s *Status) Finished(o outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	switch o {
	case outcomeAck:
		s.succeeded++
	case outcomeRetry:
		s.retried++
	case outcomeFail:
		s.failed++
	case outcomeDead:
		s.dead++
	}
	if err != nil {
		s.lastError = err.Error()
		s.lastErrorAt = time.Now()
	}
}

// Snapshot returns an immutable copy of the counters.
func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StatusSnapshot{
		Enqueued:       s.enqueued,
		Succeeded:      s.succeeded,
		Retried:        s.retried,
		Failed:         s.failed,
		Dead:           s.dead,
		InFlight:       s.inFlight,
		LastError:      s.lastError,
		LastErrorAt:    s.lastErrorAt,
		ElapsedSeconds: int(time.Since(s.startTime).Seconds()),
	}
}
