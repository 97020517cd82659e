// Package runstate holds the mutable counters of one automation run and the
// cooperative stop flag every component polls.
package runstate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourneighborhoodchef/slotwatch/internal/challenge"
)

// State is shared by the monitor, the bypass orchestrator and the booking
// workflow of one run. The current identity and proxy live with the browser
// manager, which owns the session they were launched with.
type State struct {
	RunID     string
	StartedAt time.Time

	mu                sync.Mutex
	requests          int
	consecutiveErrors int
	lastChallenged    bool
	lastFamily        challenge.Family
	bypassAttempts    int
	blockBackoff      time.Duration
	exhaustions       int

	stop Stop
}

func New(now time.Time) *State {
	return &State{RunID: uuid.NewString(), StartedAt: now}
}

// Snapshot is a copy of the counters for reporting.
type Snapshot struct {
	RunID             string
	Requests          int
	ConsecutiveErrors int
	LastChallenged    bool
	LastFamily        challenge.Family
	BypassAttempts    int
	BlockBackoff      time.Duration
	Exhaustions       int
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		RunID:             s.RunID,
		Requests:          s.requests,
		ConsecutiveErrors: s.consecutiveErrors,
		LastChallenged:    s.lastChallenged,
		LastFamily:        s.lastFamily,
		BypassAttempts:    s.bypassAttempts,
		BlockBackoff:      s.blockBackoff,
		Exhaustions:       s.exhaustions,
	}
}

// CountRequest records one page load and returns the new total.
func (s *State) CountRequest() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	return s.requests
}

func (s *State) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// RecordError increments the consecutive error count and returns it.
func (s *State) RecordError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	return s.consecutiveErrors
}

func (s *State) ResetErrors() {
	s.mu.Lock()
	s.consecutiveErrors = 0
	s.mu.Unlock()
}

func (s *State) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}

// MarkChallenge stores whether the last cycle hit a challenge and of which family.
func (s *State) MarkChallenge(challenged bool, family challenge.Family) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChallenged = challenged
	s.lastFamily = family
	if !challenged {
		s.lastFamily = challenge.FamilyNone
	}
}

func (s *State) LastChallenge() (bool, challenge.Family) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChallenged, s.lastFamily
}

// NextBypassAttempt increments the bypass counter and returns the new value.
func (s *State) NextBypassAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bypassAttempts++
	return s.bypassAttempts
}

func (s *State) BypassAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bypassAttempts
}

func (s *State) ResetBypass() {
	s.mu.Lock()
	s.bypassAttempts = 0
	s.mu.Unlock()
}

// GrowBlockBackoff advances the exhaustion backoff: base on the first
// exhaustion, then multiplied by factor, never above limit.
func (s *State) GrowBlockBackoff(base time.Duration, factor float64, limit time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhaustions++
	if s.blockBackoff <= 0 {
		s.blockBackoff = base
	} else {
		s.blockBackoff = time.Duration(float64(s.blockBackoff) * factor)
	}
	if limit > 0 && s.blockBackoff > limit {
		s.blockBackoff = limit
	}
	return s.blockBackoff
}

func (s *State) ResetBlockBackoff() {
	s.mu.Lock()
	s.blockBackoff = 0
	s.mu.Unlock()
}

func (s *State) Stop() *Stop { return &s.stop }

// Stop is a one-way flag. Request may be called from any goroutine; Done
// closes exactly once.
type Stop struct {
	once sync.Once
	mu   sync.Mutex
	ch   chan struct{}
}

func (f *Stop) init() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}

func (f *Stop) Request() {
	ch := f.init()
	f.once.Do(func() { close(ch) })
}

func (f *Stop) Requested() bool {
	if f == nil {
		return false
	}
	select {
	case <-f.init():
		return true
	default:
		return false
	}
}

func (f *Stop) Done() <-chan struct{} { return f.init() }
