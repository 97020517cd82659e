package monitor

import (
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/challenge"
)

// Status is the terminal value of one monitoring run.
type Status struct {
	Available     bool      `json:"available"`
	SlotCount     int       `json:"slot_count"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	Cycles        int       `json:"cycles"`
	// Err is ErrRecoveryFailed or ErrStopped when the run ended early.
	Err error `json:"-"`
}

type Outcome string

const (
	OutcomeAvailable Outcome = "available"
	OutcomeNoSlots   Outcome = "no-slots"
	OutcomeChallenge Outcome = "challenged"
	OutcomeExhausted Outcome = "bypass-exhausted"
	OutcomeError     Outcome = "error"
)

// Result describes one fetch-and-classify cycle.
type Result struct {
	Cycle     int
	Outcome   Outcome
	Slots     int
	Family    challenge.Family
	Cleared   bool // a challenge was seen and bypassed this cycle
	Err       error
	Latency   time.Duration
	NextDelay time.Duration
	Timestamp time.Time
}
