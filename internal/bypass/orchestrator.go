// Package bypass runs the ordered list of challenge-clearing strategies.
package bypass

import (
	"context"
	"sync"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/challenge"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/runstate"
)

// Orchestrator tries strategies in fixed order until one clears the
// challenge. Its attempt counter lives in the run state and counts Resolve
// calls, not strategies.
type Orchestrator struct {
	strategies []Strategy
	state      *runstate.State
	log        logging.Logger

	mu   sync.Mutex
	last string
}

func New(strategies []Strategy, state *runstate.State, log logging.Logger) *Orchestrator {
	if state == nil {
		state = runstate.New(time.Now())
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{strategies: strategies, state: state, log: log}
}

// Resolve works one challenge event on target. Once more than maxAttempts
// calls have been made since the last Reset it returns false without trying
// anything; the caller is expected to cool down.
func (o *Orchestrator) Resolve(ctx context.Context, target Target, url string, verdict challenge.Verdict, maxAttempts int) bool {
	n := o.state.NextBypassAttempt()
	if n > maxAttempts {
		o.log.Warn("bypass attempts exhausted",
			logging.Int("attempt", n),
			logging.Int("max", maxAttempts))
		return false
	}
	o.log.Info("bypassing challenge",
		logging.String("family", string(verdict.Family)),
		logging.Int("attempt", n),
		logging.Int("max", maxAttempts))

	stop := o.state.Stop()
	a := &Attempt{Target: target, URL: url, Verdict: verdict, Stop: stop}
	for _, s := range o.strategies {
		if stop.Requested() || ctx.Err() != nil {
			return false
		}
		cleared, err := s.Apply(ctx, a)
		if err != nil {
			o.log.Warn("bypass strategy failed", logging.String("strategy", s.Name()), logging.Error(err))
			continue
		}
		if cleared {
			o.mu.Lock()
			o.last = s.Name()
			o.mu.Unlock()
			o.log.Info("challenge cleared", logging.String("strategy", s.Name()))
			return true
		}
		o.log.Debug("strategy did not clear challenge",
			logging.String("strategy", s.Name()),
			logging.String("family", string(a.Verdict.Family)))
	}
	return false
}

// LastStrategy names the strategy that last cleared a challenge.
func (o *Orchestrator) LastStrategy() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) Attempts() int { return o.state.BypassAttempts() }

func (o *Orchestrator) Reset() { o.state.ResetBypass() }
