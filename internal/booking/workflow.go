// Package booking drives the appointment form for each queued client record.
package booking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/config"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/records"
	"github.com/yourneighborhoodchef/slotwatch/internal/runstate"
)

type Stage string

const (
	StageNavigating Stage = "navigating"
	StageFilling    Stage = "filling"
	StageSubmitting Stage = "submitting"
	StageConfirming Stage = "confirming"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

var (
	ErrMandatoryField = errors.New("mandatory field missing")
	ErrFieldNotFound  = errors.New("form field not found")
	ErrSubmitNotFound = errors.New("submit control not found")
	ErrNoConfirmation = errors.New("no booking confirmation")
	ErrNoAvailability = errors.New("no availability")
	ErrStopped        = errors.New("run stopped")
)

type Field struct {
	Name      string
	Kind      string // "input" | "select"
	Mandatory bool
	Locators  []string
}

func FieldsFromConfig(in []config.FieldConfig) []Field {
	out := make([]Field, 0, len(in))
	for _, f := range in {
		out = append(out, Field{Name: f.Name, Kind: f.Kind, Mandatory: f.Mandatory, Locators: f.Locators})
	}
	return out
}

// Attempt is the in-flight state of one record.
type Attempt struct {
	Record records.ClientRecord
	Stage  Stage
	Count  int
}

type Result struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	RecordID  string    `json:"record_id"`
	Success   bool      `json:"success"`
	Reference string    `json:"reference,omitempty"`
	Error     string    `json:"error,omitempty"`
	Stage     Stage     `json:"stage"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSource hands out the live session; browser.Manager implements it.
type SessionSource interface {
	Session() browser.Session
}

type Config struct {
	URL       string
	Booking   config.BookingConfig
	ActionMin time.Duration
	ActionMax time.Duration
}

type Workflow struct {
	cfg    Config
	fields []Field
	src    SessionSource
	state  *runstate.State
	log    logging.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Workflow)

func WithClock(now func() time.Time) Option { return func(w *Workflow) { w.now = now } }

func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(w *Workflow) { w.sleep = sleep }
}

func WithLogger(l logging.Logger) Option { return func(w *Workflow) { w.log = l } }

func New(cfg Config, src SessionSource, state *runstate.State, opts ...Option) *Workflow {
	w := &Workflow{
		cfg:    cfg,
		fields: FieldsFromConfig(cfg.Booking.Fields),
		src:    src,
		state:  state,
		log:    logging.Nop(),
		now:    time.Now,
		sleep:  browser.Sleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(w)
	}
	if w.state == nil {
		w.state = runstate.New(w.now())
	}
	return w
}

// Book runs one record through navigate, fill, submit and confirm. Transport
// errors while navigating or submitting are retried up to
// Booking.MaxAttempts; every other failure ends the record at its stage.
func (w *Workflow) Book(ctx context.Context, rec records.ClientRecord) Result {
	a := &Attempt{Record: rec, Stage: StageNavigating}
	log := w.log.With(logging.String("record", rec.ID()))
	maxAttempts := w.cfg.Booking.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for a.Count = 1; a.Count <= maxAttempts; a.Count++ {
		var ref string
		ref, err = w.attempt(ctx, a)
		if err == nil {
			a.Stage = StageDone
			log.Info("booking confirmed", logging.String("reference", ref), logging.Int("attempt", a.Count))
			return w.result(a, true, ref, nil)
		}
		if !retryable(a.Stage, err) || ctx.Err() != nil || a.Count == maxAttempts {
			break
		}
		log.Warn("booking attempt failed, retrying",
			logging.String("stage", string(a.Stage)),
			logging.Int("attempt", a.Count),
			logging.Error(err))
		if serr := w.pause(ctx, w.actionDelay()); serr != nil {
			break
		}
	}
	log.Warn("booking failed", logging.String("stage", string(a.Stage)), logging.Error(err))
	return w.result(a, false, "", err)
}

func retryable(stage Stage, err error) bool {
	if !errors.Is(err, browser.ErrTransport) {
		return false
	}
	return stage == StageNavigating || stage == StageSubmitting
}

func (w *Workflow) result(a *Attempt, ok bool, ref string, err error) Result {
	r := Result{
		ID:        uuid.NewString(),
		RunID:     w.state.RunID,
		RecordID:  a.Record.ID(),
		Success:   ok,
		Reference: ref,
		Stage:     a.Stage,
		Attempts:  a.Count,
		Timestamp: w.now(),
	}
	if err != nil {
		r.Error = fmt.Sprintf("%s: %v", a.Stage, err)
	}
	return r
}

func (w *Workflow) attempt(ctx context.Context, a *Attempt) (string, error) {
	sess := w.src.Session()
	if sess == nil {
		a.Stage = StageNavigating
		return "", browser.ErrNoPage
	}

	a.Stage = StageNavigating
	if err := sess.Navigate(ctx, w.cfg.URL); err != nil {
		return "", err
	}

	a.Stage = StageFilling
	if err := w.fill(ctx, sess, a.Record); err != nil {
		return "", err
	}

	a.Stage = StageSubmitting
	if err := w.submit(ctx, sess); err != nil {
		return "", err
	}

	a.Stage = StageConfirming
	bc := w.cfg.Booking
	if err := sess.WaitFor(ctx, bc.ConfirmLocator, bc.ConfirmTimeout); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w within %s: %v", ErrNoConfirmation, bc.ConfirmTimeout, err)
	}
	ref := ""
	if bc.ReferenceLocator != "" {
		if text, err := sess.Text(ctx, bc.ReferenceLocator); err == nil {
			ref = text
		}
	}
	return ref, nil
}

// fill populates each field through the first locator that matches. Fields
// without a value are skipped unless mandatory.
func (w *Workflow) fill(ctx context.Context, sess browser.Session, rec records.ClientRecord) error {
	for _, f := range w.fields {
		value := rec.Value(f.Name)
		if value == "" {
			if f.Mandatory {
				return fmt.Errorf("%w: %s", ErrMandatoryField, f.Name)
			}
			continue
		}
		loc, err := firstMatch(ctx, sess, f.Locators)
		if err != nil {
			return err
		}
		if loc == "" {
			if f.Mandatory {
				return fmt.Errorf("%w: %s", ErrFieldNotFound, f.Name)
			}
			w.log.Debug("optional field not on page", logging.String("field", f.Name))
			continue
		}
		if f.Kind == "select" {
			err = sess.Select(ctx, loc, value)
		} else {
			err = sess.Fill(ctx, loc, value)
		}
		if err != nil {
			if !f.Mandatory && errors.Is(err, browser.ErrNotFound) {
				w.log.Debug("optional field rejected value", logging.String("field", f.Name), logging.Error(err))
				continue
			}
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return nil
}

func (w *Workflow) submit(ctx context.Context, sess browser.Session) error {
	loc, err := firstMatch(ctx, sess, w.cfg.Booking.SubmitLocators)
	if err != nil {
		return err
	}
	if loc == "" {
		return ErrSubmitNotFound
	}
	return sess.Click(ctx, loc)
}

func firstMatch(ctx context.Context, sess browser.Session, locators []string) (string, error) {
	for _, loc := range locators {
		n, err := sess.Count(ctx, loc)
		if err != nil {
			return "", err
		}
		if n > 0 {
			return loc, nil
		}
	}
	return "", nil
}

func (w *Workflow) actionDelay() time.Duration {
	lo, hi := w.cfg.ActionMin, w.cfg.ActionMax
	if hi <= lo {
		return lo
	}
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	return lo + time.Duration(w.rng.Int63n(int64(hi-lo)+1))
}

func (w *Workflow) pause(ctx context.Context, d time.Duration) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.state.Stop().Done():
			cancel()
		case <-sctx.Done():
		}
	}()
	return w.sleep(sctx, d)
}
