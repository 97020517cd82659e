package session

import (
	"sync"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/booking"
	"github.com/yourneighborhoodchef/slotwatch/internal/monitor"
)

type Kind string

const (
	KindStatus       Kind = "status"
	KindAvailability Kind = "availability"
	KindBooking      Kind = "booking"
	KindError        Kind = "error"
	KindProgress     Kind = "progress"
)

// Event is one entry of the ordered stream a run reports on. Seq starts at 1
// and has no gaps.
type Event struct {
	Seq          int             `json:"seq"`
	Kind         Kind            `json:"kind"`
	Time         time.Time       `json:"time"`
	Message      string          `json:"message,omitempty"`
	Availability *monitor.Status `json:"availability,omitempty"`
	Result       *booking.Result `json:"result,omitempty"`
	Current      int             `json:"current,omitempty"`
	Total        int             `json:"total,omitempty"`
}

// queue buffers events without bound and hands them to out in push order.
// The consumer is expected to drain out until it is closed.
type queue struct {
	mu     sync.Mutex
	items  []Event
	seq    int
	closed bool
	wake   chan struct{}
	out    chan Event
}

func newQueue() *queue {
	q := &queue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go q.pump()
	return q
}

func (q *queue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	e.Seq = q.seq
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			done := q.closed
			q.mu.Unlock()
			if done {
				return
			}
			<-q.wake
			continue
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- e
	}
}
