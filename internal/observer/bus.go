// Package observer fans job status and log deltas out to subscribed
// clients. Subscribers are message sinks with a bounded buffer so a
// slow client can never block the scheduler; an overflowing
// subscriber is dropped.
package observer

import (
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/zephyrr-ci/zephyr/internal/domain"
)

// Event is one job update pushed to subscribers.
type Event struct {
	Type      string             `json:"type"`
	JobID     string             `json:"jobId"`
	Status    domain.JobStatus   `json:"status"`
	Logs      []domain.LogRecord `json:"logs,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Subscription is one client's bounded event feed. Read from C until
// it closes; a closed channel means the bus dropped or released the
// subscription.
type Subscription struct {
	jobID string
	ch    chan []byte

	closeOnce sync.Once
}

// C returns the serialised event feed.
func (s *Subscription) C() <-chan []byte { return s.ch }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Bus maps job ids to their subscribers.
type Bus struct {
	logger *slog.Logger
	buffer int

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewBus constructs a Bus whose subscriptions buffer up to buffer
// events.
func NewBus(logger *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		logger: logger,
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in one job's events.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{jobID: jobID, ch: make(chan []byte, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[jobID]; !ok {
		b.subs[jobID] = make(map[*Subscription]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its feed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.jobID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish serialises the event once and delivers it to every current
// subscriber of the job. A subscriber whose buffer is full is dropped
// so the remaining ones keep receiving.
func (b *Bus) Publish(event Event) {
	if event.Type == "" {
		event.Type = "job_update"
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("failed to marshal observer event", "job_id", event.JobID, "error", err)
		return
	}

	b.mu.Lock()
	set, ok := b.subs[event.JobID]
	if !ok {
		b.mu.Unlock()
		return
	}
	var dropped []*Subscription
	for sub := range set {
		select {
		case sub.ch <- payload:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(set, sub)
	}
	if len(set) == 0 {
		delete(b.subs, event.JobID)
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		b.logger.Warn("dropped slow observer subscriber", "job_id", event.JobID)
	}
}

// SubscriberCount reports active subscriptions for a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
