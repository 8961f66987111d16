package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and the executor.
const (
	// Data: task.TaskRun (zero times).
	RunStarted = "run.started"
	// Data: task.TaskRun.
	RunFinished = "run.finished"
	// Data: ScheduleEvent. Another instance won the claim.
	ClaimLost = "schedule.claim_lost"
	// Data: ScheduleEvent. Claim committed; Reason is the plan ("fire", "skip", ...).
	Claimed = "schedule.claimed"
	// Data: ScheduleEvent. Trigger computation failed; schedule disabled.
	ScheduleDisabled = "schedule.disabled"
	// Data: ScheduleEvent. Trigger exhausted.
	ScheduleExhausted = "schedule.exhausted"
	// Data: error.
	PollFailed = "scheduler.poll_failed"
	// Data: PollEvent.
	PollCompleted = "scheduler.poll"
)

// ScheduleEvent describes a state change of one schedule.
type ScheduleEvent struct {
	ScheduleID string `json:"schedule_id"`
	TaskRef    string `json:"task"`
	Reason     string `json:"reason,omitempty"`
}

// PollEvent summarizes one scheduler cycle.
type PollEvent struct {
	Due        int           `json:"due"`
	Dispatched int           `json:"dispatched"`
	Duration   time.Duration `json:"duration"`
}

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

// Publish delivers e to every subscriber with room in its buffer. Sends happen
// under the read lock, so unsubscribe never closes a channel mid-send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Nop is a Bus that drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
