package services

import (
	"sync"
	"time"
)

type timerKind int

const (
	// deadlineTimer closes the open question when its time is up.
	deadlineTimer timerKind = iota
	// advanceTimer moves past an ended question while the organizer is away.
	advanceTimer
)

func (k timerKind) String() string {
	if k == advanceTimer {
		return "advance"
	}
	return "deadline"
}

type scheduled struct {
	kind          timerKind
	questionIndex int
	at            time.Time
	timer         *time.Timer
	generation    uint64
}

// QuestionTimers keeps at most one pending timer per room. Scheduling the
// same (kind, question, time) again is a no-op, so timers can be re-derived
// from room state after every transition.
type QuestionTimers struct {
	mu         sync.Mutex
	pending    map[string]*scheduled
	generation uint64
}

func NewQuestionTimers() *QuestionTimers {
	return &QuestionTimers{pending: make(map[string]*scheduled)}
}

// Schedule runs fn at the given time, replacing any other timer of the room.
// A time in the past fires immediately.
func (t *QuestionTimers) Schedule(pin string, kind timerKind, questionIndex int, at time.Time, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.pending[pin]; ok {
		if current.kind == kind && current.questionIndex == questionIndex && current.at.Equal(at) {
			return
		}
		current.timer.Stop()
	}

	t.generation++
	entry := &scheduled{kind: kind, questionIndex: questionIndex, at: at, generation: t.generation}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		current, ok := t.pending[pin]
		if !ok || current.generation != entry.generation {
			t.mu.Unlock()
			return
		}
		delete(t.pending, pin)
		t.mu.Unlock()
		fn()
	})
	t.pending[pin] = entry
}

func (t *QuestionTimers) Cancel(pin string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.pending[pin]; ok {
		current.timer.Stop()
		delete(t.pending, pin)
	}
}

// Pending reports the timer armed for a room, if any.
func (t *QuestionTimers) Pending(pin string) (kind timerKind, questionIndex int, at time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.pending[pin]
	if !ok {
		return 0, 0, time.Time{}, false
	}
	return current.kind, current.questionIndex, current.at, true
}

func (t *QuestionTimers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pin, current := range t.pending {
		current.timer.Stop()
		delete(t.pending, pin)
	}
}
