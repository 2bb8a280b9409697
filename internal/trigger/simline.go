package trigger

import (
	"sync"
	"time"
)

// SimulatedLine is an in-memory signal line for development runs and tests.
// Set delivers the transition on the caller's goroutine, mimicking a
// driver thread.
type SimulatedLine struct {
	id int

	mu      sync.Mutex
	level   int
	handler EdgeHandler
	closed  bool
}

// NewSimulatedLine creates a line resting at level 0.
func NewSimulatedLine(id int) *SimulatedLine {
	return &SimulatedLine{id: id}
}

func (l *SimulatedLine) ID() int { return l.id }

func (l *SimulatedLine) Level() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level, nil
}

func (l *SimulatedLine) Watch(h EdgeHandler) error {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
	return nil
}

func (l *SimulatedLine) Close() error {
	l.mu.Lock()
	l.closed = true
	l.handler = nil
	l.mu.Unlock()
	return nil
}

// Set drives the line to level. Repeating the current level is not a
// transition and is ignored.
func (l *SimulatedLine) Set(level int) {
	l.mu.Lock()
	if l.closed || level == l.level {
		l.mu.Unlock()
		return
	}
	l.level = level
	h := l.handler
	l.mu.Unlock()

	if h != nil {
		h(l.id, level, uint64(time.Now().UnixNano()))
	}
}

// Pulse emits one rising and one falling edge.
func (l *SimulatedLine) Pulse() {
	l.Set(1)
	l.Set(0)
}

// PulseEvery pulses the line at a fixed rate until stop is closed.
func (l *SimulatedLine) PulseEvery(period time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.Pulse()
		case <-stop:
			return
		}
	}
}
