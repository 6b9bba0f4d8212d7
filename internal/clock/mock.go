package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a Clock whose time only moves when Add or Set is called.
// Timers and tickers scheduled against it fire deterministically during
// the advance, in deadline order.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

type mockTimer struct {
	clk      *Mock
	deadline time.Time
	period   time.Duration // 0 for one-shot
	ch       chan time.Time
	stopped  bool // guarded by clk.mu
}

// NewMock returns a Mock clock starting at a fixed reference time
func NewMock() *Mock {
	return &Mock{now: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{
		clk:      m,
		deadline: m.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.ch <- m.now
		return t.ch
	}
	m.timers = append(m.timers, t)
	return t.ch
}

func (m *Mock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{
		clk:      m,
		deadline: m.now.Add(d),
		period:   d,
		ch:       make(chan time.Time, 1),
	}
	m.timers = append(m.timers, t)
	return t
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() {
	t.clk.mu.Lock()
	t.stopped = true
	t.clk.mu.Unlock()
}

// Add advances the clock by d, firing every timer and ticker whose deadline
// falls inside the window. A short yield before and after gives goroutines
// blocked on timer channels a chance to run.
func (m *Mock) Add(d time.Duration) {
	gosched()
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.advanceTo(target)
	gosched()
}

// Set jumps the clock to t, firing due timers along the way
func (m *Mock) Set(t time.Time) {
	gosched()
	m.advanceTo(t)
	gosched()
}

func (m *Mock) advanceTo(target time.Time) {
	for {
		m.mu.Lock()
		next := m.nextTimerLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.deadline
		next.fire(m.now)
		if next.period > 0 && !next.stopped {
			next.deadline = next.deadline.Add(next.period)
		} else {
			m.removeTimerLocked(next)
		}
		m.mu.Unlock()
		gosched()
	}
}

func (m *Mock) nextTimerLocked(limit time.Time) *mockTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.Slice(m.timers, func(i, j int) bool {
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
	if len(m.timers) == 0 || m.timers[0].deadline.After(limit) {
		return nil
	}
	return m.timers[0]
}

func (m *Mock) removeTimerLocked(target *mockTimer) {
	for i, t := range m.timers {
		if t == target {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

func (t *mockTimer) fire(now time.Time) {
	select {
	case t.ch <- now:
	default: // receiver is lagging, drop the tick like time.Ticker does
	}
}

func gosched() { time.Sleep(time.Millisecond) }
