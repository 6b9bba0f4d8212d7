// Package dispatch paces the release of send attempts for one campaign.
// A Dispatcher owns a single worker slot, so deliveries within a campaign
// are strictly serialized; campaigns run concurrently through independent
// dispatchers held in a Registry.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"outreachd/internal/clock"
	"outreachd/internal/models"
)

// nightCheckInterval is how often the night-mode window is re-evaluated
const nightCheckInterval = time.Minute

// Handler processes one released message
type Handler func(ctx context.Context, msg *models.Message) error

// Stats is a snapshot of dispatcher progress
type Stats struct {
	Pending     int           `json:"pending"`
	Processing  int           `json:"processing"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	BatchPaused time.Duration `json:"batch_paused"`
}

type task struct {
	msg     *models.Message
	handler Handler
}

// Dispatcher releases one send attempt at a time for a single campaign,
// honoring the fixed rate interval, randomized jitter, night mode and
// batch-pause policy.
type Dispatcher struct {
	campaignID string
	cfg        models.RateLimitConfig
	clk        clock.Clock
	logger     *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	rng         *rand.Rand
	queue       []task
	tracked     map[string]struct{} // message ids enqueued or in flight
	manualPause bool
	nightPause  bool
	processing  bool
	completed   int
	failed      int
	batchCount  int
	pauseTotal  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher for the campaign and starts its release loop.
// A dispatcher created inside the night window starts paused.
func New(campaignID string, cfg models.RateLimitConfig, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		campaignID: campaignID,
		cfg:        cfg,
		clk:        clk,
		logger:     logger.With("component", "dispatcher", "campaign_id", campaignID),
		rng:        rand.New(rand.NewSource(clk.Now().UnixNano())),
		tracked:    make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.cond = sync.NewCond(&d.mu)

	d.checkNight()

	d.wg.Add(2)
	go d.run()
	go d.nightWatch()

	d.logger.Info("dispatcher started",
		"interval", cfg.ReleaseInterval(),
		"jitter_min", cfg.DelayMinSeconds,
		"jitter_max", cfg.DelayMaxSeconds,
		"pause_after", cfg.PauseAfter,
	)
	return d
}

// Enqueue schedules handler(msg) for a future release slot. It never
// blocks. A message already queued or in flight is skipped, so periodic
// sweeps can re-offer pending work safely; Enqueue reports whether the
// message was accepted.
func (d *Dispatcher) Enqueue(msg *models.Message, handler Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		return false
	}
	if _, ok := d.tracked[msg.ID]; ok {
		return false
	}
	d.tracked[msg.ID] = struct{}{}
	d.queue = append(d.queue, task{msg: msg, handler: handler})
	d.cond.Signal()
	return true
}

// Pause stops future releases. An attempt already in flight finishes.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manualPause = true
	d.logger.Info("dispatch paused")
}

// Resume lifts a manual pause. While night mode holds the queue, Resume is
// a no-op: night mode is authoritative over manual control.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nightPause {
		d.logger.Info("resume ignored, night mode active")
		return
	}
	if d.manualPause {
		d.manualPause = false
		d.logger.Info("dispatch resumed")
	}
	d.cond.Broadcast()
}

// Paused reports whether releases are currently held
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manualPause || d.nightPause
}

// Stats returns a snapshot of queue progress
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		Pending:     len(d.queue),
		Completed:   d.completed,
		Failed:      d.failed,
		BatchPaused: d.pauseTotal,
	}
	if d.processing {
		s.Processing = 1
	}
	return s
}

// EstimateCompletion projects when the current queue will drain, from the
// remaining depth, the average per-message delay and the batch pauses still
// ahead. The zero time means the queue is already empty.
func (d *Dispatcher) EstimateCompletion() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	remaining := len(d.queue)
	if d.processing {
		remaining++
	}
	if remaining == 0 {
		return time.Time{}
	}

	avgJitter := time.Duration(float64(d.cfg.DelayMinSeconds+d.cfg.DelayMaxSeconds) / 2 * float64(time.Second))
	total := time.Duration(remaining) * (d.cfg.ReleaseInterval() + avgJitter)
	if d.cfg.PauseAfter > 0 {
		pauses := (d.batchCount + remaining) / d.cfg.PauseAfter
		total += time.Duration(pauses) * d.cfg.PauseDuration()
	}
	return d.clk.Now().Add(total)
}

// Stop cancels the release loop and its pacing waits, then waits for an
// attempt already in flight to run to completion. Messages still queued
// are abandoned here and stay pending in the store for the next sweep.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	interval := d.cfg.ReleaseInterval()
	first := true

	for {
		if !d.awaitRunnable() {
			return
		}
		if !first {
			if !d.wait(interval) {
				return
			}
		}
		if j := d.jitter(); j > 0 {
			if !d.wait(j) {
				return
			}
		}
		// a pause may have engaged while waiting
		if !d.awaitRunnable() {
			return
		}

		t, ok := d.pop()
		if !ok {
			continue
		}
		first = false

		err := d.invoke(t)
		if d.finish(t, err) {
			d.batchPause()
		}
	}
}

// awaitRunnable blocks until there is queued work and no pause is active.
// It returns false when the dispatcher is stopped.
func (d *Dispatcher) awaitRunnable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.ctx.Err() != nil {
			return false
		}
		if len(d.queue) > 0 && !d.manualPause && !d.nightPause {
			return true
		}
		d.cond.Wait()
	}
}

// wait sleeps on the injected clock, returning false when stopped
func (d *Dispatcher) wait(dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	select {
	case <-d.ctx.Done():
		return false
	case <-d.clk.After(dur):
		return true
	}
}

func (d *Dispatcher) pop() (task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return task{}, false
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	d.processing = true
	return t, true
}

// invoke runs the handler, converting a panic into an error so a single
// bad item cannot stop the queue. The handler runs on a context that is
// not tied to dispatcher cancellation: Stop aborts only the pacing waits
// and lets a delivery already on the wire finish, so a shutdown cannot
// leave the provider and the store disagreeing about an attempt.
func (d *Dispatcher) invoke(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return t.handler(context.Background(), t.msg)
}

// finish records the outcome and reports whether a batch pause is due.
// Only successful invocations advance the batch counter.
func (d *Dispatcher) finish(t task, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.processing = false
	delete(d.tracked, t.msg.ID)

	if err != nil {
		d.failed++
		d.logger.Error("handler failed", "message_id", t.msg.ID, "error", err)
		return false
	}

	d.completed++
	d.batchCount++
	if d.cfg.PauseAfter > 0 && d.batchCount >= d.cfg.PauseAfter {
		d.batchCount = 0
		return true
	}
	return false
}

func (d *Dispatcher) batchPause() {
	dur := d.cfg.PauseDuration()
	if dur <= 0 {
		return
	}
	d.logger.Info("batch pause", "duration", dur)
	if !d.wait(dur) {
		return
	}
	d.mu.Lock()
	d.pauseTotal += dur
	d.mu.Unlock()
}

func (d *Dispatcher) jitter() time.Duration {
	min, max := d.cfg.DelayMinSeconds, d.cfg.DelayMaxSeconds
	if max < min {
		max = min
	}
	if max <= 0 {
		return 0
	}
	if max == min {
		return time.Duration(min) * time.Second
	}
	d.mu.Lock()
	f := d.rng.Float64()
	d.mu.Unlock()
	return time.Duration((float64(min) + f*float64(max-min)) * float64(time.Second))
}

func (d *Dispatcher) nightWatch() {
	defer d.wg.Done()

	ticker := d.clk.NewTicker(nightCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C():
			d.checkNight()
		}
	}
}

// checkNight pauses the queue while the wall-clock hour is inside the
// configured night window and releases it on exit, unless a manual pause
// is also active
func (d *Dispatcher) checkNight() {
	in := d.cfg.NightModeEnabled && d.cfg.InNightWindow(d.clk.Now().Hour())

	d.mu.Lock()
	defer d.mu.Unlock()
	if in == d.nightPause {
		return
	}
	d.nightPause = in
	if in {
		d.logger.Info("night mode entered, dispatch suspended",
			"start_hour", d.cfg.NightStartHour, "end_hour", d.cfg.NightEndHour)
	} else {
		d.logger.Info("night mode left", "manual_pause", d.manualPause)
	}
	d.cond.Broadcast()
}
