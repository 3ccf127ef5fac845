package retry

import (
	"sync"
	"time"
)

const (
	defaultTick      = 100 * time.Millisecond
	defaultWheelSize = 512
)

type waiter struct {
	fn     func()
	rounds int
	slot   int
}

// Handle cancels a scheduled task. Cancel reports whether the task was
// still pending; a task that already fired or was already cancelled
// returns false.
type Handle struct {
	stop func() bool
}

func (h *Handle) Cancel() bool {
	return h.stop()
}

// Wheel is a hashed timing wheel. Delays are quantized to the tick, which
// is coarse enough for retry backoff and keeps N outstanding timers on a
// single ticker. After Stop, Schedule degrades to a plain delayed task so
// late callers still run.
type Wheel struct {
	tick    time.Duration
	buckets []map[*waiter]struct{}

	mu      sync.Mutex
	pos     int
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWheel starts a wheel. Zero values pick the defaults (100ms tick,
// 512 slots).
func NewWheel(tick time.Duration, size int) *Wheel {
	if tick <= 0 {
		tick = defaultTick
	}
	if size <= 0 {
		size = defaultWheelSize
	}
	w := &Wheel{
		tick:    tick,
		buckets: make([]map[*waiter]struct{}, size),
		stopCh:  make(chan struct{}),
	}
	for i := range w.buckets {
		w.buckets[i] = make(map[*waiter]struct{})
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Schedule runs fn once after about d. The returned handle cancels it.
func (w *Wheel) Schedule(d time.Duration, fn func()) *Handle {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		t := time.AfterFunc(d, fn)
		return &Handle{stop: t.Stop}
	}
	ticks := int(d / w.tick)
	if ticks < 1 {
		ticks = 1
	}
	// A delay of exactly one wheel period lands back on the current slot
	// and must fire on the next pass, not sit out an extra round.
	wt := &waiter{
		fn:     fn,
		rounds: (ticks - 1) / len(w.buckets),
		slot:   (w.pos + ticks) % len(w.buckets),
	}
	w.buckets[wt.slot][wt] = struct{}{}
	w.mu.Unlock()

	return &Handle{stop: func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, ok := w.buckets[wt.slot][wt]; !ok {
			return false
		}
		delete(w.buckets[wt.slot], wt)
		return true
	}}
}

// Stop cancels every outstanding task and stops the ticker. Idempotent.
func (w *Wheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for i := range w.buckets {
		w.buckets[i] = make(map[*waiter]struct{})
	}
	w.mu.Unlock()
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Wheel) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.advance()
		}
	}
}

func (w *Wheel) advance() {
	w.mu.Lock()
	w.pos = (w.pos + 1) % len(w.buckets)
	bucket := w.buckets[w.pos]
	var due []*waiter
	for wt := range bucket {
		if wt.rounds > 0 {
			wt.rounds--
			continue
		}
		due = append(due, wt)
		delete(bucket, wt)
	}
	w.mu.Unlock()
	for _, wt := range due {
		go wt.fn()
	}
}
