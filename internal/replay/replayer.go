// Package replay reveals already-received text one character per tick.
package replay

import (
	"sync"
	"time"

	"docforge/internal/pkg/logger"
)

const DefaultInterval = 10 * time.Millisecond

// Sink receives each successive prefix. It is called with the replayer's lock
// held, so it must not call back into the Replayer.
type Sink func(prefix string) error

type run struct {
	stop chan struct{}
	done chan struct{}
}

// Replayer drives one reveal at a time. Text positions are characters, not bytes.
type Replayer struct {
	interval time.Duration
	sink     Sink
	logger   logger.ILogger

	mu     sync.Mutex
	target []rune
	pos    int
	run    *run
	last   *run
}

func New(interval time.Duration, sink Sink, log logger.ILogger) *Replayer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Replayer{interval: interval, sink: sink, logger: log}
}

// Start reveals fullText from fromOffset onward. It returns false when the
// text is already caught up or a replay is already running; in the latter
// case the request is coalesced into the running one.
func (r *Replayer) Start(fullText string, fromOffset int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run != nil {
		return false
	}
	target := []rune(fullText)
	if fromOffset < 0 {
		fromOffset = 0
	}
	if fromOffset >= len(target) {
		return false
	}

	r.target = target
	r.pos = fromOffset
	cur := &run{stop: make(chan struct{}), done: make(chan struct{})}
	r.run = cur
	r.last = cur
	go r.loop(cur)
	return true
}

func (r *Replayer) loop(cur *run) {
	defer close(cur.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cur.stop:
			return
		case <-ticker.C:
			if !r.tick(cur) {
				return
			}
		}
	}
}

func (r *Replayer) tick(cur *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run != cur {
		return false
	}
	r.pos++
	if err := r.sink(string(r.target[:r.pos])); err != nil {
		r.logger.Debug("REPLAY", "Reveal rejected, stopping", map[string]interface{}{
			"position": r.pos,
			"error":    err.Error(),
		})
		r.run = nil
		return false
	}
	if r.pos >= len(r.target) {
		r.run = nil
		return false
	}
	return true
}

// Extend retargets the running replay to a longer text without restarting it.
// It returns false when nothing is running or fullText does not extend the
// current target.
func (r *Replayer) Extend(fullText string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run == nil {
		return false
	}
	next := []rune(fullText)
	if len(next) <= len(r.target) || string(next[:len(r.target)]) != string(r.target) {
		return false
	}
	r.target = next
	return true
}

// Complete cancels any running replay and writes fullText at once.
func (r *Replayer) Complete(fullText string) error {
	r.mu.Lock()
	r.cancelLocked()
	r.target = []rune(fullText)
	r.pos = len(r.target)
	err := r.sink(fullText)
	last := r.last
	r.mu.Unlock()

	wait(last)
	return err
}

// Stop cancels any running replay without writing.
func (r *Replayer) Stop() {
	r.mu.Lock()
	r.cancelLocked()
	last := r.last
	r.mu.Unlock()

	wait(last)
}

func (r *Replayer) cancelLocked() {
	if r.run != nil {
		close(r.run.stop)
		r.run = nil
	}
}

// Wait blocks until the most recent replay has finished on its own or been
// cancelled.
func (r *Replayer) Wait() {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	wait(last)
}

func wait(cur *run) {
	if cur != nil {
		<-cur.done
	}
}

func (r *Replayer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run != nil
}

// Caret is shown only while a replay is running.
func (r *Replayer) Caret() bool {
	return r.Active()
}
