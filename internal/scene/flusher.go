package scene

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const flushSaveTimeout = 5 * time.Second

// flusher debounces durable snapshot writes for one document. Every update
// restarts the delay timer so that a burst of edits produces a single write.
// A failed save keeps the dirty flag set and re-arms the timer, so the write
// is retried on the next window without ever blocking the edit path.
type flusher struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	dirty   bool
	stopped bool
	save    func(context.Context) error
	logger  *zap.Logger
}

func newFlusher(delay time.Duration, save func(context.Context) error, logger *zap.Logger) *flusher {
	return &flusher{
		delay:  delay,
		save:   save,
		logger: logger,
	}
}

// Notify marks the document dirty and restarts the debounce timer.
func (f *flusher) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.dirty = true
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.delay, f.fire)
}

func (f *flusher) fire() {
	f.mu.Lock()
	if f.stopped || !f.dirty {
		f.mu.Unlock()
		return
	}
	f.dirty = false
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushSaveTimeout)
	defer cancel()
	if err := f.save(ctx); err != nil {
		f.logger.Warn("snapshot flush failed, retrying next window", zap.Error(err))
		f.mu.Lock()
		if !f.stopped {
			f.dirty = true
			if f.timer != nil {
				f.timer.Stop()
			}
			f.timer = time.AfterFunc(f.delay, f.fire)
		}
		f.mu.Unlock()
	}
}

// Flush writes the pending snapshot immediately when the document is dirty.
func (f *flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
	}
	dirty := f.dirty
	f.dirty = false
	f.mu.Unlock()

	if !dirty {
		return nil
	}
	if err := f.save(ctx); err != nil {
		f.mu.Lock()
		if !f.stopped {
			f.dirty = true
		}
		f.mu.Unlock()
		return err
	}
	return nil
}

// Stop cancels any pending write. Pending state is discarded; callers flush
// first when the data must survive.
func (f *flusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
