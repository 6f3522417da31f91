package optimizer

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// goLoop runs the worker loop fn on a goroutine tracked by wg. fn returns
// once done is closed. After a panic the loop is restarted with backoff,
// and wake is called first so the new loop picks up the interrupted work.
func goLoop(wg *sync.WaitGroup, log *slog.Logger, name string, done <-chan struct{}, b backoff, fn, wake func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for runRecovered(log, name, fn) {
			d := b.next()
			select {
			case <-done:
				return
			case <-time.After(d):
			}
			log.Warn("optimizer: restarting background task", "task", name, "backoff", d)
			if wake != nil {
				wake()
			}
		}
	}()
}

// runRecovered calls fn and reports whether it panicked.
func runRecovered(log *slog.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			log.Error("optimizer: panic recovered in background task",
				"task", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
	return false
}

// backoff yields exponentially growing retry delays.
type backoff struct {
	base, max time.Duration
	cur       time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		b.cur = min(2*b.cur, b.max)
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }
