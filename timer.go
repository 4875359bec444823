package jaxmpp

import (
	"sync"
	"time"
)

// ticker runs fn every period on its own goroutine until stopped.
type ticker struct {
	mu   sync.Mutex
	stop chan struct{}
}

func (t *ticker) start(period time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil || period <= 0 {
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	go func() {
		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
}

func (t *ticker) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// graceTimer closes a transport that the peer did not close in time.
type graceTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (g *graceTimer) arm(d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		return
	}
	g.timer = time.AfterFunc(d, fn)
}

func (g *graceTimer) cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
