package worker

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestDispatcher_StopWaitsForAccepted(t *testing.T) {
	d := newDispatcher(2)
	release := make(chan struct{})
	var done atomic.Int32

	for range 2 {
		if !d.submit(func() {
			<-release
			done.Add(1)
		}) {
			t.Fatal("submit() rejected before stop")
		}
	}

	stopped := make(chan struct{})
	go func() {
		d.stop()
		close(stopped)
	}()
	close(release)
	<-stopped

	if got := done.Load(); got != 2 {
		t.Errorf("stop() returned with %d of 2 handlers finished", got)
	}
}

func TestDispatcher_RejectsAfterStop(t *testing.T) {
	d := newDispatcher(1)
	d.stop()

	var ran atomic.Bool
	if d.submit(func() { ran.Store(true) }) {
		t.Error("submit() accepted work after stop")
	}
	d.stop()
	if ran.Load() {
		t.Error("rejected handler ran")
	}
}

func TestDispatcher_ConcurrentSubmitAndStop(t *testing.T) {
	d := newDispatcher(4)
	var accepted, ran atomic.Int32
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.submit(func() { ran.Add(1) }) {
				accepted.Add(1)
			}
		}()
	}
	d.stop()
	wg.Wait()

	if ran.Load() != accepted.Load() {
		t.Errorf("ran %d handlers, accepted %d", ran.Load(), accepted.Load())
	}
}
