package worker

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// dispatcher runs message handlers on a bounded errgroup and refuses new
// work once stopped, so no Go call can race the final Wait.
type dispatcher struct {
	mu       sync.RWMutex
	stopping bool
	g        errgroup.Group
}

func newDispatcher(limit int) *dispatcher {
	d := &dispatcher{}
	d.g.SetLimit(limit)
	return d
}

// submit schedules fn and reports whether it was accepted.
func (d *dispatcher) submit(fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopping {
		return false
	}
	d.g.Go(func() error {
		fn()
		return nil
	})
	return true
}

// stop rejects further submissions and waits for accepted ones.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()
	_ = d.g.Wait()
}
