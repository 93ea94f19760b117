package session

import (
	"sync"
	"sync/atomic"
)

// Control is the run flag shared by the capture and recognition workers of
// one session. It starts active and can be cleared exactly once.
type Control struct {
	active atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func NewControl() *Control {
	c := &Control{done: make(chan struct{})}
	c.active.Store(true)
	return c
}

func (c *Control) Active() bool {
	return c.active.Load()
}

// Stop clears the flag and reports whether this call made the transition.
func (c *Control) Stop() bool {
	if !c.active.CompareAndSwap(true, false) {
		return false
	}
	c.once.Do(func() { close(c.done) })
	return true
}

// Done is closed once the flag has been cleared.
func (c *Control) Done() <-chan struct{} {
	return c.done
}
