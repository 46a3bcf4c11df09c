package browser

import (
	"context"
	"sync"
)

// pendingAction is the single slot a dialog handler resolves to preempt the running action.
type pendingAction struct {
	dialogShown chan struct{}
	once        sync.Once
}

func newPendingAction() *pendingAction {
	return &pendingAction{dialogShown: make(chan struct{})}
}

func (p *pendingAction) resolve() {
	p.once.Do(func() { close(p.dialogShown) })
}

// raceAgainstModalDialogs runs action and returns as soon as it completes or a dialog opens,
// whichever comes first. A preempted action keeps running; its eventual result is only logged.
// The pending slot is cleared on every exit path.
func (c *Coordinator) raceAgainstModalDialogs(ctx context.Context, action func(context.Context) error) (preempted bool, err error) {
	pending := newPendingAction()
	c.mu.Lock()
	c.pending = pending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == pending {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() { done <- action(ctx) }()

	select {
	case err := <-done:
		return false, err
	case <-pending.dialogShown:
		go func() {
			if err := <-done; err != nil {
				c.log.WithError(err).Debug("action preempted by dialog finished with error")
			}
		}()
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
