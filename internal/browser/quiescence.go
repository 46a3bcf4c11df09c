package browser

import (
	"context"
	"sync"
	"time"

	"browsercoord-mcp-server/internal/engine"
)

// completionWaiter tracks the network activity an action causes on one page.
// It settles once the action has returned and either every tracked request finished or,
// after a main-frame navigation, the navigated document fired its load event.
type completionWaiter struct {
	mu         sync.Mutex
	requests   map[string]struct{}
	navigated  bool
	loaded     bool
	actionDone bool

	settled     chan struct{}
	settleOnce  sync.Once
	navigatedCh chan struct{}
	navOnce     sync.Once
}

func newCompletionWaiter() *completionWaiter {
	return &completionWaiter{
		requests:    make(map[string]struct{}),
		settled:     make(chan struct{}),
		navigatedCh: make(chan struct{}),
	}
}

func (w *completionWaiter) handle(ev engine.PageEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch ev.Kind {
	case engine.EventRequest:
		if !w.navigated && ev.Request != nil {
			w.requests[ev.Request.ID] = struct{}{}
		}
	case engine.EventRequestFinished, engine.EventRequestFailed:
		if ev.Request != nil {
			delete(w.requests, ev.Request.ID)
		}
	case engine.EventFrameNavigated:
		if !ev.Frame.IsMain() || w.navigated {
			return
		}
		// Requests of the previous document no longer matter once the main frame moves on.
		w.navigated = true
		w.requests = nil
		w.navOnce.Do(func() { close(w.navigatedCh) })
	case engine.EventLoad:
		if w.navigated {
			w.loaded = true
		}
	default:
		return
	}
	w.checkLocked()
}

func (w *completionWaiter) markActionDone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.actionDone = true
	w.checkLocked()
}

func (w *completionWaiter) checkLocked() {
	if !w.actionDone {
		return
	}
	if w.navigated && !w.loaded {
		return
	}
	if !w.navigated && len(w.requests) > 0 {
		return
	}
	w.settleOnce.Do(func() { close(w.settled) })
}

func (w *completionWaiter) inFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

// waitForCompletion runs fn with network tracking on tab and, unless fn was preempted or failed,
// blocks until the tracked activity settles or the request timeout elapses, then applies the
// settle delay. A navigation switches the bound to the navigation timeout, and a dialog during
// the settle delay reports the action as preempted. Listeners are removed on every exit path.
func (c *Coordinator) waitForCompletion(ctx context.Context, tab *Tab, fn func(context.Context) (bool, error)) (bool, error) {
	w := newCompletionWaiter()
	off := tab.page.On(w.handle)
	defer off()

	preempted, err := fn(ctx)
	if err != nil || preempted {
		return preempted, err
	}
	w.markActionDone()

	timeout := time.NewTimer(c.cfg.RequestWaitTimeout())
	defer timeout.Stop()
	navigated := w.navigatedCh

wait:
	for {
		select {
		case <-w.settled:
			break wait
		case <-navigated:
			navigated = nil
			timeout.Reset(c.cfg.NavigationTimeout())
		case <-timeout.C:
			c.log.WithField("in_flight", w.inFlight()).Debug("network did not settle before timeout")
			break wait
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if c.IsScriptBlocked() {
		return false, nil
	}
	return c.settle(ctx)
}

// settleGrace bounds how long the settle wait may overrun its delay, e.g. when an in-page timer
// stalls and WaitForTimeout falls back to a plain timer.
const settleGrace = time.Second

// settle applies the trailing settle delay. A dialog opened meanwhile freezes in-page timers,
// so the delay is raced against dialogs like the action itself and a dialog preempts it.
func (c *Coordinator) settle(ctx context.Context) (bool, error) {
	d := c.cfg.SettleDuration()
	if d <= 0 {
		return false, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, d+settleGrace)
	defer cancel()
	preempted, err := c.raceAgainstModalDialogs(waitCtx, func(ctx context.Context) error {
		return c.WaitForTimeout(ctx, d)
	})
	if preempted || c.IsScriptBlocked() {
		return true, nil
	}
	if err != nil && ctx.Err() == nil {
		c.log.WithError(err).Debug("settle delay cut short")
		return false, nil
	}
	return false, err
}
