package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"browsercoord-mcp-server/internal/config"
	"browsercoord-mcp-server/internal/engine"
	"browsercoord-mcp-server/internal/mangle"
	"browsercoord-mcp-server/internal/netpolicy"
	"browsercoord-mcp-server/internal/recorder"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoSuchTab is returned for tab indexes outside 1..len(tabs).
	ErrNoSuchTab = errors.New("no such tab")
	// ErrNoCurrentTab is returned when an operation needs a current tab and none is open.
	ErrNoCurrentTab = errors.New("no open tab")
)

// HandleState is the lifecycle of the session handle.
type HandleState int

const (
	StateIdle HandleState = iota
	StateStarting
	StateLive
	StateClosing
)

func (s HandleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("HandleState(%d)", int(s))
	}
}

// EngineSink receives lifecycle facts.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Coordinator owns the single session handle and everything that hangs off it:
// the tab registry, the modal-state stack, the pending action slot, the download log
// and the pending snapshot. Engine events reach it only through Tab.handleEvent and
// the context page subscription installed in setupHandle.
type Coordinator struct {
	cfg     config.BrowserConfig
	network config.NetworkConfig
	engine  engine.Engine
	policy  *netpolicy.Policy
	log     logrus.FieldLogger
	fs      afero.Fs
	sink    EngineSink
	trace   *recorder.Recorder

	// baseCtx bounds the lifetime of browser connections; request contexts only bound waits.
	baseCtx   context.Context
	cacheRoot string
	goos      string

	flight singleflight.Group
	runMu  sync.Mutex

	mu        sync.Mutex
	state     HandleState
	handle    *Handle
	tabs      []*Tab
	current   *Tab
	modal     []*ModalState
	downloads []*DownloadEntry
	pending   *pendingAction
	saved     *SavedSessionState
	closing   chan struct{}
	tools     []Tool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger; the default discards nothing and logs to logrus' standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithFS sets the filesystem used for profiles, downloads and snapshot files.
func WithFS(fs afero.Fs) Option {
	return func(c *Coordinator) { c.fs = fs }
}

// WithFactSink journals lifecycle facts.
func WithFactSink(s EngineSink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithRecorder enables session traces when browser.save_trace is set.
func WithRecorder(r *recorder.Recorder) Option {
	return func(c *Coordinator) { c.trace = r }
}

// WithContext sets the context that bounds browser connection lifetimes.
func WithContext(ctx context.Context) Option {
	return func(c *Coordinator) { c.baseCtx = ctx }
}

// WithCacheRoot overrides the platform cache directory used for persistent profiles.
func WithCacheRoot(dir string) Option {
	return func(c *Coordinator) { c.cacheRoot = dir }
}

// NewCoordinator builds an idle coordinator. No browser is touched until the first EnsureHandle.
func NewCoordinator(cfg config.Config, eng engine.Engine, opts ...Option) (*Coordinator, error) {
	policy, err := netpolicy.New(cfg.Network.AllowedOrigins, cfg.Network.BlockedOrigins)
	if err != nil {
		return nil, fmt.Errorf("network policy: %w", err)
	}

	c := &Coordinator{
		cfg:     cfg.Browser,
		network: cfg.Network,
		engine:  eng,
		policy:  policy,
		log:     logrus.StandardLogger(),
		fs:      afero.NewOsFs(),
		baseCtx: context.Background(),
		goos:    currentGOOS,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "coordinator")
	return c, nil
}

// State reports the handle lifecycle state.
func (c *Coordinator) State() HandleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle returns the live handle or nil.
func (c *Coordinator) Handle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// RegisterTools records the tool catalogue so modal states can name the tool that clears them.
func (c *Coordinator) RegisterTools(tools ...Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = append(c.tools, tools...)
}

// Close tears the handle down. It is a no-op when idle. The handle reference is dropped before
// any browser I/O so concurrent callers immediately start from scratch.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeHandle(ctx, nil)
	return nil
}

// closeHandle closes the live handle if it is only (or any handle when only is nil).
func (c *Coordinator) closeHandle(ctx context.Context, only *Handle) {
	c.mu.Lock()
	h := c.handle
	if h == nil || (only != nil && h != only) {
		c.mu.Unlock()
		return
	}
	tabs, done := c.detachHandleLocked()
	c.mu.Unlock()

	c.finishClose(ctx, h, tabs, done)
}

// detachHandleLocked drops the live handle and its bookkeeping without any browser I/O, so
// callers see no live handle from here on. The returned channel must be passed to finishClose.
func (c *Coordinator) detachHandleLocked() ([]*Tab, chan struct{}) {
	tabs := c.tabs
	c.handle = nil
	c.state = StateClosing
	c.tabs = nil
	c.current = nil
	c.modal = nil
	c.closing = make(chan struct{})
	return tabs, c.closing
}

// finishClose performs the browser I/O for a detached handle. Handle creation waits on done so a
// new browser never starts while the previous one still holds the profile.
func (c *Coordinator) finishClose(ctx context.Context, h *Handle, tabs []*Tab, done chan struct{}) {
	defer close(done)

	for _, tab := range tabs {
		tab.detach()
	}
	c.teardown(ctx, h)

	c.mu.Lock()
	if c.state == StateClosing {
		c.state = StateIdle
	}
	if c.closing == done {
		c.closing = nil
	}
	c.mu.Unlock()
	c.log.WithField("session", h.ID).Info("session handle closed")
	c.emit(ctx, "session_closed", "", h.ID)
}

func (c *Coordinator) teardown(ctx context.Context, h *Handle) {
	log := c.log.WithField("session", h.ID)
	if h.tracing && c.trace != nil {
		nonFatal(log, "stop trace", func() error {
			path, n, err := c.trace.Stop()
			if err == nil && path != "" {
				log.WithField("events", n).Infof("session trace saved to %s", path)
			}
			return err
		})
	}
	if h.offPage != nil {
		h.offPage()
	}
	nonFatal(log, "close browser context", h.context.Close)
	if h.process != nil {
		nonFatal(log, "close browser process", h.process.Close)
	}
}

// ResetBrowserContext restarts the session. With preserveState the current state is captured
// first and replayed into the next handle; with cleanProfile an on-disk profile is removed.
func (c *Coordinator) ResetBrowserContext(ctx context.Context, cleanProfile, preserveState bool) error {
	var captured *SavedSessionState
	if preserveState && c.Handle() != nil {
		captured = c.CaptureCurrentState(ctx)
	}

	if err := c.Close(ctx); err != nil {
		return err
	}

	if cleanProfile {
		c.removeProfile()
	}

	c.mu.Lock()
	c.tabs = nil
	c.current = nil
	c.modal = nil
	c.downloads = nil
	c.saved = captured
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"clean_profile":  cleanProfile,
		"preserve_state": preserveState,
		"captured_tabs":  capturedTabs(captured),
	}).Info("browser context reset")
	c.emit(ctx, "session_restarted", "", cleanProfile, captured != nil)
	return nil
}

const waitForTimeoutJS = `ms => new Promise(f => setTimeout(f, ms))`

// WaitForTimeout pauses for d. With an unblocked current tab the wait happens inside the page
// so page timers keep running; otherwise a plain timer is used.
func (c *Coordinator) WaitForTimeout(ctx context.Context, d time.Duration) error {
	tab := c.CurrentTab()
	if tab != nil && !c.IsScriptBlocked() {
		err := tab.page.Evaluate(ctx, waitForTimeoutJS, d.Milliseconds(), nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WithError(err).Debug("in-page wait failed, falling back to timer")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func capturedTabs(s *SavedSessionState) int {
	if s == nil {
		return 0
	}
	return len(s.Tabs)
}
