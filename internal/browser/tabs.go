package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"browsercoord-mcp-server/internal/engine"

	"github.com/sirupsen/logrus"
)

// Tab wraps one engine page and routes its events back to the coordinator.
type Tab struct {
	coord  *Coordinator
	handle *Handle
	page   engine.Page

	mu       sync.Mutex
	lastURL  string
	snapshot *PageSnapshot
	off      func()
}

// PageSnapshot is the last captured view of a tab.
type PageSnapshot struct {
	URL        string
	Title      string
	CapturedAt time.Time
}

// ID is the engine page id.
func (t *Tab) ID() string { return t.page.ID() }

// Page returns the underlying engine page.
func (t *Tab) Page() engine.Page { return t.page }

// URL is the page URL as last reported by the engine.
func (t *Tab) URL() string {
	if u := t.page.URL(); u != "" {
		return u
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastURL
}

// Title reads the document title; failures yield "".
func (t *Tab) Title(ctx context.Context) string {
	title, err := t.page.Title(ctx)
	if err != nil {
		return ""
	}
	return title
}

// HasSnapshot reports whether CaptureSnapshot has succeeded since the last navigation.
func (t *Tab) HasSnapshot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot != nil
}

// Snapshot returns the last captured snapshot or nil.
func (t *Tab) Snapshot() *PageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// CaptureSnapshot records the current URL and title.
func (t *Tab) CaptureSnapshot(ctx context.Context) *PageSnapshot {
	snap := &PageSnapshot{URL: t.URL(), Title: t.Title(ctx), CapturedAt: time.Now()}
	t.mu.Lock()
	t.snapshot = snap
	t.mu.Unlock()
	return snap
}

// Navigate loads url and waits for the load event within the navigation timeout.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, t.coord.cfg.NavigationTimeout())
	defer cancel()
	if err := t.page.Goto(ctx, url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := t.page.WaitForLoad(ctx); err != nil {
		// Downloads and slow subresources leave the page without a load event; the navigation itself succeeded.
		t.coord.log.WithError(err).WithField("url", url).Debug("load event not observed")
	}
	return nil
}

func (t *Tab) handleEvent(ev engine.PageEvent) {
	c := t.coord
	switch ev.Kind {
	case engine.EventDialog:
		if ev.Dialog != nil {
			c.dialogShown(t, ev.Dialog)
		}
	case engine.EventDownload:
		if ev.Download != nil {
			c.downloadStarted(t, ev.Download)
		}
	case engine.EventFrameNavigated:
		if ev.Frame.IsMain() {
			t.mu.Lock()
			t.lastURL = ev.Frame.URL
			t.snapshot = nil
			t.mu.Unlock()
			c.emit(c.baseCtx, "navigation_event", t.ID(), ev.Frame.URL)
		}
	case engine.EventClose:
		c.pageClosed(t)
	}
}

func (t *Tab) detach() {
	t.mu.Lock()
	off := t.off
	t.off = nil
	t.mu.Unlock()
	if off != nil {
		off()
	}
}

// registerPage adds page to the registry once; repeated notifications for the same page are ignored.
// The first registered tab becomes current.
func (c *Coordinator) registerPage(h *Handle, page engine.Page) *Tab {
	c.mu.Lock()
	for _, existing := range c.tabs {
		if existing.page.ID() == page.ID() {
			c.mu.Unlock()
			return existing
		}
	}
	tab := &Tab{coord: c, handle: h, page: page, lastURL: page.URL()}
	c.tabs = append(c.tabs, tab)
	if c.current == nil {
		c.current = tab
	}
	c.mu.Unlock()

	off := page.On(tab.handleEvent)
	tab.mu.Lock()
	tab.off = off
	tab.mu.Unlock()

	c.log.WithFields(logrus.Fields{"tab": tab.ID(), "url": tab.lastURL}).Debug("tab registered")
	c.emit(c.baseCtx, "tab_opened", tab.ID(), tab.lastURL)
	return tab
}

// pageClosed drops tab and any modal state it owned. Closing the last tab detaches the handle
// at once and closes the browser in the background. Calling it twice for the same tab is harmless.
func (c *Coordinator) pageClosed(tab *Tab) {
	c.mu.Lock()
	idx := indexOfTab(c.tabs, tab)
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.tabs = append(c.tabs[:idx:idx], c.tabs[idx+1:]...)

	modal := c.modal[:0:0]
	for _, m := range c.modal {
		if m.tab != tab {
			modal = append(modal, m)
		}
	}
	c.modal = modal

	if c.current == tab {
		if len(c.tabs) == 0 {
			c.current = nil
		} else {
			c.current = c.tabs[min(idx, len(c.tabs)-1)]
		}
	}
	var (
		dying *Handle
		done  chan struct{}
	)
	if len(c.tabs) == 0 && c.handle != nil && c.handle == tab.handle {
		dying = c.handle
		_, done = c.detachHandleLocked()
	}
	c.mu.Unlock()

	tab.detach()
	c.log.WithField("tab", tab.ID()).Debug("tab closed")
	c.emit(c.baseCtx, "tab_closed", tab.ID())

	if dying != nil {
		go c.finishClose(c.baseCtx, dying, nil, done)
	}
}

func indexOfTab(tabs []*Tab, tab *Tab) int {
	for i, t := range tabs {
		if t == tab {
			return i
		}
	}
	return -1
}

// Tabs returns a copy of the registry in creation order.
func (c *Coordinator) Tabs() []*Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Tab, len(c.tabs))
	copy(out, c.tabs)
	return out
}

// CurrentTab returns the current tab or nil.
func (c *Coordinator) CurrentTab() *Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CurrentTabOrDie returns the current tab or ErrNoCurrentTab.
func (c *Coordinator) CurrentTabOrDie() (*Tab, error) {
	if tab := c.CurrentTab(); tab != nil {
		return tab, nil
	}
	return nil, ErrNoCurrentTab
}

// NewTab opens a page in the session and makes it current.
func (c *Coordinator) NewTab(ctx context.Context) (*Tab, error) {
	h, err := c.EnsureHandle(ctx)
	if err != nil {
		return nil, err
	}
	page, err := h.context.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	tab := c.registerPage(h, page)
	c.mu.Lock()
	c.current = tab
	c.mu.Unlock()
	return tab, nil
}

// EnsureTab returns the current tab, creating the handle and a first page when needed.
func (c *Coordinator) EnsureTab(ctx context.Context) (*Tab, error) {
	if _, err := c.EnsureHandle(ctx); err != nil {
		return nil, err
	}
	if tab := c.CurrentTab(); tab != nil {
		return tab, nil
	}
	return c.NewTab(ctx)
}

// SelectTab makes the 1-based index current and brings it to the front.
func (c *Coordinator) SelectTab(ctx context.Context, index int) (*Tab, error) {
	c.mu.Lock()
	if index < 1 || index > len(c.tabs) {
		n := len(c.tabs)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d (open tabs: %d)", ErrNoSuchTab, index, n)
	}
	tab := c.tabs[index-1]
	c.current = tab
	c.mu.Unlock()

	if err := tab.page.BringToFront(ctx); err != nil {
		return tab, fmt.Errorf("bring tab to front: %w", err)
	}
	return tab, nil
}

// CloseTab closes the tab at the 1-based index, or the current tab when index is nil,
// and returns the updated listing.
func (c *Coordinator) CloseTab(ctx context.Context, index *int) (string, error) {
	var tab *Tab
	c.mu.Lock()
	switch {
	case index == nil:
		tab = c.current
	case *index >= 1 && *index <= len(c.tabs):
		tab = c.tabs[*index-1]
	}
	n := len(c.tabs)
	c.mu.Unlock()

	if tab == nil {
		if index == nil {
			return "", ErrNoCurrentTab
		}
		return "", fmt.Errorf("%w: %d (open tabs: %d)", ErrNoSuchTab, *index, n)
	}

	err := tab.page.Close(ctx)
	c.pageClosed(tab)
	if err != nil {
		return c.ListTabsMarkdown(ctx), fmt.Errorf("close tab: %w", err)
	}
	return c.ListTabsMarkdown(ctx), nil
}

// ListTabsMarkdown renders the registry for tool responses.
func (c *Coordinator) ListTabsMarkdown(ctx context.Context) string {
	c.mu.Lock()
	tabs := make([]*Tab, len(c.tabs))
	copy(tabs, c.tabs)
	current := c.current
	c.mu.Unlock()

	if len(tabs) == 0 {
		return "### No tabs open"
	}

	lines := []string{"### Open tabs"}
	for i, tab := range tabs {
		marker := ""
		if tab == current {
			marker = " (current)"
		}
		lines = append(lines, fmt.Sprintf("- %d:%s [%s] (%s)", i+1, marker, tab.Title(ctx), tab.URL()))
	}
	return strings.Join(lines, "\n")
}
