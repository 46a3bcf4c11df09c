package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"browsercoord-mcp-server/internal/engine"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// SavedSessionState is a snapshot of a session that can be replayed into a fresh handle.
type SavedSessionState struct {
	StorageState *engine.StorageState `json:"storageState,omitempty"`
	// SessionStorage is keyed by origin; entries from several tabs of one origin are merged.
	SessionStorage map[string]map[string]string `json:"sessionStorage"`
	Tabs           []SavedTab                   `json:"tabs"`
	// ActiveTab is the 0-based index of the current tab, -1 when none.
	ActiveTab  int       `json:"activeTab"`
	CapturedAt time.Time `json:"capturedAt"`
}

// SavedTab is the per-tab part of a snapshot.
type SavedTab struct {
	URL            string            `json:"url"`
	SessionStorage map[string]string `json:"sessionStorage"`
}

const readSessionStorageJS = `() => {
	const out = {};
	for (let i = 0; i < sessionStorage.length; i++) {
		const key = sessionStorage.key(i);
		out[key] = sessionStorage.getItem(key);
	}
	return out;
}`

const writeSessionStorageJS = `entries => {
	for (const [key, value] of Object.entries(entries || {}))
		sessionStorage.setItem(key, value);
}`

// restoreSessionStorageJS runs before any page script and seeds sessionStorage for the page's origin.
const restoreSessionStorageJS = `byOrigin => {
	const entries = (byOrigin || {})[window.location.origin];
	if (!entries)
		return;
	for (const [key, value] of Object.entries(entries)) {
		if (sessionStorage.getItem(key) === null)
			sessionStorage.setItem(key, value);
	}
}`

// PendingState returns the snapshot waiting to be restored into the next handle.
func (c *Coordinator) PendingState() *SavedSessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved
}

// SetPendingState stages s for the next handle creation; nil clears it.
func (c *Coordinator) SetPendingState(s *SavedSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = s
}

// CaptureCurrentState snapshots storage, tabs and the active tab. It never fails as a whole:
// an unreadable tab is captured as a blank placeholder so tab indexes keep their positions.
func (c *Coordinator) CaptureCurrentState(ctx context.Context) *SavedSessionState {
	c.mu.Lock()
	h := c.handle
	tabs := make([]*Tab, len(c.tabs))
	copy(tabs, c.tabs)
	current := c.current
	c.mu.Unlock()

	state := &SavedSessionState{
		SessionStorage: make(map[string]map[string]string),
		Tabs:           make([]SavedTab, 0, len(tabs)),
		ActiveTab:      -1,
		CapturedAt:     time.Now(),
	}
	if h == nil {
		return state
	}

	if storage, ok := nonFatalValue(c.log, "read storage state", func() (*engine.StorageState, error) {
		return h.context.StorageState(ctx, engine.StorageStateOptions{IndexedDB: c.cfg.CaptureIndexedDB})
	}); ok {
		state.StorageState = storage
	}

	for i, tab := range tabs {
		if tab == current {
			state.ActiveTab = i
		}
		pageURL := tab.URL()
		entries := map[string]string{}
		if err := tab.page.Evaluate(ctx, readSessionStorageJS, nil, &entries); err != nil {
			c.log.WithError(err).WithField("tab", tab.ID()).Debug("session storage unreadable, saving placeholder")
			state.Tabs = append(state.Tabs, SavedTab{URL: "about:blank", SessionStorage: map[string]string{}})
			continue
		}
		state.Tabs = append(state.Tabs, SavedTab{URL: pageURL, SessionStorage: entries})

		if origin := originOf(pageURL); origin != "" && len(entries) > 0 {
			merged := state.SessionStorage[origin]
			if merged == nil {
				merged = make(map[string]string, len(entries))
				state.SessionStorage[origin] = merged
			}
			for k, v := range entries {
				merged[k] = v
			}
		}
	}

	c.log.WithFields(logrus.Fields{"tabs": len(state.Tabs), "active": state.ActiveTab}).Debug("session state captured")
	return state
}

// restoreState replays saved into h. Every step is best-effort and the pending slot is
// cleared afterwards whatever happened.
func (c *Coordinator) restoreState(ctx context.Context, h *Handle, saved *SavedSessionState) {
	log := c.log.WithField("session", h.ID)
	defer func() {
		c.mu.Lock()
		if c.saved == saved {
			c.saved = nil
		}
		c.mu.Unlock()
	}()

	if len(saved.SessionStorage) > 0 {
		nonFatal(log, "install session storage script", func() error {
			return h.context.AddInitScript(ctx, restoreSessionStorageJS, saved.SessionStorage)
		})
	}

	// restored[i] is the tab for saved.Tabs[i], nil when it could not be opened.
	restored := make([]*Tab, len(saved.Tabs))
	opened := 0
	existing := h.context.Pages()
	for i, st := range saved.Tabs {
		var page engine.Page
		if i == 0 && len(existing) > 0 {
			page = existing[0]
		} else {
			p, ok := nonFatalValue(log, "open restored tab", func() (engine.Page, error) {
				return h.context.NewPage(ctx)
			})
			if !ok {
				continue
			}
			page = p
		}
		tab := c.registerPage(h, page)
		restored[i] = tab
		opened++

		if engine.IsBlankURL(st.URL) {
			continue
		}
		if !nonFatal(log.WithField("url", st.URL), "navigate restored tab", func() error {
			return tab.Navigate(ctx, st.URL)
		}) {
			continue
		}
		if len(st.SessionStorage) > 0 {
			nonFatal(log.WithField("url", st.URL), "replay session storage", func() error {
				return page.Evaluate(ctx, writeSessionStorageJS, st.SessionStorage, nil)
			})
		}
	}

	if saved.ActiveTab >= 0 && saved.ActiveTab < len(restored) && restored[saved.ActiveTab] != nil {
		tab := restored[saved.ActiveTab]
		c.mu.Lock()
		c.current = tab
		c.mu.Unlock()
		nonFatal(log, "focus restored tab", func() error { return tab.page.BringToFront(ctx) })
	}
	log.WithFields(logrus.Fields{"tabs": opened, "saved_tabs": len(saved.Tabs)}).Info("session state restored")
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// SaveStateFile writes s as indented JSON.
func SaveStateFile(fs afero.Fs, path string, s *SavedSessionState) error {
	if s == nil {
		return fmt.Errorf("no session state to save")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return afero.WriteFile(fs, path, data, 0o600)
}

// LoadStateFile reads a snapshot written by SaveStateFile.
func LoadStateFile(fs afero.Fs, path string) (*SavedSessionState, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	var s SavedSessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if s.SessionStorage == nil {
		s.SessionStorage = make(map[string]map[string]string)
	}
	return &s, nil
}

// SaveState captures the live session and writes it to path.
func (c *Coordinator) SaveState(ctx context.Context, path string) (*SavedSessionState, error) {
	if c.Handle() == nil {
		return nil, fmt.Errorf("no live session to save")
	}
	s := c.CaptureCurrentState(ctx)
	if err := SaveStateFile(c.fs, path, s); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadState stages the snapshot at path and restarts the session so it is replayed.
func (c *Coordinator) LoadState(ctx context.Context, path string) (*SavedSessionState, error) {
	s, err := LoadStateFile(c.fs, path)
	if err != nil {
		return nil, err
	}
	if err := c.ResetBrowserContext(ctx, false, false); err != nil {
		return nil, err
	}
	c.SetPendingState(s)
	if _, err := c.EnsureHandle(ctx); err != nil {
		return s, err
	}
	return s, nil
}
