package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"browsercoord-mcp-server/internal/config"
	"browsercoord-mcp-server/internal/engine"
	"browsercoord-mcp-server/internal/netpolicy"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBrowserNotInstalled replaces the engine's missing-executable error with an actionable one.
	ErrBrowserNotInstalled = errors.New("browser specified in your config is not installed; install it or change the config")
	// ErrUnsupportedPlatform is returned when no cache directory is known for the host OS.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

var currentGOOS = runtime.GOOS

const profileNamespace = "browsercoord"

// Handle is one live browser connection plus its context.
type Handle struct {
	ID         string
	CreatedAt  time.Time
	Strategy   string
	ProfileDir string

	process engine.Process
	context engine.Context
	offPage func()
	tracing bool
}

// Context exposes the engine context, mostly for tools that need raw access.
func (h *Handle) Context() engine.Context { return h.context }

// EnsureHandle returns the live handle, creating it on first use. Concurrent callers share a
// single in-flight creation; a failed creation is not memoized and the next call retries.
func (c *Coordinator) EnsureHandle(ctx context.Context) (*Handle, error) {
	if h := c.liveHandle(); h != nil {
		return h, nil
	}

	ch := c.flight.DoChan("handle", func() (interface{}, error) {
		if h := c.liveHandle(); h != nil {
			return h, nil
		}

		c.mu.Lock()
		c.state = StateStarting
		c.mu.Unlock()

		h, err := c.createHandle(c.baseCtx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			if c.state == StateStarting {
				c.state = StateIdle
			}
			return nil, err
		}
		c.handle = h
		c.state = StateLive
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) liveHandle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLive {
		return c.handle
	}
	return nil
}

// createHandle opens the browser with the configured strategy and prepares the context.
// It runs inside the singleflight call and must never call EnsureHandle.
func (c *Coordinator) createHandle(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	saved := c.saved
	closing := c.closing
	c.mu.Unlock()

	if closing != nil {
		select {
		case <-closing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h, err := c.openHandle(ctx, saved)
	if err != nil {
		return nil, err
	}

	log := c.log.WithFields(logrus.Fields{"session": h.ID, "strategy": h.Strategy})
	if err := c.setupHandle(ctx, h); err != nil {
		nonFatal(log, "close context after failed setup", h.context.Close)
		if h.process != nil {
			nonFatal(log, "close process after failed setup", h.process.Close)
		}
		return nil, err
	}

	if saved != nil {
		c.restoreState(ctx, h, saved)
	}

	log.Info("session handle ready")
	c.emit(ctx, "session_started", "", h.ID, h.Strategy)
	return h, nil
}

func (c *Coordinator) openHandle(ctx context.Context, saved *SavedSessionState) (*Handle, error) {
	h := &Handle{ID: uuid.NewString(), CreatedAt: time.Now()}
	launch := c.launchOptions()
	ctxOpts := c.contextOptions(saved)

	switch {
	case c.cfg.RemoteEndpoint != "":
		h.Strategy = "remote"
		if err := config.ValidateEndpoint(c.cfg.RemoteEndpoint); err != nil {
			return nil, err
		}
		proc, err := c.engine.Connect(ctx, c.cfg.RemoteEndpoint, launch)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", c.cfg.RemoteEndpoint, err)
		}
		bctx, err := proc.NewContext(ctx, ctxOpts)
		if err != nil {
			_ = proc.Close()
			return nil, fmt.Errorf("create context: %w", err)
		}
		h.process, h.context = proc, bctx

	case c.cfg.CDPEndpoint != "":
		h.Strategy = "cdp"
		if err := config.ValidateEndpoint(c.cfg.CDPEndpoint); err != nil {
			return nil, err
		}
		proc, err := c.engine.ConnectOverDebugProtocol(ctx, c.cfg.CDPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("attach to %s: %w", c.cfg.CDPEndpoint, err)
		}
		bctx, err := proc.DefaultContext(ctx)
		if err != nil {
			_ = proc.Close()
			return nil, fmt.Errorf("default context: %w", err)
		}
		if saved != nil && saved.StorageState != nil && !saved.StorageState.Empty() {
			c.log.Warn("attached browsers keep their own storage; saved cookies and local storage are not reapplied")
		}
		h.process, h.context = proc, bctx

	case c.cfg.Isolated:
		h.Strategy = "isolated"
		proc, err := c.engine.Launch(ctx, launch)
		if err != nil {
			return nil, translateLaunchError(err)
		}
		bctx, err := proc.NewContext(ctx, ctxOpts)
		if err != nil {
			_ = proc.Close()
			return nil, fmt.Errorf("create context: %w", err)
		}
		h.process, h.context = proc, bctx

	default:
		h.Strategy = "persistent"
		dir, err := c.profileDir()
		if err != nil {
			return nil, err
		}
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		bctx, err := c.engine.LaunchPersistentContext(ctx, dir, launch, ctxOpts)
		if err != nil {
			return nil, translateLaunchError(err)
		}
		h.ProfileDir = dir
		h.context = bctx
		h.process = bctx.Process()
	}
	return h, nil
}

// setupHandle installs the interception route, adopts pages already present and subscribes to new ones.
func (c *Coordinator) setupHandle(ctx context.Context, h *Handle) error {
	if c.policy.Active() {
		if err := h.context.Route(ctx, c.routeRequest); err != nil {
			return fmt.Errorf("install request route: %w", err)
		}
	}

	for _, page := range h.context.Pages() {
		c.registerPage(h, page)
	}
	h.offPage = h.context.OnPage(func(page engine.Page) {
		c.registerPage(h, page)
	})

	if c.cfg.SaveTrace && c.trace != nil {
		h.tracing = nonFatal(c.log, "start session trace", func() error {
			return c.trace.Start(h.ID)
		})
	}
	return nil
}

func (c *Coordinator) routeRequest(route engine.Route) {
	log := c.log.WithField("url", route.URL())
	if c.policy.Decide(route.URL()) == netpolicy.Block {
		log.Debug("request blocked by network policy")
		nonFatal(log, "abort blocked request", func() error { return route.Abort(netpolicy.BlockReason) })
		return
	}
	nonFatal(log, "continue request", route.Continue)
}

func (c *Coordinator) launchOptions() engine.LaunchOptions {
	return engine.LaunchOptions{
		BrowserName: c.browserName(),
		Executable:  c.cfg.Executable,
		Headless:    c.cfg.IsHeadless(),
		Args:        c.cfg.LaunchArgs,
		DownloadDir: c.cfg.OutputDir,
	}
}

func (c *Coordinator) contextOptions(saved *SavedSessionState) engine.ContextOptions {
	opts := engine.ContextOptions{
		ViewportWidth:  c.cfg.GetViewportWidth(),
		ViewportHeight: c.cfg.GetViewportHeight(),
	}
	if saved != nil {
		opts.StorageState = saved.StorageState
	}
	return opts
}

func (c *Coordinator) browserName() string {
	if c.cfg.BrowserName == "" {
		return "chromium"
	}
	return c.cfg.BrowserName
}

func translateLaunchError(err error) error {
	if errors.Is(err, engine.ErrBrowserNotInstalled) {
		return fmt.Errorf("%w (%v)", ErrBrowserNotInstalled, err)
	}
	return fmt.Errorf("launch browser: %w", err)
}

// profileDir is the configured user data dir or the per-browser profile under the cache root.
func (c *Coordinator) profileDir() (string, error) {
	if c.cfg.UserDataDir != "" {
		return c.cfg.UserDataDir, nil
	}
	root, err := c.resolveCacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, profileNamespace, "mcp-"+c.browserName()+"-profile"), nil
}

func (c *Coordinator) resolveCacheRoot() (string, error) {
	if c.cacheRoot != "" {
		return c.cacheRoot, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return cacheDirFor(c.goos, os.Getenv, home)
}

func cacheDirFor(goos string, getenv func(string) string, home string) (string, error) {
	switch goos {
	case "linux":
		if dir := getenv("XDG_CACHE_HOME"); dir != "" {
			return dir, nil
		}
		return filepath.Join(home, ".cache"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Caches"), nil
	case "windows":
		if dir := getenv("LOCALAPPDATA"); dir != "" {
			return dir, nil
		}
		return filepath.Join(home, "AppData", "Local"), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
}

// removeProfile deletes the persistent profile, refusing anything outside the cache root.
func (c *Coordinator) removeProfile() {
	if c.cfg.RemoteEndpoint != "" || c.cfg.CDPEndpoint != "" || c.cfg.Isolated {
		return
	}
	dir, err := c.profileDir()
	if err != nil {
		c.log.WithError(err).Warn("cannot resolve profile dir")
		return
	}
	root, err := c.resolveCacheRoot()
	if err != nil {
		c.log.WithError(err).Warn("cannot resolve cache root")
		return
	}
	if !withinDir(root, dir) {
		c.log.WithField("profile", dir).Warn("refusing to remove profile outside the cache root")
		return
	}
	nonFatal(c.log.WithField("profile", dir), "remove profile", func() error {
		return c.fs.RemoveAll(dir)
	})
}

func withinDir(root, dir string) bool {
	root, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
