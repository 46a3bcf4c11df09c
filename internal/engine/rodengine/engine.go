// Package rodengine implements the engine interfaces on top of go-rod and the Chrome DevTools Protocol.
package rodengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"browsercoord-mcp-server/internal/engine"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedBrowser is returned for browser names CDP cannot drive.
var ErrUnsupportedBrowser = errors.New("unsupported browser")

// Engine drives Chromium-family browsers.
type Engine struct {
	log logrus.FieldLogger
}

// New returns a rod-backed engine.
func New(log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{log: log.WithField("component", "rodengine")}
}

var _ engine.Engine = (*Engine)(nil)

// Launch starts a browser with a throwaway profile.
func (e *Engine) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Process, error) {
	l, err := e.launcher(opts)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, l, opts, true)
}

// LaunchPersistentContext starts a browser on profileDir and returns its default context.
func (e *Engine) LaunchPersistentContext(ctx context.Context, profileDir string, launch engine.LaunchOptions, opts engine.ContextOptions) (engine.Context, error) {
	l, err := e.launcher(launch)
	if err != nil {
		return nil, err
	}
	l = l.UserDataDir(profileDir)
	proc, err := e.start(ctx, l, launch, false)
	if err != nil {
		return nil, err
	}
	bctx, err := newContext(ctx, proc, proc.browser, false, opts)
	if err != nil {
		_ = proc.Close()
		return nil, err
	}
	bctx.ownsProcess = true
	return bctx, nil
}

// Connect attaches to a remote rod launcher service, which starts a browser for this session.
func (e *Engine) Connect(ctx context.Context, endpoint string, opts engine.LaunchOptions) (engine.Process, error) {
	l, err := launcher.NewManaged(endpoint)
	if err != nil {
		return nil, fmt.Errorf("managed launcher: %w", err)
	}
	l = applyFlags(l.Headless(opts.Headless), opts.Args)
	client, err := l.Client()
	if err != nil {
		return nil, fmt.Errorf("launcher client: %w", err)
	}

	pctx, cancel := context.WithCancel(ctx)
	browser := rod.New().Client(client).Context(pctx).NoDefaultDevice()
	if err := browser.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &process{log: e.log, browser: browser, cancel: cancel, owned: true, downloadDir: opts.DownloadDir}, nil
}

// ConnectOverDebugProtocol attaches to an already running browser. Closing the process only
// disconnects; the browser keeps running.
func (e *Engine) ConnectOverDebugProtocol(ctx context.Context, endpoint string) (engine.Process, error) {
	controlURL := endpoint
	if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		u, err := launcher.ResolveURL(endpoint)
		if err != nil {
			return nil, fmt.Errorf("resolve debugger url: %w", err)
		}
		controlURL = u
	}

	pctx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(controlURL).Context(pctx).NoDefaultDevice()
	if err := browser.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	e.log.WithField("url", controlURL).Info("attached to running browser")
	return &process{log: e.log, browser: browser, cancel: cancel}, nil
}

func (e *Engine) launcher(opts engine.LaunchOptions) (*launcher.Launcher, error) {
	switch strings.ToLower(opts.BrowserName) {
	case "", "chromium", "chrome", "msedge", "chrome-beta", "chrome-canary":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBrowser, opts.BrowserName)
	}

	bin := opts.Executable
	if bin == "" {
		found, ok := launcher.LookPath()
		if !ok {
			return nil, fmt.Errorf("%w: no %s on PATH", engine.ErrBrowserNotInstalled, opts.BrowserName)
		}
		bin = found
	} else if _, err := os.Stat(bin); err != nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrBrowserNotInstalled, bin)
	}

	l := launcher.New().Bin(bin).Headless(opts.Headless)
	return applyFlags(l, opts.Args), nil
}

// applyFlags turns "--name=value" style arguments into launcher flags.
func applyFlags(l *launcher.Launcher, args []string) *launcher.Launcher {
	for _, raw := range args {
		name, val, hasVal := parseFlag(raw)
		if name == "" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

func parseFlag(raw string) (name, value string, hasValue bool) {
	flagStr := strings.TrimLeft(strings.TrimSpace(raw), "-")
	return strings.Cut(flagStr, "=")
}

func (e *Engine) start(ctx context.Context, l *launcher.Launcher, opts engine.LaunchOptions, cleanup bool) (*process, error) {
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	pctx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(controlURL).Context(pctx).NoDefaultDevice()
	if err := browser.Connect(); err != nil {
		cancel()
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	e.log.WithField("url", controlURL).Info("browser launched")
	return &process{
		log:         e.log,
		browser:     browser,
		launcher:    l,
		cancel:      cancel,
		owned:       true,
		cleanup:     cleanup,
		downloadDir: opts.DownloadDir,
	}, nil
}

// process is one CDP connection, optionally owning the browser it talks to.
type process struct {
	log         logrus.FieldLogger
	browser     *rod.Browser
	launcher    *launcher.Launcher
	cancel      context.CancelFunc
	owned       bool
	cleanup     bool
	downloadDir string

	closeOnce sync.Once
	closeErr  error
}

func (p *process) NewContext(ctx context.Context, opts engine.ContextOptions) (engine.Context, error) {
	incognito, err := p.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	return newContext(ctx, p, incognito, true, opts)
}

func (p *process) DefaultContext(ctx context.Context) (engine.Context, error) {
	return newContext(ctx, p, p.browser, false, engine.ContextOptions{})
}

func (p *process) Close() error {
	p.closeOnce.Do(func() {
		if p.owned {
			p.closeErr = p.browser.Close()
		}
		p.cancel()
		if p.launcher != nil {
			p.launcher.Kill()
			if p.cleanup {
				p.launcher.Cleanup()
			}
		}
	})
	return p.closeErr
}

func (p *process) setDownloadBehavior(browser *rod.Browser) error {
	if p.downloadDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.downloadDir, 0o755); err != nil {
		return err
	}
	return proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		BrowserContextID: browser.BrowserContextID,
		DownloadPath:     p.downloadDir,
		EventsEnabled:    true,
	}.Call(browser)
}
