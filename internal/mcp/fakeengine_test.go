package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"browsercoord-mcp-server/internal/browser"
	"browsercoord-mcp-server/internal/config"
	"browsercoord-mcp-server/internal/engine"
	"browsercoord-mcp-server/internal/mangle"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeEngine is a minimal in-memory browser: pages navigate instantly and
// report their body text from the bodies map.
type fakeEngine struct {
	mu       sync.Mutex
	launches int
	err      error
	bodies   map[string]string
	contexts []*fakeContext
	nextID   atomic.Int64
}

func (e *fakeEngine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launches++
	return e.err
}

func (e *fakeEngine) process() *fakeProcess { return &fakeProcess{engine: e} }

func (e *fakeEngine) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Process, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	return e.process(), nil
}

func (e *fakeEngine) Connect(ctx context.Context, endpoint string, opts engine.LaunchOptions) (engine.Process, error) {
	return e.Launch(ctx, opts)
}

func (e *fakeEngine) ConnectOverDebugProtocol(ctx context.Context, endpoint string) (engine.Process, error) {
	return e.Launch(ctx, engine.LaunchOptions{})
}

func (e *fakeEngine) LaunchPersistentContext(ctx context.Context, profileDir string, launch engine.LaunchOptions, opts engine.ContextOptions) (engine.Context, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	return e.process().newContext(opts), nil
}

func (e *fakeEngine) body(url string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bodies[url]
}

func (e *fakeEngine) setBody(url, body string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bodies == nil {
		e.bodies = map[string]string{}
	}
	e.bodies[url] = body
}

type fakeProcess struct{ engine *fakeEngine }

func (p *fakeProcess) newContext(opts engine.ContextOptions) *fakeContext {
	c := &fakeContext{proc: p, opts: opts}
	p.engine.mu.Lock()
	p.engine.contexts = append(p.engine.contexts, c)
	p.engine.mu.Unlock()
	return c
}

func (p *fakeProcess) NewContext(ctx context.Context, opts engine.ContextOptions) (engine.Context, error) {
	return p.newContext(opts), nil
}

func (p *fakeProcess) DefaultContext(ctx context.Context) (engine.Context, error) {
	return p.newContext(engine.ContextOptions{}), nil
}

func (p *fakeProcess) Close() error { return nil }

type fakeContext struct {
	proc *fakeProcess
	opts engine.ContextOptions

	mu    sync.Mutex
	pages []*fakePage
}

func (c *fakeContext) NewPage(ctx context.Context) (engine.Page, error) {
	p := &fakePage{
		ctx:  c,
		id:   fmt.Sprintf("page-%d", c.proc.engine.nextID.Add(1)),
		url:  "about:blank",
		subs: map[int]func(engine.PageEvent){},
	}
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

func (c *fakeContext) Pages() []engine.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.Page, 0, len(c.pages))
	for _, p := range c.pages {
		if !p.isClosed() {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeContext) OnPage(fn func(engine.Page)) func() { return func() {} }

func (c *fakeContext) Route(ctx context.Context, handler engine.RouteHandler) error { return nil }

func (c *fakeContext) StorageState(ctx context.Context, opts engine.StorageStateOptions) (*engine.StorageState, error) {
	return &engine.StorageState{Cookies: []engine.Cookie{{Name: "sid", Value: "1", Domain: "example.com", Path: "/"}}}, nil
}

func (c *fakeContext) AddInitScript(ctx context.Context, script string, arg any) error { return nil }

func (c *fakeContext) Process() engine.Process { return c.proc }

func (c *fakeContext) Close() error {
	c.mu.Lock()
	pages := append([]*fakePage(nil), c.pages...)
	c.mu.Unlock()
	for _, p := range pages {
		_ = p.Close(context.Background())
	}
	return nil
}

type fakePage struct {
	ctx *fakeContext
	id  string

	mu      sync.Mutex
	url     string
	subs    map[int]func(engine.PageEvent)
	nextSub int
	closed  bool
}

func (p *fakePage) ID() string { return p.id }

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Title(ctx context.Context) (string, error) {
	return "Title of " + p.URL(), nil
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	p.emit(engine.PageEvent{Kind: engine.EventFrameNavigated, Frame: &engine.Frame{ID: p.id, URL: url}})
	p.emit(engine.PageEvent{Kind: engine.EventLoad})
	return nil
}

func (p *fakePage) WaitForLoad(ctx context.Context) error  { return nil }
func (p *fakePage) BringToFront(ctx context.Context) error { return nil }

func (p *fakePage) Evaluate(ctx context.Context, script string, arg any, out any) error {
	if script == textPresentJS {
		if found, ok := out.(*bool); ok {
			text, _ := arg.(string)
			*found = strings.Contains(p.ctx.proc.engine.body(p.URL()), text)
		}
	}
	return nil
}

func (p *fakePage) On(fn func(engine.PageEvent)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *fakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.emit(engine.PageEvent{Kind: engine.EventClose})
	return nil
}

func (p *fakePage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePage) emit(ev engine.PageEvent) {
	p.mu.Lock()
	subs := make([]func(engine.PageEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

type fakeDialog struct {
	typ, message string

	mu       sync.Mutex
	accepted bool
	prompt   string
	handled  bool
}

func (d *fakeDialog) Type() string         { return d.typ }
func (d *fakeDialog) Message() string      { return d.message }
func (d *fakeDialog) DefaultValue() string { return "" }

func (d *fakeDialog) Accept(ctx context.Context, promptText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted, d.prompt, d.handled = true, promptText, true
	return nil
}

func (d *fakeDialog) Dismiss(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handled = true
	return nil
}

type testServer struct {
	server *Server
	coord  *browser.Coordinator
	engine *fakeEngine
	facts  *mangle.Engine
	fs     afero.Fs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Browser.Isolated = true
	cfg.Browser.OutputDir = "/out"
	cfg.Browser.RequestTimeout = "1s"
	cfg.Browser.SettleDelay = "0s"
	cfg.Browser.DefaultNavigationTimeout = "1s"
	cfg.Mangle.SchemaPath = ""

	facts, err := mangle.NewEngine(cfg.Mangle)
	require.NoError(t, err)

	logger, _ := logtest.NewNullLogger()
	fs := afero.NewMemMapFs()
	eng := &fakeEngine{}
	coord, err := browser.NewCoordinator(cfg, eng,
		browser.WithLogger(logger),
		browser.WithFS(fs),
		browser.WithCacheRoot("/cache"),
		browser.WithFactSink(facts),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	server, err := NewServer(cfg, coord, facts, logger)
	require.NoError(t, err)
	return &testServer{server: server, coord: coord, engine: eng, facts: facts, fs: fs}
}

func (ts *testServer) run(t *testing.T, name string, args map[string]interface{}) *browser.Response {
	t.Helper()
	resp, err := ts.server.ExecuteTool(context.Background(), name, args)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) currentPage(t *testing.T) *fakePage {
	t.Helper()
	tab := ts.coord.CurrentTab()
	require.NotNil(t, tab)
	return tab.Page().(*fakePage)
}
