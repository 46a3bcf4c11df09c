package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"browsercoord-mcp-server/internal/config"
	"browsercoord-mcp-server/internal/engine"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeEngine is an in-memory engine. Pages emit events synchronously from whichever goroutine
// drives them, which is what the real adapter does from its event pump.
type fakeEngine struct {
	mu         sync.Mutex
	launches   int
	failNext   []error
	gate       chan struct{}
	contexts   []*fakeContext
	profileDir string
	lastLaunch engine.LaunchOptions
	nextPage   atomic.Int64
	onContext  func(*fakeContext)
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) begin(opts engine.LaunchOptions) error {
	e.mu.Lock()
	gate := e.gate
	e.launches++
	e.lastLaunch = opts
	var err error
	if len(e.failNext) > 0 {
		err = e.failNext[0]
		e.failNext = e.failNext[1:]
	}
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (e *fakeEngine) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

func (e *fakeEngine) lastContext() *fakeContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.contexts) == 0 {
		return nil
	}
	return e.contexts[len(e.contexts)-1]
}

func (e *fakeEngine) newProcess() *fakeProcess { return &fakeProcess{engine: e} }

func (e *fakeEngine) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Process, error) {
	if err := e.begin(opts); err != nil {
		return nil, err
	}
	return e.newProcess(), nil
}

func (e *fakeEngine) Connect(ctx context.Context, endpoint string, opts engine.LaunchOptions) (engine.Process, error) {
	if err := e.begin(opts); err != nil {
		return nil, err
	}
	return e.newProcess(), nil
}

func (e *fakeEngine) ConnectOverDebugProtocol(ctx context.Context, endpoint string) (engine.Process, error) {
	if err := e.begin(engine.LaunchOptions{}); err != nil {
		return nil, err
	}
	return e.newProcess(), nil
}

func (e *fakeEngine) LaunchPersistentContext(ctx context.Context, profileDir string, launch engine.LaunchOptions, opts engine.ContextOptions) (engine.Context, error) {
	if err := e.begin(launch); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.profileDir = profileDir
	e.mu.Unlock()
	proc := e.newProcess()
	c := proc.newContext(opts)
	// Persistent browsers come up with one blank page.
	c.addPage()
	return c, nil
}

type fakeProcess struct {
	engine *fakeEngine
	closed atomic.Bool
}

func (p *fakeProcess) newContext(opts engine.ContextOptions) *fakeContext {
	c := &fakeContext{proc: p, opts: opts, subs: make(map[int]func(engine.Page))}
	p.engine.mu.Lock()
	p.engine.contexts = append(p.engine.contexts, c)
	hook := p.engine.onContext
	p.engine.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return c
}

func (p *fakeProcess) NewContext(ctx context.Context, opts engine.ContextOptions) (engine.Context, error) {
	return p.newContext(opts), nil
}

func (p *fakeProcess) DefaultContext(ctx context.Context) (engine.Context, error) {
	return p.newContext(engine.ContextOptions{}), nil
}

func (p *fakeProcess) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeContext struct {
	proc *fakeProcess
	opts engine.ContextOptions

	mu          sync.Mutex
	pages       []*fakePage
	subs        map[int]func(engine.Page)
	nextSub     int
	route       engine.RouteHandler
	initScripts []string
	initArgs    []any
	storage     *engine.StorageState
	storageErr  error
	newPageErr  error
	closed      bool
	onNewPage   func(*fakePage)
	// failNewPageAt makes the n-th NewPage call (1-based) fail.
	failNewPageAt int
	newPageCalls  int
}

func (c *fakeContext) addPage() *fakePage {
	p := &fakePage{
		ctx:     c,
		id:      fmt.Sprintf("page-%d", c.proc.engine.nextPage.Add(1)),
		url:     "about:blank",
		subs:    make(map[int]func(engine.PageEvent)),
		session: map[string]string{},
	}
	c.mu.Lock()
	c.pages = append(c.pages, p)
	hook := c.onNewPage
	c.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return p
}

func (c *fakeContext) NewPage(ctx context.Context) (engine.Page, error) {
	c.mu.Lock()
	c.newPageCalls++
	err := c.newPageErr
	if c.failNewPageAt > 0 && c.newPageCalls == c.failNewPageAt {
		err = errBoom
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p := c.addPage()
	c.mu.Lock()
	subs := make([]func(engine.Page), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
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

func (c *fakeContext) fakePages() []*fakePage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*fakePage, 0, len(c.pages))
	for _, p := range c.pages {
		if !p.isClosed() {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeContext) OnPage(fn func(engine.Page)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *fakeContext) Route(ctx context.Context, handler engine.RouteHandler) error {
	c.mu.Lock()
	c.route = handler
	c.mu.Unlock()
	return nil
}

func (c *fakeContext) StorageState(ctx context.Context, opts engine.StorageStateOptions) (*engine.StorageState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storageErr != nil {
		return nil, c.storageErr
	}
	if c.storage == nil {
		return &engine.StorageState{}, nil
	}
	return c.storage, nil
}

func (c *fakeContext) AddInitScript(ctx context.Context, script string, arg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initScripts = append(c.initScripts, script)
	c.initArgs = append(c.initArgs, arg)
	return nil
}

func (c *fakeContext) Process() engine.Process { return c.proc }

func (c *fakeContext) Close() error {
	c.mu.Lock()
	c.closed = true
	pages := append([]*fakePage(nil), c.pages...)
	c.mu.Unlock()
	for _, p := range pages {
		_ = p.Close(context.Background())
	}
	return nil
}

func (c *fakeContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakePage struct {
	ctx *fakeContext
	id  string

	mu       sync.Mutex
	url      string
	title    string
	subs     map[int]func(engine.PageEvent)
	nextSub  int
	session  map[string]string
	closed   bool
	fronted  int
	evalErr  error
	gotoErr  error
	gotoHook func(url string)
	// waitHook replaces the in-page timer used by WaitForTimeout.
	waitHook func(ctx context.Context) error
}

func (p *fakePage) ID() string { return p.id }

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	p.mu.Lock()
	err := p.gotoErr
	hook := p.gotoHook
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(url)
	}
	p.mu.Lock()
	p.url = url
	p.title = "Title of " + url
	p.mu.Unlock()
	p.emit(engine.PageEvent{Kind: engine.EventFrameNavigated, Frame: &engine.Frame{ID: p.id, URL: url}})
	p.emit(engine.PageEvent{Kind: engine.EventLoad})
	return nil
}

func (p *fakePage) WaitForLoad(ctx context.Context) error { return nil }

func (p *fakePage) BringToFront(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fronted++
	return nil
}

func (p *fakePage) Evaluate(ctx context.Context, script string, arg any, out any) error {
	p.mu.Lock()
	if hook := p.waitHook; hook != nil && p.evalErr == nil && script == waitForTimeoutJS {
		p.mu.Unlock()
		return hook(ctx)
	}
	defer p.mu.Unlock()
	if p.evalErr != nil {
		return p.evalErr
	}
	switch script {
	case readSessionStorageJS:
		if m, ok := out.(*map[string]string); ok {
			cp := make(map[string]string, len(p.session))
			for k, v := range p.session {
				cp[k] = v
			}
			*m = cp
		}
	case writeSessionStorageJS:
		if entries, ok := arg.(map[string]string); ok {
			for k, v := range entries {
				p.session[k] = v
			}
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

func (p *fakePage) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
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

func (p *fakePage) request(id string) {
	p.emit(engine.PageEvent{Kind: engine.EventRequest, Request: &engine.Request{ID: id, URL: "https://example.com/" + id}})
}

func (p *fakePage) finish(id string) {
	p.emit(engine.PageEvent{Kind: engine.EventRequestFinished, Request: &engine.Request{ID: id}})
}

type fakeDialog struct {
	typ, message string

	mu        sync.Mutex
	accepted  bool
	dismissed bool
	prompt    string
	handleErr error
}

func (d *fakeDialog) Type() string         { return d.typ }
func (d *fakeDialog) Message() string      { return d.message }
func (d *fakeDialog) DefaultValue() string { return "" }

func (d *fakeDialog) Accept(ctx context.Context, promptText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handleErr != nil {
		return d.handleErr
	}
	d.accepted = true
	d.prompt = promptText
	return nil
}

func (d *fakeDialog) Dismiss(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handleErr != nil {
		return d.handleErr
	}
	d.dismissed = true
	return nil
}

type fakeDownload struct {
	url, name string
	release   chan struct{}
	err       error

	mu    sync.Mutex
	saved string
}

func (d *fakeDownload) URL() string               { return d.url }
func (d *fakeDownload) SuggestedFilename() string { return d.name }

func (d *fakeDownload) SaveAs(ctx context.Context, path string) error {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	d.saved = path
	d.mu.Unlock()
	return nil
}

// testTool adapts a closure to the Tool interface.
type testTool struct {
	schema ToolSchema
	handle func(ctx context.Context, c *Coordinator, params map[string]any) (*ToolResult, error)
}

func (t testTool) Schema() ToolSchema { return t.schema }

func (t testTool) Handle(ctx context.Context, c *Coordinator, params map[string]any) (*ToolResult, error) {
	return t.handle(ctx, c, params)
}

func actionTool(name string, waitForNetwork bool, action func(ctx context.Context) error) Tool {
	return testTool{
		schema: ToolSchema{Name: name},
		handle: func(ctx context.Context, c *Coordinator, params map[string]any) (*ToolResult, error) {
			return &ToolResult{Code: []string{"// " + name}, Action: action, WaitForNetwork: waitForNetwork}, nil
		},
	}
}

var dialogTool = testTool{
	schema: ToolSchema{Name: "browser_handle_dialog", ClearsModalState: ModalDialog},
	handle: func(ctx context.Context, c *Coordinator, params map[string]any) (*ToolResult, error) {
		accept, _ := params["accept"].(bool)
		if err := c.HandleDialog(ctx, accept, ""); err != nil {
			return nil, err
		}
		return &ToolResult{Code: []string{"// handle dialog"}}, nil
	},
}

type testEnv struct {
	coord  *Coordinator
	engine *fakeEngine
	fs     afero.Fs
	logs   *logtest.Hook
	sink   *recordingSink
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Browser.OutputDir = "/out"
	cfg.Browser.RequestTimeout = "2s"
	cfg.Browser.SettleDelay = "0s"
	cfg.Browser.DefaultNavigationTimeout = "2s"
	if mutate != nil {
		mutate(&cfg)
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	fs := afero.NewMemMapFs()
	eng := newFakeEngine()
	sink := &recordingSink{}

	coord, err := NewCoordinator(cfg, eng,
		WithLogger(logger),
		WithFS(fs),
		WithCacheRoot("/cache"),
		WithFactSink(sink),
	)
	require.NoError(t, err)
	coord.RegisterTools(dialogTool)
	t.Cleanup(func() { _ = coord.Close(context.Background()) })
	return &testEnv{coord: coord, engine: eng, fs: fs, logs: hook, sink: sink}
}

// currentFakePage returns the fake page behind the current tab.
func (env *testEnv) currentFakePage(t *testing.T) *fakePage {
	t.Helper()
	tab := env.coord.CurrentTab()
	require.NotNil(t, tab)
	p, ok := tab.Page().(*fakePage)
	require.True(t, ok)
	return p
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

var errBoom = errors.New("boom")
