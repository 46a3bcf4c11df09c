package rodengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"browsercoord-mcp-server/internal/engine"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const readLocalStorageJS = `() => {
	const out = [];
	for (let i = 0; i < localStorage.length; i++) {
		const name = localStorage.key(i);
		out.push({ name, value: localStorage.getItem(name) });
	}
	return { origin: location.origin, localStorage: out };
}`

const listIndexedDBJS = `async () => {
	if (!indexedDB.databases)
		return [];
	return (await indexedDB.databases()).map(db => ({ name: db.name, version: db.version }));
}`

// seedLocalStorageJS restores saved local storage for the document's origin without overwriting live values.
const seedLocalStorageJS = `origins => {
	const state = (origins || []).find(o => o.origin === location.origin);
	if (!state)
		return;
	for (const { name, value } of state.localStorage || []) {
		if (localStorage.getItem(name) === null)
			localStorage.setItem(name, value);
	}
}`

type initScript struct {
	script string
	arg    any
}

// browserContext is a rod browser scoped to one CDP browser context.
type browserContext struct {
	proc        *process
	browser     *rod.Browser
	incognito   bool
	ownsProcess bool
	opts        engine.ContextOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	pages       map[proto.TargetTargetID]*page
	order       []proto.TargetTargetID
	subscribers map[int]func(engine.Page)
	nextSub     int
	scripts     []initScript
	router      *rod.HijackRouter
	downloads   map[string]*download

	closeOnce sync.Once
}

var _ engine.Context = (*browserContext)(nil)

func newContext(ctx context.Context, proc *process, browser *rod.Browser, incognito bool, opts engine.ContextOptions) (*browserContext, error) {
	cctx, cancel := context.WithCancel(ctx)
	c := &browserContext{
		proc:        proc,
		browser:     browser,
		incognito:   incognito,
		opts:        opts,
		ctx:         cctx,
		cancel:      cancel,
		pages:       make(map[proto.TargetTargetID]*page),
		subscribers: make(map[int]func(engine.Page)),
		downloads:   make(map[string]*download),
	}

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		cancel()
		return nil, fmt.Errorf("discover targets: %w", err)
	}
	if err := proc.setDownloadBehavior(browser); err != nil {
		proc.log.WithError(err).Warn("download behavior not set")
	}

	if st := opts.StorageState; !st.Empty() {
		if err := c.applyStorageState(st); err != nil {
			proc.log.WithError(err).Warn("storage state not fully applied")
		}
	}

	go c.pump()

	targets, err := proto.TargetGetTargets{}.Call(browser)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("list targets: %w", err)
	}
	for _, info := range targets.TargetInfos {
		if c.owns(info) {
			c.adopt(info.TargetID)
		}
	}
	return c, nil
}

func (c *browserContext) owns(info *proto.TargetTargetInfo) bool {
	if info.Type != proto.TargetTargetInfoTypePage {
		return false
	}
	if c.incognito {
		return info.BrowserContextID == c.browser.BrowserContextID
	}
	return true
}

// pump routes browser-level events for this context until it is closed.
func (c *browserContext) pump() {
	wait := c.browser.Context(c.ctx).EachEvent(
		func(ev *proto.TargetTargetCreated) {
			if c.owns(ev.TargetInfo) {
				c.adopt(ev.TargetInfo.TargetID)
			}
		},
		func(ev *proto.TargetTargetDestroyed) {
			c.forget(ev.TargetID)
		},
		func(ev *proto.BrowserDownloadWillBegin) {
			c.downloadWillBegin(ev)
		},
		func(ev *proto.BrowserDownloadProgress) {
			c.downloadProgress(ev)
		},
	)
	wait()
}

// adopt wraps targetID once and announces it to OnPage subscribers.
func (c *browserContext) adopt(targetID proto.TargetTargetID) *page {
	c.mu.Lock()
	if p, ok := c.pages[targetID]; ok {
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()

	rp, err := c.browser.PageFromTarget(targetID)
	if err != nil {
		c.proc.log.WithError(err).WithField("target", targetID).Debug("cannot attach to page")
		return nil
	}
	p := newPage(c, rp)

	c.mu.Lock()
	if existing, ok := c.pages[targetID]; ok {
		c.mu.Unlock()
		p.stop()
		return existing
	}
	c.pages[targetID] = p
	c.order = append(c.order, targetID)
	scripts := append([]initScript(nil), c.scripts...)
	subs := make([]func(engine.Page), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	p.prepare(scripts)
	for _, fn := range subs {
		fn(p)
	}
	return p
}

func (c *browserContext) forget(targetID proto.TargetTargetID) {
	c.mu.Lock()
	p, ok := c.pages[targetID]
	if ok {
		delete(c.pages, targetID)
		for i, id := range c.order {
			if id == targetID {
				c.order = append(c.order[:i:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if ok {
		p.dispatch(engine.PageEvent{Kind: engine.EventClose})
		p.stop()
	}
}

func (c *browserContext) NewPage(ctx context.Context) (engine.Page, error) {
	rp, err := c.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	p := c.adopt(rp.TargetID)
	if p == nil {
		return nil, fmt.Errorf("attach to new page %s", rp.TargetID)
	}
	return p, nil
}

func (c *browserContext) Pages() []engine.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.Page, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.pages[id])
	}
	return out
}

func (c *browserContext) OnPage(fn func(engine.Page)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Route installs a catch-all interception handler for the whole browser.
func (c *browserContext) Route(ctx context.Context, handler engine.RouteHandler) error {
	router := c.browser.HijackRequests()
	if err := router.Add("*", "", func(h *rod.Hijack) {
		handler(&route{h: h})
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.router = router
	c.mu.Unlock()
	go router.Run()
	return nil
}

func (c *browserContext) StorageState(ctx context.Context, opts engine.StorageStateOptions) (*engine.StorageState, error) {
	res, err := proto.StorageGetCookies{BrowserContextID: c.browser.BrowserContextID}.Call(c.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	state := &engine.StorageState{
		Cookies: make([]engine.Cookie, 0, len(res.Cookies)),
		Origins: []engine.OriginState{},
	}
	for _, ck := range res.Cookies {
		state.Cookies = append(state.Cookies, engine.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  float64(ck.Expires),
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}

	seen := make(map[string]bool)
	for _, ep := range c.Pages() {
		p := ep.(*page)
		var origin engine.OriginState
		if err := p.Evaluate(ctx, readLocalStorageJS, nil, &origin); err != nil {
			continue
		}
		if origin.Origin == "" || origin.Origin == "null" || seen[origin.Origin] {
			continue
		}
		seen[origin.Origin] = true
		if opts.IndexedDB {
			var dbs []any
			if err := p.Evaluate(ctx, listIndexedDBJS, nil, &dbs); err == nil {
				origin.IndexedDB = dbs
			}
		}
		state.Origins = append(state.Origins, origin)
	}
	return state, nil
}

func (c *browserContext) applyStorageState(st *engine.StorageState) error {
	if len(st.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(st.Cookies))
		for _, ck := range st.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  proto.TimeSinceEpoch(ck.Expires),
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
				SameSite: proto.NetworkCookieSameSite(ck.SameSite),
			})
		}
		if err := (proto.StorageSetCookies{Cookies: params, BrowserContextID: c.browser.BrowserContextID}).Call(c.browser); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}
	if len(st.Origins) > 0 {
		c.mu.Lock()
		c.scripts = append(c.scripts, initScript{script: seedLocalStorageJS, arg: st.Origins})
		c.mu.Unlock()
	}
	return nil
}

// AddInitScript registers script for every current and future page of the context.
func (c *browserContext) AddInitScript(ctx context.Context, script string, arg any) error {
	s := initScript{script: script, arg: arg}
	if _, err := s.source(); err != nil {
		return err
	}
	c.mu.Lock()
	c.scripts = append(c.scripts, s)
	pages := make([]*page, 0, len(c.pages))
	for _, p := range c.pages {
		pages = append(pages, p)
	}
	c.mu.Unlock()

	for _, p := range pages {
		if err := p.addInitScript(s); err != nil {
			return err
		}
	}
	return nil
}

func (s initScript) source() (string, error) {
	arg, err := json.Marshal(s.arg)
	if err != nil {
		return "", fmt.Errorf("encode init script argument: %w", err)
	}
	return fmt.Sprintf("(%s)(%s)", s.script, arg), nil
}

func (c *browserContext) Process() engine.Process { return c.proc }

func (c *browserContext) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		router := c.router
		c.router = nil
		pages := make([]*page, 0, len(c.pages))
		for _, p := range c.pages {
			pages = append(pages, p)
		}
		c.mu.Unlock()

		if router != nil {
			_ = router.Stop()
		}
		for _, p := range pages {
			p.stop()
		}
		if c.incognito {
			err = proto.TargetDisposeBrowserContext{BrowserContextID: c.browser.BrowserContextID}.Call(c.proc.browser)
		}
		c.cancel()
		if c.ownsProcess {
			if perr := c.proc.Close(); err == nil {
				err = perr
			}
		}
	})
	return err
}

func (c *browserContext) pageForFrame(frameID proto.PageFrameID) *page {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pages[proto.TargetTargetID(frameID)]; ok {
		return p
	}
	for _, p := range c.pages {
		if p.hasFrame(frameID) {
			return p
		}
	}
	return nil
}

// route adapts a rod hijack to engine.Route.
type route struct {
	h *rod.Hijack
}

func (r *route) URL() string { return r.h.Request.URL().String() }

func (r *route) Continue() error {
	r.h.ContinueRequest(&proto.FetchContinueRequest{})
	return nil
}

func (r *route) Abort(reason string) error {
	r.h.Response.Fail(proto.NetworkErrorReason(reason))
	return nil
}
