package rodengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"browsercoord-mcp-server/internal/engine"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// page wraps a rod page and fans its CDP events out as engine.PageEvent values.
type page struct {
	bctx *browserContext
	rp   *rod.Page

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	url     string
	frames  map[proto.PageFrameID]bool
	subs    map[int]func(engine.PageEvent)
	nextSub int
}

var _ engine.Page = (*page)(nil)

func newPage(bctx *browserContext, rp *rod.Page) *page {
	ctx, cancel := context.WithCancel(bctx.ctx)
	p := &page{
		bctx:   bctx,
		rp:     rp,
		ctx:    ctx,
		cancel: cancel,
		frames: map[proto.PageFrameID]bool{proto.PageFrameID(rp.TargetID): true},
		subs:   make(map[int]func(engine.PageEvent)),
	}
	if info, err := rp.Info(); err == nil {
		p.url = info.URL
	}
	return p
}

// prepare applies viewport and init scripts and starts the event pump.
func (p *page) prepare(scripts []initScript) {
	log := p.bctx.proc.log.WithField("target", p.rp.TargetID)
	if w, h := p.bctx.opts.ViewportWidth, p.bctx.opts.ViewportHeight; w > 0 && h > 0 {
		if err := p.rp.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             w,
			Height:            h,
			DeviceScaleFactor: 1.0,
		}); err != nil {
			log.WithError(err).Debug("viewport not set")
		}
	}
	for _, s := range scripts {
		if err := p.addInitScript(s); err != nil {
			log.WithError(err).Debug("init script not installed")
		}
	}
	if err := (proto.NetworkEnable{}).Call(p.rp); err != nil {
		log.WithError(err).Debug("network domain not enabled")
	}
	go p.pump()
}

func (p *page) addInitScript(s initScript) error {
	src, err := s.source()
	if err != nil {
		return err
	}
	if _, err := p.rp.EvalOnNewDocument(src); err != nil {
		return fmt.Errorf("add init script: %w", err)
	}
	return nil
}

func (p *page) pump() {
	wait := p.rp.Context(p.ctx).EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			p.dispatch(engine.PageEvent{Kind: engine.EventRequest, Request: &engine.Request{
				ID:     string(ev.RequestID),
				URL:    ev.Request.URL,
				Method: ev.Request.Method,
			}})
		},
		func(ev *proto.NetworkLoadingFinished) {
			p.dispatch(engine.PageEvent{Kind: engine.EventRequestFinished, Request: &engine.Request{ID: string(ev.RequestID)}})
		},
		func(ev *proto.NetworkLoadingFailed) {
			p.dispatch(engine.PageEvent{Kind: engine.EventRequestFailed, Request: &engine.Request{ID: string(ev.RequestID)}})
		},
		func(ev *proto.PageFrameNavigated) {
			p.mu.Lock()
			p.frames[ev.Frame.ID] = true
			if ev.Frame.ParentID == "" {
				p.url = ev.Frame.URL
			}
			p.mu.Unlock()
			p.dispatch(engine.PageEvent{Kind: engine.EventFrameNavigated, Frame: &engine.Frame{
				ID:       string(ev.Frame.ID),
				ParentID: string(ev.Frame.ParentID),
				URL:      ev.Frame.URL,
			}})
		},
		func(ev *proto.PageLoadEventFired) {
			p.dispatch(engine.PageEvent{Kind: engine.EventLoad})
		},
		func(ev *proto.PageJavascriptDialogOpening) {
			p.dispatch(engine.PageEvent{Kind: engine.EventDialog, Dialog: &dialog{page: p.rp, ev: ev}})
		},
	)
	wait()
}

func (p *page) dispatch(ev engine.PageEvent) {
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

func (p *page) hasFrame(id proto.PageFrameID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[id]
}

func (p *page) stop() {
	p.cancel()
}

func (p *page) ID() string { return string(p.rp.TargetID) }

func (p *page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *page) Title(ctx context.Context) (string, error) {
	info, err := p.rp.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *page) Goto(ctx context.Context, url string) error {
	return p.rp.Context(ctx).Navigate(url)
}

func (p *page) WaitForLoad(ctx context.Context) error {
	return p.rp.Context(ctx).WaitLoad()
}

func (p *page) BringToFront(ctx context.Context) error {
	_, err := p.rp.Context(ctx).Activate()
	return err
}

func (p *page) Evaluate(ctx context.Context, script string, arg any, out any) error {
	opts := &rod.EvalOptions{
		JS:           script,
		ByValue:      true,
		AwaitPromise: true,
	}
	if arg != nil {
		opts.JSArgs = []interface{}{arg}
	}
	res, err := p.rp.Context(ctx).Evaluate(opts)
	if err != nil {
		return err
	}
	if out == nil || res == nil {
		return nil
	}
	return res.Value.Unmarshal(out)
}

func (p *page) On(fn func(engine.PageEvent)) func() {
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

func (p *page) Close(ctx context.Context) error {
	return p.rp.Context(ctx).Close()
}

// dialog answers a JavaScript dialog through Page.handleJavaScriptDialog.
type dialog struct {
	page *rod.Page
	ev   *proto.PageJavascriptDialogOpening
}

func (d *dialog) Type() string         { return string(d.ev.Type) }
func (d *dialog) Message() string      { return d.ev.Message }
func (d *dialog) DefaultValue() string { return d.ev.DefaultPrompt }

func (d *dialog) Accept(ctx context.Context, promptText string) error {
	return proto.PageHandleJavaScriptDialog{Accept: true, PromptText: promptText}.Call(d.page.Context(ctx))
}

func (d *dialog) Dismiss(ctx context.Context) error {
	return proto.PageHandleJavaScriptDialog{Accept: false}.Call(d.page.Context(ctx))
}

// download tracks one browser download, stored under its GUID until SaveAs moves it.
type download struct {
	dir  string
	ev   *proto.BrowserDownloadWillBegin
	done chan struct{}

	once  sync.Once
	state proto.BrowserDownloadProgressState
}

var errDownloadCanceled = errors.New("download canceled")

func (d *download) URL() string               { return d.ev.URL }
func (d *download) SuggestedFilename() string { return d.ev.SuggestedFilename }

func (d *download) SaveAs(ctx context.Context, path string) error {
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if d.state != proto.BrowserDownloadProgressStateCompleted {
		return errDownloadCanceled
	}
	src := filepath.Join(d.dir, d.ev.GUID)
	if err := os.Rename(src, path); err == nil {
		return nil
	}
	return copyFile(src, path)
}

func (d *download) finish(state proto.BrowserDownloadProgressState) {
	d.once.Do(func() {
		d.state = state
		close(d.done)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func (c *browserContext) downloadWillBegin(ev *proto.BrowserDownloadWillBegin) {
	p := c.pageForFrame(ev.FrameID)
	if p == nil {
		return
	}
	d := &download{dir: c.proc.downloadDir, ev: ev, done: make(chan struct{})}
	c.mu.Lock()
	c.downloads[ev.GUID] = d
	c.mu.Unlock()
	p.dispatch(engine.PageEvent{Kind: engine.EventDownload, Download: d})
}

func (c *browserContext) downloadProgress(ev *proto.BrowserDownloadProgress) {
	if ev.State == proto.BrowserDownloadProgressStateInProgress {
		return
	}
	c.mu.Lock()
	d, ok := c.downloads[ev.GUID]
	delete(c.downloads, ev.GUID)
	c.mu.Unlock()
	if ok {
		d.finish(ev.State)
	}
}
