// Package engine describes the browser-engine capabilities the session coordinator consumes.
//
// The coordinator never talks to a concrete driver. Everything it needs (launching or attaching
// to a browser, opening pages, listening for page events, reading storage) goes through the
// interfaces below so that the go-rod adapter and the in-memory test engine are interchangeable.
package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrBrowserNotInstalled is wrapped by adapters when the configured browser binary cannot be found.
var ErrBrowserNotInstalled = errors.New("browser executable not found")

// LaunchOptions configures a locally launched browser process.
type LaunchOptions struct {
	BrowserName string
	Executable  string
	Headless    bool
	Args        []string
	// DownloadDir receives downloads before they are moved to their final path.
	DownloadDir string
}

// ContextOptions configures a new browser context.
type ContextOptions struct {
	ViewportWidth  int
	ViewportHeight int
	// StorageState seeds cookies and persistent storage into the new context.
	StorageState *StorageState
}

// StorageStateOptions controls what StorageState reads.
type StorageStateOptions struct {
	IndexedDB bool
}

// Engine launches or attaches to browser processes.
type Engine interface {
	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
	Connect(ctx context.Context, endpoint string, opts LaunchOptions) (Process, error)
	ConnectOverDebugProtocol(ctx context.Context, endpoint string) (Process, error)
	LaunchPersistentContext(ctx context.Context, profileDir string, launch LaunchOptions, opts ContextOptions) (Context, error)
}

// Process is a connection to one browser process.
type Process interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	// DefaultContext returns the context a debug-protocol attach lands in.
	DefaultContext(ctx context.Context) (Context, error)
	Close() error
}

// RouteHandler decides the fate of an intercepted request.
type RouteHandler func(Route)

// Route is one intercepted request.
type Route interface {
	URL() string
	Continue() error
	Abort(reason string) error
}

// Context is an isolated set of pages sharing cookies and storage.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	Pages() []Page
	// OnPage subscribes to pages created by the browser itself (popups, window.open, restored tabs).
	OnPage(fn func(Page)) (off func())
	Route(ctx context.Context, handler RouteHandler) error
	StorageState(ctx context.Context, opts StorageStateOptions) (*StorageState, error)
	// AddInitScript installs script, a JS function source, so it runs with arg before any page script.
	AddInitScript(ctx context.Context, script string, arg any) error
	Process() Process
	Close() error
}

// Page is one open tab.
type Page interface {
	ID() string
	URL() string
	Title(ctx context.Context) (string, error)
	Goto(ctx context.Context, url string) error
	WaitForLoad(ctx context.Context) error
	BringToFront(ctx context.Context) error
	// Evaluate runs script, a JS function source, with arg and decodes the JSON result into out.
	Evaluate(ctx context.Context, script string, arg any, out any) error
	On(fn func(PageEvent)) (off func())
	Close(ctx context.Context) error
}

// PageEventKind enumerates the page events routed to subscribers.
type PageEventKind string

const (
	EventRequest         PageEventKind = "request"
	EventRequestFinished PageEventKind = "requestfinished"
	EventRequestFailed   PageEventKind = "requestfailed"
	EventFrameNavigated  PageEventKind = "framenavigated"
	EventLoad            PageEventKind = "load"
	EventDialog          PageEventKind = "dialog"
	EventDownload        PageEventKind = "download"
	EventClose           PageEventKind = "close"
)

// PageEvent is the single event shape delivered by Page.On. Only the field matching Kind is set.
type PageEvent struct {
	Kind     PageEventKind
	Request  *Request
	Frame    *Frame
	Dialog   Dialog
	Download Download
}

// Request identifies a network request for in-flight accounting.
type Request struct {
	ID     string
	URL    string
	Method string
}

// Frame is a navigated frame.
type Frame struct {
	ID       string
	ParentID string
	URL      string
}

// IsMain reports whether the frame is the top-level frame of its page.
func (f *Frame) IsMain() bool {
	return f != nil && f.ParentID == ""
}

// Dialog is an open JavaScript dialog (alert, confirm, prompt, beforeunload).
type Dialog interface {
	Type() string
	Message() string
	DefaultValue() string
	Accept(ctx context.Context, promptText string) error
	Dismiss(ctx context.Context) error
}

// Download is a file transfer started by a page.
type Download interface {
	URL() string
	SuggestedFilename() string
	// SaveAs blocks until the payload is complete and stored at path.
	SaveAs(ctx context.Context, path string) error
}

// Cookie mirrors the cookie fields needed to restore a session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// NameValue is one storage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginState holds the persistent storage of a single origin.
type OriginState struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
	IndexedDB    []any       `json:"indexedDB,omitempty"`
}

// StorageState is the cookie and persistent-storage content of a context.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Empty reports whether the state carries nothing worth restoring.
func (s *StorageState) Empty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.Origins) == 0)
}

// IsBlankURL reports whether url is an empty page that does not need navigating to.
func IsBlankURL(url string) bool {
	return url == "" || url == "about:blank" || strings.HasPrefix(url, "chrome://newtab")
}
