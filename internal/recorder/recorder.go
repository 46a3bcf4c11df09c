// Package recorder writes the per-handle session trace as rotating JSONL files.
package recorder

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	MaxRotatedFiles = 5
	TraceDir        = "data/traces"
	traceExt        = ".jsonl"
)

// Event is a single line of a session trace.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	TabID     string    `json:"tab_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Recorder owns at most one open trace file at a time.
type Recorder struct {
	mu        sync.Mutex
	fs        afero.Fs
	file      afero.File
	encoder   *json.Encoder
	basePath  string
	sessionID string
	path      string
	events    int
}

// NewRecorder creates a recorder rooted at basePath, creating the directory.
func NewRecorder(fs afero.Fs, basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := fs.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{fs: fs, basePath: basePath}, nil
}

// Start opens a fresh trace for sessionID, closing any previous one and pruning old traces.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d%s", sessionID, time.Now().UnixMilli(), traceExt)
	p := path.Join(r.basePath, name)
	f, err := r.fs.Create(p)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.sessionID = sessionID
	r.path = p
	r.events = 0
	return nil
}

// Recording reports whether a trace is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.encoder != nil
}

// Log appends an event to the open trace. It is a no-op when no trace is open.
func (r *Recorder) Log(eventType, tabID string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	evt := Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: r.sessionID,
		TabID:     tabID,
		Data:      data,
	}
	if err := r.encoder.Encode(evt); err == nil {
		r.events++
	}
}

// Stop closes the open trace and returns its path and event count.
func (r *Recorder) Stop() (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, n := r.path, r.events
	return p, n, r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	r.sessionID = ""
	r.path = ""
	r.events = 0
	return err
}

// rotate keeps the newest MaxRotatedFiles-1 traces so the next one fits.
func (r *Recorder) rotate() error {
	entries, err := afero.ReadDir(r.fs, r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), traceExt) {
			continue
		}
		traces = append(traces, trace{name: e.Name(), mod: e.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = r.fs.Remove(path.Join(r.basePath, traces[i].name))
	}
	return nil
}
