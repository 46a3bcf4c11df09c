package browser

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"browsercoord-mcp-server/internal/engine"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DownloadEntry is one observed download. Entries survive tab closure and are only
// cleared by a restart.
type DownloadEntry struct {
	ID         string
	URL        string
	Filename   string
	OutputFile string
	StartedAt  time.Time
	Finished   bool
	Err        error
	TabID      string
}

var unsafePathChars = regexp.MustCompile(`[\x00-\x2C\x2E-\x2F\x3A-\x40\x5B-\x60\x7B-\x7F]+`)

// SanitizeForFilePath replaces runs of unsafe characters with '-', keeping the extension separate.
func SanitizeForFilePath(name string) string {
	sanitize := func(s string) string { return unsafePathChars.ReplaceAllString(s, "-") }
	ext := filepath.Ext(name)
	if ext == "" || ext == name {
		return sanitize(name)
	}
	return sanitize(strings.TrimSuffix(name, ext)) + "." + sanitize(ext[1:])
}

// outputFile returns a path under the output directory for name, creating the directory.
func (c *Coordinator) outputFile(name string) (string, error) {
	dir := c.cfg.OutputDir
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return filepath.Join(dir, SanitizeForFilePath(name)), nil
}

// downloadStarted records d and saves it in the background, flipping Finished on success.
func (c *Coordinator) downloadStarted(tab *Tab, d engine.Download) {
	log := c.log.WithFields(logrus.Fields{"tab": tab.ID(), "file": d.SuggestedFilename()})
	name := d.SuggestedFilename()
	if name == "" {
		name = "download"
	}
	out, err := c.outputFile(name)
	if err != nil {
		log.WithError(err).Warn("cannot prepare download destination")
		return
	}

	entry := &DownloadEntry{
		ID:         uuid.NewString(),
		URL:        d.URL(),
		Filename:   name,
		OutputFile: out,
		StartedAt:  time.Now(),
		TabID:      tab.ID(),
	}
	c.mu.Lock()
	c.downloads = append(c.downloads, entry)
	c.mu.Unlock()
	c.emit(c.baseCtx, "download_started", tab.ID(), name, out)

	go func() {
		err := d.SaveAs(c.baseCtx, out)
		c.mu.Lock()
		if err != nil {
			entry.Err = err
		} else {
			entry.Finished = true
		}
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("download failed")
			return
		}
		log.WithField("path", out).Info("download finished")
		c.emit(c.baseCtx, "download_finished", tab.ID(), name, out)
	}()
}

// Downloads returns snapshots of the download log in start order.
func (c *Coordinator) Downloads() []DownloadEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DownloadEntry, len(c.downloads))
	for i, d := range c.downloads {
		out[i] = *d
	}
	return out
}

func downloadsMarkdown(entries []DownloadEntry) string {
	if len(entries) == 0 {
		return ""
	}
	lines := []string{"### Downloads"}
	for _, d := range entries {
		switch {
		case d.Finished:
			lines = append(lines, fmt.Sprintf("- Downloaded file %s to %s", d.Filename, d.OutputFile))
		case d.Err != nil:
			lines = append(lines, fmt.Sprintf("- Download of %s failed: %v", d.Filename, d.Err))
		default:
			lines = append(lines, fmt.Sprintf("- Downloading file %s ...", d.Filename))
		}
	}
	return strings.Join(lines, "\n")
}
