package browser

import (
	"context"
	"fmt"
	"strings"

	"browsercoord-mcp-server/internal/engine"

	"github.com/sirupsen/logrus"
)

// ModalKind names the class of blocking UI a modal state represents.
type ModalKind string

const ModalDialog ModalKind = "dialog"

// ModalState is one open blocking UI element.
type ModalState struct {
	Kind        ModalKind
	Description string
	Dialog      engine.Dialog

	tab *Tab
}

// Tab is the tab the modal state belongs to.
func (m *ModalState) Tab() *Tab { return m.tab }

// SetModalState pushes state for tab.
func (c *Coordinator) SetModalState(state *ModalState, tab *Tab) {
	state.tab = tab
	c.mu.Lock()
	c.modal = append(c.modal, state)
	c.mu.Unlock()
}

// ClearModalState removes exactly state, compared by identity.
func (c *Coordinator) ClearModalState(state *ModalState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.modal {
		if m == state {
			c.modal = append(c.modal[:i:i], c.modal[i+1:]...)
			return
		}
	}
}

// ModalStates returns the open modal states, oldest first.
func (c *Coordinator) ModalStates() []*ModalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ModalState, len(c.modal))
	copy(out, c.modal)
	return out
}

// IsScriptBlocked reports whether a dialog is open, in which case in-page scripts would hang.
func (c *Coordinator) IsScriptBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modal {
		if m.Kind == ModalDialog {
			return true
		}
	}
	return false
}

// ModalStatesMarkdown renders the stack with the tool able to clear each entry.
func (c *Coordinator) ModalStatesMarkdown() string {
	c.mu.Lock()
	states := make([]*ModalState, len(c.modal))
	copy(states, c.modal)
	tools := c.tools
	c.mu.Unlock()

	lines := []string{"### Modal state"}
	if len(states) == 0 {
		lines = append(lines, "- There is no modal state present")
	}
	for _, state := range states {
		lines = append(lines, fmt.Sprintf("- [%s]: can be handled by the %q tool", state.Description, clearingTool(tools, state.Kind)))
	}
	return strings.Join(lines, "\n")
}

func clearingTool(tools []Tool, kind ModalKind) string {
	for _, t := range tools {
		if t.Schema().ClearsModalState == kind {
			return t.Schema().Name
		}
	}
	return "unknown"
}

func describeDialog(d engine.Dialog) string {
	return fmt.Sprintf("%q dialog with message %q", d.Type(), d.Message())
}

// dialogShown records a dialog as modal state and resolves the pending action, if any.
func (c *Coordinator) dialogShown(tab *Tab, d engine.Dialog) {
	state := &ModalState{Kind: ModalDialog, Description: describeDialog(d), Dialog: d}
	c.SetModalState(state, tab)

	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending != nil {
		pending.resolve()
	}

	c.log.WithFields(logrus.Fields{"tab": tab.ID(), "type": d.Type()}).Info("dialog opened")
	c.emit(c.baseCtx, "dialog_shown", tab.ID(), d.Type(), d.Message())
}

// HandleDialog accepts or dismisses the oldest open dialog and, once the browser confirmed it,
// clears its modal state.
func (c *Coordinator) HandleDialog(ctx context.Context, accept bool, promptText string) error {
	var state *ModalState
	for _, m := range c.ModalStates() {
		if m.Kind == ModalDialog {
			state = m
			break
		}
	}
	if state == nil {
		return fmt.Errorf("no dialog visible")
	}

	var err error
	if accept {
		err = state.Dialog.Accept(ctx, promptText)
	} else {
		err = state.Dialog.Dismiss(ctx)
	}
	if err != nil {
		// The dialog is still open, so its modal state stays.
		return fmt.Errorf("handle %s dialog: %w", state.Dialog.Type(), err)
	}
	c.ClearModalState(state)
	return nil
}
