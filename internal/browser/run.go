package browser

import (
	"context"
	"fmt"
	"strings"
)

// NoOpenPagesText is returned by Run when a tool finished without any tab to report on.
const NoOpenPagesText = `No open pages available. Use the "browser_navigate" tool to navigate to a page first.`

// ToolSchema describes a tool to the MCP layer and to the modal-state checks.
type ToolSchema struct {
	Name        string
	Title       string
	Description string
	// ClearsModalState marks a tool that is only usable while that kind of modal state is open.
	ClearsModalState ModalKind
}

// Tool is one operation exposed to clients. Handle prepares the work; the coordinator runs the
// returned action under the dialog race and, when asked, the network quiescence waiter.
type Tool interface {
	Schema() ToolSchema
	Handle(ctx context.Context, c *Coordinator, params map[string]any) (*ToolResult, error)
}

// ToolResult is what a tool hands back to Run.
type ToolResult struct {
	// Code is a human-readable trace of what the tool did.
	Code []string
	// Action is the page-affecting part of the tool, if any.
	Action func(ctx context.Context) error
	// WaitForNetwork waits for the action's network activity to settle.
	WaitForNetwork bool
	// CaptureSnapshot records the current tab's snapshot after the action.
	CaptureSnapshot bool
	// ResultOverride short-circuits Run with a fixed response.
	ResultOverride *Response
}

// Response is the text returned to the client.
type Response struct {
	Text string
	// Preempted reports that a dialog opened before the action completed.
	Preempted bool
}

// Run executes tool with the coordinator's run protocol: modal checks, the tool's own
// preparation, the action raced against dialogs, then a report of modal state, downloads,
// tabs and the current page. Runs are serialized so at most one action is pending.
func (c *Coordinator) Run(ctx context.Context, tool Tool, params map[string]any) (*Response, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if err := c.checkModalState(tool.Schema()); err != nil {
		return nil, err
	}

	res, err := tool.Handle(ctx, c, params)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &ToolResult{}
	}
	if res.ResultOverride != nil {
		return res.ResultOverride, nil
	}

	tab := c.CurrentTab()
	if tab == nil {
		return &Response{Text: NoOpenPagesText}, nil
	}

	preempted := false
	if res.Action != nil {
		race := func(ctx context.Context) (bool, error) {
			return c.raceAgainstModalDialogs(ctx, res.Action)
		}
		if res.WaitForNetwork && !c.IsScriptBlocked() {
			preempted, err = c.waitForCompletion(ctx, tab, race)
		} else {
			preempted, err = race(ctx)
		}
		if err != nil {
			return nil, err
		}
	}

	if tab = c.CurrentTab(); tab != nil && res.CaptureSnapshot && !c.IsScriptBlocked() {
		tab.CaptureSnapshot(ctx)
	}

	return &Response{Text: c.report(ctx, res.Code), Preempted: preempted}, nil
}

func (c *Coordinator) checkModalState(schema ToolSchema) error {
	states := c.ModalStates()
	if schema.ClearsModalState != "" {
		for _, s := range states {
			if s.Kind == schema.ClearsModalState {
				return nil
			}
		}
		return fmt.Errorf("the tool %q can only be used when there is related modal state present\n%s", schema.Name, c.ModalStatesMarkdown())
	}
	if len(states) > 0 {
		return fmt.Errorf("tool %q does not handle the modal state\n%s", schema.Name, c.ModalStatesMarkdown())
	}
	return nil
}

func (c *Coordinator) report(ctx context.Context, code []string) string {
	var sections []string
	if len(code) > 0 {
		sections = append(sections, "- Ran:\n```\n"+strings.Join(code, "\n")+"\n```")
	}

	if c.IsScriptBlocked() {
		sections = append(sections, c.ModalStatesMarkdown())
		return strings.Join(sections, "\n\n")
	}

	if dl := downloadsMarkdown(c.Downloads()); dl != "" {
		sections = append(sections, dl)
	}

	tabs := c.Tabs()
	if len(tabs) > 1 {
		sections = append(sections, c.ListTabsMarkdown(ctx))
	}

	if tab := c.CurrentTab(); tab != nil {
		lines := []string{}
		if len(tabs) > 1 {
			lines = append(lines, "### Current tab")
		}
		lines = append(lines,
			"- Page URL: "+tab.URL(),
			"- Page Title: "+tab.Title(ctx),
		)
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}
