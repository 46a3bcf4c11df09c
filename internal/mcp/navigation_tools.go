package mcp

import (
	"context"
	"fmt"
	"time"

	"browsercoord-mcp-server/internal/browser"
)

// NavigateTool opens url in the current tab, creating the session and a tab when needed.
type NavigateTool struct{}

func (t *NavigateTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:  "browser_navigate",
		Title: "Navigate to a URL",
		Description: `Navigate the current tab to a URL.

Starts the browser on first use. Waits for the page load and the network activity it triggers
to settle, then reports the page URL and title.`,
	}
}

func (t *NavigateTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"url": map[string]interface{}{
			"type":        "string",
			"description": "The URL to navigate to",
		},
	}, "url")
}

func (t *NavigateTool) Handle(ctx context.Context, c *browser.Coordinator, args map[string]interface{}) (*browser.ToolResult, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	tab, err := c.EnsureTab(ctx)
	if err != nil {
		return nil, err
	}
	return &browser.ToolResult{
		Code: []string{fmt.Sprintf("page.Navigate(%q)", url)},
		Action: func(ctx context.Context) error {
			return tab.Navigate(ctx, url)
		},
		WaitForNetwork:  true,
		CaptureSnapshot: true,
	}, nil
}

// TabsTool lists, opens, selects and closes tabs.
type TabsTool struct{}

func (t *TabsTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:  "browser_tabs",
		Title: "Manage tabs",
		Description: `List, create, select or close browser tabs.

Tab indexes are 1-based, matching the "### Open tabs" listing. Closing the last tab ends the
browser session; the next tool call starts a fresh one.`,
	}
}

func (t *TabsTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"action": map[string]interface{}{
			"type":        "string",
			"enum":        []string{"list", "new", "select", "close"},
			"description": "Operation to perform",
		},
		"index": map[string]interface{}{
			"type":        "number",
			"description": "Tab index for select and close. Close defaults to the current tab.",
		},
		"url": map[string]interface{}{
			"type":        "string",
			"description": "Optional URL to open in the new tab",
		},
	}, "action")
}

func (t *TabsTool) Handle(ctx context.Context, c *browser.Coordinator, args map[string]interface{}) (*browser.ToolResult, error) {
	switch action := getStringArg(args, "action"); action {
	case "list":
		if _, err := c.EnsureHandle(ctx); err != nil {
			return nil, err
		}
		return &browser.ToolResult{ResultOverride: &browser.Response{Text: c.ListTabsMarkdown(ctx)}}, nil

	case "new":
		tab, err := c.NewTab(ctx)
		if err != nil {
			return nil, err
		}
		res := &browser.ToolResult{Code: []string{`page, _ := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})`}}
		if url := getStringArg(args, "url"); url != "" {
			res.Code = append(res.Code, fmt.Sprintf("page.Navigate(%q)", url))
			res.Action = func(ctx context.Context) error { return tab.Navigate(ctx, url) }
			res.WaitForNetwork = true
			res.CaptureSnapshot = true
		}
		return res, nil

	case "select":
		index := getOptionalIntArg(args, "index")
		if index == nil {
			return nil, fmt.Errorf("index is required to select a tab")
		}
		if _, err := c.SelectTab(ctx, *index); err != nil {
			return nil, err
		}
		return &browser.ToolResult{
			Code:            []string{fmt.Sprintf("// select tab %d", *index)},
			CaptureSnapshot: true,
		}, nil

	case "close":
		index := getOptionalIntArg(args, "index")
		listing, err := c.CloseTab(ctx, index)
		if err != nil {
			return nil, err
		}
		return &browser.ToolResult{ResultOverride: &browser.Response{Text: listing}}, nil

	default:
		return nil, fmt.Errorf("unknown tabs action %q (expected list, new, select or close)", action)
	}
}

// HandleDialogTool accepts or dismisses the open JavaScript dialog.
type HandleDialogTool struct{}

func (t *HandleDialogTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:             "browser_handle_dialog",
		Title:            "Handle a dialog",
		Description:      "Accept or dismiss the JavaScript dialog that is blocking the page.",
		ClearsModalState: browser.ModalDialog,
	}
}

func (t *HandleDialogTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"accept": map[string]interface{}{
			"type":        "boolean",
			"description": "Whether to accept the dialog",
		},
		"promptText": map[string]interface{}{
			"type":        "string",
			"description": "Text to enter into a prompt dialog",
		},
	}, "accept")
}

func (t *HandleDialogTool) Handle(ctx context.Context, c *browser.Coordinator, args map[string]interface{}) (*browser.ToolResult, error) {
	accept := getBoolArg(args, "accept", false)
	promptText := getStringArg(args, "promptText")
	verb := "dismiss"
	if accept {
		verb = "accept"
	}
	return &browser.ToolResult{
		Code: []string{fmt.Sprintf("// %s the dialog", verb)},
		Action: func(ctx context.Context) error {
			return c.HandleDialog(ctx, accept, promptText)
		},
		CaptureSnapshot: true,
	}, nil
}

const (
	textPresentJS  = `t => !!document.body && document.body.innerText.includes(t)`
	maxTextWait    = 30 * time.Second
	textPollPeriod = 100 * time.Millisecond
)

// WaitForTool waits for time to pass or for text to appear or disappear in the current tab.
type WaitForTool struct{}

func (t *WaitForTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:        "browser_wait_for",
		Title:       "Wait for",
		Description: "Wait for a number of seconds, or for text to appear or disappear on the page.",
	}
}

func (t *WaitForTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"time": map[string]interface{}{
			"type":        "number",
			"description": "Seconds to wait",
		},
		"text": map[string]interface{}{
			"type":        "string",
			"description": "Text to wait for",
		},
		"textGone": map[string]interface{}{
			"type":        "string",
			"description": "Text to wait for to disappear",
		},
	})
}

func (t *WaitForTool) Handle(ctx context.Context, c *browser.Coordinator, args map[string]interface{}) (*browser.ToolResult, error) {
	seconds := getFloatArg(args, "time", 0)
	text := getStringArg(args, "text")
	gone := getStringArg(args, "textGone")
	if seconds <= 0 && text == "" && gone == "" {
		return nil, fmt.Errorf("either time, text or textGone must be provided")
	}

	tab, err := c.CurrentTabOrDie()
	if err != nil {
		return nil, err
	}

	var code []string
	if seconds > 0 {
		code = append(code, fmt.Sprintf("page.Eval(`ms => new Promise(f => setTimeout(f, ms))`, %d)", int64(seconds*1000)))
	}
	if gone != "" {
		code = append(code, fmt.Sprintf("// poll until %q is gone from the page text", gone))
	}
	if text != "" {
		code = append(code, fmt.Sprintf("// poll until %q appears in the page text", text))
	}

	return &browser.ToolResult{
		Code: code,
		Action: func(ctx context.Context) error {
			if seconds > 0 {
				if err := c.WaitForTimeout(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
					return err
				}
			}
			if gone != "" {
				if err := waitForText(ctx, tab, gone, false); err != nil {
					return err
				}
			}
			if text != "" {
				return waitForText(ctx, tab, text, true)
			}
			return nil
		},
		CaptureSnapshot: true,
	}, nil
}

// waitForText polls the page until text is present (or absent) or maxTextWait elapses.
func waitForText(ctx context.Context, tab *browser.Tab, text string, present bool) error {
	ctx, cancel := context.WithTimeout(ctx, maxTextWait)
	defer cancel()

	ticker := time.NewTicker(textPollPeriod)
	defer ticker.Stop()
	for {
		var found bool
		if err := tab.Page().Evaluate(ctx, textPresentJS, text, &found); err == nil && found == present {
			return nil
		}
		select {
		case <-ctx.Done():
			state := "appear"
			if !present {
				state = "disappear"
			}
			return fmt.Errorf("timed out waiting for text %q to %s: %w", text, state, ctx.Err())
		case <-ticker.C:
		}
	}
}
