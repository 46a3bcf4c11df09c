package mcp

import (
	"context"
	"fmt"

	"browsercoord-mcp-server/internal/browser"
)

// RestartTool tears the session down and, optionally, replays the current state into the next one.
type RestartTool struct{}

func (t *RestartTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:  "browser_restart",
		Title: "Restart the browser",
		Description: `Restart the browser session.

preserveState captures cookies, storage and open tabs first and restores them into the new
session. cleanProfile deletes the on-disk profile of a persistent session before restarting.`,
	}
}

func (t *RestartTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"preserveState": map[string]interface{}{
			"type":        "boolean",
			"description": "Restore cookies, storage and tabs into the new session",
		},
		"cleanProfile": map[string]interface{}{
			"type":        "boolean",
			"description": "Delete the persistent profile directory before restarting",
		},
	})
}

func (t *RestartTool) Handle(ctx context.Context, c *browser.Coordinator, args map[string]interface{}) (*browser.ToolResult, error) {
	preserve := getBoolArg(args, "preserveState", false)
	clean := getBoolArg(args, "cleanProfile", false)

	if err := c.ResetBrowserContext(ctx, clean, preserve); err != nil {
		return nil, err
	}
	if c.PendingState() == nil {
		return &browser.ToolResult{ResultOverride: &browser.Response{
			Text: "### Result\nBrowser restarted. A new session starts with the next browser tool call.",
		}}, nil
	}
	if _, err := c.EnsureHandle(ctx); err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	return &browser.ToolResult{Code: []string{"// restart the browser and restore its state"}}, nil
}

// SessionSaveTool writes the current session state to a file.
type SessionSaveTool struct{}

func (t *SessionSaveTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:        "browser_session_save",
		Title:       "Save session state",
		Description: "Save cookies, storage and open tabs of the current session to a JSON file.",
	}
}

func (t *SessionSaveTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path": map[string]interface{}{
			"type":        "string",
			"description": "File to write the session state to",
		},
	}, "path")
}

func (t *SessionSaveTool) Handle(ctx context.Context, c *browser.Coordinator, args map[string]interface{}) (*browser.ToolResult, error) {
	path := getStringArg(args, "path")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	saved, err := c.SaveState(ctx, path)
	if err != nil {
		return nil, err
	}
	return &browser.ToolResult{ResultOverride: &browser.Response{
		Text: fmt.Sprintf("### Result\nSaved %d tab(s) and %d cookie(s) to %s", len(saved.Tabs), cookieCount(saved), path),
	}}, nil
}

// SessionLoadTool restarts the browser with the state stored in a file.
type SessionLoadTool struct{}

func (t *SessionLoadTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:        "browser_session_load",
		Title:       "Load session state",
		Description: "Restart the browser with cookies, storage and tabs from a file written by browser_session_save.",
	}
}

func (t *SessionLoadTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path": map[string]interface{}{
			"type":        "string",
			"description": "File to read the session state from",
		},
	}, "path")
}

func (t *SessionLoadTool) Handle(ctx context.Context, c *browser.Coordinator, args map[string]interface{}) (*browser.ToolResult, error) {
	path := getStringArg(args, "path")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if _, err := c.LoadState(ctx, path); err != nil {
		return nil, err
	}
	return &browser.ToolResult{Code: []string{fmt.Sprintf("// load session state from %s", path)}}, nil
}

// CloseTool ends the browser session.
type CloseTool struct{}

func (t *CloseTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:        "browser_close",
		Title:       "Close the browser",
		Description: "Close the browser session and all its tabs.",
	}
}

func (t *CloseTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *CloseTool) Handle(ctx context.Context, c *browser.Coordinator, _ map[string]interface{}) (*browser.ToolResult, error) {
	if err := c.Close(ctx); err != nil {
		return nil, err
	}
	return &browser.ToolResult{ResultOverride: &browser.Response{Text: "### Result\nBrowser closed."}}, nil
}

func cookieCount(s *browser.SavedSessionState) int {
	if s == nil || s.StorageState == nil {
		return 0
	}
	return len(s.StorageState.Cookies)
}
