package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"browsercoord-mcp-server/internal/browser"
	"browsercoord-mcp-server/internal/mangle"
)

const (
	defaultFactLimit = 25
	maxFactLimit     = 500
)

// SessionFactsTool reads the lifecycle fact journal, either by predicate or with a Mangle query.
type SessionFactsTool struct {
	engine *mangle.Engine
}

func (t *SessionFactsTool) Schema() browser.ToolSchema {
	return browser.ToolSchema{
		Name:  "browser_session_facts",
		Title: "Query session facts",
		Description: `Read lifecycle facts journaled by the session coordinator.

Predicates: session_started, session_closed, session_restarted, tab_opened, tab_closed,
navigation_event, dialog_shown, download_started, download_finished.
Derived views (query only): open_tab(Tab), pending_download(Tab, Name).

Either pass a predicate (newest facts last, limited), or a Mangle query such as
tab_opened(Tab, Url). which binds the variables of every matching fact.`,
	}
}

func (t *SessionFactsTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"predicate": map[string]interface{}{
			"type":        "string",
			"description": "Only return facts of this predicate",
		},
		"query": map[string]interface{}{
			"type":        "string",
			"description": "Mangle query atom, e.g. dialog_shown(Tab, Type, Message).",
		},
		"limit": map[string]interface{}{
			"type":        "number",
			"description": fmt.Sprintf("Maximum facts to return (default %d, max %d)", defaultFactLimit, maxFactLimit),
		},
	})
}

func (t *SessionFactsTool) Handle(ctx context.Context, _ *browser.Coordinator, args map[string]interface{}) (*browser.ToolResult, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact journal unavailable")
	}

	var payload map[string]interface{}
	if query := strings.TrimSpace(getStringArg(args, "query")); query != "" {
		if !strings.HasSuffix(query, ".") {
			query += "."
		}
		results, err := t.engine.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		payload = map[string]interface{}{
			"query":   query,
			"count":   len(results),
			"results": results,
		}
	} else {
		predicate := getStringArg(args, "predicate")
		limit := clampLimit(getIntArg(args, "limit", defaultFactLimit))
		facts := selectRecentFacts(t.engine, predicate, limit)
		payload = map[string]interface{}{
			"predicate": predicate,
			"limit":     limit,
			"count":     len(facts),
			"facts":     facts,
		}
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode facts: %w", err)
	}
	return &browser.ToolResult{ResultOverride: &browser.Response{Text: string(text)}}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultFactLimit
	}
	if limit > maxFactLimit {
		return maxFactLimit
	}
	return limit
}

// selectRecentFacts returns the newest limit facts, optionally filtered by predicate, oldest first.
func selectRecentFacts(engine *mangle.Engine, predicate string, limit int) []mangle.Fact {
	if engine == nil || limit <= 0 {
		return []mangle.Fact{}
	}

	var source []mangle.Fact
	if predicate != "" {
		source = engine.FactsByPredicate(predicate)
	} else {
		source = engine.Facts()
	}

	start := len(source) - limit
	if start < 0 {
		start = 0
	}
	out := make([]mangle.Fact, len(source)-start)
	copy(out, source[start:])
	return out
}
