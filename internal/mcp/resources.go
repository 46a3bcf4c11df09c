package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"browsercoord://about",
			"browsercoord About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and the state of the browser session."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"browsercoord://tabs",
			"Open Tabs",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Tabs of the current session, downloads and pending dialogs."),
		),
		s.handleTabsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"browsercoord://facts{?predicate,limit}",
			"Session Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Read the newest lifecycle facts, optionally filtered by predicate."),
		),
		s.handleFactsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"state":   s.coord.State().String(),
		"tools":   s.ToolNames(),
		"notes": []string{
			"The browser starts lazily on the first tool that needs a page.",
			"While a dialog is open only browser_handle_dialog is accepted.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	if h := s.coord.Handle(); h != nil {
		payload["session"] = map[string]interface{}{
			"id":          h.ID,
			"strategy":    h.Strategy,
			"profile_dir": h.ProfileDir,
			"created_at":  h.CreatedAt,
		}
	}
	return jsonResource(request.Params.URI, payload)
}

func (s *Server) handleTabsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	current := s.coord.CurrentTab()
	tabs := make([]map[string]interface{}, 0)
	for i, tab := range s.coord.Tabs() {
		tabs = append(tabs, map[string]interface{}{
			"index":   i + 1,
			"id":      tab.ID(),
			"url":     tab.URL(),
			"title":   tab.Title(ctx),
			"current": tab == current,
		})
	}

	dialogs := make([]string, 0)
	for _, m := range s.coord.ModalStates() {
		dialogs = append(dialogs, m.Description)
	}

	downloads := make([]map[string]interface{}, 0)
	for _, d := range s.coord.Downloads() {
		entry := map[string]interface{}{
			"id":          d.ID,
			"filename":    d.Filename,
			"output_file": d.OutputFile,
			"finished":    d.Finished,
		}
		if d.Err != nil {
			entry["error"] = d.Err.Error()
		}
		downloads = append(downloads, entry)
	}

	return jsonResource(request.Params.URI, map[string]interface{}{
		"state":     s.coord.State().String(),
		"tabs":      tabs,
		"downloads": downloads,
		"modal":     dialogs,
	})
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("mangle engine unavailable")
	}

	predicate := argString(request.Params.Arguments["predicate"])
	limit := clampLimit(asInt(request.Params.Arguments["limit"]))
	facts := selectRecentFacts(s.engine, predicate, limit)

	return jsonResource(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	})
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
