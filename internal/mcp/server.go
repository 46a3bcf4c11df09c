package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"browsercoord-mcp-server/internal/browser"
	"browsercoord-mcp-server/internal/config"
	"browsercoord-mcp-server/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

// Server wires the MCP runtime to the session coordinator and the fact journal.
type Server struct {
	cfg       config.Config
	coord     *browser.Coordinator
	engine    *mangle.Engine
	log       logrus.FieldLogger
	tools     map[string]Tool
	order     []string
	mcpServer *mcpserver.MCPServer
}

// Tool is a coordinator tool that can describe its arguments to MCP clients.
type Tool interface {
	browser.Tool
	InputSchema() map[string]interface{}
}

// NewServer constructs the MCP server and registers the tool catalogue with both the
// MCP runtime and the coordinator.
func NewServer(cfg config.Config, coord *browser.Coordinator, engine *mangle.Engine, log logrus.FieldLogger) (*Server, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		coord:     coord,
		engine:    engine,
		log:       log.WithField("component", "mcp"),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server (Claude/Gemini CLI default).
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("SSE server shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool through the coordinator without the MCP transport.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (*browser.Response, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return s.coord.Run(ctx, tool, args)
}

// ToolNames lists registered tools in registration order.
func (s *Server) ToolNames() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Server) registerAllTools() {
	tools := []Tool{
		&NavigateTool{},
		&TabsTool{},
		&HandleDialogTool{},
		&WaitForTool{},
		&RestartTool{},
		&SessionSaveTool{},
		&SessionLoadTool{},
		&CloseTool{},
		&SessionFactsTool{engine: s.engine},
	}
	for _, tool := range tools {
		s.registerTool(tool)
	}
}

func (s *Server) registerTool(tool Tool) {
	schema := tool.Schema()
	s.tools[schema.Name] = tool
	s.order = append(s.order, schema.Name)
	s.coord.RegisterTools(tool)

	raw, err := json.Marshal(tool.InputSchema())
	if err != nil {
		raw = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(schema.Name, schema.Description, raw)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	name := tool.Schema().Name
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		start := time.Now()
		resp, err := s.coord.Run(ctx, tool, args)
		log := s.log.WithFields(logrus.Fields{"tool": name, "duration_ms": time.Since(start).Milliseconds()})
		if err != nil {
			log.WithError(err).Warn("tool failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", name, err))},
				IsError: true,
			}, nil
		}
		log.WithField("preempted", resp.Preempted).Debug("tool finished")

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(resp.Text)},
		}, nil
	}
}
