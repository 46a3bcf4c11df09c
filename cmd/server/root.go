package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"browsercoord-mcp-server/internal/browser"
	"browsercoord-mcp-server/internal/config"
	"browsercoord-mcp-server/internal/engine/rodengine"
	"browsercoord-mcp-server/internal/mangle"
	mcpserver "browsercoord-mcp-server/internal/mcp"
	"browsercoord-mcp-server/internal/recorder"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

// rootCmd holds the flags of the server command.
type rootCmd struct {
	configPath   string
	ssePort      int
	noWorkspace  bool
	workspaceDir string
	logLevel     string
}

func newRootCommand() *cobra.Command {
	c := &rootCmd{}
	cmd := &cobra.Command{
		Use:           "browsercoord-mcp",
		Short:         "MCP server that coordinates a single browser session",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          c.run,
	}
	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(c.flagSet())
	cmd.AddCommand(newInitCommand())
	return cmd
}

func (c *rootCmd) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&c.configPath, "config", "", "explicit config file, applied over the workspace config")
	flags.IntVar(&c.ssePort, "sse-port", 0, "serve MCP over SSE on this port instead of stdio")
	flags.BoolVar(&c.noWorkspace, "no-workspace", false, "skip .browsercoord/ workspace discovery")
	flags.StringVar(&c.workspaceDir, "workspace-dir", "", "use this directory as the workspace root")
	flags.StringVar(&c.logLevel, "log-level", "", "override server.log_level")
	return flags
}

func (c *rootCmd) loadConfig() (config.Config, string, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(c.configPath, config.WorkspaceOptions{
		Disable:     c.noWorkspace,
		ExplicitDir: c.workspaceDir,
	})
	if err != nil {
		return cfg, wsDir, err
	}
	if c.ssePort != 0 {
		cfg.MCP.SSEPort = c.ssePort
	}
	if c.logLevel != "" {
		cfg.Server.LogLevel = c.logLevel
	}
	return cfg, wsDir, nil
}

func (c *rootCmd) run(cmd *cobra.Command, _ []string) error {
	cfg, wsDir, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()
	if wsDir != "" {
		logger.WithField("workspace", wsDir).Info("using workspace config")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	facts, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return fmt.Errorf("failed to initialize mangle engine: %w", err)
	}

	opts := []browser.Option{
		browser.WithLogger(logger),
		browser.WithFactSink(facts),
		browser.WithContext(context.WithoutCancel(ctx)),
	}
	if cfg.Browser.SaveTrace {
		trace, err := recorder.NewRecorder(afero.NewOsFs(), cfg.Browser.TraceDir)
		if err != nil {
			return fmt.Errorf("failed to initialize trace recorder: %w", err)
		}
		opts = append(opts, browser.WithRecorder(trace))
	}

	coord, err := browser.NewCoordinator(cfg, rodengine.New(logger), opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = coord.Close(closeCtx)
	}()

	server, err := mcpserver.NewServer(cfg, coord, facts, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP server: %w", err)
	}

	if cfg.Browser.AutoStart {
		if _, err := coord.EnsureHandle(ctx); err != nil {
			return fmt.Errorf("failed to start browser: %w", err)
		}
	} else {
		logger.Info("browser starts on the first tool call")
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		logger.WithField("port", cfg.MCP.SSEPort).Info("starting browsercoord MCP SSE server")
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting browsercoord MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return fmt.Errorf("server exited with error: %w", startErr)
	}
	return nil
}

// newLogger builds the process logger. In stdio mode stderr would interleave with the MCP
// stream, so logs go to server.log_file, or nowhere if it cannot be opened.
func newLogger(cfg config.Config, stderr io.Writer) (*logrus.Logger, func(), error) {
	logger := logrus.New()
	logger.SetOutput(stderr)

	level, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("server.log_level: %w", err)
	}
	logger.SetLevel(level)

	switch cfg.Server.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: cfg.MCP.SSEPort == 0})
	default:
		return nil, nil, fmt.Errorf("server.log_format: unknown format %q", cfg.Server.LogFormat)
	}

	if cfg.MCP.SSEPort != 0 {
		return logger, func() {}, nil
	}
	if cfg.Server.LogFile == "" {
		logger.SetOutput(io.Discard)
		return logger, func() {}, nil
	}
	f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.SetOutput(io.Discard)
		return logger, func() {}, nil
	}
	logger.SetOutput(f)
	return logger, func() { _ = f.Close() }, nil
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .browsercoord/ workspace with a config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized workspace in %s\n", root)
			return nil
		},
	}
}
