package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// WorkspaceDirName is the directory name for project-level configuration.
	WorkspaceDirName = ".browsercoord"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace).
	Disable bool
	// ExplicitDir is used as the workspace root instead of walking up (--workspace-dir).
	ExplicitDir string
}

func workspaceConfigPath(root string) string {
	return filepath.Join(root, WorkspaceDirName, WorkspaceConfigFile)
}

func hasWorkspace(root string) bool {
	_, err := os.Stat(workspaceConfigPath(root))
	return err == nil
}

// DiscoverWorkspace walks up from startDir looking for .browsercoord/config.yaml and returns
// the directory holding it, or "" when there is none within MaxSearchDepth levels.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for depth := 0; depth < MaxSearchDepth; depth++ {
		if hasWorkspace(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

func findWorkspace(opts WorkspaceOptions) (string, error) {
	switch {
	case opts.Disable:
		return "", nil
	case opts.ExplicitDir != "":
		if hasWorkspace(opts.ExplicitDir) {
			return opts.ExplicitDir, nil
		}
		return "", nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	root, err := DiscoverWorkspace(cwd)
	if err != nil {
		return "", fmt.Errorf("discovering workspace: %w", err)
	}
	return root, nil
}

// LoadWithWorkspace layers configuration sources, later ones winning:
//
//	DefaultConfig() <- .browsercoord/config.yaml <- explicit --config <- CLI flags
//
// CLI flags are applied by the caller. The workspace root is returned ("" if none was used).
// Relative paths in the workspace file are resolved against the workspace root.
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()

	root, err := findWorkspace(opts)
	if err != nil {
		return cfg, "", err
	}
	if root != "" {
		if err := cfg.overlay(workspaceConfigPath(root)); err != nil {
			return cfg, "", fmt.Errorf("workspace config: %w", err)
		}
		cfg = resolveWorkspacePaths(cfg, root)
	}

	if explicitConfig != "" {
		if err := cfg.overlay(explicitConfig); err != nil {
			return cfg, root, fmt.Errorf("explicit config: %w", err)
		}
	}
	return cfg, root, cfg.Validate()
}

const workspaceTemplate = `# browsercoord project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   headless: false
#   isolated: true
#   output_dir: "data/downloads"
#   save_trace: true
#   trace_dir: "data/traces"

# network:
#   allowed_origins:
#     - localhost:3000
#   blocked_origins:
#     - "*.doubleclick.net"

# mangle:
#   schema_path: "rules.mg"
`

const workspaceGitignore = "# Runtime data (downloads, traces, saved sessions)\ndata/\nsessions/\n"

// InitWorkspace creates root/.browsercoord with a commented config template, a data/ dir for
// downloads and traces, and a sessions/ dir for browser_session_save files.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data"), filepath.Join(wsDir, "sessions")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	files := map[string]string{
		WorkspaceConfigFile: workspaceTemplate,
		".gitignore":        workspaceGitignore,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(wsDir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// resolveWorkspacePaths resolves relative paths in cfg against the workspace root.
func resolveWorkspacePaths(cfg Config, root string) Config {
	for _, p := range []*string{
		&cfg.Server.LogFile,
		&cfg.Browser.OutputDir,
		&cfg.Browser.TraceDir,
		&cfg.Browser.UserDataDir,
		&cfg.Mangle.SchemaPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
	return cfg
}
