package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/openclaude/acpcode/internal/acp"
)

const (
	// DefaultServerCommand is the ACP agent launched when none is configured.
	DefaultServerCommand = "claude-code-acp"
	// DefaultTimeoutMS bounds control round trips.
	DefaultTimeoutMS = 30_000
	// DefaultPromptTimeoutMS bounds one prompt turn.
	DefaultPromptTimeoutMS = 600_000
	// DefaultMaxRetries is the verified-write retry budget.
	DefaultMaxRetries = 1
)

var (
	// ErrConfigMissing is returned when an explicitly requested file does not exist.
	ErrConfigMissing = errors.New("config file missing")
	// ErrConfigInvalid is returned when a value is out of range.
	ErrConfigInvalid = errors.New("config invalid")
)

// Config is the acpcode configuration file.
type Config struct {
	// ServerCommand is the ACP agent executable.
	ServerCommand string `json:"server_command"`
	// ServerArgs are passed to the agent before --permission-mode.
	ServerArgs []string `json:"server_args"`
	// Env overrides variables in the agent's environment.
	Env map[string]string `json:"env"`
	// PermissionMode is forwarded to the agent; empty leaves it unset.
	PermissionMode PermissionMode `json:"permission_mode"`
	// TimeoutMS bounds initialize, session and list calls.
	TimeoutMS int `json:"timeout_ms"`
	// PromptTimeoutMS bounds a single prompt turn.
	PromptTimeoutMS int `json:"prompt_timeout_ms"`
	// AllowOutsideCwd lets the agent read and write outside the working directory.
	AllowOutsideCwd bool `json:"allow_outside_cwd"`
	// FailOnPermissionDenied turns a denied tool permission into a failed prompt.
	FailOnPermissionDenied bool `json:"fail_on_permission_denied"`
	// MaxRetries is the verified-write retry budget.
	MaxRetries int `json:"max_retries"`
	// McpServers are attached to every session.
	McpServers []McpServer `json:"mcp_servers"`
}

// McpServer describes an MCP server the agent should start.
type McpServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// Defaults returns the configuration used when no file sets a value.
func Defaults() *Config {
	return &Config{
		ServerCommand:   DefaultServerCommand,
		Env:             map[string]string{},
		TimeoutMS:       DefaultTimeoutMS,
		PromptTimeoutMS: DefaultPromptTimeoutMS,
		MaxRetries:      DefaultMaxRetries,
	}
}

// Path returns the user config path.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".acpcode", "config.json"), nil
}

type configSource struct {
	Source string
	Path   string
}

// sources lists the user and project config files, lowest precedence first.
func sources(cwd string) ([]configSource, error) {
	user, err := Path()
	if err != nil {
		return nil, err
	}
	return []configSource{
		{Source: "user", Path: user},
		{Source: "project", Path: ProjectPath(cwd)},
	}, nil
}

// Load reads the configuration for cwd. With an explicit path only that file
// is read and it must exist; otherwise the user file and then the project
// file are layered over Defaults, and missing files are skipped.
func Load(path string, cwd string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := overlayFile(cfg, path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
			}
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	items, err := sources(cwd)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := overlayFile(cfg, item.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%s config: %w", item.Source, err)
		}
	}
	return cfg, cfg.Validate()
}

// overlayFile decodes path on top of cfg. Keys absent from the file keep
// their current values; env maps merge key by key.
func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks ranges and the permission mode.
func (c *Config) Validate() error {
	if c.ServerCommand == "" {
		return fmt.Errorf("%w: server_command is empty", ErrConfigInvalid)
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("%w: timeout_ms must be positive, got %d", ErrConfigInvalid, c.TimeoutMS)
	}
	if c.PromptTimeoutMS <= 0 {
		return fmt.Errorf("%w: prompt_timeout_ms must be positive, got %d", ErrConfigInvalid, c.PromptTimeoutMS)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0, got %d", ErrConfigInvalid, c.MaxRetries)
	}
	if _, err := ParsePermissionMode(string(c.PermissionMode)); err != nil {
		return err
	}
	for i, server := range c.McpServers {
		if server.Name == "" || server.Command == "" {
			return fmt.Errorf("%w: mcp_servers[%d] needs name and command", ErrConfigInvalid, i)
		}
	}
	return nil
}

// Timeout returns TimeoutMS as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// PromptTimeout returns PromptTimeoutMS as a duration.
func (c *Config) PromptTimeout() time.Duration {
	return time.Duration(c.PromptTimeoutMS) * time.Millisecond
}

// ACPMcpServers converts the configured MCP servers to wire form. Env
// entries are sorted by name so requests are stable.
func (c *Config) ACPMcpServers() []acp.McpServer {
	servers := make([]acp.McpServer, 0, len(c.McpServers))
	for _, server := range c.McpServers {
		names := make([]string, 0, len(server.Env))
		for name := range server.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		env := make([]acp.EnvVariable, 0, len(names))
		for _, name := range names {
			env = append(env, acp.EnvVariable{Name: name, Value: server.Env[name]})
		}
		args := append([]string{}, server.Args...)
		servers = append(servers, acp.McpServer{Name: server.Name, Command: server.Command, Args: args, Env: env})
	}
	return servers
}

// ProjectPath returns the project config path for cwd.
func ProjectPath(cwd string) string {
	return filepath.Join(ProjectRoot(cwd), ".acpcode", "config.json")
}

// ProjectRoot locates the nearest parent directory containing .git.
func ProjectRoot(cwd string) string {
	current := filepath.Clean(cwd)
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			// No repository root; the directory itself is the project.
			return cwd
		}
		current = parent
	}
}
