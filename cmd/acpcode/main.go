package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openclaude/acpcode/internal/client"
	"github.com/openclaude/acpcode/internal/config"
	"github.com/openclaude/acpcode/internal/permission"
	"github.com/openclaude/acpcode/internal/session"
)

// version is the CLI build version.
const version = "0.1.0"

// exitNotVerified is the exit code of a verify run with missing files.
const exitNotVerified = 3

// Permission policies answer agent permission requests on the client side.
const (
	policyAuto = "auto"
	policyDeny = "deny"
	policyAsk  = "ask"
)

// options holds the persistent CLI flags.
type options struct {
	// ConfigPath overrides the layered config lookup.
	ConfigPath string
	// Cwd is the session working directory and file access root.
	Cwd string
	// ServerCommand overrides the configured ACP agent.
	ServerCommand string
	// PermissionMode is forwarded to the agent.
	PermissionMode string
	// PermissionPolicy selects how permission requests are answered.
	PermissionPolicy string
	// Timeout overrides the control operation timeout.
	Timeout time.Duration
	// PromptTimeout overrides the prompt turn timeout.
	PromptTimeout time.Duration
	// AllowOutsideCwd disables the working directory guard.
	AllowOutsideCwd bool
	// FailOnPermissionDenied turns denials into a failed prompt.
	FailOnPermissionDenied bool
	// LogLevel is the slog level for stderr diagnostics.
	LogLevel string
	// NoSessionPersistence disables local transcripts.
	NoSessionPersistence bool
	// Verbose prints thinking and tool output summaries.
	Verbose bool
}

// exitError carries a process exit code without an error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// main wires Cobra and executes the CLI.
func main() {
	rootCmd := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// newRootCommand builds the command tree over the given streams.
func newRootCommand(stdin io.Reader, stdout io.Writer, stderr io.Writer) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "acpcode",
		Short:         "Drive an ACP coding agent from the terminal",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	applyFlags(rootCmd.PersistentFlags(), opts)

	rootCmd.AddCommand(promptCommand(opts))
	rootCmd.AddCommand(verifyCommand(opts))
	rootCmd.AddCommand(sessionsCommand(opts))
	rootCmd.AddCommand(doctorCommand(opts))
	return rootCmd
}

// applyFlags defines the persistent flags shared by every command.
func applyFlags(flags *pflag.FlagSet, opts *options) {
	flags.SetNormalizeFunc(normalizeFlagName)

	flags.StringVar(&opts.ConfigPath, "config", "", "Config file path (default ~/.acpcode/config.json layered with .acpcode/config.json)")
	flags.StringVar(&opts.Cwd, "cwd", "", "Working directory for sessions and file access")
	flags.StringVar(&opts.ServerCommand, "server-command", "", "ACP agent executable")
	flags.StringVar(&opts.PermissionMode, "permission-mode", "", "Agent permission mode (default|acceptEdits|bypassPermissions|plan|dontAsk)")
	flags.StringVar(&opts.PermissionPolicy, "permission-policy", policyAuto, "How to answer permission requests (auto|deny|ask)")
	flags.DurationVar(&opts.Timeout, "timeout", 0, "Timeout for control operations")
	flags.DurationVar(&opts.PromptTimeout, "prompt-timeout", 0, "Timeout for one prompt turn")
	flags.BoolVar(&opts.AllowOutsideCwd, "allow-outside-cwd", false, "Let the agent access files outside the working directory")
	flags.BoolVar(&opts.FailOnPermissionDenied, "fail-on-permission-denied", false, "Fail the prompt when a permission is denied")
	flags.StringVar(&opts.LogLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
	flags.BoolVar(&opts.NoSessionPersistence, "no-session-persistence", false, "Do not save transcripts locally")
	flags.BoolVar(&opts.Verbose, "verbose", false, "Show thinking and tool output")
}

// normalizeFlagName maps underscore and legacy spellings onto canonical flag names.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.ReplaceAll(name, "_", "-")
	switch name {
	case "allow-outside":
		return "allow-outside-cwd"
	case "server":
		return "server-command"
	default:
		return pflag.NormalizedName(name)
	}
}

// newLogger builds the stderr text logger for level.
func newLogger(stderr io.Writer, level string) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parsed})), nil
}

// resolveCwd returns the absolute working directory.
func resolveCwd(opts *options) (string, error) {
	cwd := opts.Cwd
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get cwd: %w", err)
		}
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	return abs, nil
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(flags *pflag.FlagSet, opts *options, cwd string) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, cwd)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.Changed("server-command") {
		cfg.ServerCommand = opts.ServerCommand
	}
	if flags.Changed("permission-mode") {
		mode, err := config.ParsePermissionMode(opts.PermissionMode)
		if err != nil {
			return nil, err
		}
		cfg.PermissionMode = mode
	}
	if flags.Changed("timeout") {
		cfg.TimeoutMS = int(opts.Timeout.Milliseconds())
	}
	if flags.Changed("prompt-timeout") {
		cfg.PromptTimeoutMS = int(opts.PromptTimeout.Milliseconds())
	}
	if flags.Changed("allow-outside-cwd") {
		cfg.AllowOutsideCwd = opts.AllowOutsideCwd
	}
	if flags.Changed("fail-on-permission-denied") {
		cfg.FailOnPermissionDenied = opts.FailOnPermissionDenied
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDecider maps --permission-policy onto a permission.Decider.
func newDecider(policy string, stdin io.Reader, stderr io.Writer) (permission.Decider, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", policyAuto:
		return permission.AutoAllow{}, nil
	case policyDeny:
		return permission.AutoReject{}, nil
	case policyAsk:
		return newPromptDecider(stdin, stderr), nil
	default:
		return nil, fmt.Errorf("invalid --permission-policy %q (want auto, deny or ask)", policy)
	}
}

// clientOptions translates the resolved config into client options.
func clientOptions(cfg *config.Config, cwd string, decider permission.Decider, stderr io.Writer, logger *slog.Logger) client.Options {
	return client.Options{
		Cwd:                    cwd,
		ServerCommand:          cfg.ServerCommand,
		ServerArgs:             cfg.ServerArgs,
		Env:                    cfg.Env,
		PermissionMode:         string(cfg.PermissionMode),
		Stderr:                 stderr,
		Timeout:                cfg.Timeout(),
		PromptTimeout:          cfg.PromptTimeout(),
		AllowOutsideCwd:        cfg.AllowOutsideCwd,
		FailOnPermissionDenied: cfg.FailOnPermissionDenied,
		McpServers:             cfg.ACPMcpServers(),
		Decider:                decider,
		Logger:                 logger,
	}
}

// app is the per-command state shared by the subcommands.
type app struct {
	opts   *options
	cwd    string
	cfg    *config.Config
	logger *slog.Logger
	store  *session.Store
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// newApp resolves cwd, config, logger and the local store for cmd.
func newApp(cmd *cobra.Command, opts *options) (*app, error) {
	stderr := cmd.ErrOrStderr()
	logger, err := newLogger(stderr, opts.LogLevel)
	if err != nil {
		return nil, err
	}
	cwd, err := resolveCwd(opts)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd.Flags(), opts, cwd)
	if err != nil {
		return nil, err
	}
	a := &app{
		opts:   opts,
		cwd:    cwd,
		cfg:    cfg,
		logger: logger,
		stdin:  cmd.InOrStdin(),
		stdout: cmd.OutOrStdout(),
		stderr: stderr,
	}
	if !opts.NoSessionPersistence {
		store, err := session.NewStore()
		if err != nil {
			return nil, err
		}
		a.store = store
	}
	return a, nil
}

// newClient builds a client whose permission requests go to decider, or to
// the --permission-policy decider when decider is nil.
func (a *app) newClient(decider permission.Decider) (*client.Client, error) {
	if decider == nil {
		var err error
		decider, err = newDecider(a.opts.PermissionPolicy, a.stdin, a.stderr)
		if err != nil {
			return nil, err
		}
	}
	return client.New(clientOptions(a.cfg, a.cwd, decider, a.stderr, a.logger)), nil
}

// persistTurn appends a turn to the local transcript and remembers the
// session for --continue. Failures are logged, not returned.
func (a *app) persistTurn(prompt string, result client.PromptResult) {
	if a.store == nil || result.SessionID == "" {
		return
	}
	turn := session.Turn{
		SessionID:  result.SessionID,
		Prompt:     prompt,
		Events:     result.Events,
		StopReason: result.StopReason,
	}
	if err := a.store.AppendTurn(turn); err != nil {
		a.logger.Warn("persist transcript failed", "session_id", result.SessionID, "error", err)
	}
	a.rememberSession(result.SessionID)
}

// rememberSession records sessionID as the project's last session.
func (a *app) rememberSession(sessionID string) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveLastSession(session.ProjectHash(a.cwd), sessionID); err != nil {
		a.logger.Warn("save last session failed", "session_id", sessionID, "error", err)
	}
}
