package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/openclaude/acpcode/internal/config"
	"github.com/openclaude/acpcode/internal/events"
	"github.com/openclaude/acpcode/internal/permission"
	"github.com/openclaude/acpcode/internal/session"
	"github.com/openclaude/acpcode/internal/streamjson"
	"github.com/openclaude/acpcode/internal/testutil"
	"github.com/openclaude/acpcode/internal/verify"
)

// isolateHome points the user config and transcript store at a temp dir.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func parsedFlags(t *testing.T, args ...string) (*pflag.FlagSet, *options) {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts := &options{}
	applyFlags(flags, opts)
	testutil.RequireNoError(t, flags.Parse(args), "parse flags")
	return flags, opts
}

// runCLI executes the root command and returns stdout, stderr and the error.
func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(strings.NewReader(stdin), &stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestNormalizeFlagName(t *testing.T) {
	cases := map[string]string{
		"allow_outside_cwd":         "allow-outside-cwd",
		"allow-outside":             "allow-outside-cwd",
		"server":                    "server-command",
		"prompt_timeout":            "prompt-timeout",
		"fail-on-permission-denied": "fail-on-permission-denied",
	}
	for input, want := range cases {
		got := normalizeFlagName(nil, input)
		testutil.RequireEqual(t, string(got), want, input)
	}
}

func TestLoadConfigAppliesOnlyChangedFlags(t *testing.T) {
	// Arrange.
	isolateHome(t)
	cwd := t.TempDir()
	flags, opts := parsedFlags(t, "--server", "my-agent", "--timeout", "5s", "--allow_outside_cwd", "--permission-mode", "plan")

	// Act.
	cfg, err := loadConfig(flags, opts, cwd)

	// Assert.
	testutil.RequireNoError(t, err, "load config")
	testutil.RequireEqual(t, cfg.ServerCommand, "my-agent", "server command")
	testutil.RequireEqual(t, cfg.TimeoutMS, 5000, "timeout")
	testutil.RequireEqual(t, cfg.PromptTimeoutMS, config.DefaultPromptTimeoutMS, "prompt timeout untouched")
	testutil.RequireTrue(t, cfg.AllowOutsideCwd, "allow outside cwd")
	testutil.RequireEqual(t, cfg.PermissionMode, config.PermissionModePlan, "permission mode")
	testutil.RequireTrue(t, !cfg.FailOnPermissionDenied, "fail on denial untouched")
}

func TestLoadConfigFlagsOverrideProjectFile(t *testing.T) {
	isolateHome(t)
	cwd := t.TempDir()
	testutil.RequireNoError(t, os.Mkdir(filepath.Join(cwd, ".git"), 0o755), "git dir")
	testutil.RequireNoError(t, os.MkdirAll(filepath.Join(cwd, ".acpcode"), 0o755), "config dir")
	project := `{"server_command":"project-agent","prompt_timeout_ms":1000}`
	testutil.RequireNoError(t, os.WriteFile(config.ProjectPath(cwd), []byte(project), 0o600), "project config")
	flags, opts := parsedFlags(t, "--prompt-timeout", "2s")

	cfg, err := loadConfig(flags, opts, cwd)

	testutil.RequireNoError(t, err, "load config")
	testutil.RequireEqual(t, cfg.ServerCommand, "project-agent", "file value kept")
	testutil.RequireEqual(t, cfg.PromptTimeout(), 2*time.Second, "flag wins")
}

func TestLoadConfigRejectsInvalidFlags(t *testing.T) {
	isolateHome(t)
	cwd := t.TempDir()

	flags, opts := parsedFlags(t, "--permission-mode", "yolo")
	_, err := loadConfig(flags, opts, cwd)
	testutil.RequireErrorIs(t, err, config.ErrConfigInvalid, "bad mode")

	flags, opts = parsedFlags(t, "--timeout=-1s")
	_, err = loadConfig(flags, opts, cwd)
	testutil.RequireErrorIs(t, err, config.ErrConfigInvalid, "negative timeout")
}

func TestNewDeciderPolicies(t *testing.T) {
	decider, err := newDecider("", nil, io.Discard)
	testutil.RequireNoError(t, err, "default policy")
	testutil.RequireEqual(t, decider, permission.Decider(permission.AutoAllow{}), "default allows")

	decider, err = newDecider(" DENY ", nil, io.Discard)
	testutil.RequireNoError(t, err, "deny policy")
	testutil.RequireEqual(t, decider, permission.Decider(permission.AutoReject{}), "deny rejects")

	decider, err = newDecider("ask", strings.NewReader(""), io.Discard)
	testutil.RequireNoError(t, err, "ask policy")
	_, ok := decider.(*promptDecider)
	testutil.RequireTrue(t, ok, "ask prompts")

	_, err = newDecider("sometimes", nil, io.Discard)
	testutil.RequireStringContains(t, err.Error(), "--permission-policy", "unknown policy")
}

func TestNewLoggerLevels(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := newLogger(&buffer, "info")
	testutil.RequireNoError(t, err, "info level")

	logger.Debug("hidden")
	logger.Info("shown", "session_id", "s1")

	testutil.RequireTrue(t, !strings.Contains(buffer.String(), "hidden"), "debug filtered")
	testutil.RequireStringContains(t, buffer.String(), "session_id=s1", "info written")

	_, err = newLogger(&buffer, "chatty")
	testutil.RequireStringContains(t, err.Error(), "--log-level", "bad level")
}

func TestClientOptionsCarriesConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.ServerArgs = []string{"--acp"}
	cfg.FailOnPermissionDenied = true
	cfg.McpServers = []config.McpServer{{Name: "fs", Command: "mcp-fs"}}

	got := clientOptions(cfg, "/work", permission.AutoReject{}, io.Discard, nil)

	testutil.RequireEqual(t, got.Cwd, "/work", "cwd")
	testutil.RequireEqual(t, got.ServerCommand, config.DefaultServerCommand, "server")
	testutil.RequireEqual(t, got.ServerArgs, []string{"--acp"}, "args")
	testutil.RequireEqual(t, got.Timeout, cfg.Timeout(), "timeout")
	testutil.RequireTrue(t, got.FailOnPermissionDenied, "fail on denial")
	testutil.RequireEqual(t, len(got.McpServers), 1, "mcp servers")
	testutil.RequireEqual(t, got.McpServers[0].Name, "fs", "mcp name")
}

func TestReadMessage(t *testing.T) {
	message, err := readMessage([]string{"fix", "the", "bug"}, strings.NewReader("ignored"))
	testutil.RequireNoError(t, err, "args")
	testutil.RequireEqual(t, message, "fix the bug", "joined args")

	message, err = readMessage(nil, strings.NewReader("  from stdin\n"))
	testutil.RequireNoError(t, err, "stdin")
	testutil.RequireEqual(t, message, "from stdin", "trimmed stdin")

	_, err = readMessage(nil, strings.NewReader(" \n"))
	testutil.RequireStringContains(t, err.Error(), "prompt is required", "empty prompt")
}

func TestResolveSessionID(t *testing.T) {
	// Arrange.
	store := &session.Store{BaseDir: t.TempDir()}
	cwd := t.TempDir()
	a := &app{cwd: cwd, store: store}

	// Act and assert.
	id, err := a.resolveSessionID(&promptOptions{})
	testutil.RequireNoError(t, err, "new session")
	testutil.RequireEqual(t, id, "", "empty means new")

	id, err = a.resolveSessionID(&promptOptions{SessionID: "explicit", Continue: true})
	testutil.RequireNoError(t, err, "explicit")
	testutil.RequireEqual(t, id, "explicit", "explicit wins")

	_, err = a.resolveSessionID(&promptOptions{Continue: true})
	testutil.RequireStringContains(t, err.Error(), "no previous session", "nothing to continue")

	testutil.RequireNoError(t, store.SaveLastSession(session.ProjectHash(cwd), "sess-9"), "save last")
	id, err = a.resolveSessionID(&promptOptions{Continue: true})
	testutil.RequireNoError(t, err, "continue")
	testutil.RequireEqual(t, id, "sess-9", "last session")

	_, err = (&app{cwd: cwd}).resolveSessionID(&promptOptions{Continue: true})
	testutil.RequireStringContains(t, err.Error(), "persistence", "continue without store")
}

func TestPersistTurnRemembersSession(t *testing.T) {
	store := &session.Store{BaseDir: t.TempDir()}
	cwd := t.TempDir()
	a := &app{cwd: cwd, store: store, logger: testLogger()}

	a.persistTurn("hello", promptResult("sess-1", "hi there"))
	a.persistTurn("ignored", promptResult("", "no session"))

	last, err := store.LoadLastSession(session.ProjectHash(cwd))
	testutil.RequireNoError(t, err, "load last")
	testutil.RequireEqual(t, last, "sess-1", "last session")
	loaded, err := store.LoadEvents("sess-1")
	testutil.RequireNoError(t, err, "load events")
	testutil.RequireEqual(t, events.Text(loaded), "hi there", "transcript text")
}

func TestPrintVerifyResult(t *testing.T) {
	var buffer bytes.Buffer

	printVerifyResult(&buffer, verify.Result{
		Text:          "Done.",
		Verified:      false,
		VerifiedFiles: []string{"a.go"},
		MissingFiles:  []string{"b.go"},
		Attempts:      2,
		Checks:        2,
	})

	output := buffer.String()
	testutil.RequireStringContains(t, output, "verified  a.go", "verified file")
	testutil.RequireStringContains(t, output, "missing   b.go", "missing file")
	testutil.RequireStringContains(t, output, "not verified after 2 attempt(s), 2 check(s)", "summary")
}

// flakyWriter fails its first write and accepts the rest.
type flakyWriter struct {
	bytes.Buffer
	failed bool
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if !w.failed {
		w.failed = true
		return 0, errors.New("broken pipe")
	}
	return w.Buffer.Write(p)
}

func TestWriteVerifyResultCarriesDenials(t *testing.T) {
	// Arrange.
	var buffer bytes.Buffer
	writer := streamjson.NewWriter(&buffer)
	result := verify.Result{
		SessionID:         "sess-2",
		MissingFiles:      []string{"a.txt"},
		PermissionDenials: []permission.Denial{{ToolCallID: "t1", Title: "write a.txt", OptionID: "reject"}},
	}

	// Act.
	err := writeVerifyResult(writer, "sess-2", result, time.Second, nil)

	// Assert.
	testutil.RequireNoError(t, err, "write result")
	output := buffer.String()
	testutil.RequireStringContains(t, output, `"tool_call_id":"t1"`, "denial written")
	testutil.RequireStringContains(t, output, `"missing_files":["a.txt"]`, "missing files")
	testutil.RequireStringContains(t, output, streamjson.SubtypeNotVerified, "not verified subtype")
}

func TestWriteVerifyResultReportsEarlierWriteFailure(t *testing.T) {
	out := &flakyWriter{}
	writer := streamjson.NewWriter(out)
	testutil.RequireTrue(t, writer.Write(map[string]string{"type": "assistant"}) != nil, "first write fails")

	err := writeVerifyResult(writer, "sess-2", verify.Result{Verified: true}, time.Second, nil)

	testutil.RequireStringContains(t, err.Error(), "broken pipe", "earlier failure surfaced")
	testutil.RequireStringContains(t, out.String(), `"session_id":"sess-2"`, "result still written")
}

func TestVerifyRequiresFiles(t *testing.T) {
	isolateHome(t)

	_, _, err := runCLI(t, "", "verify", "--cwd", t.TempDir(), "write it")

	testutil.RequireStringContains(t, err.Error(), "--file", "missing files")
}

func TestPromptRejectsUnknownOutputFormat(t *testing.T) {
	isolateHome(t)

	_, _, err := runCLI(t, "", "prompt", "--cwd", t.TempDir(), "--output-format", "xml", "hi")

	testutil.RequireStringContains(t, err.Error(), "--output-format", "format error")
}

func TestDoctorReportsMissingAgent(t *testing.T) {
	// Arrange.
	isolateHome(t)
	cwd := t.TempDir()

	// Act.
	stdout, _, err := runCLI(t, "", "doctor", "--cwd", cwd, "--server-command", "acpcode-test-no-such-agent")

	// Assert.
	testutil.RequireErrorIs(t, err, errDoctorFailed, "doctor fails")
	testutil.RequireStringContains(t, stdout, "defaults apply", "missing config is fine")
	testutil.RequireStringContains(t, stdout, `FAIL: agent "acpcode-test-no-such-agent" not found`, "agent check")
}

func TestDoctorWarnsOnOpenConfigPermissions(t *testing.T) {
	home := isolateHome(t)
	path := filepath.Join(home, "open.json")
	testutil.RequireNoError(t, os.WriteFile(path, []byte(`{}`), 0o644), "write config")
	testutil.RequireNoError(t, os.Chmod(path, 0o644), "chmod config")

	stdout, _, _ := runCLI(t, "", "doctor", "--cwd", t.TempDir(), "--config", path, "--server-command", "acpcode-test-no-such-agent")

	testutil.RequireStringContains(t, stdout, "permissions too open", "permission warning")
}

func TestSessionsLocalAndShow(t *testing.T) {
	// Arrange.
	isolateHome(t)
	store, err := session.NewStore()
	testutil.RequireNoError(t, err, "store")
	turn := session.Turn{
		SessionID:  "sess-7",
		Prompt:     "list files",
		Events:     []events.Event{{Type: events.TypeText, Text: "main.go"}},
		StopReason: "end_turn",
	}
	testutil.RequireNoError(t, store.AppendTurn(turn), "append turn")
	cwd := t.TempDir()

	// Act.
	listed, _, listErr := runCLI(t, "", "sessions", "local", "--cwd", cwd)
	shown, _, showErr := runCLI(t, "", "sessions", "show", "--cwd", cwd, "sess-7")

	// Assert.
	testutil.RequireNoError(t, listErr, "sessions local")
	testutil.RequireStringContains(t, listed, "sess-7", "listed session")
	testutil.RequireNoError(t, showErr, "sessions show")
	testutil.RequireStringContains(t, shown, "> list files", "prompt line")
	testutil.RequireStringContains(t, shown, "main.go", "reply text")
}

func TestSessionsLocalWithoutPersistence(t *testing.T) {
	isolateHome(t)

	_, _, err := runCLI(t, "", "sessions", "local", "--cwd", t.TempDir(), "--no-session-persistence")

	testutil.RequireTrue(t, err != nil && strings.Contains(err.Error(), "disabled"), "persistence disabled")
}

func TestExitErrorCarriesCode(t *testing.T) {
	var exit *exitError
	err := error(&exitError{code: exitNotVerified})

	testutil.RequireTrue(t, errors.As(err, &exit), "exit error")
	testutil.RequireEqual(t, exit.code, 3, "not verified code")
}
