package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/openclaude/acpcode/internal/config"
)

// errDoctorFailed reports that at least one check failed.
var errDoctorFailed = errors.New("doctor found problems")

func doctorCommand(opts *options) *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check acpcode configuration and the ACP agent binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cwd, err := resolveCwd(opts)
			if err != nil {
				return err
			}
			failed := !checkConfigFiles(out, opts.ConfigPath, cwd)

			cfg, err := loadConfig(cmd.Flags(), opts, cwd)
			if err != nil {
				fmt.Fprintf(out, "FAIL: config invalid: %v\n", err)
				return errDoctorFailed
			}
			fmt.Fprintf(out, "OK: permission mode %s\n", statusOr(string(cfg.PermissionMode), "(agent default)"))

			path, err := exec.LookPath(cfg.ServerCommand)
			if err != nil {
				fmt.Fprintf(out, "FAIL: agent %q not found on PATH\n", cfg.ServerCommand)
				return errDoctorFailed
			}
			fmt.Fprintf(out, "OK: agent %s\n", path)

			if connect {
				a, err := newApp(cmd, opts)
				if err != nil {
					return err
				}
				acpClient, err := a.newClient(nil)
				if err != nil {
					return err
				}
				defer acpClient.Close()
				if err := acpClient.Connect(cmd.Context()); err != nil {
					fmt.Fprintf(out, "FAIL: initialize: %s\n", formatError(err))
					return errDoctorFailed
				}
				fmt.Fprintln(out, "OK: agent initialized")
			}
			if failed {
				return errDoctorFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "Also start the agent and run initialize")
	return cmd
}

// checkConfigFiles reports each config file that applies to cwd. It returns
// false when a file is unreadable or writable by others.
func checkConfigFiles(out io.Writer, explicit string, cwd string) bool {
	paths := []string{explicit}
	if explicit == "" {
		userPath, err := config.Path()
		if err != nil {
			fmt.Fprintf(out, "FAIL: resolve home: %v\n", err)
			return false
		}
		paths = []string{userPath, config.ProjectPath(cwd)}
	}

	ok := true
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && explicit == "" {
				fmt.Fprintf(out, "OK: no config at %s (defaults apply)\n", path)
				continue
			}
			fmt.Fprintf(out, "FAIL: config %s: %v\n", path, err)
			ok = false
			continue
		}
		mode := info.Mode().Perm()
		if mode&0o077 != 0 {
			// Env entries may carry API keys.
			fmt.Fprintf(out, "WARN: config %s permissions too open: %s\n", path, mode)
			continue
		}
		fmt.Fprintf(out, "OK: config %s\n", path)
	}
	return ok
}
