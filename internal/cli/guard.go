package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/guard"
	"github.com/mistakeknot/interlock/internal/hooks"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
	"github.com/mistakeknot/interlock/internal/vcs"
)

// unavailable stands in for a store that could not be opened, so the guard
// reports the real cause and fails closed.
type unavailable struct{ err error }

func (u unavailable) GetProject(context.Context, string) (core.Project, error) {
	return core.Project{}, u.err
}

func (u unavailable) ExclusiveHolders(context.Context, string) ([]core.FileReservation, error) {
	return nil, u.err
}

func (a *app) guardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Run the commit and push checks (invoked by Git hooks)",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd, false)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "pre-commit",
		Short: "Refuse staged changes that touch another agent's exclusive lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runGuard(cmd.Context(), func(r *guard.Runner) (core.GuardDecision, error) {
				return r.PreCommit(cmd.Context(), a.dir)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pre-push [REMOTE [URL]]",
		Short: "Refuse pushes whose commits touch another agent's exclusive lease",
		Long:  "Reads Git's pre-push ref lines from stdin.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := "origin"
			if len(args) > 0 {
				remote = args[0]
			}
			return a.runGuard(cmd.Context(), func(r *guard.Runner) (core.GuardDecision, error) {
				return r.PrePush(cmd.Context(), a.dir, remote, a.in)
			})
		},
	})
	return cmd
}

func (a *app) runGuard(ctx context.Context, check func(r *guard.Runner) (core.GuardDecision, error)) error {
	r := &guard.Runner{
		VCS:      vcs.NewGit(),
		Resolver: a.resolver(),
		Env: guard.Env{
			AgentName: strings.TrimSpace(a.v.GetString("guard.agent_name")),
			Bypass:    a.v.GetString("guard.bypass"),
			Mode:      a.cfg.Guard.Mode,
		},
		Out:    a.errOut,
		Logger: a.logger,
	}
	st, err := sqlite.OpenReadOnly(a.cfg.Storage.Path, sqlite.WithLogger(a.logger))
	if err != nil {
		r.Store = unavailable{err: err}
	} else {
		defer st.Close()
		r.Store = st
	}
	d, err := check(r)
	if a.json {
		if jerr := a.printJSON(d); jerr != nil {
			return jerr
		}
	}
	if code := guard.ExitCode(d, err); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func (a *app) hooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Install the guard into this checkout's Git hooks",
	}
	var binary string
	opts := func() (hooks.Options, error) {
		bin := binary
		if bin == "" {
			exe, err := os.Executable()
			if err != nil {
				return hooks.Options{}, fmt.Errorf("locate interlock binary: %w", err)
			}
			bin = exe
		}
		return hooks.Options{Plugins: []hooks.Plugin{hooks.GuardPlugin(bin)}, Logger: a.logger}, nil
	}
	run := func(fn func(ctx context.Context, facts vcs.Facts, dir string, o hooks.Options) ([]hooks.HookStatus, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			o, err := opts()
			if err != nil {
				return err
			}
			statuses, err := fn(cmd.Context(), vcs.NewGit(), a.dir, o)
			if err != nil {
				return err
			}
			return a.printHooks(statuses)
		}
	}

	install := &cobra.Command{
		Use:   "install",
		Short: "Chain the guard into pre-commit and pre-push, keeping existing hooks",
		Args:  cobra.NoArgs,
		RunE:  run(hooks.Install),
	}
	install.Flags().StringVar(&binary, "binary", "", "interlock binary the hooks call (default: this executable)")
	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the guard and restore preserved hooks",
		Args:  cobra.NoArgs,
		RunE:  run(hooks.Uninstall),
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show which hooks run the guard",
		Args:  cobra.NoArgs,
		RunE:  run(hooks.Status),
	}
	cmd.AddCommand(install, uninstall, status)
	return cmd
}

func (a *app) printHooks(statuses []hooks.HookStatus) error {
	if a.json {
		return a.printJSON(statuses)
	}
	for _, s := range statuses {
		mark := failMark
		if s.ChainRunner {
			mark = okMark
		}
		fmt.Fprintf(a.out, "  %s %s %s\n", mark, keyStyle.Render(s.Hook), dimStyle.Render(s.Path))
		for _, p := range s.Plugins {
			fmt.Fprintf(a.out, "      %s\n", p)
		}
		if s.Orig {
			fmt.Fprintf(a.out, "      %s\n", dimStyle.Render("chains "+s.Hook+".orig"))
		}
		if s.Foreign {
			fmt.Fprintf(a.out, "      %s\n", dimStyle.Render("foreign hook, guard not installed"))
		}
	}
	return nil
}
