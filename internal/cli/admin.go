package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/identity"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/server"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
	"github.com/mistakeknot/interlock/internal/vcs"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lease API, websocket hub and expiry sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := a.logger
			if a.cfg.Log.File != "" {
				f, err := os.OpenFile(a.cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				logger = logging.Multi(logger, logging.New(
					logging.WithLevel(a.cfg.Log.Level),
					logging.WithJSON(true),
					logging.WithWriter(f),
				))
			}
			srv, err := server.NewApp(a.cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close()
			logger.Info("interlock serving", "addr", srv.Addr(), "db", a.cfg.Storage.Path)
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("socket", "", "also listen on this unix socket")
	cmd.Flags().String("log-file", "", "also write JSON logs to this file")
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if v, _ := cmd.Flags().GetString("addr"); v != "" {
			a.cfg.Server.Addr = v
		}
		if v, _ := cmd.Flags().GetString("socket"); v != "" {
			a.cfg.Server.Socket = v
		}
		if v, _ := cmd.Flags().GetString("log-file"); v != "" {
			a.cfg.Log.File = v
		}
		return nil
	}
	return cmd
}

func (a *app) identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or pin the project identity of a checkout",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve",
		Short: "Print the project this checkout belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.resolver().Resolve(cmd.Context(), a.dir)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(p)
			}
			fmt.Fprintf(a.out, "%s %s\n", keyStyle.Render("uid: "), p.UID)
			fmt.Fprintf(a.out, "%s %s\n", keyStyle.Render("slug:"), p.Slug)
			fmt.Fprintf(a.out, "%s %s\n", keyStyle.Render("mode:"), p.IdentityMode)
			fmt.Fprintf(a.out, "%s %s\n", keyStyle.Render("from:"), dimStyle.Render(p.CanonicalSource))
			return nil
		},
	})
	var uid string
	write := &cobra.Command{
		Use:   "write-marker",
		Short: "Write a committed project marker at the repository root",
		Long: `Write ` + identity.MarkerFile + ` at the repository root. Commit it so every
clone and worktree resolves to the same project.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if uid == "" {
				if p, err := a.resolver().Resolve(cmd.Context(), a.dir); err == nil {
					uid = p.UID
				}
			}
			path, written, err := identity.WriteCommittedMarker(cmd.Context(), vcs.NewGit(), a.dir, uid)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s wrote %s (%s)\n", okMark, path, written)
			return nil
		},
	}
	write.Flags().StringVar(&uid, "uid", "", "uid to pin (default: the currently resolved uid)")
	cmd.AddCommand(write)
	return cmd
}

func (a *app) archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Work with the Git lease archive",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild [SLUG...]",
		Short: "Restore projects and unexpired leases from the archive into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, done, err := a.local()
			if err != nil {
				return err
			}
			defer done()
			res, err := svc.Rebuild(cmd.Context(), a.archive(), args...)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(res)
			}
			fmt.Fprintf(a.out, "%s restored %d project(s), %d lease(s)\n", okMark, res.Projects, res.Reservations)
			return nil
		},
	})
	return cmd
}

func (a *app) projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "adopt FROM TO",
		Short: "Move agents and leases from one project uid onto another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, done, err := a.backend()
			if err != nil {
				return err
			}
			defer done()
			res, err := b.Adopt(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(res)
			}
			fmt.Fprintf(a.out, "%s adopted %s into %s: %d agent(s), %d merged, %d lease(s), %d slot(s)\n",
				okMark, res.From, res.To, res.Agents, res.MergedAgents, res.Reservations, res.Slots)
			return nil
		},
	})
	return cmd
}

func (a *app) keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys for remote agents",
	}
	var keysFile string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a bearer key for --project and add it to the keys file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project := a.v.GetString("cli.project")
			if project == "" {
				return fmt.Errorf("--project required")
			}
			if keysFile == "" {
				keysFile = a.cfg.Server.KeysFile
			}
			key, err := auth.AddKey(keysFile, project)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, key)
			return nil
		},
	}
	initCmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file (default server.keys_file)")
	cmd.AddCommand(initCmd)
	return cmd
}

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark expired leases and slots released once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, st, done, err := a.local()
			if err != nil {
				return err
			}
			defer done()
			sw := sqlite.NewSweeper(st, nil, a.cfg.Sweeper.Interval,
				sqlite.WithSweeperLogger(a.logger),
				sqlite.WithSweepHook(svc.OnSweep))
			res, err := sw.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(res)
			}
			fmt.Fprintf(a.out, "swept %d lease(s), %d slot(s)\n", len(res.Reservations), len(res.Slots))
			return nil
		},
	}
}
