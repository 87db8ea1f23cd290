// Package cli builds the interlock command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/logging"
)

const rootLongDesc = `interlock coordinates agents sharing one repository.

Agents reserve the files they are about to edit; Git hooks refuse commits and
pushes that touch paths another agent holds.

  interlock agent register --agent RedCat
  interlock reserve --agent RedCat 'frontend/**'
  interlock hooks install
  interlock serve`

// ExitError carries a process exit status without printing anything more.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger

	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	dir        string
	json       bool
	configFile string
}

type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

func NewRootCmd(streams Streams) *cobra.Command {
	a := &app{in: streams.In, out: streams.Out, errOut: streams.Err}
	if a.in == nil {
		a.in = os.Stdin
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	if a.errOut == nil {
		a.errOut = os.Stderr
	}

	cmd := &cobra.Command{
		Use:           "interlock",
		Short:         "Advisory file leases and conflict checks for agents",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd, true)
		},
	}
	cmd.SetIn(a.in)
	cmd.SetOut(a.out)
	cmd.SetErr(a.errOut)

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default "+config.ConfigDir()+"/config.yaml)")
	pf.StringVarP(&a.dir, "dir", "C", ".", "checkout to operate on")
	pf.BoolVar(&a.json, "json", false, "print JSON instead of text")
	pf.BoolP("debug", "d", false, "enable debug logging")
	pf.String("db", "", "database path (overrides storage.path)")
	pf.String("server", "", "talk to a running daemon at this URL instead of the local database")
	pf.String("api-key", "", "bearer key for --server")
	pf.String("project", "", "project uid (default: resolved from --dir)")

	cmd.AddCommand(
		a.serveCmd(),
		a.identityCmd(),
		a.agentCmd(),
		a.reserveCmd(),
		a.releaseCmd(),
		a.renewCmd(),
		a.conflictsCmd(),
		a.listCmd(),
		a.slotCmd(),
		a.guardCmd(),
		a.hooksCmd(),
		a.archiveCmd(),
		a.projectCmd(),
		a.keysCmd(),
		a.sweepCmd(),
	)
	return cmd
}

// init loads configuration. strict=false skips validation.
func (a *app) init(cmd *cobra.Command, strict bool) error {
	v, err := config.InitViper(a.configFile)
	if err != nil {
		return err
	}
	flags := map[string]string{
		"storage.path": "db",
		"cli.server":   "server",
		"cli.api_key":  "api-key",
		"cli.project":  "project",
		"cli.debug":    "debug",
	}
	for key, name := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	load := config.Load
	if !strict {
		load = config.Decode
	}
	cfg, err := load(v)
	if err != nil {
		return err
	}
	a.v, a.cfg = v, cfg
	a.logger = logging.New(
		logging.WithLevel(cfg.Log.Level),
		logging.WithDebug(v.GetBool("cli.debug")),
		logging.WithJSON(cfg.Log.JSON),
		logging.WithWriter(a.errOut),
		logging.WithPrefix("interlock"),
	)
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the command tree and returns the process exit status.
func Execute(ctx context.Context, args []string) int {
	cmd := NewRootCmd(Streams{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintln(os.Stderr, "interlock:", err)
	return 1
}
