package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/core"
)

type leaseFlags struct {
	agent  string
	ttl    time.Duration
	shared bool
	reason string
}

func (f *leaseFlags) register(cmd *cobra.Command, withTTL bool) {
	cmd.Flags().StringVar(&f.agent, "agent", "", "agent name (default $AGENT_NAME)")
	if withTTL {
		cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "lease lifetime (default reservations.default_ttl)")
		cmd.Flags().BoolVar(&f.shared, "shared", false, "take a shared lease that only conflicts with exclusive ones")
		cmd.Flags().StringVar(&f.reason, "reason", "", "why the lease is held")
	}
}

func (a *app) agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agents"}
	var program, model, name string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register an agent in the current project",
		Long:  "Register an agent. Without --agent and AGENT_NAME a unique name is generated.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, done, err := a.backend()
			if err != nil {
				return err
			}
			defer done()
			p, err := a.project(ctx, b)
			if err != nil {
				return err
			}
			if name == "" {
				name = a.cfg.Guard.AgentName
			}
			agent, err := b.RegisterAgent(ctx, core.Agent{Project: p.UID, Name: name, Program: program, Model: model})
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(agent)
			}
			fmt.Fprintf(a.out, "%s registered %s in %s\n", okMark, nameStyle.Render(agent.Name), p.Slug)
			return nil
		},
	}
	register.Flags().StringVar(&name, "agent", "", "agent name")
	register.Flags().StringVar(&program, "program", "", "agent program, e.g. codex")
	register.Flags().StringVar(&model, "model", "", "model name")
	cmd.AddCommand(register)
	return cmd
}

func (a *app) reserveCmd() *cobra.Command {
	var f leaseFlags
	cmd := &cobra.Command{
		Use:   "reserve PATTERN...",
		Short: "Reserve files matching Git wildmatch patterns",
		Long: `Reserve files matching Git wildmatch patterns.

Patterns that overlap another agent's lease are reported and not granted.
The command exits 2 when any pattern conflicted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			agent, err := a.agentName(f.agent)
			if err != nil {
				return err
			}
			b, done, err := a.backend()
			if err != nil {
				return err
			}
			defer done()
			p, err := a.project(ctx, b)
			if err != nil {
				return err
			}
			res, err := b.Reserve(ctx, core.ReserveRequest{
				Project:   p.UID,
				Agent:     agent,
				Patterns:  args,
				TTL:       f.ttl,
				Exclusive: !f.shared,
				Reason:    f.reason,
			})
			if err != nil {
				return err
			}
			if a.json {
				if err := a.printJSON(res); err != nil {
					return err
				}
			} else {
				now := time.Now()
				for _, r := range res.Granted {
					printLease(a.out, r, now)
				}
				for _, c := range res.Conflicts {
					printConflict(a.out, c, now)
				}
			}
			if len(res.Conflicts) > 0 {
				return &ExitError{Code: 2}
			}
			return nil
		},
	}
	f.register(cmd, true)
	return cmd
}

func (a *app) releaseCmd() *cobra.Command {
	var (
		f   leaseFlags
		ids []string
	)
	cmd := &cobra.Command{
		Use:   "release [PATTERN...]",
		Short: "Release leases; with no patterns or --id, every lease the agent holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			agent, err := a.agentName(f.agent)
			if err != nil {
				return err
			}
			b, done, err := a.backend()
			if err != nil {
				return err
			}
			defer done()
			p, err := a.project(ctx, b)
			if err != nil {
				return err
			}
			var released []core.FileReservation
			if len(ids) > 0 {
				released, err = b.ReleaseByID(ctx, p.UID, agent, ids)
			} else {
				released, err = b.Release(ctx, p.UID, agent, args)
			}
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(released)
			}
			fmt.Fprintf(a.out, "released %d lease(s)\n", len(released))
			return nil
		},
	}
	f.register(cmd, false)
	cmd.Flags().StringSliceVar(&ids, "id", nil, "release by reservation id")
	return cmd
}

func (a *app) renewCmd() *cobra.Command {
	var (
		f      leaseFlags
		extend time.Duration
	)
	cmd := &cobra.Command{
		Use:   "renew [PATTERN...]",
		Short: "Extend the agent's leases; with no patterns, all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			agent, err := a.agentName(f.agent)
			if err != nil {
				return err
			}
			b, done, err := a.backend()
			if err != nil {
				return err
			}
			defer done()
			p, err := a.project(ctx, b)
			if err != nil {
				return err
			}
			renewed, err := b.Renew(ctx, p.UID, agent, args, extend)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(renewed)
			}
			now := time.Now()
			for _, r := range renewed {
				printLease(a.out, r, now)
			}
			return nil
		},
	}
	f.register(cmd, false)
	cmd.Flags().DurationVar(&extend, "extend", 0, "how far to push expiry (default reservations.default_ttl)")
	return cmd
}

func (a *app) conflictsCmd() *cobra.Command {
	var f leaseFlags
	cmd := &cobra.Command{
		Use:   "conflicts PATTERN",
		Short: "Show leases that would block PATTERN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, done, err := a.backend()
			if err != nil {
				return err
			}
			defer done()
			p, err := a.project(ctx, b)
			if err != nil {
				return err
			}
			agent := f.agent
			if agent == "" {
				agent = a.cfg.Guard.AgentName
			}
			conflicts, err := b.Conflicts(ctx, p.UID, args[0], !f.shared, agent)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(conflicts)
			}
			if len(conflicts) == 0 {
				fmt.Fprintf(a.out, "%s no conflicts for %s\n", okMark, args[0])
				return nil
			}
			now := time.Now()
			for _, c := range conflicts {
				printConflict(a.out, c, now)
			}
			return &ExitError{Code: 2}
		},
	}
	cmd.Flags().StringVar(&f.agent, "agent", "", "ignore this agent's own leases")
	cmd.Flags().BoolVar(&f.shared, "shared", false, "check as a shared request")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active leases in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, done, err := a.backend()
			if err != nil {
				return err
			}
			defer done()
			p, err := a.project(ctx, b)
			if err != nil {
				return err
			}
			leases, err := b.Reservations(ctx, p.UID, agent)
			if err != nil {
				return err
			}
			if a.json {
				if leases == nil {
					leases = []core.FileReservation{}
				}
				return a.printJSON(leases)
			}
			if len(leases) == 0 {
				fmt.Fprintln(a.out, dimStyle.Render("no active leases"))
				return nil
			}
			now := time.Now()
			for _, r := range leases {
				printLease(a.out, r, now)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "only this agent's leases")
	return cmd
}
