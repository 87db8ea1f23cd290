package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/core"
)

func (a *app) slotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Hold named build slots",
	}
	var f leaseFlags

	acquire := &cobra.Command{
		Use:   "acquire SLOT",
		Short: "Acquire a build slot; exits 2 if another agent holds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSlot(cmd, f.agent, func(b backend, project, agent string) error {
				res, err := b.AcquireSlot(cmd.Context(), core.SlotRequest{
					Project: project, Agent: agent, Slot: args[0], TTL: f.ttl, Exclusive: !f.shared, Reason: f.reason,
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
					if res.Slot != nil {
						printSlot(a.out, *res.Slot, now)
					}
					for _, c := range res.Conflicts {
						printConflict(a.out, c, now)
					}
				}
				if res.Slot == nil {
					return &ExitError{Code: 2}
				}
				return nil
			})
		},
	}
	f.register(acquire, true)

	var extend time.Duration
	renew := &cobra.Command{
		Use:   "renew SLOT",
		Short: "Heartbeat a held slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSlot(cmd, f.agent, func(b backend, project, agent string) error {
				s, err := b.RenewSlot(cmd.Context(), project, agent, args[0], extend)
				if err != nil {
					return err
				}
				if a.json {
					return a.printJSON(s)
				}
				printSlot(a.out, s, time.Now())
				return nil
			})
		},
	}
	renew.Flags().StringVar(&f.agent, "agent", "", "agent name (default $AGENT_NAME)")
	renew.Flags().DurationVar(&extend, "extend", 0, "new lifetime from now")

	release := &cobra.Command{
		Use:   "release SLOT",
		Short: "Release a held slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSlot(cmd, f.agent, func(b backend, project, agent string) error {
				released, err := b.ReleaseSlot(cmd.Context(), project, agent, args[0])
				if err != nil {
					return err
				}
				if a.json {
					return a.printJSON(released)
				}
				fmt.Fprintf(a.out, "released %d slot(s)\n", len(released))
				return nil
			})
		},
	}
	release.Flags().StringVar(&f.agent, "agent", "", "agent name (default $AGENT_NAME)")

	cmd.AddCommand(acquire, renew, release)
	return cmd
}

func (a *app) withSlot(cmd *cobra.Command, agentFlag string, fn func(b backend, project, agent string) error) error {
	agent, err := a.agentName(agentFlag)
	if err != nil {
		return err
	}
	b, done, err := a.backend()
	if err != nil {
		return err
	}
	defer done()
	p, err := a.project(cmd.Context(), b)
	if err != nil {
		return err
	}
	return fn(b, p.UID, agent)
}
