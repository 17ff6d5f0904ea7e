// Package main provides govctl, the operator CLI for the governance
// workflow service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-governance-workflows/internal/app"
	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/config"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/playbook"
	"github.com/pesio-ai/be-governance-workflows/internal/policy"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "govctl",
		Short: "Operate the governance workflow service",
		Long: `govctl inspects the policy and playbook catalogues and runs
maintenance sweeps against the configured store.

Examples:
  govctl policies list
  govctl templates validate ./templates
  govctl schedule nav_close --after 2026-03-02
  govctl sweep --config governance.yaml --expire
  govctl requests pending --user cfo-1 --tenant t-1 --roles cfo
`,
		SilenceUsage: true,
	}

	cmd.AddCommand(policiesCmd(), templatesCmd(), scheduleCmd(), sweepCmd(), requestsCmd())
	return cmd
}

func policiesCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect approval policies",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List approval policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := policy.Load(file)
			if err != nil {
				return err
			}
			return printPolicies(cmd.OutOrStdout(), reg)
		},
	}
	list.Flags().StringVar(&file, "file", "", "Policy catalogue file (default: built-in catalogue)")

	cmd.AddCommand(list)
	return cmd
}

func printPolicies(out io.Writer, reg *policy.Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tDOMAIN\tAPPROVERS\tDEADLINE\tESCALATION\tAUTO")
	for _, p := range reg.List() {
		approvers := "-"
		if p.RequiresApproval {
			approvers = fmt.Sprintf("%d", p.RequiredApprovers())
		}
		auto := "no"
		if p.AutoApprove != nil {
			auto = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dh\t%dh\t%s\n",
			p.OperationType, p.Domain, approvers, p.DefaultDeadlineHours, p.EscalationHours, auto)
	}
	return w.Flush()
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect and validate playbook templates",
	}

	list := &cobra.Command{
		Use:   "list [dir]",
		Short: "List playbook templates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := playbook.LoadCatalogueDir(firstArg(args))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSTEPS\tRECURRENCE\tNAME")
			for _, t := range cat.List() {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", t.ID, t.Version, len(t.Steps), t.Recurrence, t.Name)
			}
			return w.Flush()
		},
	}

	validate := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate templates and print their execution order",
		Long:  "Validate every *.yaml template in dir (default: the built-in templates).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := playbook.LoadCatalogueDir(firstArg(args))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range cat.List() {
				order, err := playbook.ValidateTemplate(t)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s v%d: ok (%s)\n", t.ID, t.Version, strings.Join(order, " -> "))
			}
			return nil
		},
	}

	cmd.AddCommand(list, validate)
	return cmd
}

func scheduleCmd() *cobra.Command {
	var (
		after string
		dir   string
		count int
	)

	cmd := &cobra.Command{
		Use:   "schedule <template>",
		Short: "Print the next occurrences of a recurring template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := playbook.LoadCatalogueDir(dir)
			if err != nil {
				return err
			}
			tpl, ok := cat.Get(args[0], 0)
			if !ok {
				return fmt.Errorf("unknown template %q", args[0])
			}

			from := time.Now().UTC()
			if after != "" {
				if from, err = time.Parse(time.DateOnly, after); err != nil {
					return fmt.Errorf("--after: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				next, ok := playbook.NextOccurrence(tpl, from)
				if !ok {
					if i == 0 {
						fmt.Fprintf(out, "%s does not recur (%s)\n", tpl.ID, tpl.Recurrence)
					}
					return nil
				}
				fmt.Fprintln(out, next.Format(time.DateOnly))
				from = next
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&after, "after", "", "Start date, YYYY-MM-DD (default: today)")
	cmd.Flags().StringVar(&dir, "templates", "", "Template directory (default: built-in templates)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of occurrences to print")
	return cmd
}

func sweepCmd() *cobra.Command {
	var (
		configFile string
		tenants    []string
		expire     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep against the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = os.Getenv(config.ConfigFileEnv)
			}
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			if len(tenants) > 0 {
				cfg.Sweeper.Tenants = tenants
			}
			if expire {
				cfg.Sweeper.ExpireOverdue = true
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logger.New(logger.Config{
				Level:       cfg.Log.Level,
				Environment: cfg.Service.Environment,
				ServiceName: "govctl",
				Version:     cfg.Service.Version,
				Output:      cmd.ErrOrStderr(),
			})
			application, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer application.Close()

			res := application.SweepRunner().RunOnce(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Config file (default: $"+config.ConfigFileEnv+")")
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "Tenant to sweep; repeatable (default: configured tenants)")
	cmd.Flags().BoolVar(&expire, "expire", false, "Also expire requests past their deadline")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall timeout")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// remote holds the connection flags of commands that talk to a running
// server over gRPC.
type remote struct {
	server  string
	user    string
	tenant  string
	roles   []string
	timeout time.Duration
}

func (r *remote) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&r.server, "server", "localhost:9086", "Governance gRPC address")
	cmd.PersistentFlags().StringVar(&r.user, "user", os.Getenv("USER"), "Acting user id")
	cmd.PersistentFlags().StringVar(&r.tenant, "tenant", "", "Acting tenant id")
	cmd.PersistentFlags().StringSliceVar(&r.roles, "roles", nil, "Acting roles")
	cmd.PersistentFlags().DurationVar(&r.timeout, "timeout", 30*time.Second, "Request timeout")
}

func (r *remote) dial(cmd *cobra.Command) (*client.GovernanceGRPCClient, context.Context, context.CancelFunc, error) {
	c, err := client.NewGovernanceGRPCClient(r.server)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), r.timeout)
	ctx = client.WithIdentity(ctx, r.user, r.tenant, r.roles...)
	return c, ctx, func() { cancel(); c.Close() }, nil
}

func requestsCmd() *cobra.Command {
	var r remote

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Work with approval requests on a running server",
	}
	r.bind(cmd)

	var all bool
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List open requests you can vote on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := r.dial(cmd)
			if err != nil {
				return err
			}
			defer done()

			reqs, err := c.ListPending(ctx, r.tenant, !all)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOPERATION\tRISK\tVOTES\tREQUESTED BY\tDEADLINE")
			for _, req := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					req.ID, req.OperationType, req.RiskLevel, len(req.Approvals), req.RequiredApprovers,
					req.RequestedBy, req.Deadline.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	pending.Flags().BoolVar(&all, "all", false, "List every open request, not only those you can vote on")

	var (
		reject  bool
		comment string
	)
	vote := &cobra.Command{
		Use:   "vote <request-id>",
		Short: "Approve or reject a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := r.dial(cmd)
			if err != nil {
				return err
			}
			defer done()

			decision := repository.DecisionApprove
			if reject {
				decision = repository.DecisionReject
			}
			req, err := c.Vote(ctx, args[0], decision, comment)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d/%d approvals)\n",
				req.ID, req.Status, len(req.Approvals), req.RequiredApprovers)
			return nil
		},
	}
	vote.Flags().BoolVar(&reject, "reject", false, "Reject instead of approve")
	vote.Flags().StringVar(&comment, "comment", "", "Comment recorded with the vote")

	cmd.AddCommand(pending, vote)
	return cmd
}
