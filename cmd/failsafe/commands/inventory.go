package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/failsafe/pkg/engine"
	"github.com/openfroyo/failsafe/pkg/policy"
	"github.com/openfroyo/failsafe/pkg/runners"
)

func newHostsCommand() *cobra.Command {
	var selector string

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List inventory hosts that remote actions can target",
		Long: `List the hosts configured under runners.hosts. Actions name a host with
"host"; actions without one run locally.`,
		Example: `  # Hosts labelled role=db
  failsafe hosts --selector role=db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inv, err := runners.NewInventory(cfg.Runners.Hosts)
			if err != nil {
				return &ExitError{Code: engine.ExitPlanInvalid, Err: err}
			}

			hosts := inv.Select(selector)
			if jsonOutput {
				// Credentials stay out of the output.
				type hostView struct {
					Name    string            `json:"name"`
					Address string            `json:"address"`
					Port    int               `json:"port"`
					User    string            `json:"user"`
					Auth    string            `json:"auth_method"`
					Jump    string            `json:"jump,omitempty"`
					Labels  map[string]string `json:"labels,omitempty"`
				}
				views := make([]hostView, 0, len(hosts))
				for _, h := range hosts {
					views = append(views, hostView{h.Name, h.Address, h.Port, h.User, string(h.AuthMethod), h.Jump, h.Labels})
				}
				return printJSON(views)
			}
			if len(hosts) == 0 {
				fmt.Fprintln(stdout, "No hosts match.")
				return nil
			}

			w := newTable()
			fmt.Fprintln(w, "NAME\tADDRESS\tUSER\tAUTH\tJUMP\tLABELS")
			for _, h := range hosts {
				fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%s\t%s\n",
					h.Name, h.Address, h.Port, h.User, h.AuthMethod, h.Jump, formatLabels(h.Labels))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&selector, "selector", "l", "", "label selector (key=value,...)")

	return cmd
}

func formatLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func newPoliciesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List built-in and loaded policies",
		Long: `List the policies known to the policy engine: the built-in policies plus
those loaded from policies.paths. Global policies run before every plan;
others run when a prerequisite names them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pe, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(cfg.Policies.Paths) > 0 {
				if err := pe.LoadPolicies(cmd.Context(), cfg.Policies.Paths); err != nil {
					return &ExitError{Code: engine.ExitPlanInvalid, Err: err}
				}
			}

			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}

			w := newTable()
			fmt.Fprintln(w, "NAME\tGLOBAL\tSEVERITY\tENABLED\tSOURCE")
			for _, p := range policies {
				source := p.Source
				if source == "" {
					source = "built-in"
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%t\t%s\n", p.Name, p.Global, p.Severity, p.Enabled, source)
			}
			return w.Flush()
		},
	}
}

func newAuditCommand() *cobra.Command {
	var (
		action string
		who    string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the operator audit trail",
		Long: `Show recorded operator actions, newest first: catalog setups, run starts,
approval decisions and aborts.`,
		Example: `  failsafe audit --action run.approved
  failsafe audit --actor alice --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if who != "" {
				actorFilter = &who
			}

			entries, err := a.store.ListAuditEntries(cmd.Context(), actionFilter, actorFilter, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}

			w := newTable()
			fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
			for _, e := range entries {
				var target, details string
				if e.TargetID != nil {
					target = *e.TargetID
				}
				if e.Details != nil {
					details = *e.Details
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, target, details)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&who, "actor", "", "only entries by this actor")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}
