package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardsql/pkg/splitter"
	"github.com/cuemby/shardsql/pkg/types"
)

var shardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "Inspect shards and drive online split plans",
}

func init() {
	shardsCmd.PersistentFlags().String("addr", "http://127.0.0.1:8080", "Gateway base URL")
	shardsCmd.PersistentFlags().String("token", "", "Bearer token for admin requests")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Print the last sampled health of every shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health map[string]types.ShardHealth
			if err := clientFrom(cmd).do("GET", "/admin/shards/health", nil, &health); err != nil {
				return err
			}
			printJSON(health)
			return nil
		},
	}

	splitCmd := &cobra.Command{Use: "split", Short: "Manage online shard split plans"}
	splitCmd.AddCommand(
		splitPlanCmd, splitStartCmd, splitBackfillCmd, splitTailCmd,
		splitCutoverCmd, splitRollbackCmd, splitListCmd, splitGetCmd,
	)

	shardsCmd.AddCommand(healthCmd, splitCmd)
}

var splitPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create a new split plan",
	Long: `Create a split plan moving a set of tenants from one shard to
another, e.g.:
  shardsql shards split plan --source shard-1 --target shard-2 --tenant acme --tenant globex`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		target, _ := cmd.Flags().GetString("target")
		tenants, _ := cmd.Flags().GetStringArray("tenant")
		description, _ := cmd.Flags().GetString("description")

		body := struct {
			SourceShard string   `json:"sourceShard"`
			TargetShard string   `json:"targetShard"`
			TenantIDs   []string `json:"tenantIds"`
			Description string   `json:"description"`
		}{source, target, tenants, description}

		var plan types.ShardSplitPlan
		if err := clientFrom(cmd).do("POST", "/admin/shards/split", body, &plan); err != nil {
			return err
		}
		printJSON(plan)
		return nil
	},
}

var splitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known split plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		var plans []types.ShardSplitPlan
		if err := clientFrom(cmd).do("GET", "/admin/shards/splits", nil, &plans); err != nil {
			return err
		}
		printJSON(plans)
		return nil
	},
}

var splitGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Print a single split plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var plan types.ShardSplitPlan
		if err := clientFrom(cmd).do("GET", "/admin/shards/split/"+args[0], nil, &plan); err != nil {
			return err
		}
		printJSON(plan)
		return nil
	},
}

var splitStartCmd = &cobra.Command{
	Use:   "start [id]",
	Short: "Begin dual-write for a planning-phase split",
	Args:  cobra.ExactArgs(1),
	RunE:  splitAction("/dual-write"),
}

var splitBackfillCmd = &cobra.Command{
	Use:   "backfill [id]",
	Short: "Run (or resume) a backfill pass",
	Long: `Pages rows for the given tenant/table/tenantColumn triples from
the source shard into the target, e.g.:
  shardsql shards split backfill plan-id --pair acme:orders:tenant_id`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairFlags, _ := cmd.Flags().GetStringArray("pair")
		pairs := make([]splitter.TableTenantPair, 0, len(pairFlags))
		for _, p := range pairFlags {
			parts := strings.SplitN(p, ":", 3)
			if len(parts) != 3 {
				continue
			}
			pairs = append(pairs, splitter.TableTenantPair{TenantID: parts[0], Table: parts[1], TenantColumn: parts[2]})
		}
		body := struct {
			Pairs []splitter.TableTenantPair `json:"pairs"`
		}{pairs}

		var plan types.ShardSplitPlan
		if err := clientFrom(cmd).do("POST", "/admin/shards/split/"+args[0]+"/backfill", body, &plan); err != nil {
			return err
		}
		printJSON(plan)
		return nil
	},
}

var splitTailCmd = &cobra.Command{
	Use:   "tail [id]",
	Short: "Replay one batch of the change-log tail",
	Args:  cobra.ExactArgs(1),
	RunE:  splitAction("/tail"),
}

var splitCutoverCmd = &cobra.Command{
	Use:   "cutover [id]",
	Short: "Cut over routing to the target shard once the tail has caught up",
	Args:  cobra.ExactArgs(1),
	RunE:  splitAction("/cutover"),
}

var splitRollbackCmd = &cobra.Command{
	Use:   "rollback [id]",
	Short: "Abandon a split plan and restore the prior routing version",
	Args:  cobra.ExactArgs(1),
	RunE:  splitAction("/rollback"),
}

func splitAction(suffix string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var plan types.ShardSplitPlan
		if err := clientFrom(cmd).do("POST", "/admin/shards/split/"+args[0]+suffix, nil, &plan); err != nil {
			return err
		}
		printJSON(plan)
		return nil
	}
}

func init() {
	splitPlanCmd.Flags().String("source", "", "source shard id")
	splitPlanCmd.Flags().String("target", "", "target shard id")
	splitPlanCmd.Flags().StringArray("tenant", nil, "tenant id to move, repeatable")
	splitPlanCmd.Flags().String("description", "", "human-readable description")

	splitBackfillCmd.Flags().StringArray("pair", nil, "tenantId:table:tenantColumn, repeatable")
}
