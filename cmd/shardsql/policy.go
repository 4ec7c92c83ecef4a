package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardsql/pkg/types"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and mutate routing/table policy on a running gateway",
}

func init() {
	policyCmd.PersistentFlags().String("addr", "http://127.0.0.1:8080", "Gateway base URL")
	policyCmd.PersistentFlags().String("token", "", "Bearer token for admin requests")

	routingCmd := &cobra.Command{Use: "routing", Short: "Manage the tenant->shard routing policy"}
	routingCmd.AddCommand(policyRoutingShowCmd, policyRoutingSetCmd, policyRoutingRollbackCmd)

	tableCmd := &cobra.Command{Use: "table", Short: "Manage per-table cache/shard-key policy"}
	tableCmd.AddCommand(policyTableShowCmd, policyTableSetCmd)

	policyCmd.AddCommand(routingCmd, tableCmd)
}

func clientFrom(cmd *cobra.Command) *adminClient {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	return newAdminClient(addr, token)
}

var policyRoutingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current routing policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		var policy types.RoutingPolicy
		if err := clientFrom(cmd).do("GET", "/admin/policy/routing", nil, &policy); err != nil {
			return err
		}
		printJSON(policy)
		return nil
	},
}

var policyRoutingSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the routing policy",
	Long: `Assign tenants and ranges to shards, e.g.:
  shardsql policy routing set --tenant acme=shard-1 --range 00..3f=shard-2 --description "rebalance"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantFlags, _ := cmd.Flags().GetStringArray("tenant")
		rangeFlags, _ := cmd.Flags().GetStringArray("range")
		description, _ := cmd.Flags().GetString("description")

		tenants := make(map[string]string, len(tenantFlags))
		for _, kv := range tenantFlags {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --tenant %q, expected tenantId=shardId", kv)
			}
			tenants[k] = v
		}

		var ranges []types.RoutingRange
		for _, kv := range rangeFlags {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --range %q, expected prefix=shardId", kv)
			}
			ranges = append(ranges, types.RoutingRange{Prefix: k, ShardID: v})
		}

		body := struct {
			Tenants     map[string]string    `json:"tenants"`
			Ranges      []types.RoutingRange `json:"ranges"`
			Description string                `json:"description"`
		}{tenants, ranges, description}

		var out struct {
			Version int `json:"version"`
		}
		if err := clientFrom(cmd).do("POST", "/admin/policy/routing", body, &out); err != nil {
			return err
		}
		fmt.Printf("routing policy updated to version %d\n", out.Version)
		return nil
	},
}

var policyRoutingRollbackCmd = &cobra.Command{
	Use:   "rollback [version]",
	Short: "Roll the routing policy back to an earlier version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("version must be an integer: %w", err)
		}
		var policy types.RoutingPolicy
		if err := clientFrom(cmd).do("POST", "/admin/policy/routing/rollback/"+args[0], nil, &policy); err != nil {
			return err
		}
		printJSON(policy)
		return nil
	},
}

var policyTableShowCmd = &cobra.Command{
	Use:   "show [table]",
	Short: "Print a table's cache/shard-key policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p types.TablePolicy
		if err := clientFrom(cmd).do("GET", "/admin/policy/table/"+args[0], nil, &p); err != nil {
			return err
		}
		printJSON(p)
		return nil
	},
}

var policyTableSetCmd = &cobra.Command{
	Use:   "set [table]",
	Short: "Update a table's cache/shard-key policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pk, _ := cmd.Flags().GetString("pk")
		shardBy, _ := cmd.Flags().GetString("shard-by")
		mode, _ := cmd.Flags().GetString("mode")
		ttlMs, _ := cmd.Flags().GetInt64("ttl-ms")
		swrMs, _ := cmd.Flags().GetInt64("swr-ms")

		p := types.TablePolicy{
			Table:   args[0],
			PK:      pk,
			ShardBy: shardBy,
			Cache: types.CachePolicy{
				Mode:  types.CacheMode(mode),
				TTLMs: ttlMs,
				SWRMs: swrMs,
			},
		}

		var out types.TablePolicy
		if err := clientFrom(cmd).do("POST", "/admin/policy/table/"+args[0], p, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	policyRoutingSetCmd.Flags().StringArray("tenant", nil, "tenantId=shardId, repeatable")
	policyRoutingSetCmd.Flags().StringArray("range", nil, "hexPrefixRange=shardId, repeatable")
	policyRoutingSetCmd.Flags().String("description", "", "change description stored with the new version")

	policyTableSetCmd.Flags().String("pk", "id", "primary key column")
	policyTableSetCmd.Flags().String("shard-by", "", "column used to derive a range-routing shard key")
	policyTableSetCmd.Flags().String("mode", string(types.CacheModeBounded), "cache mode: strong|bounded|cached")
	policyTableSetCmd.Flags().Int64("ttl-ms", 60_000, "fresh-for duration in milliseconds")
	policyTableSetCmd.Flags().Int64("swr-ms", 300_000, "stale-while-revalidate window in milliseconds")
}
