// Package types holds the data model shared across the routing,
// storage, cache, and gateway components.
package types

import "time"

// RoutingPolicy is a versioned mapping from (tenant, shard-key) to shardId.
type RoutingPolicy struct {
	Version     int                  `json:"version"`
	Tenants     map[string]string    `json:"tenants"` // tenantId -> shardId
	Ranges      []RoutingRange       `json:"ranges"`
	Description string               `json:"description,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	Checksum    string               `json:"checksum"`
}

// RoutingRange maps a hex-prefix range of SHA-256(shardKey) to a shard.
type RoutingRange struct {
	Prefix  string `json:"prefix"` // e.g. "00..3f"
	ShardID string `json:"shardId"`
}

// PolicyVersionInfo is the listVersions() view of a stored policy.
type PolicyVersionInfo struct {
	Version     int       `json:"version"`
	Timestamp   time.Time `json:"ts"`
	Description string    `json:"description,omitempty"`
	Checksum    string    `json:"checksum"`
}

// PolicyDiff describes the delta between two routing policy versions.
type PolicyDiff struct {
	AddedTenants   map[string]string `json:"addedTenants"`
	RemovedTenants map[string]string `json:"removedTenants"`
	ChangedTenants []TenantChange    `json:"changedTenants"`
	AddedRanges    []RoutingRange    `json:"addedRanges"`
	RemovedRanges  []RoutingRange    `json:"removedRanges"`
}

// TenantChange is one entry of a PolicyDiff's changed tenants.
type TenantChange struct {
	TenantID string `json:"tenantId"`
	OldShard string `json:"oldShard"`
	NewShard string `json:"newShard"`
}

// CacheMode is the consistency mode a table/query is served under.
type CacheMode string

const (
	CacheModeStrong CacheMode = "strong"
	CacheModeBounded CacheMode = "bounded"
	CacheModeCached CacheMode = "cached" // stale-while-revalidate
)

// CachePolicy is the per-table cache configuration.
type CachePolicy struct {
	Mode                CacheMode `json:"mode"`
	TTLMs               int64     `json:"ttlMs"`
	SWRMs               int64     `json:"swrMs"`
	AlwaysStrongColumns []string  `json:"alwaysStrongColumns,omitempty"`
}

// TablePolicy is the per-table routing/cache configuration.
type TablePolicy struct {
	Table   string      `json:"table"`
	PK      string      `json:"pk"`
	ShardBy string      `json:"shardBy,omitempty"`
	Cache   CachePolicy `json:"cache"`
}

// DefaultTablePolicy returns the policy used when none is configured.
func DefaultTablePolicy(table string) TablePolicy {
	return TablePolicy{
		Table: table,
		PK:    "id",
		Cache: CachePolicy{
			Mode:  CacheModeBounded,
			TTLMs: 60_000,
			SWRMs: 300_000,
		},
	}
}

// SplitPhase is the state of a ShardSplitPlan.
type SplitPhase string

const (
	PhasePlanning      SplitPhase = "planning"
	PhaseDualWrite     SplitPhase = "dual_write"
	PhaseBackfill      SplitPhase = "backfill"
	PhaseTailing       SplitPhase = "tailing"
	PhaseCutoverPending SplitPhase = "cutover_pending"
	PhaseCompleted     SplitPhase = "completed"
	PhaseRolledBack    SplitPhase = "rolled_back"
)

// BackfillState tracks per-table backfill progress for a split plan.
type BackfillState struct {
	Status          string           `json:"status"` // pending|running|done
	TableCursor     map[string]int64 `json:"tableCursor"`
	TotalRowsCopied int64            `json:"totalRowsCopied"`
}

// TailState tracks tail-replay progress for a split plan.
type TailState struct {
	Status     string `json:"status"` // pending|replaying|caught_up
	LastEventID int64 `json:"lastEventId"`
	LastEventTs time.Time `json:"lastEventTs"`
}

// ShardSplitPlan is the durable state of an online shard split.
type ShardSplitPlan struct {
	ID                    string        `json:"id"`
	Description           string        `json:"description,omitempty"`
	SourceShard           string        `json:"sourceShard"`
	TargetShard           string        `json:"targetShard"`
	TenantIDs             []string      `json:"tenantIds"`
	TablePolicies         []TablePolicy `json:"tablePolicies"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
	Phase                 SplitPhase    `json:"phase"`
	RoutingVersionAtStart int           `json:"routingVersionAtStart"`
	DualWriteStartedAt    *time.Time    `json:"dualWriteStartedAt,omitempty"`
	Backfill              BackfillState `json:"backfill"`
	Tail                  TailState     `json:"tail"`
	RoutingVersionCutover *int          `json:"routingVersionCutover,omitempty"`
	ErrorMessage          string        `json:"errorMessage,omitempty"`
	NeedsReconciliation   bool          `json:"needsReconciliation,omitempty"`
	GraceUntil            *time.Time    `json:"graceUntil,omitempty"`
}

// IsTerminal reports whether the plan is no longer actionable.
func (p *ShardSplitPlan) IsTerminal() bool {
	return p.Phase == PhaseCompleted || p.Phase == PhaseRolledBack
}

// RoutingInfo is the derived, per-tenant view the router consults
// while a split is active.
type RoutingInfo struct {
	Active           bool
	SourceShard      string
	DualWriteTargets map[string]struct{}
	Phase            SplitPhase
}

// ShardHealth is the periodically sampled health view of a shard.
type ShardHealth struct {
	Status              string    `json:"status"` // healthy|degraded|unhealthy
	CapacityUtilization float64   `json:"capacityUtilization"`
	ActiveConnections   int       `json:"activeConnections"`
	AvgResponseTimeMs   float64   `json:"avgResponseTime"`
	ErrorRate           float64   `json:"errorRate"`
	LastCheck           time.Time `json:"lastCheck"`
}

// AuthContext is the opaque output of the external auth collaborator.
type AuthContext struct {
	TenantID    string   `json:"tenantId"`
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	TokenHash   string   `json:"tokenHash"`
}
