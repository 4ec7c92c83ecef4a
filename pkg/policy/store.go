// Package policy implements the Routing Policy Store (C1) and Table
// Policy Store (C2): versioned, durable configuration backed by bbolt,
// following the bucket-per-entity, marshal-on-write shape the rest of
// this codebase uses for small, infrequently-updated durable state.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/types"
	"github.com/rs/zerolog"
)

var (
	bucketRoutingVersions = []byte("routing_versions")
	bucketRoutingCurrent  = []byte("routing_current")
	bucketTablePolicies   = []byte("table_policies")
)

const currentVersionKey = "current"

// Store is the combined C1 routing policy store and C2 table policy
// store, backed by a single bbolt database file.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger

	tableMu       sync.RWMutex
	tableCache    map[string]cachedTablePolicy
	tableCacheTTL time.Duration

	shardsMu    sync.RWMutex
	knownShards map[string]struct{}
}

type cachedTablePolicy struct {
	policy    types.TablePolicy
	expiresAt time.Time
}

// New opens (creating if absent) the policy store at <dataDir>/policy.db.
func New(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "policy.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRoutingVersions, bucketRoutingCurrent, bucketTablePolicies} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:            db,
		logger:        log.WithComponent("policy"),
		tableCache:    make(map[string]cachedTablePolicy),
		tableCacheTTL: 5 * time.Minute,
	}

	if _, err := s.GetCurrentVersion(); err != nil {
		if err := s.bootstrap(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// SetKnownShards records the shard ids provisioned in this deployment.
// UpdateCurrentPolicy rejects a policy referencing a shard outside the
// union of this set and the current policy's shards; left unset, the
// check is skipped (the store then has no authority on what exists).
func (s *Store) SetKnownShards(ids []string) {
	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()
	s.knownShards = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.knownShards[id] = struct{}{}
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) bootstrap() error {
	policy := &types.RoutingPolicy{
		Version:   1,
		Tenants:   map[string]string{},
		Ranges:    nil,
		CreatedAt: time.Now(),
	}
	policy.Checksum = checksum(policy)
	return s.persistVersion(policy, true)
}

func versionKey(v int) []byte {
	return []byte(fmt.Sprintf("v%d", v))
}

func checksum(p *types.RoutingPolicy) string {
	cp := *p
	cp.Checksum = ""
	// canonical: sorted tenant keys, sorted ranges, via json.Marshal of
	// a struct with deterministic map iteration achieved by rebuilding
	// an ordered representation before hashing.
	tenantKeys := make([]string, 0, len(cp.Tenants))
	for k := range cp.Tenants {
		tenantKeys = append(tenantKeys, k)
	}
	sort.Strings(tenantKeys)
	ordered := struct {
		Version int
		Tenants []string
		Ranges  []types.RoutingRange
	}{Version: cp.Version}
	for _, k := range tenantKeys {
		ordered.Tenants = append(ordered.Tenants, k+"="+cp.Tenants[k])
	}
	ranges := append([]types.RoutingRange(nil), cp.Ranges...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Prefix < ranges[j].Prefix })
	ordered.Ranges = ranges

	data, _ := json.Marshal(ordered)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) persistVersion(p *types.RoutingPolicy, setCurrent bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRoutingVersions).Put(versionKey(p.Version), data); err != nil {
			return err
		}
		if setCurrent {
			return tx.Bucket(bucketRoutingCurrent).Put([]byte(currentVersionKey), []byte(fmt.Sprintf("%d", p.Version)))
		}
		return nil
	})
}

// GetCurrentVersion returns the routing policy version currently active.
func (s *Store) GetCurrentVersion() (int, error) {
	var version int
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoutingCurrent).Get([]byte(currentVersionKey))
		if data == nil {
			return errors.New(errors.CodeInternalError, "routing policy not bootstrapped")
		}
		_, err := fmt.Sscanf(string(data), "%d", &version)
		return err
	})
	return version, err
}

// GetPolicyByVersion returns a historical policy, or nil if absent.
func (s *Store) GetPolicyByVersion(v int) (*types.RoutingPolicy, error) {
	var policy *types.RoutingPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoutingVersions).Get(versionKey(v))
		if data == nil {
			return nil
		}
		var p types.RoutingPolicy
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		policy = &p
		return nil
	})
	return policy, err
}

// GetCurrentPolicy returns the policy the "current" pointer references.
func (s *Store) GetCurrentPolicy() (*types.RoutingPolicy, error) {
	v, err := s.GetCurrentVersion()
	if err != nil {
		return nil, err
	}
	return s.GetPolicyByVersion(v)
}

// referencedShards returns the set of shards a policy maps to.
func referencedShards(p *types.RoutingPolicy) map[string]struct{} {
	out := make(map[string]struct{})
	for _, shard := range p.Tenants {
		out[shard] = struct{}{}
	}
	for _, r := range p.Ranges {
		out[r.ShardID] = struct{}{}
	}
	return out
}

// UpdateCurrentPolicy validates and persists a new routing policy
// version, advancing the current pointer.
func (s *Store) UpdateCurrentPolicy(newPolicy *types.RoutingPolicy, description string) (int, error) {
	current, err := s.GetCurrentPolicy()
	if err != nil {
		return 0, err
	}

	// A new policy may only reference shards that are provisioned or
	// already referenced by the current policy. The latter half is what
	// lets a split introduce its target shard mid-flight: the target is
	// provisioned (registered via SetKnownShards) before cutover bumps
	// the version.
	s.shardsMu.RLock()
	if len(s.knownShards) > 0 {
		allowed := referencedShards(current)
		for shard := range s.knownShards {
			allowed[shard] = struct{}{}
		}
		for shard := range referencedShards(newPolicy) {
			if _, ok := allowed[shard]; !ok {
				s.shardsMu.RUnlock()
				return 0, errors.New(errors.CodeIncompatiblePolicy, fmt.Sprintf("shard %q is not known", shard))
			}
		}
	}
	s.shardsMu.RUnlock()

	newPolicy.Version = current.Version + 1
	newPolicy.Description = description
	newPolicy.CreatedAt = time.Now()
	newPolicy.Checksum = checksum(newPolicy)

	if err := s.persistVersion(newPolicy, true); err != nil {
		return 0, err
	}
	metrics.RoutingPolicyVersion.Set(float64(newPolicy.Version))
	s.logger.Info().Int("version", newPolicy.Version).Msg("routing policy updated")
	return newPolicy.Version, nil
}

// RollbackToVersion repoints "current" at a prior, still-persisted
// version without rewriting history.
func (s *Store) RollbackToVersion(v int) error {
	p, err := s.GetPolicyByVersion(v)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.New(errors.CodeInvalidPolicy, fmt.Sprintf("version %d does not exist", v))
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutingCurrent).Put([]byte(currentVersionKey), []byte(fmt.Sprintf("%d", v)))
	})
	if err == nil {
		metrics.RoutingPolicyVersion.Set(float64(v))
	}
	return err
}

// ListVersions returns version metadata, newest first.
func (s *Store) ListVersions() ([]types.PolicyVersionInfo, error) {
	var out []types.PolicyVersionInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRoutingVersions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p types.RoutingPolicy
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, types.PolicyVersionInfo{
				Version:     p.Version,
				Timestamp:   p.CreatedAt,
				Description: p.Description,
				Checksum:    p.Checksum,
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, err
}

// GetPolicyDiff computes the delta between two routing policy versions.
func (s *Store) GetPolicyDiff(fromV, toV int) (*types.PolicyDiff, error) {
	from, err := s.GetPolicyByVersion(fromV)
	if err != nil {
		return nil, err
	}
	to, err := s.GetPolicyByVersion(toV)
	if err != nil {
		return nil, err
	}
	if from == nil || to == nil {
		return nil, errors.New(errors.CodeInvalidPolicy, "both versions must exist")
	}

	diff := &types.PolicyDiff{
		AddedTenants:   map[string]string{},
		RemovedTenants: map[string]string{},
	}
	for tenant, shard := range to.Tenants {
		oldShard, existed := from.Tenants[tenant]
		if !existed {
			diff.AddedTenants[tenant] = shard
		} else if oldShard != shard {
			diff.ChangedTenants = append(diff.ChangedTenants, types.TenantChange{TenantID: tenant, OldShard: oldShard, NewShard: shard})
		}
	}
	for tenant, shard := range from.Tenants {
		if _, stillPresent := to.Tenants[tenant]; !stillPresent {
			diff.RemovedTenants[tenant] = shard
		}
	}

	fromRanges := make(map[string]string)
	for _, r := range from.Ranges {
		fromRanges[r.Prefix] = r.ShardID
	}
	toRanges := make(map[string]string)
	for _, r := range to.Ranges {
		toRanges[r.Prefix] = r.ShardID
	}
	for prefix, shard := range toRanges {
		if _, ok := fromRanges[prefix]; !ok {
			diff.AddedRanges = append(diff.AddedRanges, types.RoutingRange{Prefix: prefix, ShardID: shard})
		}
	}
	for prefix, shard := range fromRanges {
		if _, ok := toRanges[prefix]; !ok {
			diff.RemovedRanges = append(diff.RemovedRanges, types.RoutingRange{Prefix: prefix, ShardID: shard})
		}
	}

	return diff, nil
}
