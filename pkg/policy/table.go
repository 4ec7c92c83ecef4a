package policy

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/types"
)

// GetTablePolicy returns the configured policy for a table, falling
// back to DefaultTablePolicy when none is stored. Reads are served
// from a short-TTL in-process cache that is cleared on every update.
func (s *Store) GetTablePolicy(table string) (types.TablePolicy, error) {
	s.tableMu.RLock()
	cached, ok := s.tableCache[table]
	s.tableMu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.policy, nil
	}

	var policy types.TablePolicy
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTablePolicies).Get([]byte(table))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &policy)
	})
	if err != nil {
		return types.TablePolicy{}, err
	}
	if !found {
		policy = types.DefaultTablePolicy(table)
	}

	s.tableMu.Lock()
	s.tableCache[table] = cachedTablePolicy{policy: policy, expiresAt: time.Now().Add(s.tableCacheTTL)}
	s.tableMu.Unlock()
	return policy, nil
}

// GetTablePolicies returns every explicitly configured table policy
// (tables relying purely on the default are not enumerated here).
func (s *Store) GetTablePolicies() ([]types.TablePolicy, error) {
	var out []types.TablePolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTablePolicies).ForEach(func(k, v []byte) error {
			var p types.TablePolicy
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// UpdateTablePolicy validates and persists a table policy, clearing the
// read cache for that table.
func (s *Store) UpdateTablePolicy(policy types.TablePolicy) error {
	if err := validateTablePolicy(policy); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTablePolicies).Put([]byte(policy.Table), data)
	})
	if err != nil {
		return err
	}

	s.tableMu.Lock()
	delete(s.tableCache, policy.Table)
	s.tableMu.Unlock()
	s.logger.Info().Str("table", policy.Table).Msg("table policy updated")
	return nil
}

func validateTablePolicy(p types.TablePolicy) error {
	if p.PK == "" {
		return errors.New(errors.CodeInvalidPolicy, "pk is required")
	}
	if p.Cache.Mode != types.CacheModeStrong {
		if p.Cache.TTLMs <= 0 {
			return errors.New(errors.CodeInvalidPolicy, "ttlMs must be > 0 for non-strong cache modes")
		}
		if p.Cache.SWRMs <= p.Cache.TTLMs {
			return errors.New(errors.CodeInvalidPolicy, "swrMs must be > ttlMs for non-strong cache modes")
		}
	}
	return nil
}

// ValidateConfig re-validates every stored table policy, returning the
// first violation found.
func (s *Store) ValidateConfig() error {
	policies, err := s.GetTablePolicies()
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := validateTablePolicy(p); err != nil {
			return fmt.Errorf("table %q: %w", p.Table, err)
		}
	}
	return nil
}
