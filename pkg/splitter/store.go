package splitter

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/shardsql/pkg/types"
)

var bucketPlans = []byte("split_plans")

// planStore durably persists ShardSplitPlans, one bbolt value per plan
// id, mirroring the bucket-per-entity shape used by pkg/policy.
type planStore struct {
	db *bolt.DB
}

func newPlanStore(dataDir string) (*planStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "splits.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open split plan database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPlans)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &planStore{db: db}, nil
}

func (s *planStore) close() error {
	return s.db.Close()
}

func (s *planStore) save(p *types.ShardSplitPlan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).Put([]byte(p.ID), data)
	})
}

func (s *planStore) loadAll() ([]*types.ShardSplitPlan, error) {
	var out []*types.ShardSplitPlan
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).ForEach(func(k, v []byte) error {
			var p types.ShardSplitPlan
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}
