// Package registry implements component G: build_id/instance_id
// allocation, the _ponder_meta table, heartbeating, crash-resume adoption,
// live-view cutover, and stale-instance GC (spec.md §4.G).
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// sideCacheBucket holds this process's own view of the last instance it
// ran as, adapted from the teacher's CheckpointDB: where the teacher
// persisted one service's last block, the registry persists the last
// instance_id/build_id pair a local process adopted, so a restart on the
// same machine can skip straight to the adoption scan without waiting on
// _ponder_meta round trips for the common "I am my own prior instance"
// case.
const sideCacheBucket = "registry_instances"

// SideCache is a local accelerator over bbolt; Postgres's _ponder_meta
// remains authoritative. Losing the bbolt file only costs an extra
// adoption query, never correctness.
type SideCache struct {
	db *bbolt.DB
}

// instanceRecord is what SideCache persists per deployment key.
type instanceRecord struct {
	InstanceID string    `json:"instance_id"`
	BuildID    string    `json:"build_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OpenSideCache opens (creating if absent) the local bbolt side cache at
// path.
func OpenSideCache(path string) (*SideCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: open side cache: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sideCacheBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create side cache bucket: %w", err)
	}

	return &SideCache{db: db}, nil
}

// Remember records which instance_id this process last ran as for
// deploymentKey (typically the project root path), so a same-machine
// restart can check it before querying Postgres.
func (c *SideCache) Remember(deploymentKey, instanceID, buildID string) error {
	rec := instanceRecord{InstanceID: instanceID, BuildID: buildID, UpdatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal side cache record: %w", err)
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sideCacheBucket))
		return b.Put([]byte(deploymentKey), data)
	})
}

// Last returns the instance this process last ran as for deploymentKey, or
// ok=false if nothing has been recorded.
func (c *SideCache) Last(deploymentKey string) (instanceID, buildID string, ok bool, err error) {
	err = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sideCacheBucket))
		data := b.Get([]byte(deploymentKey))
		if data == nil {
			return nil
		}
		var rec instanceRecord
		if uerr := json.Unmarshal(data, &rec); uerr != nil {
			return uerr
		}
		instanceID, buildID, ok = rec.InstanceID, rec.BuildID, true
		return nil
	})
	if err != nil {
		return "", "", false, fmt.Errorf("registry: read side cache: %w", err)
	}
	return instanceID, buildID, ok, nil
}

// Close releases the underlying bbolt file handle.
func (c *SideCache) Close() error { return c.db.Close() }
