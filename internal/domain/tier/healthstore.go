package tier

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

// healthBucket is the single bbolt bucket holding one JSON-encoded
// Snapshot per tier name.
var healthBucket = []byte("tier_health")

const dbOpenTimeout = 2 * time.Second

// HealthStore persists TierHealth snapshots across restarts so an
// operator dashboard (or a restarted process deciding whether to probe
// before serving traffic) can see pre-crash health without waiting for a
// fresh health-check cycle. The breaker state itself is never restored;
// a restart resets every breaker to Closed. Only the advisory
// healthy/success-rate/last-check fields come back.
type HealthStore struct {
	db *bbolt.DB
}

// OpenHealthStore opens (or creates) the bbolt file at path.
func OpenHealthStore(path string) (*HealthStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(healthBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &HealthStore{db: db}, nil
}

func (s *HealthStore) Close() error { return s.db.Close() }

// persistedSnapshot is the durable subset of Snapshot; BreakerState and
// LastResponseTime are runtime-only (see the HealthStore doc above).
type persistedSnapshot struct {
	Healthy     bool      `json:"healthy"`
	LastCheck   time.Time `json:"last_check"`
	SuccessRate float64   `json:"success_rate"`
}

// Save writes tierName's current snapshot.
func (s *HealthStore) Save(tierName string, snap Snapshot) error {
	payload, err := json.Marshal(persistedSnapshot{
		Healthy:     snap.Healthy,
		LastCheck:   snap.LastCheck,
		SuccessRate: snap.SuccessRate,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(healthBucket).Put([]byte(tierName), payload)
	})
}

// Load reads tierName's last-persisted snapshot, if any.
func (s *HealthStore) Load(tierName string) (persistedSnapshot, bool, error) {
	var out persistedSnapshot
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(healthBucket).Get([]byte(tierName))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	return out, found, err
}
