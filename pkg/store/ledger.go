package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/leadforge/leadforge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DefaultRecentKeyWindow bounds how many recent lead keys ExistingLeadKeys
// returns, defaulting to 5000.
const DefaultRecentKeyWindow = 5000

// Ledger is the append-idempotent lead table keyed by lead key, backed by
// one bbolt bucket per slot, using a bucket-CRUD pattern
// (CreateBucketIfNotExists + json
// marshal/Put, ForEach scans), narrowed here to a single table because the
// ledger's actual requirement — bounded recent-key dedup lookup — is a
// poor fit for the flat-file-plus-rescan approach used by the rest of the
// state store.
type Ledger struct {
	db *bolt.DB
}

// OpenLedger opens (creating if needed) the bbolt database backing a
// single slot's lead ledger.
func OpenLedger(layout *Layout, slotID string) (*Ledger, error) {
	path := layout.LedgerPath(slotID)
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", slotID, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeads)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger buckets %s: %w", slotID, err)
	}

	return &Ledger{db: db}, nil
}

// OpenLedgerReadOnly opens the ledger without taking the writer lock the
// worker process holds, so the control plane can list/download leads
// concurrently with a running worker.
func OpenLedgerReadOnly(layout *Layout, slotID string) (*Ledger, error) {
	path := layout.LedgerPath(slotID)
	db, err := bolt.Open(path, 0o444, &bolt.Options{Timeout: 2 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open ledger read-only %s: %w", slotID, err)
	}
	return &Ledger{db: db}, nil
}

// AllLeads returns every lead in the ledger, newest first, for the
// control plane's leads/leads-download endpoints.
func (l *Ledger) AllLeads() ([]types.Lead, error) {
	var leads []types.Lead
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeads)
		return b.ForEach(func(_, v []byte) error {
			var lead types.Lead
			if err := json.Unmarshal(v, &lead); err != nil {
				return nil
			}
			leads = append(leads, lead)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	sort.Slice(leads, func(i, j int) bool { return leads[i].FetchedAt.After(leads[j].FetchedAt) })
	return leads, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

var bucketLeads = []byte("leads")

// AppendLeads upserts leads by key: new keys are inserted, existing keys
// have their mutable fields (status, timestamps, raw_data) overwritten.
func (l *Ledger) AppendLeads(leads []types.Lead) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeads)
		for _, lead := range leads {
			key := ledgerKey(lead)
			if key == "" {
				continue
			}

			existing := b.Get([]byte(key))
			merged := lead
			if existing != nil {
				var prior types.Lead
				if err := json.Unmarshal(existing, &prior); err == nil {
					merged.FetchedAt = prior.FetchedAt
					if merged.ClickedAt == nil {
						merged.ClickedAt = prior.ClickedAt
					}
					if merged.VerifiedAt == nil {
						merged.VerifiedAt = prior.VerifiedAt
					}
				}
			}

			data, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("marshal lead %s: %w", key, err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return fmt.Errorf("put lead %s: %w", key, err)
			}
		}
		return nil
	})
}

// ExistingLeadKeys returns a bounded recent window of known keys for dedup,
// ordered by fetched_at descending.
func (l *Ledger) ExistingLeadKeys(limit int) (map[string]struct{}, error) {
	if limit <= 0 {
		limit = DefaultRecentKeyWindow
	}

	type kv struct {
		key       string
		fetchedAt time.Time
	}
	var all []kv

	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeads)
		return b.ForEach(func(k, v []byte) error {
			var lead types.Lead
			if err := json.Unmarshal(v, &lead); err != nil {
				return nil
			}
			all = append(all, kv{key: string(k), fetchedAt: lead.FetchedAt})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].fetchedAt.After(all[j].fetchedAt) })
	if len(all) > limit {
		all = all[:limit]
	}

	keys := make(map[string]struct{}, len(all))
	for _, e := range all {
		keys[e.key] = struct{}{}
	}
	return keys, nil
}

// MarkVerified bulk-transitions the given keys to verified status.
func (l *Ledger) MarkVerified(keys []string) error {
	now := time.Now().UTC()
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeads)
		for _, key := range keys {
			data := b.Get([]byte(key))
			if data == nil {
				continue
			}
			var lead types.Lead
			if err := json.Unmarshal(data, &lead); err != nil {
				continue
			}
			lead.Status = types.LeadVerified
			lead.VerifiedAt = &now
			out, err := json.Marshal(lead)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), out); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns a single lead by key for tests and debugging.
func (l *Ledger) Get(key string) (*types.Lead, error) {
	var lead *types.Lead
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLeads).Get([]byte(key))
		if data == nil {
			return nil
		}
		var l2 types.Lead
		if err := json.Unmarshal(data, &l2); err != nil {
			return err
		}
		lead = &l2
		return nil
	})
	return lead, err
}

func ledgerKey(l types.Lead) string {
	return l.LeadID
}
