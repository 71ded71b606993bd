package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNamespaces = []byte("namespaces")
	bucketEntries    = []byte("entries")
	bucketAudit      = []byte("audit")
)

// BoltStore implements Store over a single bbolt database file, following
// the teacher's bucket-per-entity-type convention (pkg/storage/boltdb.go):
// one bucket per row type, JSON-marshaled values, db.Update/db.View for
// transactional boundaries.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) confman.db under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "confman.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNamespaces, bucketEntries, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// entryKey composes the (ns,key) identity into a single bbolt key so
// namespace-scoped scans are a cheap prefix seek.
func entryKey(ns, key string) []byte {
	return append(append([]byte(ns), 0), []byte(key)...)
}

func entryPrefix(ns string) []byte {
	return append([]byte(ns), 0)
}

func (s *BoltStore) Get(ns, key string) (*ConfigEntry, error) {
	var entry ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get(entryKey(ns, key))
		if data == nil {
			return newNotFound("config entry", ns+"/"+key)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) List(ns string) ([]*ConfigEntry, error) {
	var entries []*ConfigEntry
	prefix := entryPrefix(ns)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e ConfigEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *BoltStore) ListAll() ([]*ConfigEntry, error) {
	var entries []*ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e ConfigEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
			return nil
		})
	})
	return entries, err
}

// Set upserts by (ns,key), assigning version = existing.version + 1, or 1
// if the entry is new (invariant 2).
func (s *BoltStore) Set(entry ConfigEntry) (*ConfigEntry, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		key := entryKey(entry.NS, entry.Key)

		entry.Version = 1
		if existing := b.Get(key); existing != nil {
			var prev ConfigEntry
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			entry.Version = prev.Version + 1
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) Delete(ns, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete(entryKey(ns, key))
	})
}

func (s *BoltStore) GetNamespace(path string) (*Namespace, error) {
	var ns Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		data := b.Get([]byte(path))
		if data == nil {
			return newNotFound("namespace", path)
		}
		return json.Unmarshal(data, &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *BoltStore) ListNamespaces() ([]*Namespace, error) {
	var namespaces []*Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(_, v []byte) error {
			var ns Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			namespaces = append(namespaces, &ns)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(namespaces, func(i, j int) bool { return namespaces[i].Path < namespaces[j].Path })
	return namespaces, nil
}

// SetNamespace upserts, preserving the original createdAt on update.
func (s *BoltStore) SetNamespace(ns Namespace) (*Namespace, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		key := []byte(ns.Path)

		if existing := b.Get(key); existing != nil {
			var prev Namespace
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			ns.CreatedAt = prev.CreatedAt
		}

		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

// DeleteNamespace removes the namespace and cascades to every entry under
// it, atomically (invariant 3).
func (s *BoltStore) DeleteNamespace(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNamespaces).Delete([]byte(path)); err != nil {
			return err
		}

		eb := tx.Bucket(bucketEntries)
		c := eb.Cursor()
		prefix := entryPrefix(path)
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := eb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendAudit upserts by the event's deterministic id; duplicate ids
// collapse into the same row (invariant 6).
func (s *BoltStore) AppendAudit(event AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAudit).Put([]byte(event.ID), data)
	})
}

// GetAuditEvents returns events for ns newest-first, capped at limit.
func (s *BoltStore) GetAuditEvents(ns string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var events []*AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			var e AuditEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if ns == "" || e.NS == ns {
				events = append(events, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].TS.After(events[j].TS) })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *BoltStore) DumpAll() ([]*Namespace, []*ConfigEntry, []*AuditEvent, error) {
	namespaces, err := s.ListNamespaces()
	if err != nil {
		return nil, nil, nil, err
	}
	entries, err := s.ListAll()
	if err != nil {
		return nil, nil, nil, err
	}
	var audit []*AuditEvent
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			var e AuditEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			audit = append(audit, &e)
			return nil
		})
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return namespaces, entries, audit, nil
}

// RestoreFromSnapshot clears every bucket and bulk-inserts the snapshot's
// rows in a single transaction; on failure the transaction rolls back and
// the store is left exactly as it was.
func (s *BoltStore) RestoreFromSnapshot(namespaces []*Namespace, entries []*ConfigEntry, audit []*AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNamespaces, bucketEntries, bucketAudit} {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("store: clear bucket %s: %w", bucket, err)
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return fmt.Errorf("store: recreate bucket %s: %w", bucket, err)
			}
		}

		nb := tx.Bucket(bucketNamespaces)
		for _, ns := range namespaces {
			data, err := json.Marshal(ns)
			if err != nil {
				return err
			}
			if err := nb.Put([]byte(ns.Path), data); err != nil {
				return err
			}
		}

		eb := tx.Bucket(bucketEntries)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := eb.Put(entryKey(e.NS, e.Key), data); err != nil {
				return err
			}
		}

		ab := tx.Bucket(bucketAudit)
		for _, a := range audit {
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := ab.Put([]byte(a.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

var _ Store = (*BoltStore)(nil)
