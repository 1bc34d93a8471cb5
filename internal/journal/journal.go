// Package journal persists locally minted operations in a bbolt file so
// an editor agent survives restarts and offline stretches: ops are
// journaled before broadcast and compacted away once the server's
// frontier covers them.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"scribe/sync/internal/crdt"
)

type Journal struct {
	db *bolt.DB
}

func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append journals one operation. Re-appending the same stamp overwrites
// the identical record, so retries are harmless.
func (j *Journal) Append(op crdt.Op) error {
	return j.AppendAll([]crdt.Op{op})
}

// AppendAll journals a batch in one transaction.
func (j *Journal) AppendAll(ops []crdt.Op) error {
	if len(ops) == 0 {
		return nil
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			bucket, err := tx.CreateBucketIfNotExists([]byte(op.DocumentID))
			if err != nil {
				return fmt.Errorf("create bucket %s: %w", op.DocumentID, err)
			}
			payload, err := json.Marshal(op)
			if err != nil {
				return fmt.Errorf("marshal op %s: %w", op.Stamp(), err)
			}
			if err := bucket.Put(opKey(op), payload); err != nil {
				return fmt.Errorf("put op %s: %w", op.Stamp(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return nil
}

// List returns every journaled operation for a document, ordered by
// site and counter.
func (j *Journal) List(documentID string) ([]crdt.Op, error) {
	ops := make([]crdt.Op, 0)
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(documentID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var op crdt.Op
			if err := json.Unmarshal(value, &op); err != nil {
				return fmt.Errorf("decode journaled op: %w", err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("journal list %s: %w", documentID, err)
	}
	return ops, nil
}

// PendingSince returns journaled operations the given frontier does not
// contain yet. On reconnect these are replayed to the server.
func (j *Journal) PendingSince(documentID string, f crdt.Frontier) ([]crdt.Op, error) {
	all, err := j.List(documentID)
	if err != nil {
		return nil, err
	}
	pending := make([]crdt.Op, 0, len(all))
	for _, op := range all {
		if !f.Contains(op.Stamp()) {
			pending = append(pending, op)
		}
	}
	return pending, nil
}

// Compact removes operations the frontier already contains and reports
// how many were dropped.
func (j *Journal) Compact(documentID string, f crdt.Frontier) (int, error) {
	removed := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(documentID))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			var op crdt.Op
			if err := json.Unmarshal(value, &op); err != nil {
				return fmt.Errorf("decode journaled op: %w", err)
			}
			if !f.Contains(op.Stamp()) {
				continue
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("delete op %s: %w", op.Stamp(), err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal compact %s: %w", documentID, err)
	}
	return removed, nil
}

// Documents lists the document ids present in the journal.
func (j *Journal) Documents() ([]string, error) {
	ids := make([]string, 0)
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			ids = append(ids, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("journal documents: %w", err)
	}
	return ids, nil
}

// Drop removes a document's journal entirely.
func (j *Journal) Drop(documentID string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(documentID)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(documentID))
	})
	if err != nil {
		return fmt.Errorf("journal drop %s: %w", documentID, err)
	}
	return nil
}

// opKey orders entries by site, then counter.
func opKey(op crdt.Op) []byte {
	key := make([]byte, 0, len(op.Site)+9)
	key = append(key, op.Site...)
	key = append(key, 0)
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], op.Counter)
	return append(key, counter[:]...)
}
