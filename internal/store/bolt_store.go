package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("sophosgo")

// BoltStore implements Store on top of a single go.etcd.io/bbolt file,
// all keys living in one bucket. bbolt commits each write in its own
// transaction; Flush additionally calls DB.Sync, giving callers (like the
// encrypted database's bulk insert path) a single explicit sync point
// regardless of which Store backs them.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt file at path and
// ensures the root bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) Put(key []byte, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put(key, value)
	})
}

func (b *BoltStore) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete(key)
	})
}

func (b *BoltStore) List() [][]byte {
	var keys [][]byte
	b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).ForEach(func(k, _ []byte) error {
			cp := make([]byte, len(k))
			copy(cp, k)
			keys = append(keys, cp)
			return nil
		})
	})
	return keys
}

// PutBatch writes all of pairs in a single bbolt transaction. The
// encrypted database's bulk insert operation uses this instead of one
// Put per entry so that a multi-thousand-entry insert costs one fsync
// instead of one per entry.
func (b *BoltStore) PutBatch(pairs map[string][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rootBucket)
		for k, v := range pairs {
			if err := bucket.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) Stats() Stats {
	var s Stats
	b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rootBucket)
		return bucket.ForEach(func(_, v []byte) error {
			s.Keys++
			s.Bytes += len(v)
			return nil
		})
	})
	return s
}

// Flush forces bbolt to fsync its freelist and pending pages immediately
// rather than waiting for the next transaction boundary.
func (b *BoltStore) Flush() error {
	return b.db.Sync()
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
