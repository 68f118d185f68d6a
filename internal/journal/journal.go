// Package journal keeps an append-only record of remote operations in a
// local bbolt database. It exists for postmortems: when a tool call
// fails or retries, the journal shows what was attempted and how it
// ended, without needing provider-side audit access.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// journalDirPerm is the permission mode for the journal directory.
	journalDirPerm = fs.FileMode(0o700)

	// journalFilePerm is the permission mode for the journal database file.
	journalFilePerm = fs.FileMode(0o600)

	// journalOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	journalOpenTimeout = 5 * time.Second

	// maxEntries bounds the journal size. The oldest entries are pruned
	// once the bucket grows past this.
	maxEntries = 1000
)

var opsBucket = []byte("operations")

// Entry records one attempted remote operation. Error holds the
// normalized message for failed outcomes, never raw tokens or bodies.
type Entry struct {
	Operation  string `json:"operation"`
	Outcome    string `json:"outcome"` // "ok" or "error"
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	At         int64  `json:"at"` // unix seconds
}

// Journal wraps a bbolt database holding the operation log.
type Journal struct {
	db *bolt.DB
}

// Open opens the journal database at the given path, creating it and
// its parent directory if they do not exist.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), journalDirPerm); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := bolt.Open(path, journalFilePerm, &bolt.Options{Timeout: journalOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(opsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal db: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an entry. Keys are the bucket sequence in big-endian,
// so a cursor walks entries in insertion order.
func (j *Journal) Record(e Entry) error {
	if e.At == 0 {
		e.At = time.Now().Unix()
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}

		return pruneOldest(b)
	})
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	var entries []Entry

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(opsBucket).Cursor()

		for k, v := c.Last(); k != nil && len(entries) < n; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			entries = append(entries, e)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// pruneOldest deletes entries from the front of the bucket until it is
// back within the size bound. Counting walks the bucket because bucket
// stats do not see writes pending in the same transaction.
func pruneOldest(b *bolt.Bucket) error {
	count := 0

	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}

	for excess := count - maxEntries; excess > 0; excess-- {
		k, _ := c.First()
		if k == nil {
			return nil
		}

		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key
}
