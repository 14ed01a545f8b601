// Package storage records shares and found blocks for operator history. It
// is never consulted to decide whether to accept a share — that decision
// lives entirely in the in-memory job buffer and per-session fingerprint
// sets — so a storage outage degrades to lost history, not a stalled pool.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	sharesBucket = []byte("shares")
	blocksBucket = []byte("blocks")
)

// ShareRecord is one accepted-at-session-difficulty submission.
type ShareRecord struct {
	Timestamp  int64   `json:"ts"`
	Worker     string  `json:"worker"`
	Address    string  `json:"address"`
	Difficulty float64 `json:"difficulty"`
	BlockFound bool    `json:"block_found"`
}

// BlockRecord is one block the pool submitted that cleared the network
// target.
type BlockRecord struct {
	Timestamp     int64  `json:"ts"`
	Height        int64  `json:"height"`
	Hash          string `json:"hash"`
	FinderAddress string `json:"finder_address"`
	Worker        string `json:"worker"`
	Reward        int64  `json:"reward"`
}

// Store is a bbolt-backed recorder for shares and blocks.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the bolt database at path and ensures
// both buckets exist.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sharesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordShare appends rec to the shares bucket. Errors are the caller's to
// log and otherwise ignore — a failed write never affects the share's
// already-decided accept/reject outcome.
func (s *Store) RecordShare(rec ShareRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sharesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), buf)
	})
}

// RecordBlock appends rec to the blocks bucket.
func (s *Store) RecordBlock(rec BlockRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), buf)
	})
}

// ShareCount returns the total number of recorded shares.
func (s *Store) ShareCount() int {
	return s.bucketCount(sharesBucket)
}

// BlockCount returns the total number of recorded blocks.
func (s *Store) BlockCount() int {
	return s.bucketCount(blocksBucket)
}

func (s *Store) bucketCount(name []byte) int {
	count := 0
	s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(name).Stats().KeyN
		return nil
	})
	return count
}

// RecentBlocks returns up to limit of the most recently recorded blocks,
// newest first.
func (s *Store) RecentBlocks(limit int) ([]BlockRecord, error) {
	var records []BlockRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(blocksBucket).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec BlockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
