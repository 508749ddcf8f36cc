// Package store persists received deals in a bbolt file so a restarted
// agent can still show what it was offered.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"dealmesh/internal/proto"
)

const (
	bLatest = "deals_latest"
	bLog    = "deals_log"

	openTimeout = 2 * time.Second
)

var ErrNotFound = errors.New("no deal recorded")

// Entry is one received deal as kept in the log bucket.
type Entry struct {
	_msgpack struct{} `msgpack:",as_array"`

	Seq        uint64     `msgpack:"seq"`
	From       string     `msgpack:"from"`
	ReceivedAt int64      `msgpack:"received_at"`
	Deal       proto.Deal `msgpack:"deal"`
}

func (e Entry) Time() time.Time {
	return time.Unix(0, e.ReceivedAt)
}

// Journal keeps the latest deal per origin address, mirroring the agent's
// in-memory table, plus an append-only log ordered by arrival.
type Journal struct {
	db *bolt.DB
}

func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("empty journal path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bLatest, bLog} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Record overwrites the latest deal for addr and appends to the log.
func (j *Journal) Record(addr string, deal proto.Deal, at time.Time) (uint64, error) {
	if addr == "" {
		return 0, errors.New("missing origin addr")
	}
	latest, err := proto.EncodeDeal(deal)
	if err != nil {
		return 0, fmt.Errorf("encode deal: %w", err)
	}
	var seq uint64
	err = j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bLatest)).Put([]byte(addr), latest); err != nil {
			return err
		}
		log := tx.Bucket([]byte(bLog))
		next, err := log.NextSequence()
		if err != nil {
			return err
		}
		seq = next
		val, err := msgpack.Marshal(&Entry{Seq: seq, From: addr, ReceivedAt: at.UnixNano(), Deal: deal})
		if err != nil {
			return err
		}
		return log.Put(seqKey(seq), val)
	})
	if err != nil {
		return 0, fmt.Errorf("record deal from %s: %w", addr, err)
	}
	return seq, nil
}

func (j *Journal) Latest(addr string) (proto.Deal, error) {
	var out proto.Deal
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bLatest)).Get([]byte(addr))
		if raw == nil {
			return ErrNotFound
		}
		d, err := proto.DecodeDeal(raw)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// LatestAll returns the latest deal per origin address.
func (j *Journal) LatestAll() (map[string]proto.Deal, error) {
	out := make(map[string]proto.Deal)
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bLatest)).ForEach(func(k, v []byte) error {
			d, err := proto.DecodeDeal(v)
			if err != nil {
				// Skip a corrupt record rather than losing the rest.
				return nil
			}
			out[string(k)] = d
			return nil
		})
	})
	return out, err
}

// Recent returns up to n log entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]Entry, 0, min(n, 64))
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bLog)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
