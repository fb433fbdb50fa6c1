// Package msgstore records message traffic per (user, network) so that
// history survives client detaches and process restarts.
package msgstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Message is one stored line of traffic.
type Message struct {
	Buffer string    `json:"buffer"`
	Line   string    `json:"line"`
	Time   time.Time `json:"time"`
}

// Store is an append-only message log on top of badger. Keys are ordered by
// (user, network, timestamp) so per-buffer history reads are range scans.
type Store struct {
	db  *badger.DB
	seq atomic.Uint64
}

// Open opens the message store at path. An empty path opens an in-memory
// store, which is what the tests use.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %v", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(userID, networkID int64, t time.Time, seq uint64) []byte {
	k := make([]byte, 0, 3+8*4)
	k = append(k, 'm', '/', 0)
	k = binary.BigEndian.AppendUint64(k, uint64(userID))
	k = binary.BigEndian.AppendUint64(k, uint64(networkID))
	k = binary.BigEndian.AppendUint64(k, uint64(t.UnixNano()))
	k = binary.BigEndian.AppendUint64(k, seq)
	return k
}

func prefix(userID, networkID int64) []byte {
	k := make([]byte, 0, 3+8*2)
	k = append(k, 'm', '/', 0)
	k = binary.BigEndian.AppendUint64(k, uint64(userID))
	k = binary.BigEndian.AppendUint64(k, uint64(networkID))
	return k
}

// Append records one raw IRC line for the given buffer.
func (s *Store) Append(userID, networkID int64, buffer, line string, t time.Time) error {
	val, err := json.Marshal(&Message{Buffer: buffer, Line: line, Time: t})
	if err != nil {
		return err
	}
	seq := s.seq.Add(1)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(userID, networkID, t, seq), val)
	})
}

// History returns up to limit stored messages for the given buffer, oldest
// first. An empty buffer name returns messages for every buffer.
func (s *Store) History(userID, networkID int64, buffer string, limit int) ([]Message, error) {
	var msgs []Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix(userID, networkID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(msgs) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var m Message
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				if buffer == "" || m.Buffer == buffer {
					msgs = append(msgs, m)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
