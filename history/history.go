// Package history keeps an append-only durable record of observed room
// events. Every record gets a strictly increasing sequence id assigned at
// capture time; records are never mutated or deleted, and replay by
// sequence id is ordered and restartable.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"github.com/simpleKalvin/bilibili-agent/event"
)

// Record is one persisted event snapshot.
type Record struct {
	Seq        uint64      `json:"seq"`
	ID         string      `json:"id"` // time-ordered record id, hex
	CapturedAt time.Time   `json:"captured_at"`
	Event      event.Event `json:"event"`
}

// Filter narrows a Query. The zero value matches everything from the start
// of the log.
type Filter struct {
	FromSeq uint64       // inclusive lower bound; resume point for paging
	Kinds   []event.Type // empty matches all kinds
	Limit   int          // 0 means no limit
}

// Store is the badger-backed history log.
type Store struct {
	db  *badger.DB
	seq atomic.Uint64
	ids recordIDGen
}

// Open opens (or creates) the store at dir and resumes the sequence counter
// from the last persisted record.
func Open(dir string) (*Store, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens an ephemeral store. Used by tests and dry runs.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	s := &Store{db: db}

	// Resume the counter from the highest existing key.
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
		defer it.Close()
		it.Seek([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		if it.Valid() {
			s.seq.Store(binary.BigEndian.Uint64(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: resume seq: %w", err)
	}
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends ev to the log, assigning the next sequence id and a capture
// timestamp. Safe for concurrent use; sequence ids are strictly increasing
// across all producers in one process lifetime.
func (s *Store) Record(ev event.Event) (Record, error) {
	rec := Record{
		Seq:        s.seq.Add(1),
		ID:         s.ids.next(),
		CapturedAt: time.Now(),
		Event:      ev,
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("history: marshal: %w", err)
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, rec.Seq)

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return Record{}, fmt.Errorf("history: append: %w", err)
	}
	return rec, nil
}

// Query replays records in sequence order. Paging through a live log is
// restartable: pass the last seen Seq+1 as FromSeq to resume.
func (s *Store) Query(f Filter) ([]Record, error) {
	var out []Record

	start := make([]byte, 8)
	binary.BigEndian.PutUint64(start, f.FromSeq)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("history: decode seq %d: %w",
					binary.BigEndian.Uint64(it.Item().Key()), err)
			}
			if len(f.Kinds) > 0 && !lo.Contains(f.Kinds, rec.Event.Kind) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LastSeq returns the most recently assigned sequence id.
func (s *Store) LastSeq() uint64 {
	return s.seq.Load()
}

// Run consumes events from ch and records each one, logging nothing and
// returning when ch closes. Errors are surfaced through errFn so the caller
// decides the logging policy.
func (s *Store) Run(ch <-chan event.Event, errFn func(error)) {
	for ev := range ch {
		if _, err := s.Record(ev); err != nil && errFn != nil {
			errFn(err)
		}
	}
}
