// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package logstore implements the storage actor: an append-only sink for
// fixed-layout log records flushed out of a trade contract (or the Bank's
// block archive). Records are stored in badger with a primary index on log
// id and secondary indexes on arbitrary LogIndexKeys, and are read back in
// reverse-chronological chunks.
package logstore

import (
	"bytes"
	"os"
	"sync"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/platform"
	"github.com/dgraph-io/badger"
)

// MaxStorageBytes is the byte capacity of one storage actor. Once total
// record bytes reach it, the actor reports full and the parent spawns a
// successor.
const MaxStorageBytes = 3 * (1 << 20)

// Key-space prefixes.
var (
	prefixMeta  = []byte{0x00}
	prefixLog   = []byte{0x01}
	prefixIndex = []byte{0x02}
)

const (
	metaFirstID = "first_id"
	metaLength  = "length"
	metaBytes   = "bytes"
)

// Record is one log record to append: its id, the raw fixed-layout bytes,
// and the secondary index keys it should be discoverable under.
type Record struct {
	ID        uint64
	IndexKeys [][]byte
	Data      []byte
}

// InitQuest configures a fresh storage actor.
type InitQuest struct {
	// Pusher is the only principal allowed to push logs.
	Pusher cm.Principal
	// Dir is the badger directory; empty runs in memory.
	Dir string
}

// Store is the storage actor.
type Store struct {
	mtx    sync.Mutex
	id     cm.Principal
	pusher cm.Principal
	db     *badger.DB
	log    cm.Logger

	firstID     uint64
	length      uint64
	bytesStored uint64
}

// New opens the store's badger database and restores its counters.
func New(env platform.Env, quest *InitQuest) (*Store, error) {
	dir := quest.Dir
	if dir == "" {
		// Badger always needs a directory. An unconfigured store runs
		// out of a throwaway one and loses its records on restart.
		var err error
		dir, err = os.MkdirTemp("", "logstore")
		if err != nil {
			return nil, err
		}
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLoggerWrapper{env.Log.SubLogger("BADG")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &Store{
		id:     env.ID,
		pusher: quest.Pusher,
		db:     db,
		log:    env.Log,
	}
	if err := s.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// PreUpgrade satisfies platform.Actor. Badger is durable on its own; the
// counters are re-readable from meta keys.
func (s *Store) PreUpgrade() {}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Principal returns the storage actor's principal.
func (s *Store) Principal() cm.Principal { return s.id }

func metaKey(name string) []byte {
	return append(append([]byte{}, prefixMeta...), name...)
}

func logKey(id uint64) []byte {
	return append(append([]byte{}, prefixLog...), encode.Uint64Bytes(id)...)
}

func indexKey(key []byte, id uint64) []byte {
	k := make([]byte, 0, 1+2+len(key)+8)
	k = append(k, prefixIndex...)
	k = append(k, encode.Uint16Bytes(uint16(len(key)))...)
	k = append(k, key...)
	k = append(k, encode.Uint64Bytes(id)...)
	return k
}

func (s *Store) loadMeta() error {
	return s.db.View(func(txn *badger.Txn) error {
		read := func(name string) (uint64, error) {
			item, err := txn.Get(metaKey(name))
			if err == badger.ErrKeyNotFound {
				return 0, nil
			}
			if err != nil {
				return 0, err
			}
			var v uint64
			err = item.Value(func(b []byte) error {
				v = encode.BytesToUint64(b)
				return nil
			})
			return v, err
		}
		var err error
		if s.firstID, err = read(metaFirstID); err != nil {
			return err
		}
		if s.length, err = read(metaLength); err != nil {
			return err
		}
		s.bytesStored, err = read(metaBytes)
		return err
	})
}

// FirstLogID is the id of the first record this actor holds. Valid once
// Length is nonzero.
func (s *Store) FirstLogID() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.firstID
}

// Length is the number of records held.
func (s *Store) Length() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.length
}

// BytesStored is the total record bytes held.
func (s *Store) BytesStored() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bytesStored
}

// IsFull reports whether the actor has reached capacity and a successor
// should take future pushes.
func (s *Store) IsFull() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bytesStored >= MaxStorageBytes
}

// PushLogs appends records. Only the configured pusher may call it. Records
// must arrive in ascending id order; re-pushed ids overwrite idempotently.
func (s *Store) PushLogs(caller cm.Principal, records []Record) error {
	if caller != s.pusher {
		panic("unauthorized push_logs caller " + caller.String())
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var added uint64
	var deltaBytes int64
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			key := logKey(rec.ID)
			switch item, err := txn.Get(key); err {
			case badger.ErrKeyNotFound:
				added++
				deltaBytes += int64(len(rec.Data))
			case nil:
				// Overwrite. Only a size change moves the byte
				// count.
				deltaBytes += int64(len(rec.Data)) - item.ValueSize()
			default:
				return err
			}
			if err := txn.Set(key, rec.Data); err != nil {
				return err
			}
			for _, ik := range rec.IndexKeys {
				if err := txn.Set(indexKey(ik, rec.ID), nil); err != nil {
					return err
				}
			}
		}
		if s.length == 0 && len(records) > 0 {
			if err := txn.Set(metaKey(metaFirstID), encode.Uint64Bytes(records[0].ID)); err != nil {
				return err
			}
		}
		if err := txn.Set(metaKey(metaLength), encode.Uint64Bytes(s.length+added)); err != nil {
			return err
		}
		return txn.Set(metaKey(metaBytes), encode.Uint64Bytes(uint64(int64(s.bytesStored)+deltaBytes)))
	})
	if err != nil {
		return err
	}
	if s.length == 0 && len(records) > 0 {
		s.firstID = records[0].ID
	}
	s.length += added
	s.bytesStored = uint64(int64(s.bytesStored) + deltaBytes)
	return nil
}

// MapLogsRChunks returns the raw bytes of up to chunkSize records matching
// the index key, newest first, strictly below beforeID when set.
func (s *Store) MapLogsRChunks(key []byte, beforeID *uint64, chunkSize int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		prefix := indexKey(key, 0)
		prefix = prefix[:len(prefix)-8]
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the largest possible id under this index key.
		seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		n := 0
		for it.Seek(seek); it.ValidForPrefix(prefix) && n < chunkSize; it.Next() {
			k := it.Item().Key()
			id := encode.BytesToUint64(k[len(k)-8:])
			if beforeID != nil && id >= *beforeID {
				continue
			}
			item, err := txn.Get(logKey(id))
			if err != nil {
				return err
			}
			err = item.Value(func(b []byte) error {
				out = append(out, b...)
				return nil
			})
			if err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Logs returns up to n record byte slices starting at the given id, in
// ascending id order. The Bank's archived-block reads use it.
func (s *Store) Logs(start uint64, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	err := s.db.View(func(txn *badger.Txn) error {
		for i := 0; i < n; i++ {
			item, err := txn.Get(logKey(start + uint64(i)))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			err = item.Value(func(b []byte) error {
				out = append(out, bytes.Clone(b))
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
	return out, nil
}
