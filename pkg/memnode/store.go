// Package memnode is the memory-node side of the fork RPC: it records every
// process a processor node reports.
package memnode

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/go-logr/logr"

	"github.com/linlinhaohao888/LegoOS/pkg/p2m"
)

var (
	// ErrExists is returned when a PID already has a record.
	ErrExists = errors.New("process record already exists")

	// ErrNotFound is returned when a PID has no record.
	ErrNotFound = errors.New("process record not found")
)

var processPrefix = []byte("proc/")

// Store keeps process records in badger, keyed by PID.
type Store struct {
	db  *badger.DB
	log logr.Logger
}

// OpenStore opens the record store in dir. An empty dir keeps records in memory.
func OpenStore(dir string, log logr.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{log: log.WithName("badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}
	log.Info("Process store opened", "dir", dir, "in_memory", dir == "")
	return &Store{db: db, log: log}, nil
}

func processKey(pid int) []byte {
	key := make([]byte, len(processPrefix)+8)
	copy(key, processPrefix)
	binary.BigEndian.PutUint64(key[len(processPrefix):], uint64(pid))
	return key
}

// Insert stores rec unless its PID is already recorded.
func (s *Store) Insert(rec p2m.ProcessRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record for pid %d: %w", rec.PID, err)
	}
	key := processKey(rec.PID)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: pid %d", ErrExists, rec.PID)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, value)
	})
}

// Get returns the record for pid.
func (s *Store) Get(pid int) (p2m.ProcessRecord, bool, error) {
	var rec p2m.ProcessRecord
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(processKey(pid))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, found, err
}

// Update applies fn to the record for pid and stores the result.
func (s *Store) Update(pid int, fn func(rec *p2m.ProcessRecord)) error {
	key := processKey(pid)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
		}
		if err != nil {
			return err
		}

		var rec p2m.ProcessRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		fn(&rec)
		rec.PID = pid

		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record for pid %d: %w", pid, err)
		}
		return txn.Set(key, value)
	})
}

// Delete drops the record for pid. Deleting a missing record is not an error.
func (s *Store) Delete(pid int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(processKey(pid))
	})
}

// List returns every record in PID order.
func (s *Store) List() ([]p2m.ProcessRecord, error) {
	records := []p2m.ProcessRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = processPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec p2m.ProcessRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger adapts logr to badger's logger interface. Badger's info chatter
// goes to V(1).
type badgerLogger struct {
	log logr.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(nil, fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...), "level", "warning")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.V(1).Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.V(2).Info(fmt.Sprintf(format, args...))
}
