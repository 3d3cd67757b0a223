package storage

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
)

// Store implements StoragePort on a local badger instance. Badger's value
// log is the write-ahead log: every Put/BatchWrite is synced before the
// call returns, which is what makes queue claims crash-safe.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]chan ports.StorageEvent
	closed bool
}

func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithSyncWrites(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return NewStore(db, logger), nil
}

func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "storage"),
		subs:   make(map[string][]chan ports.StorageEvent),
	}
}

func (s *Store) Get(key string) (value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		exists = true
		value, err = item.ValueCopy(nil)
		return err
	})

	return value, exists, err
}

func (s *Store) Put(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return err
	}

	s.broadcast(ports.StorageEvent{Type: ports.EventPut, Key: key})
	return nil
}

func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return err
	}

	s.broadcast(ports.StorageEvent{Type: ports.EventDelete, Key: key})
	return nil
}

func (s *Store) BatchWrite(ops []ports.WriteOp) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			switch op.Type {
			case ports.OpPut:
				if err := txn.Set([]byte(op.Key), op.Value); err != nil {
					return err
				}
			case ports.OpDelete:
				if err := txn.Delete([]byte(op.Key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, op := range ops {
		eventType := ports.EventPut
		if op.Type == ports.OpDelete {
			eventType = ports.EventDelete
		}
		s.broadcast(ports.StorageEvent{Type: eventType, Key: op.Key})
	}

	return nil
}

func (s *Store) GetNext(prefix string) (key string, value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = true
		opts.PrefetchSize = 1

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek([]byte(prefix))
		if !it.ValidForPrefix([]byte(prefix)) {
			return nil
		}

		item := it.Item()
		key = string(item.Key())
		exists = true
		value, err = item.ValueCopy(nil)
		return err
	})

	return key, value, exists, err
}

func (s *Store) GetNextAfter(prefix string, afterKey string) (key string, value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = true
		opts.PrefetchSize = 1

		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past afterKey by appending a zero byte.
		it.Seek(append([]byte(afterKey), 0))
		if !it.ValidForPrefix([]byte(prefix)) {
			return nil
		}

		item := it.Item()
		key = string(item.Key())
		exists = true
		value, err = item.ValueCopy(nil)
		return err
	})

	return key, value, exists, err
}

func (s *Store) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	var results []ports.KeyValue

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			results = append(results, ports.KeyValue{
				Key:   string(item.Key()),
				Value: value,
			})
		}
		return nil
	})

	return results, err
}

func (s *Store) CountPrefix(prefix string) (count int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

func (s *Store) DeleteByPrefix(prefix string) (deletedCount int, err error) {
	keys, err := s.ListByPrefix(prefix)
	if err != nil {
		return 0, err
	}

	// Chunked so no single transaction grows past badger's txn limits or
	// holds writers for long.
	const chunkSize = 100
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			for _, kv := range keys[start:end] {
				if err := txn.Delete([]byte(kv.Key)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deletedCount, err
		}
		deletedCount += end - start
	}

	return deletedCount, nil
}

func (s *Store) AtomicIncrement(key string) (newValue int64, err error) {
	// Badger aborts conflicting transactions instead of blocking, so
	// concurrent increments retry until they serialize.
	for {
		err = s.db.Update(func(txn *badger.Txn) error {
			var current int64

			item, err := txn.Get([]byte(key))
			if err == nil {
				value, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				current, err = strconv.ParseInt(string(value), 10, 64)
				if err != nil {
					return &domain.StorageError{Type: domain.ErrCorrupted, Key: key, Message: "counter is not numeric: " + key}
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			newValue = current + 1
			return txn.Set([]byte(key), []byte(strconv.FormatInt(newValue, 10)))
		})

		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return newValue, err
	}
}

func (s *Store) RunInTransaction(fn func(tx ports.Transaction) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&transaction{txn: txn})
	})
}

// Subscribe delivers change events for keys under prefix until the returned
// cancel function runs. Slow subscribers drop events rather than block
// writers; consumers treat events as wakeup hints, not a change log.
func (s *Store) Subscribe(prefix string) (<-chan ports.StorageEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, domain.NewClosedError("storage")
	}

	ch := make(chan ports.StorageEvent, 16)
	s.subs[prefix] = append(s.subs[prefix], ch)

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		channels := s.subs[prefix]
		for i, sub := range channels {
			if sub == ch {
				s.subs[prefix] = append(channels[:i], channels[i+1:]...)
				close(ch)
				break
			}
		}
		if len(s.subs[prefix]) == 0 {
			delete(s.subs, prefix)
		}
	}

	return ch, cancel, nil
}

func (s *Store) broadcast(event ports.StorageEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	for prefix, channels := range s.subs {
		if !strings.HasPrefix(event.Key, prefix) {
			continue
		}
		for _, ch := range channels {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, channels := range s.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan ports.StorageEvent)
	s.mu.Unlock()

	return s.db.Close()
}

type transaction struct {
	txn *badger.Txn
}

func (t *transaction) Get(key string) (value []byte, exists bool, err error) {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	value, err = item.ValueCopy(nil)
	return value, err == nil, err
}

func (t *transaction) Put(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t *transaction) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}
