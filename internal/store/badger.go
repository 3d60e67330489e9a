package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"reteul/internal/logging"
	"reteul/internal/types"
)

// Key layout:
//
//	f/<id>                          fact JSON
//	x/<field>/<value>\x00<id>       field index, empty value
//	q/<network>\x00<seq:8 bytes>    queued fact JSON
var (
	prefixFact  = []byte("f/")
	prefixIndex = []byte("x/")
	prefixQueue = []byte("q/")
	queueSeqKey = []byte("seq/import_queue")
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Path is the database directory; ignored when InMemory is set.
	Path     string
	InMemory bool
}

// BadgerStore keeps facts, a field index and the import queue in BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// badgerLogger routes BadgerDB's internal logging to the store category.
type badgerLogger struct {
	log *logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Error(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warn(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Debug(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debug(format, args...) }

// NewBadgerStore opens a Badger database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{log: logging.Get(logging.CategoryStore)})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence(queueSeqKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badger queue sequence: %w", err)
	}
	logging.Store("Opened Badger fact store (in-memory=%v path=%s)", opts.InMemory, opts.Path)
	return &BadgerStore{db: db, seq: seq}, nil
}

// Close releases the queue sequence and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		logging.Get(logging.CategoryStore).Warn("release badger sequence: %v", err)
	}
	return s.db.Close()
}

func factKey(id types.FactID) []byte {
	return append(append([]byte(nil), prefixFact...), id...)
}

func indexPrefix(field types.Field, value string) []byte {
	k := append([]byte(nil), prefixIndex...)
	k = append(k, field.String()...)
	k = append(k, '/')
	k = append(k, value...)
	return append(k, 0)
}

func indexKey(field types.Field, value string, id types.FactID) []byte {
	return append(indexPrefix(field, value), id...)
}

func queuePrefix(network string) []byte {
	k := append(append([]byte(nil), prefixQueue...), network...)
	return append(k, 0)
}

// storedFact is the JSON value shape of facts and queue entries.
type storedFact struct {
	ID        string `json:"id"`
	Subject   string `json:"s"`
	Predicate string `json:"p"`
	Object    string `json:"o"`
	Delete    bool   `json:"del,omitempty"`
}

func encodeFact(f types.Fact, del bool) ([]byte, error) {
	return json.Marshal(storedFact{ID: string(f.ID), Subject: f.Subject, Predicate: f.Predicate, Object: f.Object, Delete: del})
}

func decodeFact(b []byte) (types.Fact, bool, error) {
	var sf storedFact
	if err := json.Unmarshal(b, &sf); err != nil {
		return types.Fact{}, false, err
	}
	return types.Fact{ID: types.FactID(sf.ID), Subject: sf.Subject, Predicate: sf.Predicate, Object: sf.Object}, sf.Delete, nil
}

func getFact(txn *badger.Txn, id types.FactID) (types.Fact, error) {
	item, err := txn.Get(factKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.Fact{}, types.ErrFactNotFound
	}
	if err != nil {
		return types.Fact{}, err
	}
	var f types.Fact
	err = item.Value(func(val []byte) error {
		var derr error
		f, _, derr = decodeFact(val)
		return derr
	})
	return f, err
}

func (s *BadgerStore) Get(_ context.Context, id types.FactID) (types.Fact, error) {
	var f types.Fact
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		f, err = getFact(txn, id)
		return err
	})
	return f, err
}

func (s *BadgerStore) Put(_ context.Context, f types.Fact) (types.Fact, error) {
	if f.ID == "" {
		f.ID = types.NewFactID()
	}
	val, err := encodeFact(f, false)
	if err != nil {
		return types.Fact{}, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		old, err := getFact(txn, f.ID)
		switch {
		case err == nil:
			for _, field := range types.Fields {
				if err := txn.Delete(indexKey(field, old.Field(field), old.ID)); err != nil {
					return err
				}
			}
		case !errors.Is(err, types.ErrFactNotFound):
			return err
		}
		if err := txn.Set(factKey(f.ID), val); err != nil {
			return err
		}
		for _, field := range types.Fields {
			if err := txn.Set(indexKey(field, f.Field(field), f.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Fact{}, fmt.Errorf("put fact %s: %w", f.ID, err)
	}
	logging.StoreDebug("Stored fact %s", f)
	return f, nil
}

func (s *BadgerStore) Delete(_ context.Context, id types.FactID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getFact(txn, id)
		if errors.Is(err, types.ErrFactNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, field := range types.Fields {
			if err := txn.Delete(indexKey(field, old.Field(field), id)); err != nil {
				return err
			}
		}
		return txn.Delete(factKey(id))
	})
}

// FindByField returns the ids of facts whose field equals value, sorted.
func (s *BadgerStore) FindByField(_ context.Context, field types.Field, value string) ([]types.FactID, error) {
	if !field.Valid() {
		return nil, errUnknownField(field)
	}
	prefix := indexPrefix(field, value)
	var out []types.FactID
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			out = append(out, types.FactID(key[len(prefix):]))
		}
		return nil
	})
	return out, err
}

// All returns every stored fact ordered by id.
func (s *BadgerStore) All(_ context.Context) ([]types.Fact, error) {
	var out []types.Fact
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefixFact})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				f, _, err := decodeFact(val)
				if err == nil {
					out = append(out, f)
				}
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// =============================================================================
// IMPORT QUEUE
// =============================================================================

func (s *BadgerStore) Push(_ context.Context, network string, f types.Fact, del bool) error {
	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	val, err := encodeFact(f, del)
	if err != nil {
		return err
	}
	key := binary.BigEndian.AppendUint64(queuePrefix(network), n)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (s *BadgerStore) Pop(_ context.Context, network string) (types.QueuedFact, bool, error) {
	var (
		q     types.QueuedFact
		found bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: queuePrefix(network)})
		it.Rewind()
		if !it.Valid() {
			it.Close()
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		it.Close()
		if err != nil {
			return err
		}
		if q.Fact, q.Delete, err = decodeFact(val); err != nil {
			return err
		}
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return types.QueuedFact{}, false, fmt.Errorf("pop %s: %w", network, err)
	}
	return q, found, nil
}

func (s *BadgerStore) Len(_ context.Context, network string) (int, error) {
	n := 0
	prefix := queuePrefix(network)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
