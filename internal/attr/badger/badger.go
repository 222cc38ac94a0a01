// Package badger implements attr.Store on an embedded badger key/value
// database. Keys are stored as "<service>\x00<key>".
package badger

import (
	"bytes"
	"context"
	"errors"

	bdg "github.com/dgraph-io/badger/v4"

	"github.com/loykin/rcvisor/internal/attr"
)

// DB wraps a badger database.
type DB struct {
	db *bdg.DB
}

// New opens (or creates) a badger database in dir. An empty dir opens an
// in-memory database.
func New(dir string) (*DB, error) {
	opts := bdg.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := bdg.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

func recordKey(service, key string) []byte {
	b := make([]byte, 0, len(service)+len(key)+1)
	b = append(b, service...)
	b = append(b, 0)
	return append(b, key...)
}

func (s *DB) Set(_ context.Context, service, key, value string) error {
	if err := attr.Validate(service, key); err != nil {
		return err
	}
	return s.db.Update(func(txn *bdg.Txn) error {
		return txn.Set(recordKey(service, key), []byte(value))
	})
}

func (s *DB) Get(_ context.Context, service, key string) (string, bool, error) {
	if err := attr.Validate(service, key); err != nil {
		return "", false, err
	}
	var v []byte
	err := s.db.View(func(txn *bdg.Txn) error {
		item, err := txn.Get(recordKey(service, key))
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, bdg.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

func (s *DB) List(_ context.Context, service string) (map[string]string, error) {
	if err := attr.ValidateName(service); err != nil {
		return nil, err
	}
	prefix := recordKey(service, "")
	out := make(map[string]string)
	err := s.db.View(func(txn *bdg.Txn) error {
		opts := bdg.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(bytes.TrimPrefix(item.KeyCopy(nil), prefix))] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DB) Delete(_ context.Context, service, key string) error {
	if err := attr.Validate(service, key); err != nil {
		return err
	}
	return s.db.Update(func(txn *bdg.Txn) error {
		return txn.Delete(recordKey(service, key))
	})
}

func (s *DB) Close() error { return s.db.Close() }
