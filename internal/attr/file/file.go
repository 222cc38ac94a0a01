// Package file implements attr.Store as a directory tree: one directory per
// service and one file per key, each replaced atomically.
package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/loykin/rcvisor/internal/attr"
)

// Store keeps records under Dir/<service>/<key>.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("empty attribute directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(service, key string) string {
	return filepath.Join(s.Dir, service, key)
}

func (s *Store) Set(_ context.Context, service, key, value string) error {
	if err := attr.Validate(service, key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.Dir, service), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(s.path(service, key), []byte(value), 0o644)
}

func (s *Store) Get(_ context.Context, service, key string) (string, bool, error) {
	if err := attr.Validate(service, key); err != nil {
		return "", false, err
	}
	b, err := os.ReadFile(s.path(service, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(b), true, nil
}

func (s *Store) List(_ context.Context, service string) (map[string]string, error) {
	if err := attr.ValidateName(service); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.Dir, service)
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := make(map[string]string, len(ents))
	for _, e := range ents {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[e.Name()] = string(b)
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, service, key string) error {
	if err := attr.Validate(service, key); err != nil {
		return err
	}
	err := os.Remove(s.path(service, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }
