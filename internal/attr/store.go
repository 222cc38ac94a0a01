// Package attr persists per-service key/value attributes. A short lived
// client writes start parameters here before signalling a supervisor, which
// reads them back when it spawns the service.
package attr

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// GlobalScope is the service name used for records that apply to every service.
const GlobalScope = "rc"

// EnvPrefix marks attribute keys that hold exported environment variables.
const EnvPrefix = "env."

// ErrInvalidName is returned for empty or path-like service or key names.
var ErrInvalidName = errors.New("attr: invalid service or key name")

// Store is a durable per-service key/value store. Set overwrites; Get on a
// missing key returns ok=false and a nil error. Implementations must be safe
// for use by a single process at a time; no lock is held across multiple
// calls, so overlapping writers for the same service may interleave.
type Store interface {
	Set(ctx context.Context, service, key, value string) error
	Get(ctx context.Context, service, key string) (value string, ok bool, err error)
	List(ctx context.Context, service string) (map[string]string, error)
	Delete(ctx context.Context, service, key string) error
	Close() error
}

// ValidateName rejects names that cannot be used as a service or key.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return ErrInvalidName
	}
	return nil
}

// Validate checks both parts of a (service, key) pair.
func Validate(service, key string) error {
	if err := ValidateName(service); err != nil {
		return err
	}
	return ValidateName(key)
}

// Export stores an environment record for service. When value is nil it is
// resolved from lookup using key as the variable name; if that fails too the
// record is skipped and exported reports false.
func Export(ctx context.Context, s Store, service, key string, value *string, lookup func(string) (string, bool)) (exported bool, err error) {
	if service == "" {
		service = GlobalScope
	}
	v := ""
	switch {
	case value != nil:
		v = *value
	case lookup != nil:
		var ok bool
		if v, ok = lookup(key); !ok {
			return false, nil
		}
	default:
		return false, nil
	}
	if err := s.Set(ctx, service, EnvPrefix+key, v); err != nil {
		return false, err
	}
	return true, nil
}

// Environ returns the exported environment records of the global scope
// followed by those of service, as sorted KEY=VALUE pairs per scope. Later
// entries override earlier ones when merged.
func Environ(ctx context.Context, s Store, service string) ([]string, error) {
	var out []string
	scopes := []string{GlobalScope}
	if service != "" && service != GlobalScope {
		scopes = append(scopes, service)
	}
	for _, scope := range scopes {
		recs, err := s.List(ctx, scope)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(recs))
		for k := range recs {
			if strings.HasPrefix(k, EnvPrefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, EnvPrefix)+"="+recs[k])
		}
	}
	return out, nil
}
