// Package env composes the environment of a supervised child.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over a base environment.
type Env struct {
	base Var
	Var  Var // global variables (K->V)
}

// New returns an Env with an empty base.
func New() *Env {
	return &Env{base: make(Var), Var: make(Var)}
}

// FromOS returns an Env whose base is the current process environment.
func FromOS() *Env {
	e := New()
	e.base = parse(os.Environ())
	return e
}

// FromList returns an Env whose base is the given "K=V" entries.
func FromList(kvs []string) *Env {
	e := New()
	e.base = parse(kvs)
	return e
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	delete(e.Var, k)
	delete(e.base, k)
}

// Merge composes the final environment: the base, then the global
// variables, then each layer of "K=V" entries in order. Values of the global
// variables and the layers may reference earlier variables as ${VAR}. The
// result is sorted by key.
func (e *Env) Merge(layers ...[]string) []string {
	m := make(Var, len(e.base)+len(e.Var))
	for k, v := range e.base {
		m[k] = v
	}
	apply := func(over Var) {
		keys := make([]string, 0, len(over))
		for k := range over {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		resolved := make(Var, len(over))
		for _, k := range keys {
			resolved[k] = expand(over[k], m)
		}
		for k, v := range resolved {
			m[k] = v
		}
	}
	apply(e.Var)
	for _, l := range layers {
		apply(parse(l))
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// expand replaces ${VAR} references with values from m. Unknown names
// expand to the empty string; a lone '$' is kept.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
	b.WriteString(s)
	return b.String()
}
