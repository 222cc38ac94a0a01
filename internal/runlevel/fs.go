package runlevel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FS implements Catalog and Graph over the classic directory layout:
//
//	<InitDir>/<service>                      executable service script
//	<RunlevelDir>/<runlevel>/                one directory per runlevel
//	<RunlevelDir>/<runlevel>/<service>       symlink to the script (membership)
//	<RunlevelDir>/<runlevel>/<stacked>       symlink to ../<stacked> (stack edge)
//	<SvcDir>/softlevel                       name of the active runlevel
type FS struct {
	InitDir     string
	RunlevelDir string
	SvcDir      string
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/')
}

func (f FS) ServiceExists(service string) error {
	if !validName(service) {
		return ErrServiceNotFound
	}
	st, err := os.Stat(filepath.Join(f.InitDir, service))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrServiceNotFound
		}
		return err
	}
	if st.IsDir() {
		return ErrServiceNotFound
	}
	if st.Mode().Perm()&0o111 == 0 {
		return ErrNotExecutable
	}
	return nil
}

func (f FS) RunlevelExists(runlevel string) bool {
	if !validName(runlevel) {
		return false
	}
	st, err := os.Stat(filepath.Join(f.RunlevelDir, runlevel))
	return err == nil && st.IsDir()
}

func (f FS) Runlevels() ([]string, error) {
	return f.list(f.RunlevelDir, true)
}

func (f FS) Services() ([]string, error) {
	return f.list(f.InitDir, false)
}

// list returns sorted entry names of dir whose (symlink-resolved) type
// matches wantDir. A missing directory yields an empty list.
func (f FS) list(dir string, wantDir bool) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		st, err := os.Stat(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if st.IsDir() == wantDir {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f FS) Current() (string, error) {
	b, err := os.ReadFile(filepath.Join(f.SvcDir, "softlevel"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Sysinit, nil
		}
		return "", err
	}
	if rl := strings.TrimSpace(string(b)); rl != "" {
		return rl, nil
	}
	return Sysinit, nil
}

func (f FS) entry(runlevel, name string) string {
	return filepath.Join(f.RunlevelDir, runlevel, name)
}

// isStackEntry reports whether the runlevel entry resolves to a directory.
func (f FS) isStackEntry(runlevel, name string) bool {
	st, err := os.Stat(f.entry(runlevel, name))
	return err == nil && st.IsDir()
}

func (f FS) InRunlevel(service, runlevel string) bool {
	if !validName(service) || !validName(runlevel) {
		return false
	}
	if _, err := os.Lstat(f.entry(runlevel, service)); err != nil {
		return false
	}
	return !f.isStackEntry(runlevel, service)
}

func (f FS) AddService(runlevel, service string) error {
	if !validName(runlevel) || !validName(service) {
		return fmt.Errorf("invalid name %q/%q: %w", runlevel, service, fs.ErrInvalid)
	}
	return os.Symlink(filepath.Join(f.InitDir, service), f.entry(runlevel, service))
}

func (f FS) DeleteService(runlevel, service string) error {
	if !f.InRunlevel(service, runlevel) {
		return fs.ErrNotExist
	}
	return os.Remove(f.entry(runlevel, service))
}

func (f FS) Stack(runlevel, stack string) error {
	if !validName(runlevel) || !validName(stack) {
		return fmt.Errorf("invalid name %q/%q: %w", runlevel, stack, fs.ErrInvalid)
	}
	return os.Symlink(filepath.Join("..", stack), f.entry(runlevel, stack))
}

func (f FS) Unstack(runlevel, stack string) error {
	if !validName(runlevel) || !validName(stack) {
		return fs.ErrNotExist
	}
	p := f.entry(runlevel, stack)
	st, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if st.Mode()&fs.ModeSymlink == 0 || !f.isStackEntry(runlevel, stack) {
		return fs.ErrNotExist
	}
	return os.Remove(p)
}

func (f FS) Stacks(runlevel string) ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(f.RunlevelDir, runlevel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.Type()&fs.ModeSymlink != 0 && f.isStackEntry(runlevel, e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
