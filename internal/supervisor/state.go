package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// State is the lifecycle state of a supervised service.
type State int

const (
	StateInit State = iota
	StateSpawning
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the supervisor has finished.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateInit; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Status is a snapshot of a supervisor, also persisted for out of process
// queries.
type Status struct {
	Service   string    `json:"service"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartUnix int64     `json:"start_unix,omitempty"`
	Started   time.Time `json:"started,omitempty"`
	Ready     bool      `json:"ready"`
	Respawns  int       `json:"respawns"`
	LastExit  string    `json:"last_exit,omitempty"`
	Updated   time.Time `json:"updated"`
}

// statusDir holds one status file per supervised service.
const statusDir = ".status"

// StatusPath returns the status file of service under the daemons directory.
func StatusPath(daemonsDir, service string) string {
	return filepath.Join(daemonsDir, statusDir, service)
}

// WriteStatus atomically replaces the status file of st.Service.
func WriteStatus(daemonsDir string, st Status) error {
	path := StatusPath(daemonsDir, st.Service)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append(b, '\n'), 0o644)
}

// ReadStatus loads the status file of service. A service that was never
// supervised reports fs.ErrNotExist.
func ReadStatus(daemonsDir, service string) (Status, error) {
	var st Status
	b, err := os.ReadFile(StatusPath(daemonsDir, service))
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("status of %s: %w", service, err)
	}
	return st, nil
}

// RemoveStatus deletes the status file of service.
func RemoveStatus(daemonsDir, service string) error {
	err := os.Remove(StatusPath(daemonsDir, service))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
