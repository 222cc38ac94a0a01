package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/renameio/v2"
)

// pidAlive returns true if a process with given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDMeta is the optional second line of a pidfile.
type PIDMeta struct {
	Service   string `json:"service,omitempty"`
	StartUnix int64  `json:"start_unix,omitempty"`
}

// PIDFile is a parsed pidfile.
type PIDFile struct {
	PID  int
	Meta PIDMeta
}

// WritePIDFile atomically writes pid and its start time to path.
func WritePIDFile(path string, pid int, service string) error {
	meta, err := json.Marshal(PIDMeta{Service: service, StartUnix: ProcStartUnix(pid)})
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(meta)+"\n"), 0o644)
}

// ReadPIDFile parses path. A missing meta line is not an error, so plain
// pidfiles written by other tools are accepted.
func ReadPIDFile(path string) (PIDFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PIDFile{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return PIDFile{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	pf := PIDFile{PID: pid}
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &pf.Meta)
	}
	return pf, nil
}

// PIDFileDetector detects a process via a pidfile. A recorded start time
// that does not match the live process means the pid was reused.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive(_ context.Context) (bool, error) {
	pf, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if pf.Meta.StartUnix > 0 {
		cur := ProcStartUnix(pf.PID)
		if cur > 0 && cur != pf.Meta.StartUnix {
			return false, nil
		}
	}
	return pidAlive(pf.PID), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(context.Context) (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string                    { return fmt.Sprintf("pid:%d", d.PID) }
