package options

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Step is one entry of a stop schedule: send Signal, then wait up to
// Timeout for the process to exit. Forever waits without bound.
type Step struct {
	Signal  syscall.Signal
	Timeout time.Duration
	Forever bool
}

// Schedule is the ordered list of steps used to stop a process.
type Schedule []Step

// DefaultSchedule is SIGTERM/5/SIGKILL/5.
func DefaultSchedule() Schedule {
	return Schedule{
		{Signal: syscall.SIGTERM, Timeout: 5 * time.Second},
		{Signal: syscall.SIGKILL, Timeout: 5 * time.Second},
	}
}

// ParseSchedule parses a --retry value. A lone timeout T means
// SIGTERM/T/SIGKILL/T. Otherwise items alternate between a signal and a
// timeout, separated by '/'; "forever" as a timeout waits without bound.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultSchedule(), nil
	}
	items := strings.Split(s, "/")
	if len(items) == 1 {
		d, err := parseSeconds(items[0])
		if err != nil {
			return nil, fmt.Errorf("%w: retry %q", ErrInvalid, s)
		}
		return Schedule{{Signal: syscall.SIGTERM, Timeout: d}, {Signal: syscall.SIGKILL, Timeout: d}}, nil
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("%w: retry %q must pair every signal with a timeout", ErrInvalid, s)
	}
	var out Schedule
	for i := 0; i < len(items); i += 2 {
		sig, err := ParseSignal(items[i])
		if err != nil {
			return nil, fmt.Errorf("%w: retry %q: %v", ErrInvalid, s, err)
		}
		st := Step{Signal: sig}
		if strings.EqualFold(strings.TrimSpace(items[i+1]), "forever") {
			st.Forever = true
		} else if st.Timeout, err = parseSeconds(items[i+1]); err != nil {
			return nil, fmt.Errorf("%w: retry %q: bad timeout %q", ErrInvalid, s, items[i+1])
		}
		out = append(out, st)
	}
	return out, nil
}

func (s Schedule) String() string {
	parts := make([]string, 0, 2*len(s))
	for _, st := range s {
		parts = append(parts, unix.SignalName(st.Signal))
		if st.Forever {
			parts = append(parts, "forever")
		} else {
			parts = append(parts, strconv.FormatFloat(st.Timeout.Seconds(), 'f', -1, 64))
		}
	}
	return strings.Join(parts, "/")
}

// ParseSignal accepts a signal number, a name such as "HUP", or "SIGHUP".
func ParseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty signal")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 64 {
			return 0, fmt.Errorf("signal %d out of range", n)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// parseSeconds reads an integer number of seconds or a Go duration string.
func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
