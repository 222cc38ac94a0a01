//go:build linux

package privileges

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

const ioprioWhoProcess = 1

// Apply makes the adjustments of p to the calling process in a fixed order:
// chroot, chdir, umask, nice, ionice, oom-score-adj, scheduler, keep-caps,
// groups and gid, uid, capabilities, secbits, no-new-privs.
func Apply(p Plan) error {
	runtime.LockOSThread()

	if p.Chroot != "" {
		if err := unix.Chroot(p.Chroot); err != nil {
			return fmt.Errorf("chroot %s: %w", p.Chroot, err)
		}
	}
	dir := p.Chdir
	if dir == "" && p.Chroot != "" {
		dir = "/"
	}
	if dir != "" {
		if err := unix.Chdir(dir); err != nil {
			return fmt.Errorf("chdir %s: %w", dir, err)
		}
	}
	if p.Umask != nil {
		unix.Umask(int(*p.Umask))
	}
	if p.Nice != nil {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, *p.Nice); err != nil {
			return fmt.Errorf("setpriority %d: %w", *p.Nice, err)
		}
	}
	if p.IONice != nil {
		if _, _, e := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, 0, uintptr(p.IONice.Value())); e != 0 {
			return fmt.Errorf("ioprio_set: %w", e)
		}
	}
	if p.OOMScoreAdj != nil {
		if err := os.WriteFile("/proc/self/oom_score_adj", []byte(strconv.Itoa(*p.OOMScoreAdj)), 0); err != nil {
			return fmt.Errorf("oom_score_adj: %w", err)
		}
	}
	if p.Scheduler != nil {
		attr := unix.SchedAttr{Policy: uint32(p.Scheduler.Policy), Priority: uint32(p.Scheduler.Priority)}
		if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
			return fmt.Errorf("sched_setattr: %w", err)
		}
	}
	if p.Capabilities != nil && p.UID != nil {
		if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("keep caps: %w", err)
		}
	}
	if p.GID != nil {
		groups := p.Groups
		if groups == nil {
			groups = []int{*p.GID}
		}
		if err := unix.Setgroups(groups); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setgid(*p.GID); err != nil {
			return fmt.Errorf("setgid %d: %w", *p.GID, err)
		}
	}
	if p.UID != nil {
		if err := unix.Setuid(*p.UID); err != nil {
			return fmt.Errorf("setuid %d: %w", *p.UID, err)
		}
	}
	if p.Capabilities != nil {
		if err := applyCapabilities(*p.Capabilities); err != nil {
			return fmt.Errorf("capabilities: %w", err)
		}
	}
	if p.Secbits != nil {
		if err := unix.Prctl(unix.PR_SET_SECUREBITS, uintptr(*p.Secbits), 0, 0, 0); err != nil {
			return fmt.Errorf("secbits: %w", err)
		}
	}
	if p.NoNewPrivs {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("no_new_privs: %w", err)
		}
	}
	return nil
}

func applyCapabilities(c Capabilities) error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return err
	}
	if err := caps.Load(); err != nil {
		return err
	}
	caps.Unset(capability.BOUNDING, c.Bound...)
	caps.Unset(capability.INHERITABLE|capability.AMBIENT, capability.List()...)
	caps.Set(capability.INHERITABLE, c.Inheritable...)
	// raising an ambient capability requires it to be permitted and inheritable
	caps.Set(capability.AMBIENT, c.Ambient...)
	kind := capability.CAPS | capability.AMBS
	if len(c.Bound) > 0 {
		kind |= capability.BOUNDS
	}
	return caps.Apply(kind)
}

// Exec applies p and replaces the process with p.Argv. It only returns on error.
func Exec(p Plan, env []string) error {
	if err := Apply(p); err != nil {
		return err
	}
	path, err := exec.LookPath(p.Argv[0])
	if err != nil {
		return err
	}
	return unix.Exec(path, p.Argv, StripPlan(env))
}
