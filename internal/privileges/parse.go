package privileges

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/syndtr/gocapability/capability"
)

// Linux scheduling policy numbers.
const (
	schedOther = 0
	schedFIFO  = 1
	schedRR    = 2
	schedBatch = 3
	schedIdle  = 5
)

// IONice is an I/O scheduling class and priority level.
type IONice struct {
	Class int `json:"class"`
	Level int `json:"level"`
}

// ParseIONice parses "class[:level]" where class is 0-3 (none, realtime,
// best-effort, idle) and level 0-7.
func ParseIONice(s string) (IONice, error) {
	cls, lvl, hasLvl := strings.Cut(strings.TrimSpace(s), ":")
	c, err := strconv.Atoi(cls)
	if err != nil || c < 0 || c > 3 {
		return IONice{}, fmt.Errorf("invalid ionice class %q", s)
	}
	n := IONice{Class: c}
	if hasLvl {
		l, err := strconv.Atoi(lvl)
		if err != nil || l < 0 || l > 7 {
			return IONice{}, fmt.Errorf("invalid ionice level %q", s)
		}
		n.Level = l
	}
	// class "none" has no level
	if n.Class == 0 {
		n.Level = 0
	}
	return n, nil
}

// Value returns the ioprio_set encoding.
func (n IONice) Value() int { return n.Class<<13 | n.Level }

// Scheduler is a scheduling policy with its static priority.
type Scheduler struct {
	Policy   int `json:"policy"`
	Priority int `json:"priority"`
}

var schedPolicies = map[string]int{
	"other": schedOther,
	"fifo":  schedFIFO,
	"rr":    schedRR,
	"batch": schedBatch,
	"idle":  schedIdle,
}

// ParseScheduler parses a policy name (other, fifo, rr, batch, idle) or
// number, and an optional priority. Realtime policies default to the
// lowest realtime priority.
func ParseScheduler(policy, priority string) (Scheduler, error) {
	var s Scheduler
	p, ok := schedPolicies[strings.ToLower(strings.TrimSpace(policy))]
	if !ok {
		n, err := strconv.Atoi(policy)
		if err != nil || n < 0 {
			return s, fmt.Errorf("invalid scheduler %q", policy)
		}
		p = n
	}
	s.Policy = p
	realtime := p == schedFIFO || p == schedRR
	if realtime {
		s.Priority = 1
	}
	if strings.TrimSpace(priority) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(priority))
		if err != nil {
			return s, fmt.Errorf("invalid scheduler priority %q", priority)
		}
		if realtime && (n < 1 || n > 99) || !realtime && n != 0 {
			return s, fmt.Errorf("scheduler priority %d out of range for policy %q", n, policy)
		}
		s.Priority = n
	}
	return s, nil
}

// ParseSecbits parses a securebits mask; 0x and 0 prefixes select hex and octal.
func ParseSecbits(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid secbits %q", s)
	}
	return v, nil
}

// ParseUmask parses an octal file mode creation mask.
func ParseUmask(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil || v > 0o777 {
		return 0, fmt.Errorf("invalid umask %q", s)
	}
	return uint32(v), nil
}

// Capabilities is a parsed inheritable/ambient/bounding vector in the
// libcap IAB text form: "cap_x" adds to the inheritable set, "^cap_x" to
// the ambient and inheritable sets, "!cap_x" drops from the bounding set.
type Capabilities struct {
	Inheritable []capability.Cap `json:"inheritable,omitempty"`
	Ambient     []capability.Cap `json:"ambient,omitempty"`
	Bound       []capability.Cap `json:"drop_bound,omitempty"`
}

// ParseCapabilities parses a comma separated IAB list.
func ParseCapabilities(s string) (Capabilities, error) {
	var c Capabilities
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		mode := byte(0)
		if item[0] == '!' || item[0] == '^' || item[0] == '%' {
			mode, item = item[0], item[1:]
		}
		cp, ok := lookupCap(item)
		if !ok {
			return Capabilities{}, fmt.Errorf("unknown capability %q", item)
		}
		switch mode {
		case '!':
			c.Bound = append(c.Bound, cp)
		case '^':
			c.Ambient = append(c.Ambient, cp)
			c.Inheritable = append(c.Inheritable, cp)
		default:
			c.Inheritable = append(c.Inheritable, cp)
		}
	}
	return c, nil
}

func lookupCap(name string) (capability.Cap, bool) {
	name = strings.TrimPrefix(strings.ToLower(name), "cap_")
	for _, c := range capability.List() {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// Credentials are the numeric ids a "user[:group]" spec resolves to.
type Credentials struct {
	User   string
	Home   string
	UID    int
	GID    int
	Groups []int
}

// LookupUser resolves "user[:group]" by name or number. Without an explicit
// group the user's primary group is used; supplementary groups come from the
// group database.
func LookupUser(spec string) (Credentials, error) {
	name, group, hasGroup := strings.Cut(strings.TrimSpace(spec), ":")
	var cr Credentials
	u, err := user.Lookup(name)
	if err != nil {
		if u, err = user.LookupId(name); err != nil {
			return cr, fmt.Errorf("user %q not found", name)
		}
	}
	if cr.UID, err = strconv.Atoi(u.Uid); err != nil {
		return cr, fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
	}
	if cr.GID, err = strconv.Atoi(u.Gid); err != nil {
		return cr, fmt.Errorf("user %q has non-numeric gid %q", name, u.Gid)
	}
	cr.User, cr.Home = u.Username, u.HomeDir
	if hasGroup && group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			if g, err = user.LookupGroupId(group); err != nil {
				return cr, fmt.Errorf("group %q not found", group)
			}
		}
		if cr.GID, err = strconv.Atoi(g.Gid); err != nil {
			return cr, fmt.Errorf("group %q has non-numeric gid %q", group, g.Gid)
		}
	}
	ids, err := u.GroupIds()
	if err == nil {
		for _, id := range ids {
			if n, err := strconv.Atoi(id); err == nil {
				cr.Groups = append(cr.Groups, n)
			}
		}
	}
	return cr, nil
}
