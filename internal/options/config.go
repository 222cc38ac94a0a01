package options

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/loykin/rcvisor/internal/attr"
	"github.com/loykin/rcvisor/internal/privileges"
)

// Defaults applied when an option is absent.
const (
	DefaultRespawnDelay = 0
	DefaultRespawnMax   = 10
)

// NotifyKind selects how a child reports readiness.
type NotifyKind int

const (
	NotifyNone NotifyKind = iota
	// NotifyFD: the child writes a newline to an inherited pipe.
	NotifyFD
	// NotifySocket: the child sends READY=1 to $NOTIFY_SOCKET.
	NotifySocket
)

// Readiness is a parsed --notify value.
type Readiness struct {
	Kind NotifyKind
	FD   int `validate:"omitempty,min=3,max=1023"`
}

// ParseReadiness parses "fd:N" or "socket:ready".
func ParseReadiness(s string) (Readiness, error) {
	kind, arg, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Readiness{}, fmt.Errorf("%w: notify %q", ErrInvalid, s)
	}
	switch kind {
	case "fd":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 3 {
			return Readiness{}, fmt.Errorf("%w: notify fd %q", ErrInvalid, arg)
		}
		return Readiness{Kind: NotifyFD, FD: n}, nil
	case "socket":
		if arg != "ready" {
			return Readiness{}, fmt.Errorf("%w: notify socket %q", ErrInvalid, arg)
		}
		return Readiness{Kind: NotifySocket}, nil
	}
	return Readiness{}, fmt.Errorf("%w: notify %q", ErrInvalid, s)
}

// Config is the decoded, validated snapshot of a service's start options.
type Config struct {
	Service string   `validate:"required"`
	Argv    []string `validate:"min=1,dive,required"`

	Pidfile string
	Retry   Schedule

	Stdin        string
	Stdout       string `validate:"excluded_with=StdoutLogger"`
	Stderr       string `validate:"excluded_with=StderrLogger"`
	StdoutLogger string
	StderrLogger string

	HealthcheckTimer time.Duration
	HealthcheckDelay time.Duration

	RespawnDelay  time.Duration
	RespawnMax    int `validate:"gte=0"`
	RespawnPeriod time.Duration

	Notify Readiness

	User         string
	Chdir        string
	Chroot       string
	Umask        *uint32
	Nice         *int `validate:"omitempty,min=-20,max=19"`
	IONice       *privileges.IONice
	OOMScoreAdj  *int `validate:"omitempty,min=-1000,max=1000"`
	Capabilities *privileges.Capabilities
	Secbits      *uint64
	NoNewPrivs   bool
	Scheduler    *privileges.Scheduler
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and decodes the start options of service.
func Load(ctx context.Context, s attr.Store, service string) (Config, error) {
	o, argv, err := Read(ctx, s, service)
	if err != nil {
		return Config{}, err
	}
	return Decode(service, o, argv)
}

// Decode converts raw options into a validated Config.
func Decode(service string, o StartOptions, argv []string) (Config, error) {
	c := Config{
		Service:    service,
		Argv:       argv,
		RespawnMax: DefaultRespawnMax,
		NoNewPrivs: o.NoNewPrivs,
	}
	var errs []error
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	c.Pidfile = str(o.Pidfile)
	c.Stdin, c.Stdout, c.Stderr = str(o.Stdin), str(o.Stdout), str(o.Stderr)
	c.StdoutLogger, c.StderrLogger = str(o.StdoutLogger), str(o.StderrLogger)
	c.User, c.Chdir, c.Chroot = str(o.User), str(o.Chdir), str(o.Chroot)

	var err error
	if c.Retry, err = ParseSchedule(str(o.Retry)); err != nil {
		errs = append(errs, err)
	}
	dur := func(name string, p *string, dst *time.Duration) {
		if p == nil {
			return
		}
		d, err := parseSeconds(*p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s %q", ErrInvalid, name, *p))
			return
		}
		*dst = d
	}
	dur(HealthcheckTimer, o.HealthcheckTimer, &c.HealthcheckTimer)
	dur(HealthcheckDelay, o.HealthcheckDelay, &c.HealthcheckDelay)
	dur(RespawnDelay, o.RespawnDelay, &c.RespawnDelay)
	dur(RespawnPeriod, o.RespawnPeriod, &c.RespawnPeriod)

	integer := func(name string, p *string) *int {
		if p == nil {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(*p))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s %q", ErrInvalid, name, *p))
			return nil
		}
		return &n
	}
	if n := integer(RespawnMax, o.RespawnMax); n != nil {
		c.RespawnMax = *n
	}
	c.Nice = integer(NiceLevel, o.NiceLevel)
	c.OOMScoreAdj = integer(OOMScoreAdj, o.OOMScoreAdj)

	if o.Notify != nil {
		if c.Notify, err = ParseReadiness(*o.Notify); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Umask != nil {
		m, err := privileges.ParseUmask(*o.Umask)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
		c.Umask = &m
	}
	if o.IONice != nil {
		n, err := privileges.ParseIONice(*o.IONice)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
		c.IONice = &n
	}
	if o.Capabilities != nil {
		cp, err := privileges.ParseCapabilities(*o.Capabilities)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
		c.Capabilities = &cp
	}
	if o.Secbits != nil {
		b, err := privileges.ParseSecbits(*o.Secbits)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
		c.Secbits = &b
	}
	if o.Scheduler != nil {
		sc, err := privileges.ParseScheduler(*o.Scheduler, str(o.SchedulerPriority))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
		c.Scheduler = &sc
	}
	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Plan returns the pre-exec adjustments for c. Credentials must be resolved
// by the caller through privileges.LookupUser.
func (c Config) Plan(cr *privileges.Credentials) privileges.Plan {
	p := privileges.Plan{
		Argv:         c.Argv,
		Chroot:       c.Chroot,
		Chdir:        c.Chdir,
		Umask:        c.Umask,
		Nice:         c.Nice,
		IONice:       c.IONice,
		OOMScoreAdj:  c.OOMScoreAdj,
		Scheduler:    c.Scheduler,
		Capabilities: c.Capabilities,
		Secbits:      c.Secbits,
		NoNewPrivs:   c.NoNewPrivs,
	}
	if cr != nil {
		uid, gid := cr.UID, cr.GID
		p.UID, p.GID, p.Groups = &uid, &gid, cr.Groups
	}
	return p
}
