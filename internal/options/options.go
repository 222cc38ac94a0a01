// Package options carries the start options of a supervised service from
// the short lived start client to the supervisor, through the attribute store.
package options

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/rcvisor/internal/attr"
)

// ErrInvalid wraps every decoding or validation failure.
var ErrInvalid = errors.New("invalid start options")

// Record keys written before the start request.
const (
	KeyArgc = "argc"
	KeyArgv = "argv"
)

// Long option names, in the order they are written.
const (
	Pidfile           = "pidfile"
	Retry             = "retry"
	Stdin             = "stdin"
	Stdout            = "stdout"
	Stderr            = "stderr"
	StdoutLogger      = "stdout-logger"
	StderrLogger      = "stderr-logger"
	HealthcheckTimer  = "healthcheck-timer"
	HealthcheckDelay  = "healthcheck-delay"
	RespawnDelay      = "respawn-delay"
	RespawnMax        = "respawn-max"
	RespawnPeriod     = "respawn-period"
	Notify            = "notify"
	User              = "user"
	Chdir             = "chdir"
	Chroot            = "chroot"
	Umask             = "umask"
	NiceLevel         = "nicelevel"
	IONice            = "ionice"
	Capabilities      = "capabilities"
	Secbits           = "secbits"
	OOMScoreAdj       = "oom-score-adj"
	NoNewPrivs        = "no-new-privs"
	Scheduler         = "scheduler"
	SchedulerPriority = "scheduler-priority"
)

// StartOptions holds the raw option values given to the start client. Nil
// means the option was not given.
type StartOptions struct {
	Pidfile           *string
	Retry             *string
	Stdin             *string
	Stdout            *string
	Stderr            *string
	StdoutLogger      *string
	StderrLogger      *string
	HealthcheckTimer  *string
	HealthcheckDelay  *string
	RespawnDelay      *string
	RespawnMax        *string
	RespawnPeriod     *string
	Notify            *string
	User              *string
	Chdir             *string
	Chroot            *string
	Umask             *string
	NiceLevel         *string
	IONice            *string
	Capabilities      *string
	Secbits           *string
	OOMScoreAdj       *string
	NoNewPrivs        bool
	Scheduler         *string
	SchedulerPriority *string
}

type field struct {
	name string
	ptr  **string
}

func (o *StartOptions) fields() []field {
	return []field{
		{Pidfile, &o.Pidfile},
		{Retry, &o.Retry},
		{Stdin, &o.Stdin},
		{Stdout, &o.Stdout},
		{Stderr, &o.Stderr},
		{StdoutLogger, &o.StdoutLogger},
		{StderrLogger, &o.StderrLogger},
		{HealthcheckTimer, &o.HealthcheckTimer},
		{HealthcheckDelay, &o.HealthcheckDelay},
		{RespawnDelay, &o.RespawnDelay},
		{RespawnMax, &o.RespawnMax},
		{RespawnPeriod, &o.RespawnPeriod},
		{Notify, &o.Notify},
		{User, &o.User},
		{Chdir, &o.Chdir},
		{Chroot, &o.Chroot},
		{Umask, &o.Umask},
		{NiceLevel, &o.NiceLevel},
		{IONice, &o.IONice},
		{Capabilities, &o.Capabilities},
		{Secbits, &o.Secbits},
		{OOMScoreAdj, &o.OOMScoreAdj},
		{Scheduler, &o.Scheduler},
		{SchedulerPriority, &o.SchedulerPriority},
	}
}

// Names lists every option key in write order.
func Names() []string {
	var o StartOptions
	fs := o.fields()
	out := make([]string, 0, len(fs)+1)
	for _, f := range fs {
		out = append(out, f.name)
	}
	// no-new-privs is the only flag without an argument
	return append(out, NoNewPrivs)
}

// Set assigns a raw value by option name.
func (o *StartOptions) Set(name, value string) error {
	if name == NoNewPrivs {
		o.NoNewPrivs = value != ""
		return nil
	}
	for _, f := range o.fields() {
		if f.name == name {
			v := value
			*f.ptr = &v
			return nil
		}
	}
	return fmt.Errorf("%w: unknown option %q", ErrInvalid, name)
}

// ApplyOverrides fills nicelevel, ionice and oom-score-adj from the given
// environment values. An explicit option always wins.
func (o *StartOptions) ApplyOverrides(nice, ionice, oom *string) {
	if o.NiceLevel == nil && nice != nil {
		o.NiceLevel = nice
	}
	if o.IONice == nil && ionice != nil {
		o.IONice = ionice
	}
	if o.OOMScoreAdj == nil && oom != nil {
		o.OOMScoreAdj = oom
	}
}

// Records returns the attribute records for argv and o: argc, argv with one
// newline terminated entry per argument, then one record per option. Options
// not given are written as "" so stale values from an earlier start are
// cleared; a given flag without argument is written as "true".
func (o *StartOptions) Records(argv []string) [][2]string {
	var b strings.Builder
	for _, a := range argv {
		b.WriteString(a)
		b.WriteByte('\n')
	}
	recs := [][2]string{
		{KeyArgc, strconv.Itoa(len(argv))},
		{KeyArgv, b.String()},
	}
	for _, f := range o.fields() {
		v := ""
		if *f.ptr != nil {
			v = **f.ptr
		}
		recs = append(recs, [2]string{f.name, v})
	}
	nnp := ""
	if o.NoNewPrivs {
		nnp = "true"
	}
	return append(recs, [2]string{NoNewPrivs, nnp})
}

// Write stores the records for argv and o under service.
func (o *StartOptions) Write(ctx context.Context, s attr.Store, service string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: no command given", ErrInvalid)
	}
	for _, r := range o.Records(argv) {
		if err := s.Set(ctx, service, r[0], r[1]); err != nil {
			return fmt.Errorf("store %s: %w", r[0], err)
		}
	}
	return nil
}

// Read loads the raw options and argv of service.
func Read(ctx context.Context, s attr.Store, service string) (StartOptions, []string, error) {
	var o StartOptions
	recs, err := s.List(ctx, service)
	if err != nil {
		return o, nil, err
	}
	argc, err := strconv.Atoi(strings.TrimSpace(recs[KeyArgc]))
	if err != nil || argc <= 0 {
		return o, nil, fmt.Errorf("%w: service %s has no command", ErrInvalid, service)
	}
	lines := strings.Split(recs[KeyArgv], "\n")
	if len(lines) < argc {
		return o, nil, fmt.Errorf("%w: argv holds %d entries, argc is %d", ErrInvalid, len(lines), argc)
	}
	argv := lines[:argc]
	if argv[0] == "" {
		return o, nil, fmt.Errorf("%w: empty command", ErrInvalid)
	}
	for _, f := range o.fields() {
		if v := recs[f.name]; v != "" {
			v := v
			*f.ptr = &v
		}
	}
	o.NoNewPrivs = recs[NoNewPrivs] != ""
	return o, argv, nil
}
