package config

import (
	"os"
	"strings"
)

// Invocation carries the per-process context of one command line tool run:
// the applet name used to prefix diagnostics and the toggles that the
// surrounding init system passes through the environment. It is built once
// in main and threaded through the call graph.
type Invocation struct {
	Applet   string
	Service  string // RC_SVCNAME
	UserMode bool   // RC_USER_SERVICES
	Verbose  bool   // EINFO_VERBOSE
	Quiet    bool   // EINFO_QUIET
	Color    bool   // EINFO_COLOR != no

	// Overrides consumed by the supervision client; nil when unset.
	NiceLevel   *string // SSD_NICELEVEL
	IONiceLevel *string // SSD_IONICELEVEL
	OOMScoreAdj *string // SSD_OOM_SCORE_ADJ

	Lookup func(string) (string, bool)
}

// FromEnv builds an Invocation from lookup (os.LookupEnv when nil).
func FromEnv(applet string, lookup func(string) (string, bool)) Invocation {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) string { v, _ := lookup(k); return v }
	opt := func(k string) *string {
		if v, ok := lookup(k); ok {
			return &v
		}
		return nil
	}
	color := true
	if v, ok := lookup("EINFO_COLOR"); ok && !YesNo(v) {
		color = false
	}
	return Invocation{
		Applet:      applet,
		Service:     get("RC_SVCNAME"),
		UserMode:    YesNo(get("RC_USER_SERVICES")),
		Verbose:     YesNo(get("EINFO_VERBOSE")),
		Quiet:       YesNo(get("EINFO_QUIET")),
		Color:       color,
		NiceLevel:   opt("SSD_NICELEVEL"),
		IONiceLevel: opt("SSD_IONICELEVEL"),
		OOMScoreAdj: opt("SSD_OOM_SCORE_ADJ"),
		Lookup:      lookup,
	}
}

// Getenv resolves a variable through the invocation's lookup function.
func (in Invocation) Getenv(k string) (string, bool) {
	if in.Lookup == nil {
		return os.LookupEnv(k)
	}
	return in.Lookup(k)
}

// YesNo reports whether s is an affirmative toggle value.
func YesNo(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "on", "1":
		return true
	}
	return false
}
