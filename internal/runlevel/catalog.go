package runlevel

// Names of the well-known runlevels.
const (
	Sysinit  = "sysinit"
	Boot     = "boot"
	Single   = "single"
	Shutdown = "shutdown"
	Default  = "default"
)

var protected = map[string]struct{}{Sysinit: {}, Boot: {}, Single: {}, Shutdown: {}}

// IsProtected reports whether name can never be a stacking endpoint.
func IsProtected(name string) bool {
	_, ok := protected[name]
	return ok
}

// Catalog answers existence questions about services and runlevels.
type Catalog interface {
	// ServiceExists returns nil, ErrServiceNotFound or ErrNotExecutable.
	ServiceExists(service string) error
	RunlevelExists(runlevel string) bool
	// Runlevels lists every known runlevel in ascending order.
	Runlevels() ([]string, error)
	// Services lists every known service in ascending order.
	Services() ([]string, error)
	// Current returns the active runlevel.
	Current() (string, error)
}

// Graph persists memberships and stack edges. Delete and unstack operations
// must report a missing entry with an error matching fs.ErrNotExist.
type Graph interface {
	InRunlevel(service, runlevel string) bool
	AddService(runlevel, service string) error
	DeleteService(runlevel, service string) error
	Stack(runlevel, stack string) error
	Unstack(runlevel, stack string) error
	Stacks(runlevel string) ([]string, error)
}
