package runlevel

import (
	"errors"
	"io/fs"
	"log/slog"
)

// Op selects the graph mutation applied by Manager.Apply.
type Op int

const (
	OpAdd Op = iota
	OpDelete
	OpAddStack
	OpDelStack
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpAddStack:
		return "addstack"
	case OpDelStack:
		return "delstack"
	default:
		return "unknown"
	}
}

// Manager validates and applies runlevel membership and stacking changes.
// Every operation returns the number of changes made: -1 on failure, 0 when
// there was nothing to do, 1 when an entry was created or removed.
type Manager struct {
	cat Catalog
	g   Graph
	log *slog.Logger
}

// NewManager returns a Manager. A nil logger discards messages.
func NewManager(cat Catalog, g Graph, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Manager{cat: cat, g: g, log: log}
}

func (m *Manager) fail(e *Error) (int, error) {
	m.log.Error(e.Error())
	return -1, e
}

// Add makes service a member of runlevel.
func (m *Manager) Add(runlevel, service string) (int, error) {
	if err := m.cat.ServiceExists(service); err != nil {
		if errors.Is(err, ErrNotExecutable) {
			return m.fail(newErr(KindValidation, err, "service '%s' is not executable", service))
		}
		if errors.Is(err, ErrServiceNotFound) {
			return m.fail(newErr(KindValidation, err, "service '%s' does not exist", service))
		}
		return m.fail(newErr(KindSystem, err, "failed to look up service '%s'", service))
	}
	if m.g.InRunlevel(service, runlevel) {
		m.log.Info(service + " already installed in runlevel '" + runlevel + "'; skipping")
		return 0, nil
	}
	if err := m.g.AddService(runlevel, service); err != nil {
		return m.fail(newErr(KindSystem, err, "failed to add service '%s' to runlevel '%s'", service, runlevel))
	}
	m.log.Info("service " + service + " added to runlevel " + runlevel)
	return 1, nil
}

// Delete removes service from runlevel.
func (m *Manager) Delete(runlevel, service string) (int, error) {
	err := m.g.DeleteService(runlevel, service)
	if err == nil {
		m.log.Info("service " + service + " deleted from runlevel " + runlevel)
		return 1, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return m.fail(newErr(KindNotFound, nil, "service '%s' is not in the runlevel '%s'", service, runlevel))
	}
	return m.fail(newErr(KindSystem, err, "failed to delete service '%s' from runlevel '%s'", service, runlevel))
}

// AddStack stacks stack onto runlevel after validating, in order: both
// runlevels exist, they differ, neither is protected, and the new edge does
// not close a cycle.
func (m *Manager) AddStack(runlevel, stack string) (int, error) {
	if !m.cat.RunlevelExists(runlevel) {
		return m.fail(newErr(KindValidation, nil, "runlevel '%s' does not exist", runlevel))
	}
	if !m.cat.RunlevelExists(stack) {
		return m.fail(newErr(KindValidation, nil, "runlevel '%s' does not exist", stack))
	}
	if runlevel == stack {
		return m.fail(newErr(KindValidation, nil, "cannot stack '%s' onto itself", stack))
	}
	for _, name := range []string{runlevel, stack} {
		if IsProtected(name) {
			return m.fail(newErr(KindValidation, nil, "cannot stack the %s runlevel", name))
		}
	}
	cyclic, err := m.reaches(stack, runlevel)
	if err != nil {
		return m.fail(newErr(KindSystem, err, "failed to read stacks of runlevel '%s'", stack))
	}
	if cyclic {
		return m.fail(newErr(KindValidation, nil, "stacking '%s' onto '%s' would create a cycle", stack, runlevel))
	}
	if err := m.g.Stack(runlevel, stack); err != nil {
		return m.fail(newErr(KindSystem, err, "failed to stack '%s' to '%s'", stack, runlevel))
	}
	m.log.Info("runlevel " + stack + " added to runlevel " + runlevel)
	return 1, nil
}

// reaches reports whether target is reachable from start along stack edges.
func (m *Manager) reaches(start, target string) (bool, error) {
	seen := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		next, err := m.g.Stacks(cur)
		if err != nil {
			return false, err
		}
		queue = append(queue, next...)
	}
	return false, nil
}

// DelStack removes the stack edge runlevel -> stack.
func (m *Manager) DelStack(runlevel, stack string) (int, error) {
	err := m.g.Unstack(runlevel, stack)
	if err == nil {
		m.log.Info("runlevel " + stack + " deleted from runlevel " + runlevel)
		return 1, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return m.fail(newErr(KindNotFound, nil, "runlevel '%s' is not in the runlevel '%s'", stack, runlevel))
	}
	return m.fail(newErr(KindSystem, err, "failed to delete runlevel '%s' from runlevel '%s'", stack, runlevel))
}

// ValidateRunlevels rejects the first name that is not an existing runlevel.
// Like every Manager failure the error has already been logged.
func (m *Manager) ValidateRunlevels(names []string) error {
	for _, n := range names {
		if !m.cat.RunlevelExists(n) {
			_, err := m.fail(newErr(KindValidation, nil, "'%s' is not a valid runlevel", n))
			return err
		}
	}
	return nil
}

// Apply runs op for target against every runlevel. An empty set defaults to
// all runlevels when all is set, otherwise to the current runlevel. The sum
// of non-negative change counts is returned; the error joins every failure,
// so one failing runlevel marks the whole call failed without stopping the
// others.
func (m *Manager) Apply(op Op, target string, runlevels []string, all bool) (int, error) {
	if all && (op == OpAdd || op == OpAddStack) {
		_, err := m.fail(newErr(KindValidation, nil, "the -a option is invalid with add"))
		return 0, err
	}
	if len(runlevels) == 0 {
		var err error
		if all {
			runlevels, err = m.cat.Runlevels()
		} else {
			var cur string
			cur, err = m.cat.Current()
			if cur != "" {
				runlevels = []string{cur}
			}
		}
		if err != nil {
			_, err = m.fail(newErr(KindSystem, err, "failed to list runlevels"))
			return 0, err
		}
	}
	if len(runlevels) == 0 {
		_, err := m.fail(newErr(KindValidation, nil, "no runlevels found"))
		return 0, err
	}

	fn := m.opFunc(op)
	total := 0
	var errs []error
	for _, rl := range runlevels {
		n, err := fn(rl, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (m *Manager) opFunc(op Op) func(string, string) (int, error) {
	switch op {
	case OpDelete:
		return m.Delete
	case OpAddStack:
		return m.AddStack
	case OpDelStack:
		return m.DelStack
	default:
		return m.Add
	}
}
