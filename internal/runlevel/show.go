package runlevel

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Show writes one row per known service in ascending order. Each row holds
// one column per requested runlevel: the runlevel name when the service is a
// member, otherwise blanks of the same width. Rows for services that belong
// to none of the runlevels are skipped unless verbose is set. An empty
// request shows every runlevel.
func (m *Manager) Show(w io.Writer, runlevels []string, verbose bool) error {
	if len(runlevels) == 0 {
		all, err := m.cat.Runlevels()
		if err != nil {
			_, err = m.fail(newErr(KindSystem, err, "failed to list runlevels"))
			return err
		}
		runlevels = all
	}
	levels := append([]string(nil), runlevels...)
	sort.Strings(levels)

	services, err := m.cat.Services()
	if err != nil {
		_, err = m.fail(newErr(KindSystem, err, "failed to list services"))
		return err
	}
	services = append([]string(nil), services...)
	sort.Strings(services)

	bw := bufio.NewWriter(w)
	for _, svc := range services {
		cols := make([]string, len(levels))
		inOne := false
		for i, rl := range levels {
			if m.g.InRunlevel(svc, rl) {
				cols[i] = rl
				inOne = true
				continue
			}
			cols[i] = strings.Repeat(" ", len(rl))
		}
		if !inOne && !verbose {
			continue
		}
		fmt.Fprintf(bw, " %20s |", svc)
		for _, c := range cols {
			bw.WriteString(" " + c)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
