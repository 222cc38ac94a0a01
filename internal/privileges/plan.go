// Package privileges describes and applies the process adjustments made
// between fork and exec of a supervised child: root and working directory,
// umask, priorities, credentials, capabilities and security bits.
//
// Go cannot run code between fork and exec, so the supervisor re-executes
// itself as a small helper that applies a Plan to its own process and then
// replaces itself with the target command.
package privileges

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PlanEnv is the environment variable carrying the encoded Plan into the
// exec helper. The helper strips it before exec'ing the target.
const PlanEnv = "RCVISOR_EXEC_PLAN"

// ErrUnsupported is returned where the running platform cannot apply a plan.
var ErrUnsupported = errors.New("privileges: unsupported on this platform")

// Plan lists every adjustment to make before exec. Nil pointers and empty
// strings mean "leave unchanged".
type Plan struct {
	Argv []string `json:"argv"`

	Chroot      string     `json:"chroot,omitempty"`
	Chdir       string     `json:"chdir,omitempty"`
	Umask       *uint32    `json:"umask,omitempty"`
	Nice        *int       `json:"nice,omitempty"`
	IONice      *IONice    `json:"ionice,omitempty"`
	OOMScoreAdj *int       `json:"oom_score_adj,omitempty"`
	Scheduler   *Scheduler `json:"scheduler,omitempty"`

	UID    *int  `json:"uid,omitempty"`
	GID    *int  `json:"gid,omitempty"`
	Groups []int `json:"groups,omitempty"`

	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Secbits      *uint64       `json:"secbits,omitempty"`
	NoNewPrivs   bool          `json:"no_new_privs,omitempty"`
}

// Empty reports whether the plan changes nothing, in which case the target
// can be started directly without the helper.
func (p Plan) Empty() bool {
	return p.Chroot == "" && p.Chdir == "" && p.Umask == nil && p.Nice == nil &&
		p.IONice == nil && p.OOMScoreAdj == nil && p.Scheduler == nil &&
		p.UID == nil && p.GID == nil && len(p.Groups) == 0 &&
		p.Capabilities == nil && p.Secbits == nil && !p.NoNewPrivs
}

// Encode renders the plan as a PlanEnv entry.
func (p Plan) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return PlanEnv + "=" + string(b), nil
}

// DecodePlan reads a plan from the value of PlanEnv.
func DecodePlan(s string) (Plan, error) {
	var p Plan
	if strings.TrimSpace(s) == "" {
		return p, fmt.Errorf("privileges: %s is empty", PlanEnv)
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("privileges: decode plan: %w", err)
	}
	if len(p.Argv) == 0 {
		return p, errors.New("privileges: plan has no command")
	}
	return p, nil
}

// StripPlan returns env without the PlanEnv entry.
func StripPlan(env []string) []string {
	out := env[:0:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, PlanEnv+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
