// Package approval implements the responsibility gate and the pending
// approval queue. The gate decides whether an execution may proceed without
// human sign-off; the manager owns the request lifecycle, including the
// expiry sweep.
package approval

import (
	"fmt"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// Gate evaluates whether a request needs human sign-off before running.
//
// Responsibility levels are ordinal: lower is more privileged. A caller at a
// numerically higher level than the skill demands cannot vouch for the run
// alone, so a human decision is inserted. Equal levels pass.
type Gate struct{}

// Required returns whether sign-off is needed and a human-readable reason.
func (Gate) Required(spec *contracts.SkillSpec, executor contracts.ExecutorInfo) (bool, string) {
	if spec.Safety.RequiresApproval {
		return true, fmt.Sprintf("skill %s@%s is flagged for mandatory approval", spec.Key, spec.Version)
	}
	if executor.ResponsibilityLevel > spec.RequiredResponsibilityLevel {
		return true, fmt.Sprintf("executor level %d is below the required level %d",
			executor.ResponsibilityLevel, spec.RequiredResponsibilityLevel)
	}
	return false, ""
}
