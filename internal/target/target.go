// Package target describes compilation targets: the lane width the velocity
// generator schedules for and the semver capability level gating optional
// IR features.
package target

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sys/cpu"

	"github.com/lumen-gpu/lumen/internal/errors"
)

// Target is one compilation target description.
type Target struct {
	Name      string
	WarpWidth int

	// Capability is the backend feature level. Optional features are gated
	// by semver constraints against it: float16 arithmetic needs >= 1.3,
	// 64-bit atomics >= 1.2.
	Capability *semver.Version
}

var (
	float16Level  = mustConstraint(">= 1.3")
	atomic64Level = mustConstraint(">= 1.2")
)

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(errors.Internal("BAD_LEVEL_CONSTRAINT", err.Error()))
	}
	return c
}

// Host returns the velocity target for the running machine. The warp width
// follows the widest SIMD feature set the host CPU reports.
func Host() *Target {
	return &Target{
		Name:       "velocity-" + runtime.GOARCH,
		WarpWidth:  hostWarpWidth(),
		Capability: semver.MustParse("1.3.0"),
	}
}

func hostWarpWidth() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 16
	case cpu.X86.HasAVX2:
		return 8
	case cpu.ARM64.HasASIMD:
		return 4
	}
	return 4
}

// Float16 reports whether the target's capability level includes half
// precision arithmetic.
func (t *Target) Float16() bool { return float16Level.Check(t.Capability) }

// Atomic64 reports whether 64-bit atomic operations are available.
func (t *Target) Atomic64() bool { return atomic64Level.Check(t.Capability) }

// Require checks a kernel's declared capability constraint, e.g. ">= 1.2",
// against the target's level.
func (t *Target) Require(constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Validation("BAD_CONSTRAINT",
			fmt.Sprintf("capability constraint %q: %v", constraint, err))
	}
	if !c.Check(t.Capability) {
		return errors.UnsupportedFeature("CAPABILITY_LEVEL",
			fmt.Sprintf("target %s is at level %s, kernel requires %s",
				t.Name, t.Capability, constraint))
	}
	return nil
}

func (t *Target) String() string {
	return fmt.Sprintf("%s (warp %d, level %s)", t.Name, t.WarpWidth, t.Capability)
}
