package velocity

import "math/bits"

// Mask is a per-block boolean lane vector: bit i set means lane i is live at
// that program point. The generator emits mask operations as bytecode; this
// concrete form defines their semantics and backs the trace interpreter.
type Mask uint64

// MaxLanes bounds the warp width representable by a Mask.
const MaxLanes = 64

// FullMask returns the mask with the first lanes bits set.
func FullMask(lanes int) Mask {
	if lanes >= MaxLanes {
		return ^Mask(0)
	}
	return Mask(1)<<lanes - 1
}

// BoundsMask returns the entry mask for a kernel: lanes whose linear index
// (base + lane) falls below the requested work size.
func BoundsMask(lanes int, base, workSize int64) Mask {
	var m Mask
	for i := 0; i < lanes; i++ {
		if base+int64(i) < workSize {
			m |= 1 << i
		}
	}
	return m
}

// Unify returns the union of both masks (lanes live in either).
func (m Mask) Unify(other Mask) Mask { return m | other }

// Intersect returns the lanes live in both masks.
func (m Mask) Intersect(other Mask) Mask { return m & other }

// Disable removes the given lanes from the mask.
func (m Mask) Disable(other Mask) Mask { return m &^ other }

// Invert flips the mask within the given warp width.
func (m Mask) Invert(lanes int) Mask { return ^m & FullMask(lanes) }

// HasActive reports whether any lane is live.
func (m Mask) HasActive() bool { return m != 0 }

// Count returns the number of live lanes.
func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }

// Lane reports whether lane i is live.
func (m Mask) Lane(i int) bool { return m&(1<<i) != 0 }
