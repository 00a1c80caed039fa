// Package resize computes and carries out root-filesystem resize decisions:
// planning follows a hysteresis band around a target free-space percentage,
// execution follows a fixed fsck/resize2fs/partition-rewrite ordering.
package resize

import "fmt"

// Decision is the outcome of a resize plan.
type Decision int

const (
	// Noop means the current root size already sits inside the hysteresis
	// band; nothing changes.
	Noop Decision = iota
	// Grow means the root partition and filesystem must be enlarged to
	// Target sectors.
	Grow
	// Shrink means the root partition and filesystem should be reduced to
	// Target sectors, subject to the executor's safety check.
	Shrink
)

func (d Decision) String() string {
	switch d {
	case Noop:
		return "noop"
	case Grow:
		return "grow"
	case Shrink:
		return "shrink"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Plan is the result of planning a resize: what to do, and the sector
// counts involved.
type Plan struct {
	Decision     Decision
	CurrentSize  int64 // current root partition size, in sectors
	UsedSectors  int64 // sectors currently in use on the root filesystem
	Target       int64 // target root size, in sectors
	Low          int64 // lower edge of the hysteresis band (Sync mode only)
	High         int64 // upper edge of the hysteresis band (Sync mode only)
}

// Mode selects which planning rule applies.
type Mode int

const (
	// Sync plans against an existing image: a hysteresis band suppresses
	// resizes for drift that doesn't matter.
	Sync Mode = iota
	// Create plans a brand-new image: there is no existing size to band
	// around, so the target is used exactly.
	Create
)

// Plan computes a resize decision for a root filesystem currently
// currentSectors sectors in size, with usedSectors sectors in use, aiming
// to keep freePercent percent of the target size free.
//
// delta = round(used * freePercent / (100 - freePercent))
// target = used + delta
//
// In Sync mode a band of target ± round(delta/2) suppresses resizes whose
// current size already falls inside it. In Create mode the target is used
// directly with no band, since there is no prior size to preserve.
func Plan(mode Mode, currentSectors, usedSectors int64, freePercent int) (*Plan, error) {
	if freePercent <= 0 || freePercent >= 100 {
		return nil, fmt.Errorf("resize: free percent %d must be between 1 and 99", freePercent)
	}
	if usedSectors < 0 {
		return nil, fmt.Errorf("resize: used sectors %d must not be negative", usedSectors)
	}

	delta := roundDiv(usedSectors*int64(freePercent), int64(100-freePercent))
	target := usedSectors + delta

	p := &Plan{
		CurrentSize: currentSectors,
		UsedSectors: usedSectors,
		Target:      target,
	}

	if mode == Create {
		p.Decision = Grow
		p.Target = target
		return p, nil
	}

	half := roundDiv(delta, 2)
	p.Low = target - half
	p.High = target + half

	switch {
	case currentSectors >= p.Low && currentSectors <= p.High:
		p.Decision = Noop
		p.Target = currentSectors
	case target > currentSectors:
		p.Decision = Grow
	default:
		p.Decision = Shrink
	}

	return p, nil
}

// roundDiv computes round(a/b) using round-half-away-from-zero integer
// arithmetic, with no floating point involved.
func roundDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	neg := (a < 0) != (b < 0)
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	q := (2*a + b) / (2 * b)
	if neg {
		return -q
	}
	return q
}
