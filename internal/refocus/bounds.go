package refocus

// BoundsValidator accepts, rejects, or clamps a candidate position against
// the physical axis range and the maximum allowed offset from the step's
// starting position. It is deterministic and total: the same inputs always
// produce the same outcome.
type BoundsValidator struct {
	// MaxOffset is the largest accepted shift from the starting position.
	MaxOffset float64
}

// Validate resolves one axis. start is the position the step began from,
// rng the physical travel, windowHalf half the configured scan size.
//
// A failed fit keeps the starting position with zero uncertainty. A fit
// whose shift exceeds MaxOffset is clamped to the near edge of the scan
// window, clipped to the range, again with zero uncertainty. Otherwise the
// candidate is accepted with its reported uncertainty, provided it lies
// inside the physical range; out-of-range candidates keep the starting
// position.
func (v BoundsValidator) Validate(fr FitResult, start float64, rng [2]float64, windowHalf float64) (pos, sigma float64) {
	if !fr.Success {
		return start, 0
	}

	offset := fr.Center - start
	if offset > v.MaxOffset || offset < -v.MaxOffset {
		// Edge-seeking: follow the fit's direction to the scan window
		// edge, but never out of the physical range.
		if fr.Center > start {
			return clamp(start+windowHalf, rng[0], rng[1]), 0
		}
		return clamp(start-windowHalf, rng[0], rng[1]), 0
	}

	if fr.Center < rng[0] || fr.Center > rng[1] {
		return start, 0
	}
	return fr.Center, fr.Sigma
}
