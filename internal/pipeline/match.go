package pipeline

import (
	"image/color"

	"github.com/andresmejia3/facewatch/internal/types"
)

// DefaultMatchThreshold is the largest embedding distance, exclusive, that
// still counts as a match.
const DefaultMatchThreshold = 1.0

// Overlay colors.
var (
	ColorPlaceholder = color.RGBA{G: 0xff, A: 0xff}
	ColorMatched     = color.RGBA{R: 0xff, A: 0xff}
	ColorUnknown     = color.RGBA{B: 0xff, A: 0xff}
)

// Classify accepts the top-ranked candidate only when its distance is
// strictly below threshold.
func Classify(top types.Candidate, threshold float64) types.Match {
	if top.Distance < threshold {
		return types.Matched{Identity: top.ID, Label: top.Label, Distance: top.Distance}
	}
	return types.Unmatched{}
}

// Describe returns the title, confidence and overlay color for m.
func Describe(m types.Match) (string, float64, color.RGBA) {
	switch m := m.(type) {
	case types.Matched:
		c := ColorMatched
		if m.Identity == types.PlaceholderIdentity {
			c = ColorPlaceholder
		}
		return m.Label, m.Distance, c
	default:
		return types.UnknownLabel, -1, ColorUnknown
	}
}
