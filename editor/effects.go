package editor

import "math/rand"

// Effect names match the editor backend's catalog verbatim, including the
// Chinese-named entries; they are wire values, not display strings.
const (
	// EffectTVColoredLines runs across the body of every fragment segment.
	EffectTVColoredLines = "TV_Colored_Lines"
	// EffectFadeInOpening fronts the ending card.
	EffectFadeInOpening = "渐显开幕"
	// AnimationSqueeze is the intro animation for overlay titles.
	AnimationSqueeze = "Squeeze"
)

// TVColoredLinesParams tunes line density and speed for EffectTVColoredLines.
var TVColoredLinesParams = []float64{50, 5}

// OpenEffects are the segment intro transitions a fragment draft picks from.
var OpenEffects = []string{
	"Explosion",
	"Fade_In",
	"Horizontal_Open",
	"Vertical_Open",
	"Portrait_Open",
	"Ripples",
}

// CloseEffects are the segment outro transitions.
var CloseEffects = []string{
	"Fade_Out",
	"Landscape_Close",
	"Horizontal_Close",
	"Vertical_Close",
	"The_End",
}

// PickTransitions chooses one open and one close effect. The choice is made
// once per slice so every segment of a draft transitions the same way.
func PickTransitions(rng *rand.Rand) (opening, closing string) {
	return OpenEffects[rng.Intn(len(OpenEffects))], CloseEffects[rng.Intn(len(CloseEffects))]
}
