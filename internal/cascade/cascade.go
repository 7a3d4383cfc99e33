// Package cascade maps funding progress to named milestones.
package cascade

import "github.com/shopspring/decimal"

// Stage is a funding milestone reached once progress meets Threshold.
type Stage struct {
	Name      string
	Threshold decimal.Decimal
}

var stages = []Stage{
	{Name: "Droplet", Threshold: decimal.Zero},
	{Name: "Stream", Threshold: decimal.RequireFromString("0.25")},
	{Name: "Creek", Threshold: decimal.RequireFromString("0.50")},
	{Name: "River", Threshold: decimal.RequireFromString("0.75")},
	{Name: "Cascade", Threshold: decimal.NewFromInt(1)},
}

// Stages returns the milestones in ascending threshold order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

// Progress returns min(1, raised/goal). A non-positive goal has no progress.
func Progress(raised, goal decimal.Decimal) decimal.Decimal {
	if !goal.IsPositive() || !raised.IsPositive() {
		return decimal.Zero
	}
	p := raised.Div(goal)
	if p.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return p
}

// StageFor returns the highest stage whose threshold the progress reaches.
func StageFor(raised, goal decimal.Decimal) Stage {
	p := Progress(raised, goal)
	current := stages[0]
	for _, s := range stages[1:] {
		if p.LessThan(s.Threshold) {
			break
		}
		current = s
	}
	return current
}

// Crossed reports whether a commit moved the project into a new stage.
func Crossed(before, after Stage) bool {
	return before.Name != after.Name
}

// Percent renders a stage threshold as a whole percentage.
func (s Stage) Percent() int64 {
	return s.Threshold.Mul(decimal.NewFromInt(100)).IntPart()
}
