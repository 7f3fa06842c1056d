package loadgen

import (
	"math/rand/v2"

	"github.com/okian/slotrank/internal/domain/scoring"
)

// Performance profiles. Most submissions are average; a few are elite.
const (
	profileAverage = iota
	profileHigh
	profileLow
	profileElite
	profileWide
	profileCount
)

type span struct{ lo, hi float64 }

func (s span) draw(r *rand.Rand) float64 {
	return s.lo + r.Float64()*(s.hi-s.lo)
}

type profile struct {
	percent span
	seconds span
}

var profiles = [profileCount]profile{ //nolint:gochecknoglobals // fixed generator table
	profileAverage: {percent: span{50, 80}, seconds: span{30, 150}},
	profileHigh:    {percent: span{80, 95}, seconds: span{5, 40}},
	profileLow:     {percent: span{5, 50}, seconds: span{150, 400}},
	profileElite:   {percent: span{95, 100}, seconds: span{0.5, 5}},
	profileWide:    {percent: span{0, 100}, seconds: span{0, 600}},
}

// Generator produces valid metric bundles from a seeded source.
type Generator struct {
	r *rand.Rand
}

// NewGenerator returns a deterministic generator for seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))} //nolint:gosec // load shape only
}

// Next returns one bundle. Profiles are weighted toward average results.
func (g *Generator) Next() scoring.Metrics {
	var p profile
	switch n := g.r.IntN(10); {
	case n < 4:
		p = profiles[profileAverage]
	case n < 6:
		p = profiles[profileHigh]
	case n < 8:
		p = profiles[profileLow]
	case n < 9:
		p = profiles[profileElite]
	default:
		p = profiles[profileWide]
	}
	return scoring.NewMetrics(
		p.percent.draw(g.r),
		p.percent.draw(g.r),
		p.percent.draw(g.r),
		p.seconds.draw(g.r),
		p.percent.draw(g.r),
	)
}

// Batch returns n bundles.
func (g *Generator) Batch(n int) []scoring.Metrics {
	out := make([]scoring.Metrics, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}
