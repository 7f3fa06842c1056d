// Package scoring turns a benchmark metrics bundle into a deterministic score.
package scoring

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Completion time normalization bounds, in seconds.
const (
	CompletionTimeBest  = 1.0
	CompletionTimeWorst = 300.0

	maxPercent    = 100.0
	maxScoreValue = 100.0
	scorePlaces   = 2
	mantissaBits  = 53
)

// Weights holds the contribution of each metric to the final score.
type Weights struct {
	GPUUtilization  float64
	MemoryUsage     float64
	PowerEfficiency float64
	CompletionTime  float64
	Accuracy        float64
}

// DefaultWeights are the production weights. They sum to 1.
var DefaultWeights = Weights{ //nolint:gochecknoglobals // immutable defaults
	GPUUtilization:  0.25,
	MemoryUsage:     0.20,
	PowerEfficiency: 0.25,
	CompletionTime:  0.15,
	Accuracy:        0.15,
}

func (w Weights) sum() float64 {
	return w.GPUUtilization + w.MemoryUsage + w.PowerEfficiency + w.CompletionTime + w.Accuracy
}

// Metrics is the closed set of benchmark measurements. Every field is required;
// pointers let a decoder tell a missing field apart from a zero value.
type Metrics struct {
	GPUUtilization  *float64 `json:"gpu_utilization"`
	MemoryUsage     *float64 `json:"memory_usage"`
	PowerEfficiency *float64 `json:"power_efficiency"`
	CompletionTime  *float64 `json:"completion_time"`
	Accuracy        *float64 `json:"accuracy"`
}

// NewMetrics builds a complete Metrics bundle.
func NewMetrics(gpuUtilization, memoryUsage, powerEfficiency, completionTime, accuracy float64) Metrics {
	return Metrics{
		GPUUtilization:  &gpuUtilization,
		MemoryUsage:     &memoryUsage,
		PowerEfficiency: &powerEfficiency,
		CompletionTime:  &completionTime,
		Accuracy:        &accuracy,
	}
}

// Clone returns a deep copy of m so stored bundles cannot be mutated by callers.
func (m Metrics) Clone() Metrics {
	return Metrics{
		GPUUtilization:  clonePtr(m.GPUUtilization),
		MemoryUsage:     clonePtr(m.MemoryUsage),
		PowerEfficiency: clonePtr(m.PowerEfficiency),
		CompletionTime:  clonePtr(m.CompletionTime),
		Accuracy:        clonePtr(m.Accuracy),
	}
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

type field struct {
	name  string
	value *float64
}

func (m Metrics) fields() []field {
	return []field{
		{"gpu_utilization", m.GPUUtilization},
		{"memory_usage", m.MemoryUsage},
		{"power_efficiency", m.PowerEfficiency},
		{"completion_time", m.CompletionTime},
		{"accuracy", m.Accuracy},
	}
}

// CheckComplete returns ErrInvalidMetric naming the first absent field.
func (m Metrics) CheckComplete() error {
	for _, f := range m.fields() {
		if f.value == nil {
			return fmt.Errorf("%w: %s is required", ErrInvalidMetric, f.name)
		}
	}
	return nil
}

// Validate checks presence and bounds: percentages in [0,100], completion
// time non-negative. Scoring itself only needs presence.
func (m Metrics) Validate() error {
	if err := m.CheckComplete(); err != nil {
		return err
	}
	for _, f := range m.fields() {
		v := *f.value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrOutOfRange, f.name)
		}
		if f.name == "completion_time" {
			if v < 0 {
				return fmt.Errorf("%w: completion_time must be >= 0, got %v", ErrOutOfRange, v)
			}
			continue
		}
		if v < 0 || v > maxPercent {
			return fmt.Errorf("%w: %s must be within [0,100], got %v", ErrOutOfRange, f.name, v)
		}
	}
	return nil
}

// NormalizeCompletionTime maps seconds onto [0,1]; 1s or less is 1, 300s or more is 0.
func NormalizeCompletionTime(seconds float64) float64 {
	n := (CompletionTimeWorst - seconds) / (CompletionTimeWorst - CompletionTimeBest)
	return math.Max(0, math.Min(1, n))
}

// CalculateScore computes the weighted score with DefaultWeights.
func CalculateScore(m Metrics) (float64, error) {
	return calculate(m, DefaultWeights)
}

func calculate(m Metrics, w Weights) (float64, error) {
	if err := m.CheckComplete(); err != nil {
		return 0, err
	}
	// Explicit conversions keep each product rounded on its own, so no
	// platform fuses them into a multiply-add.
	sum := float64(*m.GPUUtilization/maxPercent*w.GPUUtilization) +
		float64(*m.MemoryUsage/maxPercent*w.MemoryUsage) +
		float64(*m.PowerEfficiency/maxPercent*w.PowerEfficiency) +
		float64(NormalizeCompletionTime(*m.CompletionTime)*w.CompletionTime) +
		float64(*m.Accuracy/maxPercent*w.Accuracy)

	score := exactDecimal(float64(sum * maxScoreValue)).RoundBank(scorePlaces)
	return score.InexactFloat64(), nil
}

// exactDecimal returns the full binary expansion of x. Rounding it half to
// even yields the same result as rounding the stored double directly, while
// decimal.NewFromFloat would round its shortest representation instead.
func exactDecimal(x float64) decimal.Decimal {
	frac, exp := math.Frexp(x)
	mant := big.NewInt(int64(frac * (1 << mantissaBits)))
	exp -= mantissaBits
	if exp >= 0 {
		return decimal.NewFromBigInt(mant.Lsh(mant, uint(exp)), 0)
	}
	pow := new(big.Int).Exp(big.NewInt(5), big.NewInt(int64(-exp)), nil)
	return decimal.NewFromBigInt(pow.Mul(pow, mant), int32(exp))
}

// Scorer computes a score from metrics.
type Scorer interface {
	// Score computes a score, honoring ctx for cancellation.
	Score(ctx context.Context, m Metrics) (float64, error)
}

// Option applies a configuration option to the WeightedScorer.
type Option func(*WeightedScorer)

// WithWeights overrides the metric weights. Weights that do not sum to 1 are ignored.
func WithWeights(w Weights) Option {
	return func(s *WeightedScorer) {
		if math.Abs(w.sum()-1) < 1e-9 {
			s.weights = w
		}
	}
}

// WeightedScorer implements Scorer as a pure weighted sum.
type WeightedScorer struct {
	weights Weights
}

// NewWeightedScorer creates a scorer using DefaultWeights unless overridden.
func NewWeightedScorer(opts ...Option) *WeightedScorer {
	s := &WeightedScorer{weights: DefaultWeights}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the score for m.
func (s *WeightedScorer) Score(ctx context.Context, m Metrics) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	return calculate(m, s.weights)
}
