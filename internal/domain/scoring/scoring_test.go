package scoring_test

import (
	"context"
	"errors"
	"testing"

	scoring "github.com/okian/slotrank/internal/domain/scoring"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCalculateScore(t *testing.T) {
	Convey("Given the default weights", t, func() {
		Convey("When every percentage is 100 and completion time is 1s", func() {
			score, err := scoring.CalculateScore(scoring.NewMetrics(100, 100, 100, 1, 100))

			Convey("Then the score is 100.00", func() {
				So(err, ShouldBeNil)
				So(score, ShouldEqual, 100.00)
			})
		})

		Convey("When every percentage is 0 and completion time is 300s", func() {
			score, err := scoring.CalculateScore(scoring.NewMetrics(0, 0, 0, 300, 0))

			Convey("Then the score is 0.00", func() {
				So(err, ShouldBeNil)
				So(score, ShouldEqual, 0.00)
			})
		})

		Convey("When completion time is beyond either bound", func() {
			fast, _ := scoring.CalculateScore(scoring.NewMetrics(50, 50, 50, 0.2, 50))
			atBest, _ := scoring.CalculateScore(scoring.NewMetrics(50, 50, 50, 1, 50))
			slow, _ := scoring.CalculateScore(scoring.NewMetrics(50, 50, 50, 10_000, 50))
			atWorst, _ := scoring.CalculateScore(scoring.NewMetrics(50, 50, 50, 300, 50))

			Convey("Then the normalized value is clamped", func() {
				So(fast, ShouldEqual, atBest)
				So(slow, ShouldEqual, atWorst)
				So(atWorst, ShouldEqual, 42.5)
			})
		})

		Convey("When mixed metrics are scored", func() {
			m := scoring.NewMetrics(80, 60, 70, 150.5, 90)
			first, err := scoring.CalculateScore(m)
			second, _ := scoring.CalculateScore(m)

			Convey("Then the result is deterministic and rounded to two places", func() {
				So(err, ShouldBeNil)
				So(first, ShouldEqual, second)
				// 20 + 12 + 17.5 + 15*(149.5/299) + 13.5
				So(first, ShouldEqual, 70.5)
			})
		})

		Convey("When the raw score is stored just below a midpoint", func() {
			// 2.675 and 0.045 are held as 2.67499... and 0.04499...
			mid, _ := scoring.CalculateScore(scoring.NewMetrics(10.7, 0, 0, 300, 0))
			acc, _ := scoring.CalculateScore(scoring.NewMetrics(0, 0, 0, 300, 0.3))

			Convey("Then it rounds down", func() {
				So(mid, ShouldEqual, 2.67)
				So(acc, ShouldEqual, 0.04)
			})
		})

		Convey("When the raw score is an exact binary midpoint", func() {
			low, _ := scoring.CalculateScore(scoring.NewMetrics(0.5, 0, 0, 300, 0))
			high, _ := scoring.CalculateScore(scoring.NewMetrics(1.5, 0, 0, 300, 0))

			Convey("Then the tie goes to the even digit", func() {
				So(low, ShouldEqual, 0.12)
				So(high, ShouldEqual, 0.38)
			})
		})

		Convey("When a field is missing", func() {
			m := scoring.NewMetrics(80, 60, 70, 10, 90)
			m.Accuracy = nil
			_, err := scoring.CalculateScore(m)

			Convey("Then ErrInvalidMetric names the field", func() {
				So(errors.Is(err, scoring.ErrInvalidMetric), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "accuracy")
			})
		})
	})
}

func TestNormalizeCompletionTime(t *testing.T) {
	Convey("Given completion times across the range", t, func() {
		So(scoring.NormalizeCompletionTime(-5), ShouldEqual, 1)
		So(scoring.NormalizeCompletionTime(1), ShouldEqual, 1)
		So(scoring.NormalizeCompletionTime(300), ShouldEqual, 0)
		So(scoring.NormalizeCompletionTime(301), ShouldEqual, 0)
		So(scoring.NormalizeCompletionTime(150.5), ShouldAlmostEqual, 0.5, 1e-9)
	})
}

func TestMetricsValidate(t *testing.T) {
	Convey("Given metric bundles", t, func() {
		Convey("A complete in-range bundle is valid", func() {
			So(scoring.NewMetrics(0, 100, 50, 0, 100).Validate(), ShouldBeNil)
		})

		Convey("A percentage above 100 is out of range", func() {
			err := scoring.NewMetrics(101, 0, 0, 1, 0).Validate()
			So(errors.Is(err, scoring.ErrOutOfRange), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "gpu_utilization")
		})

		Convey("A negative completion time is out of range", func() {
			err := scoring.NewMetrics(1, 1, 1, -1, 1).Validate()
			So(errors.Is(err, scoring.ErrOutOfRange), ShouldBeTrue)
		})

		Convey("A missing field is reported before bounds", func() {
			m := scoring.NewMetrics(500, 0, 0, 1, 0)
			m.MemoryUsage = nil
			So(errors.Is(m.Validate(), scoring.ErrInvalidMetric), ShouldBeTrue)
		})
	})
}

func TestWeightedScorer(t *testing.T) {
	Convey("Given a weighted scorer", t, func() {
		ctx := context.Background()

		Convey("With default weights it matches CalculateScore", func() {
			s := scoring.NewWeightedScorer()
			m := scoring.NewMetrics(33, 44, 55, 66, 77)
			got, err := s.Score(ctx, m)
			want, _ := scoring.CalculateScore(m)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, want)
		})

		Convey("With custom weights only accuracy counts", func() {
			s := scoring.NewWeightedScorer(scoring.WithWeights(scoring.Weights{Accuracy: 1}))
			got, err := s.Score(ctx, scoring.NewMetrics(0, 0, 0, 300, 42.5))
			So(err, ShouldBeNil)
			So(got, ShouldEqual, 42.5)
		})

		Convey("Weights not summing to one are ignored", func() {
			s := scoring.NewWeightedScorer(scoring.WithWeights(scoring.Weights{Accuracy: 2}))
			got, _ := s.Score(ctx, scoring.NewMetrics(100, 100, 100, 1, 100))
			So(got, ShouldEqual, 100)
		})

		Convey("A cancelled context is reported", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := scoring.NewWeightedScorer().Score(cctx, scoring.NewMetrics(1, 1, 1, 1, 1))
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})
}

func TestMetricsClone(t *testing.T) {
	Convey("Given a metrics bundle", t, func() {
		m := scoring.NewMetrics(1, 2, 3, 4, 5)
		m.Accuracy = nil
		c := m.Clone()

		Convey("Then the clone does not share storage", func() {
			*c.GPUUtilization = 99
			So(*m.GPUUtilization, ShouldEqual, 1)
			So(c.Accuracy, ShouldBeNil)
		})
	})
}
