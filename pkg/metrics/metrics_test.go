package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options", func() {
			registry := prometheus.NewRegistry()
			manager := NewMetricsManager(WithPrometheusRegistry(registry))

			Convey("Then it should use the slotrank namespace", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "slotrank")
				So(manager.refreshInterval, ShouldEqual, defaultRefreshInterval)
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewMetricsManager(
				WithNamespace("test_namespace"),
				WithSubsystem("test_subsystem"),
				WithMetricPrefix("pfx"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithMetricsEnabled(false),
				WithRefreshInterval(5*time.Second),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then every option is applied", func() {
				So(manager.namespace, ShouldEqual, "test_namespace")
				So(manager.subsystem, ShouldEqual, "test_subsystem")
				So(manager.histogramBuckets, ShouldResemble, []float64{0.1, 0.5, 1.0})
				So(manager.enabled, ShouldBeFalse)
				So(manager.refreshInterval, ShouldEqual, 5*time.Second)
			})

			Convey("And collector names carry namespace, subsystem and prefix", func() {
				manager.slotLockTimeouts.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_namespace_test_subsystem_pfx_slot_lock_timeouts_total" {
						found = true
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When empty values are passed to options", func() {
			manager := NewMetricsManager(
				WithNamespace(""),
				WithRefreshInterval(0),
				WithPrometheusRegistry(prometheus.NewRegistry()),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "slotrank")
				So(manager.refreshInterval, ShouldEqual, defaultRefreshInterval)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics manager", t, func() {
		Convey("When slot decisions are recorded", func() {
			before := testutil.ToFloat64(globalManager.slotDecisions.WithLabelValues(OutcomeGranted))
			RecordSlotDecision(OutcomeGranted)
			RecordSlotDecision(OutcomeDenied)

			Convey("Then the labelled counter grows", func() {
				So(testutil.ToFloat64(globalManager.slotDecisions.WithLabelValues(OutcomeGranted)), ShouldEqual, before+1)
			})
		})

		Convey("When releases are recorded", func() {
			before := testutil.ToFloat64(globalManager.slotReleases.WithLabelValues("allocate"))
			RecordSlotReleases("allocate", 2)
			RecordSlotReleases("allocate", 0)

			Convey("Then only positive counts are added", func() {
				So(testutil.ToFloat64(globalManager.slotReleases.WithLabelValues("allocate")), ShouldEqual, before+2)
			})
		})

		Convey("When the active slot is updated", func() {
			exp := time.Unix(1_700_000_000, 0)
			UpdateActiveSlot(42, exp)

			Convey("Then holder and expiry gauges are set", func() {
				So(testutil.ToFloat64(globalManager.activeSlotHolder), ShouldEqual, 42)
				So(testutil.ToFloat64(globalManager.activeSlotExpiryTS), ShouldEqual, 1_700_000_000)
			})

			Convey("And clearing it zeroes both gauges", func() {
				UpdateActiveSlot(0, time.Time{})
				So(testutil.ToFloat64(globalManager.activeSlotHolder), ShouldEqual, 0)
				So(testutil.ToFloat64(globalManager.activeSlotExpiryTS), ShouldEqual, 0)
			})
		})

		Convey("When pipeline metrics are recorded", func() {
			So(func() {
				RecordSubmissionAccepted(88.5)
				RecordSubmissionRejected("invalid_metric")
				RecordScoringLatency(0.2)
				RecordAllocationLatency(3)
				RecordSlotLockTimeout()
				RecordStoreLatency("create", 1.5)
				RecordStoreError("create", "unavailable")
				UpdateStoreSubmissions(10)
				RecordCacheWrite()
				RecordCacheError("add")
				RecordCacheQueryLatency(0.4)
				UpdateCacheEntries(10)
				UpdateRepairQueue(3, 100)
				RecordRepairEnqueued()
				RecordRepairDropped()
				RecordRepairCompleted()
				RecordRepairRetry()
				RecordHTTPRequest("/leaderboard", "GET", "200")
				RecordHTTPRequestDuration("/leaderboard", "GET", "200", 5.0)
				RecordErrorByEndpoint("/submissions", "POST", "bad_request")
				UpdateSystemMemoryUsage(1024)
				UpdateSystemGoroutineCount(12)
				RecordSystemGCPauseTime(0.3)
			}, ShouldNotPanic)

			Convey("Then the repair queue gauges reflect the last update", func() {
				So(testutil.ToFloat64(globalManager.repairQueueSize), ShouldEqual, 3)
				So(testutil.ToFloat64(globalManager.repairQueueCapacity), ShouldEqual, 100)
			})
		})
	})
}

func TestRegistryExposition(t *testing.T) {
	Convey("Given the custom registry", t, func() {
		RecordCacheWrite()
		families, err := GetRegistry().Gather()
		So(err, ShouldBeNil)

		Convey("Then slotrank collectors are exposed", func() {
			names := make([]string, 0, len(families))
			for _, f := range families {
				names = append(names, f.GetName())
			}
			So(strings.Join(names, ","), ShouldContainSubstring, "slotrank_engine_cache_writes_total")
		})

		Convey("And the global helpers report configuration", func() {
			So(RefreshInterval(), ShouldEqual, defaultRefreshInterval)
			So(Enabled(), ShouldBeTrue)
		})
	})
}

func TestConfigureDisabled(t *testing.T) {
	Convey("Given metrics disabled through Configure", t, func() {
		lockBefore := testutil.ToFloat64(globalManager.slotLockTimeouts)
		repairBefore := testutil.ToFloat64(globalManager.repairEnqueued)
		UpdateCacheEntries(7)

		Configure(WithMetricsEnabled(false), WithRefreshInterval(time.Minute))
		Reset(func() {
			Configure(WithMetricsEnabled(true), WithRefreshInterval(defaultRefreshInterval))
		})

		Convey("When recorders are called", func() {
			RecordSlotLockTimeout()
			RecordRepairEnqueued()
			UpdateCacheEntries(99)

			Convey("Then no collector moves", func() {
				So(Enabled(), ShouldBeFalse)
				So(testutil.ToFloat64(globalManager.slotLockTimeouts), ShouldEqual, lockBefore)
				So(testutil.ToFloat64(globalManager.repairEnqueued), ShouldEqual, repairBefore)
				So(testutil.ToFloat64(globalManager.cacheEntries), ShouldEqual, 7)
			})
		})

		Convey("Then the refresh interval is taken from the options", func() {
			So(RefreshInterval(), ShouldEqual, time.Minute)
		})

		Convey("When metrics are enabled again", func() {
			Configure(WithMetricsEnabled(true))
			RecordSlotLockTimeout()

			Convey("Then recording resumes and the interval is kept", func() {
				So(testutil.ToFloat64(globalManager.slotLockTimeouts), ShouldEqual, lockBefore+1)
				So(RefreshInterval(), ShouldEqual, time.Minute)
			})
		})
	})
}

func TestSinceMs(t *testing.T) {
	Convey("SinceMs returns a non-negative duration", t, func() {
		So(SinceMs(time.Now().Add(-2*time.Millisecond)), ShouldBeGreaterThanOrEqualTo, 2)
	})
}
