package slot_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sync/errgroup"

	"github.com/okian/slotrank/internal/adapters/store"
	"github.com/okian/slotrank/internal/domain/model"
	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/internal/domain/slot"
	"github.com/okian/slotrank/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.InitWithWriter(io.Discard); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func create(ctx context.Context, st store.Store, score float64) model.Submission {
	sub, err := st.Create(ctx, scoring.NewMetrics(score, score, score, 100, score), score)
	So(err, ShouldBeNil)
	return sub
}

// failingStore fails every transaction with err.
type failingStore struct {
	store.Store
	err error
}

func (f failingStore) WithTx(context.Context, func(context.Context, store.Tx) error) error {
	return f.err
}

func TestTryAllocate(t *testing.T) {
	Convey("Given an empty store and a 24h slot window", t, func() {
		ctx := context.Background()
		clock := newTestClock()
		st := store.NewMemoryStore(store.WithClock(clock.Now))
		alloc := slot.NewAllocator(st, slot.WithClock(clock.Now))

		Convey("The first candidate is granted", func() {
			first := create(ctx, st, 80)
			decision, err := alloc.TryAllocate(ctx, first)
			So(err, ShouldBeNil)
			So(decision, ShouldEqual, model.Granted)

			stored, _ := st.Get(ctx, first.ID)
			So(stored.SlotAllocated, ShouldBeTrue)

			current, ok, err := alloc.Current(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(current.SubmissionID, ShouldEqual, first.ID)
			So(current.ExpiresAt, ShouldEqual, first.CreatedAt.Add(24*time.Hour))

			Convey("A later candidate is denied while the slot is active", func() {
				clock.Advance(time.Hour)
				second := create(ctx, st, 95)
				decision, err := alloc.TryAllocate(ctx, second)
				So(err, ShouldBeNil)
				So(decision, ShouldEqual, model.Denied)

				stored, _ := st.Get(ctx, second.ID)
				So(stored.SlotAllocated, ShouldBeFalse)
			})

			Convey("The slot is still held exactly at the end of its window", func() {
				clock.Advance(time.Hour)
				second := create(ctx, st, 95)
				clock.Advance(23 * time.Hour)

				decision, err := alloc.TryAllocate(ctx, second)
				So(err, ShouldBeNil)
				So(decision, ShouldEqual, model.Denied)
			})

			Convey("After 24h the slot is handed over and the old flag is cleared", func() {
				clock.Advance(time.Hour)
				second := create(ctx, st, 95)
				clock.Advance(23*time.Hour + time.Nanosecond)

				decision, err := alloc.TryAllocate(ctx, second)
				So(err, ShouldBeNil)
				So(decision, ShouldEqual, model.Granted)

				old, _ := st.Get(ctx, first.ID)
				So(old.SlotAllocated, ShouldBeFalse)
				current, ok, _ := alloc.Current(ctx)
				So(ok, ShouldBeTrue)
				So(current.SubmissionID, ShouldEqual, second.ID)
			})
		})

		Convey("A candidate whose own window has closed is denied", func() {
			stale := create(ctx, st, 99)
			clock.Advance(25 * time.Hour)

			decision, err := alloc.TryAllocate(ctx, stale)
			So(err, ShouldBeNil)
			So(decision, ShouldEqual, model.Denied)
			_, ok, _ := alloc.Current(ctx)
			So(ok, ShouldBeFalse)
		})

		Convey("An unknown candidate is denied with an error", func() {
			decision, err := alloc.TryAllocate(ctx, model.Submission{ID: 404, CreatedAt: clock.Now()})
			So(decision, ShouldEqual, model.Denied)
			So(errors.Is(err, slot.ErrAllocation), ShouldBeTrue)
			So(errors.Is(err, store.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestTryAllocateStoreFailures(t *testing.T) {
	Convey("Given a store whose transactions fail", t, func() {
		ctx := context.Background()
		mem := store.NewMemoryStore()
		sub := create(ctx, mem, 70)
		alloc := slot.NewAllocator(failingStore{Store: mem, err: store.ErrStore})

		Convey("The decision is Denied and the submission is kept", func() {
			decision, err := alloc.TryAllocate(ctx, sub)
			So(decision, ShouldEqual, model.Denied)
			So(errors.Is(err, slot.ErrAllocation), ShouldBeTrue)
			So(errors.Is(err, store.ErrStore), ShouldBeTrue)

			kept, getErr := mem.Get(ctx, sub.ID)
			So(getErr, ShouldBeNil)
			So(kept.SlotAllocated, ShouldBeFalse)
		})
	})

	Convey("Given another transaction holding the slot lock", t, func() {
		ctx := context.Background()
		mem := store.NewMemoryStore(store.WithLockTimeout(50 * time.Millisecond))
		sub := create(ctx, mem, 70)
		alloc := slot.NewAllocator(mem)

		locked := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- mem.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				if _, err := tx.FindSlotEligibleForUpdate(ctx, time.Time{}); err != nil {
					return err
				}
				close(locked)
				<-release
				return nil
			})
		}()
		<-locked

		Convey("The allocation times out and is denied", func() {
			decision, err := alloc.TryAllocate(ctx, sub)
			close(release)
			So(<-done, ShouldBeNil)

			So(decision, ShouldEqual, model.Denied)
			So(errors.Is(err, store.ErrLockTimeout), ShouldBeTrue)
		})
	})
}

func TestConcurrentAllocation(t *testing.T) {
	stores := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "slot.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}

	for name, open := range stores {
		Convey("Given 20 fresh submissions in a "+name+" store", t, func() {
			ctx := context.Background()
			st := open(t)
			Reset(func() { _ = st.Close() })
			alloc := slot.NewAllocator(st)

			subs := make([]model.Submission, 20)
			for i := range subs {
				subs[i] = create(ctx, st, float64(50+i))
			}

			Convey("Concurrent allocation grants exactly one", func() {
				var (
					mu      sync.Mutex
					granted []int64
				)
				var g errgroup.Group
				for _, sub := range subs {
					g.Go(func() error {
						decision, _ := alloc.TryAllocate(ctx, sub)
						if decision == model.Granted {
							mu.Lock()
							granted = append(granted, sub.ID)
							mu.Unlock()
						}
						return nil
					})
				}
				So(g.Wait(), ShouldBeNil)
				So(granted, ShouldHaveLength, 1)

				current, ok, err := alloc.Current(ctx)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(current.SubmissionID, ShouldEqual, granted[0])
			})
		})
	}
}

func TestSweep(t *testing.T) {
	Convey("Given a granted slot", t, func() {
		ctx := context.Background()
		clock := newTestClock()
		st := store.NewMemoryStore(store.WithClock(clock.Now))
		alloc := slot.NewAllocator(st, slot.WithClock(clock.Now), slot.WithWindow(time.Hour))
		sub := create(ctx, st, 60)
		decision, err := alloc.TryAllocate(ctx, sub)
		So(err, ShouldBeNil)
		So(decision, ShouldEqual, model.Granted)

		Convey("Sweeping inside the window releases nothing", func() {
			n, err := alloc.Sweep(ctx, slot.TriggerPeriodic)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("Sweeping after the window clears the flag", func() {
			clock.Advance(2 * time.Hour)
			n, err := alloc.Sweep(ctx, slot.TriggerPeriodic)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)

			stored, _ := st.Get(ctx, sub.ID)
			So(stored.SlotAllocated, ShouldBeFalse)
		})

		Convey("A failing store surfaces the sweep error", func() {
			broken := slot.NewAllocator(failingStore{Store: st, err: store.ErrStore})
			_, err := broken.Sweep(ctx, slot.TriggerPeriodic)
			So(errors.Is(err, slot.ErrAllocation), ShouldBeTrue)
		})
	})
}

func TestSweeper(t *testing.T) {
	Convey("Given an expired slot and a running sweeper", t, func() {
		ctx := context.Background()
		clock := newTestClock()
		st := store.NewMemoryStore(store.WithClock(clock.Now))
		alloc := slot.NewAllocator(st, slot.WithClock(clock.Now), slot.WithWindow(time.Minute))
		sub := create(ctx, st, 60)
		_, err := alloc.TryAllocate(ctx, sub)
		So(err, ShouldBeNil)
		clock.Advance(time.Hour)

		sweeper := slot.NewSweeper(alloc, 5*time.Millisecond)
		sweeper.Start(ctx)
		Reset(sweeper.Stop)

		Convey("The flag is cleared without any allocation attempt", func() {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				stored, _ := st.Get(ctx, sub.ID)
				if !stored.SlotAllocated {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			stored, _ := st.Get(ctx, sub.ID)
			So(stored.SlotAllocated, ShouldBeFalse)
		})
	})

	Convey("Given a sweeper with no interval", t, func() {
		sweeper := slot.NewSweeper(slot.NewAllocator(store.NewMemoryStore()), 0)

		Convey("Start and Stop are no-ops", func() {
			sweeper.Start(context.Background())
			sweeper.Stop()
			sweeper.Stop()
		})
	})
}
