package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mysqlerr "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/okian/slotrank/internal/domain/model"
	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.InitWithWriter(io.Discard); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const testLockTimeout = 200 * time.Millisecond

// storeSuite is the behaviour every Store implementation must provide.
type storeSuite struct {
	suite.Suite
	open  func(t *testing.T, opts ...Option) Store
	clock *fakeClock
	st    Store
	ctx   context.Context
}

func (s *storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = newFakeClock()
	s.st = s.open(s.T(), WithClock(s.clock.Now), WithLockTimeout(testLockTimeout))
}

func (s *storeSuite) TearDownTest() {
	s.Require().NoError(s.st.Close())
}

func (s *storeSuite) create(score float64) model.Submission {
	sub, err := s.st.Create(s.ctx, scoring.NewMetrics(90, 80, 70, 12.5, 99), score)
	s.Require().NoError(err)
	return sub
}

func (s *storeSuite) allocate(id int64) {
	s.Require().NoError(s.st.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateSlotFlag(ctx, id, true)
	}))
}

func (s *storeSuite) TestCreateAndGet() {
	first := s.create(88.5)
	s.clock.Advance(time.Second)
	second := s.create(42)

	s.Greater(second.ID, first.ID)
	s.False(first.SlotAllocated)
	s.True(first.CreatedAt.Equal(s.clock.Now().Add(-time.Second)))

	got, err := s.st.Get(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(88.5, got.Score)
	s.Require().NotNil(got.Metrics.CompletionTime)
	s.Equal(12.5, *got.Metrics.CompletionTime)
	s.True(got.CreatedAt.Equal(first.CreatedAt))
}

func (s *storeSuite) TestGetUnknown() {
	_, err := s.st.Get(s.ctx, 9999)
	s.True(errors.Is(err, ErrNotFound))
}

func (s *storeSuite) TestGetMany() {
	a := s.create(10)
	b := s.create(20)

	got, err := s.st.GetMany(s.ctx, []int64{a.ID, b.ID, 9999})
	s.Require().NoError(err)
	s.Len(got, 2)
	s.Equal(20.0, got[b.ID].Score)
}

func (s *storeSuite) TestCommitAppliesSlotFlag() {
	sub := s.create(70)
	s.allocate(sub.ID)

	got, err := s.st.Get(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.True(got.SlotAllocated)
}

func (s *storeSuite) TestErrorRollsBack() {
	sub := s.create(70)
	boom := errors.New("boom")

	err := s.st.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.UpdateSlotFlag(ctx, sub.ID, true); err != nil {
			return err
		}
		return boom
	})
	s.True(errors.Is(err, boom))

	got, err := s.st.Get(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.False(got.SlotAllocated)
}

func (s *storeSuite) TestPanicRollsBackAndReleasesLock() {
	sub := s.create(70)

	s.Panics(func() {
		_ = s.st.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
			_ = tx.UpdateSlotFlag(ctx, sub.ID, true)
			panic("mid-transaction")
		})
	})

	got, err := s.st.Get(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.False(got.SlotAllocated)

	// A later transaction must not be blocked by the abandoned one.
	s.allocate(sub.ID)
}

func (s *storeSuite) TestUpdateUnknownIsNotFound() {
	err := s.st.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateSlotFlag(ctx, 9999, true)
	})
	s.True(errors.Is(err, ErrNotFound))
}

func (s *storeSuite) TestWindowQueriesShareAnInclusiveBoundary() {
	window := 24 * time.Hour
	old := s.create(50)
	s.clock.Advance(time.Hour)
	edge := s.create(60)
	s.clock.Advance(time.Hour)
	fresh := s.create(70)
	pending := s.create(80)
	for _, id := range []int64{old.ID, edge.ID, fresh.ID} {
		s.allocate(id)
	}

	// At this instant edge.CreatedAt is exactly now - window.
	s.clock.Advance(window - time.Hour)
	cutoff := model.WindowStart(s.clock.Now(), window)
	s.Require().True(cutoff.Equal(edge.CreatedAt))

	var expired, eligible []model.Submission
	s.Require().NoError(s.st.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if expired, err = tx.FindExpiredForUpdate(ctx, cutoff); err != nil {
			return err
		}
		eligible, err = tx.FindSlotEligibleForUpdate(ctx, cutoff)
		return err
	}))

	s.Equal([]int64{old.ID}, ids(expired))
	s.Equal([]int64{edge.ID, fresh.ID}, ids(eligible))
	s.NotContains(ids(eligible), pending.ID)

	active, ok, err := s.st.ActiveSlot(s.ctx, cutoff)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(edge.ID, active.ID)
}

func (s *storeSuite) TestActiveSlotNone() {
	s.create(10)
	_, ok, err := s.st.ActiveSlot(s.ctx, s.clock.Now().Add(-time.Hour))
	s.Require().NoError(err)
	s.False(ok)
}

func (s *storeSuite) TestListCountPing() {
	for i := 0; i < 5; i++ {
		s.create(float64(i))
	}
	page, err := s.st.List(s.ctx, 0, 3)
	s.Require().NoError(err)
	s.Len(page, 3)

	rest, err := s.st.List(s.ctx, page[2].ID, 10)
	s.Require().NoError(err)
	s.Len(rest, 2)
	s.Greater(rest[0].ID, page[2].ID)

	n, err := s.st.Count(s.ctx)
	s.Require().NoError(err)
	s.EqualValues(5, n)
	s.NoError(s.st.Ping(s.ctx))
}

func (s *storeSuite) TestConcurrentClaimsAreSerialized() {
	const workers = 8
	subs := make([]model.Submission, workers)
	for i := range subs {
		subs[i] = s.create(float64(50 + i))
	}
	cutoff := model.WindowStart(s.clock.Now(), 24*time.Hour)

	var g errgroup.Group
	var mu sync.Mutex
	granted := 0
	for _, sub := range subs {
		g.Go(func() error {
			won := false
			err := s.st.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
				active, err := tx.FindSlotEligibleForUpdate(ctx, cutoff)
				if err != nil || len(active) > 0 {
					return err
				}
				won = true
				return tx.UpdateSlotFlag(ctx, sub.ID, true)
			})
			if err != nil {
				// Losing a conflict is allowed; it must surface as a store kind.
				if !errors.Is(err, ErrStore) && !errors.Is(err, ErrLockTimeout) {
					return err
				}
				return nil
			}
			if won {
				mu.Lock()
				granted++
				mu.Unlock()
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())
	s.Equal(1, granted)

	active, ok, err := s.st.ActiveSlot(s.ctx, cutoff)
	s.Require().NoError(err)
	s.True(ok)

	var allocated int
	for _, sub := range subs {
		got, err := s.st.Get(s.ctx, sub.ID)
		s.Require().NoError(err)
		if got.SlotAllocated {
			allocated++
			s.Equal(active.ID, got.ID)
		}
	}
	s.Equal(1, allocated)
}

func (s *storeSuite) TestLockTimeout() {
	sub := s.create(10)
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.st.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
			defer func() { <-release }()
			_, err := tx.FindSlotEligibleForUpdate(ctx, time.Time{})
			if err == nil {
				err = tx.UpdateSlotFlag(ctx, sub.ID, true)
			}
			close(held)
			return err
		})
	}()
	<-held

	err := s.st.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateSlotFlag(ctx, sub.ID, false)
	})
	close(release)
	s.Require().NoError(<-done)
	s.Require().Error(err)
	s.True(errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrStore), "unexpected error %v", err)

	got, getErr := s.st.Get(s.ctx, sub.ID)
	s.Require().NoError(getErr)
	s.True(got.SlotAllocated)
}

func ids(subs []model.Submission) []int64 {
	out := make([]int64, len(subs))
	for i, sub := range subs {
		out[i] = sub.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &storeSuite{open: func(t *testing.T, opts ...Option) Store {
		return NewMemoryStore(opts...)
	}})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &storeSuite{open: func(t *testing.T, opts ...Option) Store {
		st, err := OpenSQLite(filepath.Join(t.TempDir(), "slotrank.db"), opts...)
		require.NoError(t, err)
		return st
	}})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SLOTRANK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SLOTRANK_TEST_POSTGRES_DSN not set")
	}
	suite.Run(t, &storeSuite{open: openGormForTest(DriverPostgres, dsn)})
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("SLOTRANK_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SLOTRANK_TEST_MYSQL_DSN not set")
	}
	suite.Run(t, &storeSuite{open: openGormForTest(DriverMySQL, dsn)})
}

func openGormForTest(driver, dsn string) func(t *testing.T, opts ...Option) Store {
	return func(t *testing.T, opts ...Option) Store {
		st, err := OpenGorm(driver, dsn, opts...)
		require.NoError(t, err)
		require.NoError(t, st.db.Exec("DELETE FROM submissions").Error)
		return st
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	st := NewMemoryStore()
	require.NoError(t, st.Close())

	_, err := st.Create(context.Background(), scoring.NewMetrics(1, 1, 1, 1, 1), 1)
	assert.True(t, errors.Is(err, ErrStore))
	assert.True(t, errors.Is(st.Ping(context.Background()), ErrStore))
}

func TestMemoryTxUseAfterCommit(t *testing.T) {
	st := NewMemoryStore()
	sub, err := st.Create(context.Background(), scoring.NewMetrics(1, 1, 1, 1, 1), 1)
	require.NoError(t, err)

	var leaked Tx
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		leaked = tx
		return nil
	}))
	err = leaked.UpdateSlotFlag(context.Background(), sub.ID, true)
	assert.True(t, errors.Is(err, ErrTxDone))
}

func TestMemoryStoreDoesNotAliasMetrics(t *testing.T) {
	st := NewMemoryStore()
	m := scoring.NewMetrics(10, 20, 30, 40, 50)
	sub, err := st.Create(context.Background(), m, 1)
	require.NoError(t, err)

	*m.GPUUtilization = 99
	got, err := st.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, *got.Metrics.GPUUtilization)
}

func TestMemoryStoreConcurrentCreateOrdersIDsByTime(t *testing.T) {
	clock := newFakeClock()
	tick := func() time.Time {
		clock.Advance(time.Millisecond)
		return clock.Now()
	}
	st := NewMemoryStore(WithClock(tick))
	ctx := context.Background()

	const n = 64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := st.Create(ctx, scoring.NewMetrics(1, 1, 1, 1, 1), float64(i))
			return err
		})
	}
	require.NoError(t, g.Wait())

	subs, err := st.List(ctx, 0, n+1)
	require.NoError(t, err)
	require.Len(t, subs, n)
	for i, sub := range subs {
		assert.Equal(t, int64(i+1), sub.ID)
		if i > 0 {
			assert.True(t, sub.CreatedAt.After(subs[i-1].CreatedAt), "id %d created before id %d", sub.ID, subs[i-1].ID)
		}
	}
}

func TestClassifySQLite(t *testing.T) {
	assert.True(t, errors.Is(classifySQLite("op", errors.New("disk")), ErrStore))
	assert.Equal(t, ErrNotFound, classifySQLite("op", sql.ErrNoRows))
	assert.True(t, errors.Is(classifySQLite("op", sql.ErrTxDone), ErrTxDone))
}

func TestClassifyGorm(t *testing.T) {
	assert.True(t, errors.Is(classifyGorm("op", errors.New("conn reset")), ErrStore))
	assert.Equal(t, ErrNotFound, classifyGorm("op", gorm.ErrRecordNotFound))

	lockErr := classifyGorm("find eligible", &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"})
	assert.True(t, errors.Is(lockErr, ErrLockTimeout))
	assert.Contains(t, lockErr.Error(), "find eligible")

	serialErr := classifyGorm("commit", &pgconn.PgError{Code: "40001"})
	assert.True(t, errors.Is(serialErr, ErrStore))
	assert.False(t, errors.Is(serialErr, ErrLockTimeout))

	assert.True(t, errors.Is(classifyGorm("op", &mysqlerr.MySQLError{Number: 1205}), ErrLockTimeout))
	assert.True(t, errors.Is(classifyGorm("op", &mysqlerr.MySQLError{Number: 1213}), ErrStore))
}
