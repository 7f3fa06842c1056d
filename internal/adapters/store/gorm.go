package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	mysqlerr "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/okian/slotrank/internal/domain/model"
	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/pkg/logger"
)

// SQL drivers served by GormStore.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const pingTimeout = 5 * time.Second

// submissionRecord is the persisted row layout.
type submissionRecord struct {
	ID            int64                               `gorm:"column:id;primaryKey;autoIncrement"`
	Metrics       datatypes.JSONType[scoring.Metrics] `gorm:"column:metrics;not null"`
	Score         decimal.Decimal                     `gorm:"column:score;type:numeric(5,2);not null"`
	CreatedAt     time.Time                           `gorm:"column:created_at;not null;index:idx_submissions_slot,priority:2"`
	SlotAllocated bool                                `gorm:"column:slot_allocated;not null;default:false;index:idx_submissions_slot,priority:1"`
}

func (submissionRecord) TableName() string { return "submissions" }

func (r submissionRecord) toModel() model.Submission {
	return model.Submission{
		ID:            r.ID,
		Metrics:       r.Metrics.Data(),
		Score:         r.Score.InexactFloat64(),
		CreatedAt:     r.CreatedAt.UTC(),
		SlotAllocated: r.SlotAllocated,
	}
}

// GormStore is a Store on Postgres or MySQL through gorm.
//
// WithTx runs at serializable isolation and both slot queries use
// SELECT ... FOR UPDATE. On Postgres a conflicting concurrent allocation
// fails with a serialization error; on MySQL it fails with a deadlock.
// Both surface as ErrStore.
type GormStore struct {
	db        *gorm.DB
	driver    string
	precision time.Duration
	opts      options
}

// OpenGorm connects to driver at dsn, configures the pool and migrates the schema.
func OpenGorm(driver, dsn string, opts ...Option) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.Wrap(ErrStore, "dsn is required")
	}
	o := newOptions(driver+"-store", opts)

	var (
		dialector gorm.Dialector
		precision time.Duration
	)
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
		precision = time.Microsecond
	case DriverMySQL:
		cfg, err := mysqlerr.ParseDSN(dsn)
		if err != nil {
			return nil, wrapKind(ErrStore, "parse mysql dsn", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		// UpdateSlotFlag counts matched rows, not changed rows.
		cfg.ClientFoundRows = true
		dialector = mysql.Open(cfg.FormatDSN())
		precision = time.Millisecond
	default:
		return nil, fmt.Errorf("%w: unsupported gorm driver %q", ErrStore, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, wrapKind(ErrStore, "open gorm "+driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, wrapKind(ErrStore, "resolve sql db handle", err)
	}
	sqlDB.SetMaxOpenConns(o.maxOpenConns)
	sqlDB.SetMaxIdleConns(o.maxIdleConns)
	sqlDB.SetConnMaxLifetime(o.connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, wrapKind(ErrStore, "ping "+driver, err)
	}

	if err := db.AutoMigrate(&submissionRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, wrapKind(ErrStore, "migrate submissions", err)
	}
	o.log.Info(ctx, "gorm store ready", logger.String("driver", driver))

	return &GormStore{db: db, driver: driver, precision: precision, opts: o}, nil
}

// Create implements Store.
func (s *GormStore) Create(ctx context.Context, m scoring.Metrics, score float64) (sub model.Submission, err error) {
	start := time.Now()
	defer func() { observe("create", start, err) }()

	rec := submissionRecord{
		Metrics:   datatypes.NewJSONType(m.Clone()),
		Score:     decimal.NewFromFloat(score).Round(2),
		CreatedAt: s.opts.clock().UTC().Truncate(s.precision),
	}
	if err = s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.Submission{}, classifyGorm("create", err)
	}
	return rec.toModel(), nil
}

// Get implements Store.
func (s *GormStore) Get(ctx context.Context, id int64) (sub model.Submission, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	var rec submissionRecord
	if err = s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return model.Submission{}, classifyGorm("get", err)
	}
	return rec.toModel(), nil
}

// GetMany implements Store.
func (s *GormStore) GetMany(ctx context.Context, ids []int64) (map[int64]model.Submission, error) {
	out := make(map[int64]model.Submission, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var recs []submissionRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, classifyGorm("get many", err)
	}
	for _, rec := range recs {
		out[rec.ID] = rec.toModel()
	}
	return out, nil
}

// ActiveSlot implements Store.
func (s *GormStore) ActiveSlot(ctx context.Context, since time.Time) (model.Submission, bool, error) {
	var recs []submissionRecord
	err := s.db.WithContext(ctx).
		Where("slot_allocated = ? AND created_at >= ?", true, since.UTC()).
		Order("created_at ASC, id ASC").
		Limit(1).
		Find(&recs).Error
	if err != nil {
		return model.Submission{}, false, classifyGorm("active slot", err)
	}
	if len(recs) == 0 {
		return model.Submission{}, false, nil
	}
	return recs[0].toModel(), true, nil
}

// List implements Store.
func (s *GormStore) List(ctx context.Context, afterID int64, limit int) ([]model.Submission, error) {
	if limit <= 0 {
		return nil, nil
	}
	var recs []submissionRecord
	if err := s.db.WithContext(ctx).Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, classifyGorm("list", err)
	}
	return toModels(recs), nil
}

// Count implements Store.
func (s *GormStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&submissionRecord{}).Count(&n).Error; err != nil {
		return 0, classifyGorm("count", err)
	}
	return n, nil
}

// Ping implements Store.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classifyGorm("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classifyGorm("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx implements Store.
func (s *GormStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	start := time.Now()
	defer func() { observe("tx", start, err) }()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.setLockTimeout(tx); err != nil {
			return classifyGorm("set lock timeout", err)
		}
		return fn(ctx, &gormTx{tx: tx})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err == nil {
		return nil
	}
	if isKinded(err) {
		return err
	}
	return classifyGorm("transaction", err)
}

func (s *GormStore) setLockTimeout(tx *gorm.DB) error {
	switch s.driver {
	case DriverPostgres:
		return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.opts.lockTimeout.Milliseconds())).Error
	case DriverMySQL:
		secs := int64(math.Ceil(s.opts.lockTimeout.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return tx.Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)).Error
	}
	return nil
}

type gormTx struct {
	tx *gorm.DB
}

func (t *gormTx) FindExpiredForUpdate(ctx context.Context, cutoff time.Time) ([]model.Submission, error) {
	var recs []submissionRecord
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("slot_allocated = ? AND created_at < ?", true, cutoff.UTC()).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, classifyGorm("find expired", err)
	}
	return toModels(recs), nil
}

func (t *gormTx) FindSlotEligibleForUpdate(ctx context.Context, cutoff time.Time) ([]model.Submission, error) {
	var recs []submissionRecord
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("slot_allocated = ? AND created_at >= ?", true, cutoff.UTC()).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, classifyGorm("find eligible", err)
	}
	return toModels(recs), nil
}

func (t *gormTx) UpdateSlotFlag(ctx context.Context, id int64, allocated bool) error {
	res := t.tx.Model(&submissionRecord{}).Where("id = ?", id).Update("slot_allocated", allocated)
	if res.Error != nil {
		return classifyGorm("update slot flag", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func toModels(recs []submissionRecord) []model.Submission {
	out := make([]model.Submission, len(recs))
	for i, rec := range recs {
		out[i] = rec.toModel()
	}
	return out
}

func isKinded(err error) bool {
	return errors.Is(err, ErrStore) || errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrTxDone)
}

// classifyGorm maps driver errors onto store kinds.
// Postgres: 55P03 lock_not_available, 40001 serialization_failure, 40P01 deadlock_detected.
// MySQL: 1205 lock wait timeout, 1213 deadlock.
func classifyGorm(op string, err error) error {
	wrapped := errors.Wrap(err, op)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, sql.ErrTxDone) {
		return wrapKind(ErrTxDone, "gorm", wrapped)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return wrapKind(ErrLockTimeout, "gorm", wrapped)
	}
	var myErr *mysqlerr.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1205 {
		return wrapKind(ErrLockTimeout, "gorm", wrapped)
	}
	return wrapKind(ErrStore, "gorm", wrapped)
}

var _ Store = (*GormStore)(nil)
