package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"pdfpage/pkg/domain"
)

const migrateLockID int64 = 51205120

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &UsageRecordModel{}, &UsageEventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "email", "password_hash", "premium_plan", "premium_expiry",
			"login_count", "last_login", "updated_at",
		}),
	}).Create(&model).Error
	return userWriteError(err)
}

// userWriteError maps a unique violation to ErrEmailTaken. The id conflict
// is absorbed by the upsert, so the email index is the only one left.
func userWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", ErrEmailTaken, err)
	}
	return err
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// LoadUsage returns the usage record stored under key.
func (s *GormStore) LoadUsage(ctx context.Context, key string) (domain.UsageRecord, bool, error) {
	var model UsageRecordModel
	if err := s.db.WithContext(ctx).First(&model, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UsageRecord{}, false, nil
		}
		return domain.UsageRecord{}, false, err
	}
	return usageFromModel(model), true, nil
}

// SaveUsage upserts a usage record.
func (s *GormStore) SaveUsage(ctx context.Context, rec domain.UsageRecord) error {
	model := usageToModel(rec)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"daily_uploads", "daily_bytes", "total_uploads", "total_bytes",
			"last_login", "day_bucket", "updated_at",
		}),
	}).Create(&model).Error
}

// AppendUsage inserts one usage log entry.
func (s *GormStore) AppendUsage(ctx context.Context, ev domain.UsageEvent) error {
	model, err := eventToModel(ev)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		PasswordHash:  u.PasswordHash,
		PremiumPlan:   u.PremiumPlan,
		PremiumExpiry: timePtr(u.PremiumExpiry),
		LoginCount:    u.LoginCount,
		LastLogin:     timePtr(u.LastLogin),
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:            m.ID,
		Name:          m.Name,
		Email:         m.Email,
		PasswordHash:  m.PasswordHash,
		PremiumPlan:   m.PremiumPlan,
		PremiumExpiry: timeValue(m.PremiumExpiry),
		LoginCount:    m.LoginCount,
		LastLogin:     timeValue(m.LastLogin),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func usageToModel(r domain.UsageRecord) UsageRecordModel {
	return UsageRecordModel{
		Key:          r.Key,
		DailyUploads: int64(r.DailyUploads),
		DailyBytes:   int64(r.DailyBytes),
		TotalUploads: int64(r.TotalUploads),
		TotalBytes:   int64(r.TotalBytes),
		LastLogin:    timePtr(r.LastLogin),
		DayBucket:    r.DayBucket,
		UpdatedAt:    r.UpdatedAt,
	}
}

func usageFromModel(m UsageRecordModel) domain.UsageRecord {
	return domain.UsageRecord{
		Key:          m.Key,
		DailyUploads: uint32(m.DailyUploads),
		DailyBytes:   uint64(m.DailyBytes),
		TotalUploads: uint64(m.TotalUploads),
		TotalBytes:   uint64(m.TotalBytes),
		LastLogin:    timeValue(m.LastLogin),
		DayBucket:    m.DayBucket,
		UpdatedAt:    m.UpdatedAt,
	}
}

func eventToModel(ev domain.UsageEvent) (UsageEventModel, error) {
	var params datatypes.JSON
	if len(ev.Params) > 0 {
		raw, err := json.Marshal(ev.Params)
		if err != nil {
			return UsageEventModel{}, fmt.Errorf("marshal usage params: %w", err)
		}
		params = datatypes.JSON(raw)
	}
	return UsageEventModel{
		ID:            ev.ID,
		PrincipalKey:  ev.PrincipalKey,
		PrincipalKind: string(ev.PrincipalKind),
		UserID:        ev.UserID,
		SessionID:     ev.SessionID,
		Operation:     ev.Operation,
		FileCount:     ev.FileCount,
		TotalBytes:    ev.TotalBytes,
		Source:        string(ev.Source),
		Params:        params,
		CreatedAt:     ev.Timestamp,
	}, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
