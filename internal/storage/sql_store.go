package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/observability"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQL picks the postgres driver for postgres:// DSNs and sqlite otherwise,
// then migrates the client_state table.
func OpenSQL(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.AutoMigrate(&domain.ClientState{}); err != nil {
		return nil, fmt.Errorf("migrate client_state: %w", err)
	}
	return db, nil
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var row domain.ClientState
	err := s.db.WithContext(ctx).Where("state_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordStateStoreOperation(ctx, "sql", "get", "not_found")
			return "", false, nil
		}
		observability.RecordStateStoreOperation(ctx, "sql", "get", "error")
		return "", false, err
	}
	if row.ExpiresAt != nil && s.now().UTC().After(row.ExpiresAt.UTC()) {
		observability.RecordStateStoreOperation(ctx, "sql", "get", "expired")
		return "", false, nil
	}
	observability.RecordStateStoreOperation(ctx, "sql", "get", "success")
	return row.Value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	row := domain.ClientState{Key: key, Value: value}
	if ttl > 0 {
		expiresAt := s.now().UTC().Add(ttl)
		row.ExpiresAt = &expiresAt
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		observability.RecordStateStoreOperation(ctx, "sql", "set", "error")
		return err
	}
	observability.RecordStateStoreOperation(ctx, "sql", "set", "success")
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("state_key IN ?", keys).Delete(&domain.ClientState{}).Error
	if err != nil {
		observability.RecordStateStoreOperation(ctx, "sql", "delete", "error")
		return err
	}
	observability.RecordStateStoreOperation(ctx, "sql", "delete", "success")
	return nil
}

// CleanupExpired removes rows whose expiry has passed.
func (s *SQLStore) CleanupExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at < ?", s.now().UTC()).Delete(&domain.ClientState{})
	if res.Error != nil {
		observability.RecordStateStoreOperation(ctx, "sql", "cleanup_expired", "error")
		return 0, res.Error
	}
	observability.RecordStateStoreOperation(ctx, "sql", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
