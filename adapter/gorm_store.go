package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ottermc/groupsync/cache"
	gserrors "github.com/ottermc/groupsync/errors"
)

const (
	defaultGormTableName = "groupsync_snapshots"
	defaultGormOpTimeout = 5 * time.Second
)

// gormSnapshot is the row model: one snapshot per (player, group).
type gormSnapshot struct {
	PlayerUUID string `gorm:"primaryKey;column:player_uuid"`
	GroupName  string `gorm:"primaryKey;column:group_name"`
	Value      []byte `gorm:"column:value"`
}

// GormStore implements Store using a GORM backend, suitable for the SQL
// databases game networks usually already run.
type GormStore[T any] struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	codec     cache.Codec
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	codec     cache.Codec
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormCodec sets the codec for serialization.
func WithGormCodec(c cache.Codec) GormOption {
	return func(o *gormStoreOptions) {
		o.codec = c
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
func NewGormStore[T any](db *gorm.DB, opts ...GormOption) *GormStore[T] {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		codec:     cache.GobCodec{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Ensure the table exists
	if !db.Migrator().HasTable(o.tableName) {
		_ = db.Table(o.tableName).AutoMigrate(&gormSnapshot{})
	}

	return &GormStore[T]{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
		codec:     o.codec,
	}
}

// Load implements Store.Load.
func (s *GormStore[T]) Load(ctx context.Context, player uuid.UUID, group string) (T, bool, error) {
	var zero T
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormSnapshot
	err := s.db.WithContext(cctx).Table(s.tableName).
		First(&row, "player_uuid = ? AND group_name = ?", player.String(), group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, translateGormErr(err)
	}

	var v T
	if err := s.codec.Unmarshal(row.Value, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Save implements Store.Save.
func (s *GormStore[T]) Save(ctx context.Context, player uuid.UUID, group string, value T) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}

	row := gormSnapshot{
		PlayerUUID: player.String(),
		GroupName:  group,
		Value:      data,
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return translateGormErr(s.db.WithContext(cctx).Table(s.tableName).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "player_uuid"}, {Name: "group_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error)
}

// Delete implements Store.Delete.
func (s *GormStore[T]) Delete(ctx context.Context, player uuid.UUID, group string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return translateGormErr(s.db.WithContext(cctx).Table(s.tableName).
		Delete(&gormSnapshot{}, "player_uuid = ? AND group_name = ?", player.String(), group).Error)
}

func translateGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gserrors.ErrTimeout
	}
	return err
}
