// Package gormstore is the customer repository on gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/services/customer-service/internal/application/customer"
)

type customerModel struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Email     string    `gorm:"column:email;uniqueIndex;not null"`
	Name      string    `gorm:"column:name;not null"`
	Phone     string    `gorm:"column:phone"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (customerModel) TableName() string { return "customers" }

// Schema mirrors customerModel.
const Schema = `
CREATE TABLE IF NOT EXISTS customers (
	id         BIGSERIAL   PRIMARY KEY,
	email      TEXT        NOT NULL UNIQUE,
	name       TEXT        NOT NULL,
	phone      TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

var ErrNotFound = errors.New("customer not found")

type Store struct {
	db *gorm.DB
}

var _ customer.Repository = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects gorm to Postgres and applies Schema.
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := db.WithContext(ctx).Exec(Schema).Error; err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("customer schema: %w", err)
	}
	return db, nil
}

func (s *Store) UpsertByEmail(ctx context.Context, c customer.Customer) (idempotency.Outcome, error) {
	row := customerModel{
		Email:     c.Email,
		Name:      c.Name,
		Phone:     c.Phone,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.CreatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return 0, fmt.Errorf("insert customer: %w", res.Error)
	}
	return idempotency.FromInserted(res.RowsAffected == 1), nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (customer.Customer, error) {
	var row customerModel
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return customer.Customer{}, ErrNotFound
	}
	if err != nil {
		return customer.Customer{}, fmt.Errorf("get customer: %w", err)
	}
	return customer.Customer{
		ID: row.ID, Email: row.Email, Name: row.Name, Phone: row.Phone, CreatedAt: row.CreatedAt,
	}, nil
}

// Ping is the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
