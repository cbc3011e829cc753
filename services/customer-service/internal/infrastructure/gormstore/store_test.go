package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/baechuer/dealer-pipeline/services/customer-service/internal/application/customer"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *Store) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return mock, New(db)
}

func sample() customer.Customer {
	return customer.Customer{
		Email:     "a@x.com",
		Name:      "Ann",
		Phone:     "+61400000000",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestUpsertByEmail_Created(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO "customers" .* ON CONFLICT \("email"\) DO NOTHING RETURNING "id"`).
		WithArgs("a@x.com", "Ann", "+61400000000", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	res, err := store.UpsertByEmail(context.Background(), sample())
	require.NoError(t, err)
	assert.Equal(t, customer.Created, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertByEmail_AlreadyExists(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO "customers"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	res, err := store.UpsertByEmail(context.Background(), sample())
	require.NoError(t, err)
	assert.Equal(t, customer.AlreadyExists, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertByEmail_DatabaseError(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO "customers"`).
		WillReturnError(errors.New("connection reset"))

	_, err := store.UpsertByEmail(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert customer")
}

func TestGetByEmail(t *testing.T) {
	mock, store := setupMockDB(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "customers" WHERE email = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "phone", "created_at", "updated_at"}).
			AddRow(int64(9), "a@x.com", "Ann", "", created, created))

	got, err := store.GetByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.ID)
	assert.Equal(t, "Ann", got.Name)
	assert.Equal(t, created, got.CreatedAt)
}

func TestGetByEmail_NotFound(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery(`SELECT \* FROM "customers"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "phone", "created_at"}))

	_, err := store.GetByEmail(context.Background(), "nobody@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
