//go:build integration

package gormstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/dealer-pipeline/internal/pgtest"
	"github.com/baechuer/dealer-pipeline/services/customer-service/internal/application/customer"
)

func TestStore_Integration_OneCustomerPerEmail(t *testing.T) {
	dsn, _ := pgtest.Start(t)
	ctx := context.Background()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	st := New(db)
	t.Cleanup(func() { _ = st.Close() })

	c := customer.Customer{Email: "a@x.com", Name: "Ann", CreatedAt: time.Now().UTC()}

	first, err := st.UpsertByEmail(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, customer.Created, first)

	c.Name = "Ann Again"
	second, err := st.UpsertByEmail(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, customer.AlreadyExists, second)

	got, err := st.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.Name)

	var n int64
	require.NoError(t, db.Model(&customerModel{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	require.NoError(t, st.Ping(ctx))
}
