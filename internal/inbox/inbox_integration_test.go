//go:build integration

package inbox

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/internal/pgtest"
)

func TestProcessOnce_Integration(t *testing.T) {
	_, pool := pgtest.Start(t, `CREATE TABLE IF NOT EXISTS side_effects (k TEXT NOT NULL)`)
	in := New(pool)
	ctx := context.Background()

	write := func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO side_effects (k) VALUES ('x')`)
		return err
	}

	out, err := in.ProcessOnce(ctx, "reservation.created:42", "dealer", write)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Applied, out)

	out, err = in.ProcessOnce(ctx, "reservation.created:42", "dealer", write)
	require.NoError(t, err)
	assert.Equal(t, idempotency.AlreadyApplied, out)

	_, err = in.ProcessOnce(ctx, "reservation.created:43", "dealer", func(ctx context.Context, tx pgx.Tx) error {
		if err := write(ctx, tx); err != nil {
			return err
		}
		return errors.New("fail after write")
	})
	require.Error(t, err)

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM side_effects`).Scan(&n))
	assert.Equal(t, 1, n)

	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM processed_messages`).Scan(&n))
	assert.Equal(t, 1, n)
}
