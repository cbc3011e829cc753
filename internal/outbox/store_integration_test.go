//go:build integration

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/dealer-pipeline/internal/pgtest"
)

func TestPgStore_ClaimLeaseAndMark(t *testing.T) {
	_, pool := pgtest.Start(t)
	ctx := context.Background()
	st := NewPgStore(pool)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, Enqueue(ctx, tx, Message{MessageID: "m-1", Exchange: "reservation_events", RoutingKey: "reservation.processed", Payload: []byte(`{"a":1}`)}))
	require.NoError(t, Enqueue(ctx, tx, Message{MessageID: "m-1", Exchange: "reservation_events", RoutingKey: "reservation.processed", Payload: []byte(`{"a":1}`)}))
	require.NoError(t, Enqueue(ctx, tx, Message{MessageID: "m-2", Exchange: "vehicle_events", RoutingKey: "vehicle.reserved", Payload: []byte(`{"b":2}`)}))
	require.NoError(t, tx.Commit(ctx))

	batch, err := st.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2, "duplicate message id must not create a second row")

	// leased rows are invisible to a second claim
	again, err := st.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, st.MarkSent(ctx, batch[0].ID))
	require.NoError(t, st.MarkDead(ctx, batch[1].ID, 12, "NO_ROUTE"))

	var status string
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM outbox WHERE id = $1`, batch[0].ID).Scan(&status))
	assert.Equal(t, "sent", status)
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM outbox WHERE id = $1`, batch[1].ID).Scan(&status))
	assert.Equal(t, "dead", status)
}

func TestPgStore_MarkFailedReschedules(t *testing.T) {
	_, pool := pgtest.Start(t)
	ctx := context.Background()
	st := NewPgStore(pool)

	require.NoError(t, Enqueue(ctx, pool, Message{Exchange: "sales_exchange", RoutingKey: "order.created", Payload: []byte(`{}`)}))

	batch, err := st.Claim(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, st.MarkFailed(ctx, batch[0].ID, 1, -time.Second, "confirm timeout"))

	batch, err = st.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempt)
}
