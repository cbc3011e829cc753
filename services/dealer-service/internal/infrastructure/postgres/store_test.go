package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/services/dealer-service/internal/application/dealer"
)

type fakeDB struct {
	marked  map[string]bool
	execs   []string
	commits int
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{db: db}, nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not used")
}

type fakeTx struct {
	pgx.Tx
	db *fakeDB
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.db.execs = append(tx.db.execs, strings.Fields(sql)[2])
	if strings.Contains(sql, "processed_messages") {
		k := args[0].(string)
		if tx.db.marked[k] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		tx.db.marked[k] = true
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.db.commits++
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error { return nil }

func TestApply_WritesFenceRowAndOutbox(t *testing.T) {
	db := &fakeDB{marked: map[string]bool{}}
	st := New(db)

	rec := dealer.ProcessedReservation{
		ReservationID: 42, VehicleID: "V1", DealerID: 7,
		Status: events.StatusProcessedByDealer, AssignedStaff: "dealer-7-desk",
		DealerReservationID: "DR-1", ProcessedAt: time.Now().UTC(),
	}
	out := events.New(events.TypeReservationProcessed, "dealer-service", "", events.ReservationProcessed{
		ReservationID: 42, Status: rec.Status, DealerReservationID: "DR-1",
	})

	res, err := st.Apply(context.Background(), "reservation.created:42", "dealer", rec, out)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Applied, res)
	assert.Equal(t, []string{"processed_messages", "processed_reservations", "outbox"}, db.execs)
	assert.Equal(t, 1, db.commits)

	res, err = st.Apply(context.Background(), "reservation.created:42", "dealer", rec, out)
	require.NoError(t, err)
	assert.Equal(t, idempotency.AlreadyApplied, res)
	assert.Len(t, db.execs, 4, "duplicate only touches the fence")
	assert.Equal(t, 1, db.commits)
}
