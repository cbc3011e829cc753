package sales

import (
	"context"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/outbox"
	"github.com/baechuer/dealer-pipeline/internal/tracing"
)

const producer = "sales-service"

// Recorder enqueues sales events into the outbox inside the caller's
// transaction; the relay publishes them after commit.
type Recorder struct{}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) RecordQuote(ctx context.Context, tx outbox.Execer, traceID string, p events.QuoteCreated) error {
	return record(ctx, tx, events.TypeQuoteCreated, traceID, p)
}

func (r *Recorder) RecordOrder(ctx context.Context, tx outbox.Execer, traceID string, p events.OrderCreated) error {
	return record(ctx, tx, events.TypeOrderCreated, traceID, p)
}

func (r *Recorder) RecordContract(ctx context.Context, tx outbox.Execer, traceID string, p events.ContractCreated) error {
	return record(ctx, tx, events.TypeContractCreated, traceID, p)
}

func (r *Recorder) RecordTestDrive(ctx context.Context, tx outbox.Execer, traceID string, p events.TestDriveScheduled) error {
	return record(ctx, tx, events.TypeTestDriveScheduled, traceID, p)
}

func (r *Recorder) RecordSale(ctx context.Context, tx outbox.Execer, traceID string, p events.SaleCompleted) error {
	return record(ctx, tx, events.TypeSaleCompleted, traceID, p)
}

func record[T any](ctx context.Context, tx outbox.Execer, eventType, traceID string, p T) error {
	if err := events.Validate(p); err != nil {
		return err
	}
	if traceID == "" {
		traceID = tracing.TraceID(ctx)
	}
	return outbox.EnqueueEvent(ctx, tx, events.New(eventType, producer, traceID, p))
}
