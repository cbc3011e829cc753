package dealer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/internal/outbox"
)

// fakeStore keeps processed rows and outbox rows in memory. It also serves
// as the relay's outbox.Store.
type fakeStore struct {
	mu       sync.Mutex
	fence    map[string]bool
	rows     map[int64]ProcessedReservation
	pending  []outbox.Message
	sent     []outbox.Message
	applyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{fence: map[string]bool{}, rows: map[int64]ProcessedReservation{}}
}

func (s *fakeStore) Apply(ctx context.Context, key, handler string, rec ProcessedReservation, out events.Envelope[events.ReservationProcessed]) (idempotency.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return 0, s.applyErr
	}
	if s.fence[key+"|"+handler] {
		return idempotency.AlreadyApplied, nil
	}
	body, err := events.Marshal(out)
	if err != nil {
		return 0, err
	}
	s.fence[key+"|"+handler] = true
	s.rows[rec.ReservationID] = rec
	s.pending = append(s.pending, outbox.Message{
		ID:         uuid.New(),
		MessageID:  out.MessageID,
		Exchange:   events.ExchangeReservation,
		RoutingKey: out.Type,
		TraceID:    out.TraceID,
		Payload:    body,
	})
	return idempotency.Applied, nil
}

func (s *fakeStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.pending))
	return append([]outbox.Message(nil), s.pending[:n]...), nil
}

func (s *fakeStore) MarkSent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.pending {
		if m.ID == id {
			s.sent = append(s.sent, m)
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, retryIn time.Duration, errMsg string) error {
	return nil
}

func (s *fakeStore) MarkDead(ctx context.Context, id uuid.UUID, attempt int, errMsg string) error {
	return nil
}
