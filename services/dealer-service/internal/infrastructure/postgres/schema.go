package postgres

// Schema is applied at startup after the shared pipeline tables.
const Schema = `
CREATE TABLE IF NOT EXISTS processed_reservations (
	reservation_id        BIGINT      PRIMARY KEY,
	vehicle_id            TEXT        NOT NULL,
	dealer_id             BIGINT      NOT NULL,
	status                TEXT        NOT NULL,
	assigned_staff        TEXT        NOT NULL,
	dealer_reservation_id TEXT        NOT NULL UNIQUE,
	processed_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS processed_reservations_dealer_idx
	ON processed_reservations (dealer_id, processed_at DESC);
`
