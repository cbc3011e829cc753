// Package events holds the wire contract shared by every service in the
// pipeline: exchanges, routing keys, the versioned envelope and payloads.
package events

// Topic exchanges. All are durable.
const (
	ExchangeReservation = "reservation_events"
	ExchangeVehicle     = "vehicle_events"
	ExchangeSales       = "sales_exchange"
)

// Event types double as routing keys.
const (
	TypeReservationCreated   = "reservation.created"
	TypeReservationProcessed = "reservation.processed"
	TypeVehicleReserved      = "vehicle.reserved"
	TypeQuoteCreated         = "quote.created"
	TypeOrderCreated         = "order.created"
	TypeContractCreated      = "contract.created"
	TypeTestDriveScheduled   = "testdrive.scheduled"
	TypeSaleCompleted        = "sale.completed"
)

var exchangeByType = map[string]string{
	TypeReservationCreated:   ExchangeReservation,
	TypeReservationProcessed: ExchangeReservation,
	TypeVehicleReserved:      ExchangeVehicle,
	TypeQuoteCreated:         ExchangeSales,
	TypeOrderCreated:         ExchangeSales,
	TypeContractCreated:      ExchangeSales,
	TypeTestDriveScheduled:   ExchangeSales,
	TypeSaleCompleted:        ExchangeSales,
}

// ExchangeFor returns the exchange an event type is published on.
func ExchangeFor(eventType string) (string, bool) {
	ex, ok := exchangeByType[eventType]
	return ex, ok
}

// SalesTypes are the events that drive push notifications.
func SalesTypes() []string {
	return []string{
		TypeQuoteCreated,
		TypeOrderCreated,
		TypeContractCreated,
		TypeTestDriveScheduled,
		TypeSaleCompleted,
	}
}
