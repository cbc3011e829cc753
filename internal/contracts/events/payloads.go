package events

import (
	"strconv"
	"time"
)

// StatusProcessedByDealer is the only status the dealer step assigns.
const StatusProcessedByDealer = "PROCESSED_BY_DEALER"

// Keyed is implemented by every payload. The business key identifies the
// domain fact independently of the message carrying it.
type Keyed interface {
	BusinessKey() string
}

// PushEvent is a sales event that may target a mobile device.
type PushEvent interface {
	Keyed
	PushTarget() string
}

type ReservationCreated struct {
	ReservationID int64     `json:"reservationId" validate:"required,gt=0"`
	VehicleID     string    `json:"vehicleId" validate:"required"`
	DealerID      int64     `json:"dealerId" validate:"required,gt=0"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (e ReservationCreated) BusinessKey() string { return itoa(e.ReservationID) }

type ReservationProcessed struct {
	ReservationID       int64     `json:"reservationId" validate:"required,gt=0"`
	Status              string    `json:"status" validate:"required"`
	AssignedStaff       string    `json:"assignedStaff"`
	ProcessedAt         time.Time `json:"processedAt"`
	DealerReservationID string    `json:"dealerReservationId" validate:"required"`
}

func (e ReservationProcessed) BusinessKey() string { return itoa(e.ReservationID) }

type VehicleReserved struct {
	ReservationID    int64     `json:"reservationId"`
	VehicleID        string    `json:"vehicleId"`
	VehicleModel     string    `json:"vehicleModel"`
	CustomerName     string    `json:"customerName" validate:"required"`
	CustomerEmail    string    `json:"customerEmail" validate:"required,email"`
	CustomerPhone    string    `json:"customerPhone,omitempty"`
	Quantity         int       `json:"quantity"`
	TotalPrice       float64   `json:"totalPrice"`
	ColorVariantID   int64     `json:"colorVariantId,omitempty"`
	ColorVariantName string    `json:"colorVariantName,omitempty"`
	DealerID         int64     `json:"dealerId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// BusinessKey falls back to the customer email for producers that do not
// send a reservation id.
func (e VehicleReserved) BusinessKey() string {
	if e.ReservationID > 0 {
		return itoa(e.ReservationID)
	}
	return e.CustomerEmail
}

type QuoteCreated struct {
	QuoteID      int64     `json:"quoteId" validate:"required,gt=0"`
	CustomerID   int64     `json:"customerId"`
	CustomerName string    `json:"customerName"`
	VehicleModel string    `json:"vehicleModel"`
	TotalAmount  float64   `json:"totalAmount"`
	DeviceToken  string    `json:"deviceToken,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (e QuoteCreated) BusinessKey() string { return itoa(e.QuoteID) }
func (e QuoteCreated) PushTarget() string  { return e.DeviceToken }

type OrderCreated struct {
	OrderID      int64     `json:"orderId" validate:"required,gt=0"`
	QuoteID      int64     `json:"quoteId,omitempty"`
	CustomerID   int64     `json:"customerId"`
	CustomerName string    `json:"customerName"`
	VehicleModel string    `json:"vehicleModel"`
	TotalAmount  float64   `json:"totalAmount"`
	DeviceToken  string    `json:"deviceToken,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (e OrderCreated) BusinessKey() string { return itoa(e.OrderID) }
func (e OrderCreated) PushTarget() string  { return e.DeviceToken }

type ContractCreated struct {
	ContractID     int64     `json:"contractId" validate:"required,gt=0"`
	OrderID        int64     `json:"orderId,omitempty"`
	ContractNumber string    `json:"contractNumber,omitempty"`
	CustomerID     int64     `json:"customerId"`
	CustomerName   string    `json:"customerName"`
	TotalAmount    float64   `json:"totalAmount"`
	DeviceToken    string    `json:"deviceToken,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (e ContractCreated) BusinessKey() string { return itoa(e.ContractID) }
func (e ContractCreated) PushTarget() string  { return e.DeviceToken }

type TestDriveScheduled struct {
	TestDriveID  int64     `json:"testDriveId" validate:"required,gt=0"`
	CustomerID   int64     `json:"customerId"`
	CustomerName string    `json:"customerName"`
	VehicleModel string    `json:"vehicleModel"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	DeviceToken  string    `json:"deviceToken,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (e TestDriveScheduled) BusinessKey() string { return itoa(e.TestDriveID) }
func (e TestDriveScheduled) PushTarget() string  { return e.DeviceToken }

type SaleCompleted struct {
	SaleID       int64     `json:"saleId" validate:"required,gt=0"`
	OrderID      int64     `json:"orderId,omitempty"`
	CustomerID   int64     `json:"customerId"`
	CustomerName string    `json:"customerName"`
	VehicleModel string    `json:"vehicleModel"`
	TotalAmount  float64   `json:"totalAmount"`
	DeviceToken  string    `json:"deviceToken,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}

func (e SaleCompleted) BusinessKey() string { return itoa(e.SaleID) }
func (e SaleCompleted) PushTarget() string  { return e.DeviceToken }

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
