package notify

import (
	"fmt"
	"strings"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
)

// PushMessage is what a push provider delivers to one device.
type PushMessage struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

const scheduleLayout = "2006-01-02 15:04 MST"

func greet(name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return "there"
}

func model(m string) string {
	if m = strings.TrimSpace(m); m != "" {
		return m
	}
	return "vehicle"
}

func amount(v float64) string { return fmt.Sprintf("%.2f", v) }

func QuotePush(e events.QuoteCreated) PushMessage {
	return PushMessage{
		Title: fmt.Sprintf("New quote #%d", e.QuoteID),
		Body:  fmt.Sprintf("Hi %s, your quote for %s totalling %s is ready.", greet(e.CustomerName), model(e.VehicleModel), amount(e.TotalAmount)),
	}
}

func OrderPush(e events.OrderCreated) PushMessage {
	return PushMessage{
		Title: fmt.Sprintf("Order #%d confirmed", e.OrderID),
		Body:  fmt.Sprintf("Hi %s, your order for %s totalling %s has been placed.", greet(e.CustomerName), model(e.VehicleModel), amount(e.TotalAmount)),
	}
}

func ContractPush(e events.ContractCreated) PushMessage {
	ref := strings.TrimSpace(e.ContractNumber)
	if ref == "" {
		ref = fmt.Sprintf("#%d", e.ContractID)
	}
	return PushMessage{
		Title: fmt.Sprintf("Contract %s ready", ref),
		Body:  fmt.Sprintf("Hi %s, your contract is ready for signature.", greet(e.CustomerName)),
	}
}

func TestDrivePush(e events.TestDriveScheduled) PushMessage {
	return PushMessage{
		Title: "Test drive scheduled",
		Body: fmt.Sprintf("Hi %s, your test drive of %s is booked for %s.",
			greet(e.CustomerName), model(e.VehicleModel), e.ScheduledAt.UTC().Format(scheduleLayout)),
	}
}

func SalePush(e events.SaleCompleted) PushMessage {
	return PushMessage{
		Title: fmt.Sprintf("Congratulations on your new %s", model(e.VehicleModel)),
		Body:  fmt.Sprintf("Hi %s, your purchase is complete. Total: %s.", greet(e.CustomerName), amount(e.TotalAmount)),
	}
}

// ReservationSMS omits the colour when the variant has no name.
func ReservationSMS(e events.VehicleReserved) string {
	qty := e.Quantity
	if qty <= 0 {
		qty = 1
	}
	item := fmt.Sprintf("%d x %s", qty, model(e.VehicleModel))
	if c := strings.TrimSpace(e.ColorVariantName); c != "" {
		item += " (" + c + ")"
	}
	return fmt.Sprintf("Hi %s, your reservation #%d for %s is confirmed. Total: %s.",
		greet(e.CustomerName), e.ReservationID, item, amount(e.TotalPrice))
}

