package services

import (
	"fmt"
	"time"

	"table-reservations/internal/models"
)

// MaxLineItemQuantity bounds a single line so totals cannot overflow.
const MaxLineItemQuantity = 1000

// ComputeTotal prices a booking as hourlyRate × duration plus every line item.
// The time charge is computed in cents from whole minutes and rounded half-up;
// line items are exact. The result is fixed at creation and never recomputed.
func ComputeTotal(hourlyRate models.Money, duration time.Duration, items []models.LineItem) (models.Money, error) {
	if hourlyRate < 0 {
		return 0, invalid("hourly_rate", "must not be negative")
	}
	if duration <= 0 || duration%time.Minute != 0 {
		return 0, invalid("duration", "must be a positive whole number of minutes")
	}
	minutes := int64(duration / time.Minute)
	total := (int64(hourlyRate)*minutes + 30) / 60

	for i, item := range items {
		if item.Quantity <= 0 || item.Quantity > MaxLineItemQuantity {
			return 0, invalid(lineItemField(i, "quantity"), "must be between 1 and %d", MaxLineItemQuantity)
		}
		if item.UnitPrice < 0 {
			return 0, invalid(lineItemField(i, "unit_price"), "must not be negative")
		}
		total += int64(item.UnitPrice) * int64(item.Quantity)
	}
	return models.Money(total), nil
}

func lineItemField(i int, name string) string {
	return fmt.Sprintf("line_items[%d].%s", i, name)
}
