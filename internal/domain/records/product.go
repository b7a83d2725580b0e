package records

import (
	"fmt"
	"time"

	"github.com/dhos/services-api/internal/domain/entity"
)

// Product lifecycle events.
const (
	EventArchive         = "archive"
	EventStopMonitoring  = "stop monitoring"
	EventStartMonitoring = "start monitoring"
)

func productSchema() *entity.Schema {
	return &entity.Schema{
		Kind: Product,
		Fields: []entity.Field{
			str("product_name"),
			date("opened_date"),
			date("closed_date"),
			str("closed_reason"),
			str("closed_reason_other"),
			withDefault(boolean("accessibility_discussed"), func() any { return false }),
			str("accessibility_discussed_with"),
			date("accessibility_discussed_date"),
			withDefault(boolean("monitored_by_clinician"), func() any { return true }),
			output(many("changes", ProductChange, entity.OldestFirst)),
		},
		Contract: entity.Contract{
			Required: names("product_name", "opened_date"),
			Optional: names(
				"closed_date", "closed_reason", "closed_reason_other",
				"accessibility_discussed", "accessibility_discussed_with",
				"accessibility_discussed_date", "monitored_by_clinician",
			),
			Updatable: names(
				"product_name", "opened_date", "closed_reason",
				"closed_reason_other", "monitored_by_clinician",
			),
		},
		OnPatch: patchProduct,
	}
}

func productChangeSchema() *entity.Schema {
	return &entity.Schema{
		Kind:     ProductChange,
		Fields:   []entity.Field{str("event")},
		Contract: entity.Contract{Required: names("event")},
	}
}

// patchProduct refuses a rename onto a product the patient already has
// open, and logs monitoring toggles made through a generic patch.
func patchProduct(s *entity.Session, e *entity.Entity, updates entity.Tree) error {
	if name, ok := updates["product_name"].(string); ok && e.Differs("product_name", name) {
		if patient := e.Parent(); patient != nil {
			for _, other := range patient.Children("dh_products") {
				if other == e || !IsOpen(other) {
					continue
				}
				if n, _ := other.Str("product_name"); n == name {
					return &entity.DuplicateError{
						Constraint: "open_product",
						Msg:        fmt.Sprintf("patient is already active on %s", name),
					}
				}
			}
		}
	}
	if monitored, ok := updates["monitored_by_clinician"].(bool); ok && e.Differs("monitored_by_clinician", monitored) {
		event := EventStopMonitoring
		if monitored {
			event = EventStartMonitoring
		}
		return appendEvent(s, e, event)
	}
	return nil
}

func appendEvent(s *entity.Session, product *entity.Entity, event string) error {
	_, err := s.Append(product, "changes", entity.Tree{"event": event})
	return err
}

// IsOpen reports whether the product has not been closed.
func IsOpen(product *entity.Entity) bool { return !product.Has("closed_date") }

// Monitored reports whether a clinician is monitoring the product.
func Monitored(product *entity.Entity) bool {
	b, _ := product.Bool("monitored_by_clinician")
	return b
}

// FindProduct returns the patient's product with id, or nil.
func FindProduct(patient *entity.Entity, id string) *entity.Entity {
	for _, p := range patient.Children("dh_products") {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Closure carries the details recorded when a product is closed. Empty
// reason strings are stored as null.
type Closure struct {
	ClosedDate        string
	ClosedReason      string
	ClosedReasonOther string
}

// Close archives an open product. A monitored product stops being
// monitored first, so the event log reads stop monitoring then archive.
func Close(s *entity.Session, product *entity.Entity, c Closure) error {
	if !IsOpen(product) {
		return entity.Conflict("product %s is already closed", product.ID)
	}
	closed, err := canonicalDate(c.ClosedDate)
	if err != nil {
		return entity.Invalid(Product, "closed_date", "closed_date: %v", err)
	}
	product.Set("closed_date", closed)
	product.Set("closed_reason", nullable(c.ClosedReason))
	product.Set("closed_reason_other", nullable(c.ClosedReasonOther))
	if Monitored(product) {
		if err := StopMonitoring(s, product); err != nil {
			return err
		}
	}
	if err := appendEvent(s, product, EventArchive); err != nil {
		return err
	}
	s.Touch(product)
	return nil
}

// StartMonitoring marks the product as monitored.
func StartMonitoring(s *entity.Session, product *entity.Entity) error {
	if Monitored(product) {
		return entity.Conflict("product %s is already monitored", product.ID)
	}
	product.Set("monitored_by_clinician", true)
	s.Touch(product)
	return appendEvent(s, product, EventStartMonitoring)
}

// StopMonitoring marks the product as not monitored. Every call is logged,
// including repeats.
func StopMonitoring(s *entity.Session, product *entity.Entity) error {
	product.Set("monitored_by_clinician", false)
	s.Touch(product)
	return appendEvent(s, product, EventStopMonitoring)
}

func canonicalDate(v string) (string, error) {
	if d, err := time.Parse(time.DateOnly, v); err == nil {
		return d.Format(time.DateOnly), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return "", fmt.Errorf("expected a date, got %q", v)
	}
	return ts.Format(time.DateOnly), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
