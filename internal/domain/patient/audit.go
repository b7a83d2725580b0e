package patient

import (
	"github.com/rs/zerolog"
)

// Audit event types.
const (
	EventViewed              = "Patient information viewed"
	EventUpdated             = "Patient information updated"
	EventArchived            = "Patient information archived"
	EventDiabetesTypeChanged = "GDM Patient diabetes type changed"
	EventMonitored           = "Started monitoring patient"
	EventNotMonitored        = "Stopped monitoring patient"
)

type auditEvent struct {
	Type string
	Data map[string]string
}

// auditLog collects events during an operation; they are written once the
// transaction has committed.
type auditLog struct {
	actor  string
	events []auditEvent
}

func (a *auditLog) record(eventType string, data map[string]string) {
	a.events = append(a.events, auditEvent{Type: eventType, Data: data})
}

// flush writes the collected events. Nothing is written without an actor
// to attribute them to.
func (a *auditLog) flush(logger zerolog.Logger) {
	if a.actor == "" {
		if len(a.events) > 0 {
			logger.Debug().Int("events", len(a.events)).Msg("no clinician in context, skipping audit events")
		}
		return
	}
	for _, ev := range a.events {
		evt := logger.Info().
			Str("type", "audit_event").
			Str("event_type", ev.Type).
			Str("clinician_id", a.actor)
		for k, v := range ev.Data {
			evt = evt.Str(k, v)
		}
		evt.Msg("audit_event")
	}
}
