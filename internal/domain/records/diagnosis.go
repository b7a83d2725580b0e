package records

import (
	"github.com/dhos/services-api/internal/domain/entity"
)

// Dose history actions.
const (
	DoseInserted = "insert"
	DoseDeleted  = "delete"
)

func diagnosisSchema() *entity.Schema {
	optional := names(
		"diagnosis_other", "resolved", "presented", "episode", "diagnosis_tool",
		"diagnosis_tool_other", "management_plan", "readings_plan", "risk_factors",
		"observable_entities", "diagnosed",
	)
	return &entity.Schema{
		Kind: Diagnosis,
		Fields: []entity.Field{
			str("sct_code"),
			str("diagnosis_other"),
			date("diagnosed"),
			date("resolved"),
			date("presented"),
			integer("episode"),
			textList("diagnosis_tool"),
			str("diagnosis_tool_other"),
			textList("risk_factors"),
			one("management_plan", ManagementPlan),
			one("readings_plan", ReadingsPlan),
			many("observable_entities", ObservableEntity, nil),
		},
		Contract: entity.Contract{
			Required:  names("sct_code"),
			Optional:  optional,
			Updatable: append(names("sct_code"), optional...),
		},
	}
}

func observableEntitySchema() *entity.Schema {
	metadata := entity.Field{
		Name:    "metadata",
		Kind:    entity.Scalar,
		Type:    entity.Object,
		Default: func() any { return map[string]any{} },
		NonNull: true,
	}
	return &entity.Schema{
		Kind: ObservableEntity,
		Fields: []entity.Field{
			str("sct_code"),
			date("date_observed"),
			str("value_as_string"),
			metadata,
		},
		Contract: entity.Contract{
			Required:  names("sct_code", "date_observed"),
			Optional:  names("metadata", "value_as_string"),
			Updatable: names("sct_code", "date_observed", "value_as_string", "metadata"),
		},
	}
}

func managementPlanSchema() *entity.Schema {
	return &entity.Schema{
		Kind: ManagementPlan,
		Fields: []entity.Field{
			str("sct_code"),
			date("start_date"),
			date("end_date"),
			many("doses", Dose, entity.NewestFirst),
			many("actions", NonMedicationAction, entity.NewestFirst),
			output(many("dose_history", DoseHistory, entity.NewestFirst)),
		},
		Contract: entity.Contract{
			Required:  names("sct_code"),
			Optional:  names("doses", "actions", "start_date", "end_date"),
			Updatable: names("doses", "actions", "start_date", "end_date", "sct_code"),
		},
	}
}

func doseSchema() *entity.Schema {
	return &entity.Schema{
		Kind: Dose,
		Fields: []entity.Field{
			str("medication_id"),
			number("dose_amount"),
			str("routine_sct_code"),
			output(many("changes", DoseChange, entity.NewestFirst)),
		},
		Contract: entity.Contract{
			Required:  names("medication_id", "dose_amount"),
			Optional:  names("routine_sct_code", "changes"),
			Updatable: names("routine_sct_code", "medication_id", "dose_amount"),
		},
		// Doses outlive their plan so the plan's dose history can still
		// describe them.
		Survives: true,
		OnCreate: func(s *entity.Session, e *entity.Entity, _ entity.Tree) error {
			if plan := e.Parent(); plan != nil && plan.Kind == ManagementPlan {
				return addDoseHistory(s, plan, e, DoseInserted)
			}
			return nil
		},
		OnPatch: func(s *entity.Session, e *entity.Entity, updates entity.Tree) error {
			_, err := s.Append(e, "changes", diff(e, updates, "medication_id", "dose_amount", "routine_sct_code"))
			return err
		},
		OnDelete: func(s *entity.Session, e, parent *entity.Entity) error {
			s.Orphan(e)
			return addDoseHistory(s, parent, e, DoseDeleted)
		},
	}
}

func doseChangeSchema() *entity.Schema {
	return &entity.Schema{
		Kind:     DoseChange,
		Fields:   []entity.Field{str("medication_id"), number("dose_amount"), str("routine_sct_code")},
		Contract: entity.Contract{Optional: names("medication_id", "dose_amount", "routine_sct_code")},
	}
}

func doseHistorySchema() *entity.Schema {
	dose := one("dose", Dose)
	dose.Link = "dose_id"
	return &entity.Schema{
		Kind:     DoseHistory,
		Fields:   []entity.Field{str("clinician_uuid"), str("action"), dose},
		Contract: entity.Contract{Required: names("dose"), Optional: names("clinician_uuid", "action")},
	}
}

func addDoseHistory(s *entity.Session, plan, dose *entity.Entity, action string) error {
	data := entity.Tree{"dose": dose, "action": action}
	if actor := s.Actor(); actor != "" {
		data["clinician_uuid"] = actor
	}
	_, err := s.Append(plan, "dose_history", data)
	return err
}

func nonMedicationActionSchema() *entity.Schema {
	return &entity.Schema{
		Kind:   NonMedicationAction,
		Fields: []entity.Field{str("action_sct_code")},
		Contract: entity.Contract{
			Required:  names("action_sct_code"),
			Updatable: names("action_sct_code"),
		},
	}
}

func readingsPlanSchema() *entity.Schema {
	return &entity.Schema{
		Kind: ReadingsPlan,
		Fields: []entity.Field{
			str("sct_code"),
			integer("days_per_week_to_take_readings"),
			integer("readings_per_day"),
			date("start_date"),
			date("end_date"),
			output(many("changes", ReadingsPlanChange, entity.NewestFirst)),
		},
		Contract: entity.Contract{
			Required: names("sct_code"),
			Optional: names("days_per_week_to_take_readings", "readings_per_day", "start_date", "end_date", "changes"),
			Updatable: names(
				"days_per_week_to_take_readings", "readings_per_day", "start_date",
				"end_date", "sct_code",
			),
		},
		// Without an explicit changes key the plan's starting frequencies
		// become its first change. An explicit list or null is taken as the
		// complete history.
		OnCreate: func(s *entity.Session, e *entity.Entity, data entity.Tree) error {
			if !entity.Lookup(data, "changes").IsUnset() {
				return nil
			}
			_, err := s.Append(e, "changes", entity.Tree{
				"days_per_week_to_take_readings": e.Get("days_per_week_to_take_readings"),
				"readings_per_day":               e.Get("readings_per_day"),
			})
			return err
		},
		OnPatch: func(s *entity.Session, e *entity.Entity, updates entity.Tree) error {
			_, err := s.Append(e, "changes", diff(e, updates, "days_per_week_to_take_readings", "readings_per_day"))
			return err
		},
	}
}

func readingsPlanChangeSchema() *entity.Schema {
	return &entity.Schema{
		Kind:     ReadingsPlanChange,
		Fields:   []entity.Field{integer("days_per_week_to_take_readings"), integer("readings_per_day")},
		Contract: entity.Contract{Optional: names("days_per_week_to_take_readings", "readings_per_day")},
	}
}

// diff returns the tracked fields whose value in updates differs from the
// entity's current value. Unchanged fields are left out.
func diff(e *entity.Entity, updates entity.Tree, tracked ...string) entity.Tree {
	out := entity.Tree{}
	for _, name := range tracked {
		v, ok := updates[name]
		if ok && e.Differs(name, v) {
			out[name] = v
		}
	}
	return out
}
