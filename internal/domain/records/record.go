package records

import (
	"github.com/dhos/services-api/internal/domain/entity"
)

func recordSchema() *entity.Schema {
	return &entity.Schema{
		Kind: Record,
		Fields: []entity.Field{
			many("notes", Note, nil),
			many("diagnoses", Diagnosis, entity.NewestFirst),
			many("pregnancies", Pregnancy, entity.NewestFirst),
			many("visits", Visit, entity.NewestFirst),
			one("history", History),
		},
		Contract: entity.Contract{
			Optional:  names("pregnancies", "history", "notes", "diagnoses", "visits"),
			Updatable: names("pregnancies", "notes", "diagnoses", "visits", "history"),
		},
		// A record starts with an empty obstetric history unless one is
		// supplied or explicitly nulled.
		OnCreate: func(s *entity.Session, e *entity.Entity, data entity.Tree) error {
			if !entity.Lookup(data, "history").IsUnset() {
				return nil
			}
			_, err := s.Append(e, "history", entity.Tree{})
			return err
		},
	}
}

func historySchema() *entity.Schema {
	return &entity.Schema{
		Kind:   History,
		Fields: []entity.Field{integer("parity"), integer("gravidity")},
		Contract: entity.Contract{
			Optional:  names("parity", "gravidity"),
			Updatable: names("parity", "gravidity"),
		},
	}
}

func noteSchema() *entity.Schema {
	return &entity.Schema{
		Kind:   Note,
		Fields: []entity.Field{str("content"), str("clinician_uuid")},
		Contract: entity.Contract{
			Required:  names("content", "clinician_uuid"),
			Updatable: names("content", "clinician_uuid"),
		},
	}
}

func visitSchema() *entity.Schema {
	return &entity.Schema{
		Kind: Visit,
		Fields: []entity.Field{
			timestamp("visit_date"),
			str("summary"),
			str("clinician_uuid"),
			str("location"),
			textList("diagnoses"),
		},
		Contract: entity.Contract{
			Required:  names("visit_date", "clinician_uuid", "location"),
			Optional:  names("summary", "diagnoses"),
			Updatable: names("visit_date", "clinician_uuid", "summary", "location", "diagnoses"),
		},
	}
}

func pregnancySchema() *entity.Schema {
	optional := names(
		"length_of_postnatal_stay_in_days", "colostrum_harvesting",
		"pregnancy_complications", "induced", "deliveries", "delivery_place",
		"delivery_place_other", "planned_delivery_place", "height_at_booking_in_mm",
		"weight_at_diagnosis_in_g", "weight_at_booking_in_g", "weight_at_36_weeks_in_g",
		"expected_number_of_babies", "first_medication_taken_recorded",
		"first_medication_taken",
	)
	return &entity.Schema{
		Kind: Pregnancy,
		Fields: []entity.Field{
			date("estimated_delivery_date"),
			str("planned_delivery_place"),
			integer("length_of_postnatal_stay_in_days"),
			boolean("colostrum_harvesting"),
			integer("expected_number_of_babies"),
			textList("pregnancy_complications"),
			boolean("induced"),
			integer("height_at_booking_in_mm"),
			integer("weight_at_booking_in_g"),
			integer("weight_at_diagnosis_in_g"),
			integer("weight_at_36_weeks_in_g"),
			str("delivery_place"),
			str("delivery_place_other"),
			str("first_medication_taken"),
			date("first_medication_taken_recorded"),
			many("deliveries", Delivery, nil),
		},
		Contract: entity.Contract{
			Required:  names("estimated_delivery_date"),
			Optional:  optional,
			Updatable: append(names("estimated_delivery_date"), optional...),
		},
	}
}

func deliverySchema() *entity.Schema {
	fields := names(
		"birth_outcome", "outcome_for_baby", "neonatal_complications",
		"neonatal_complications_other", "admitted_to_special_baby_care_unit",
		"birth_weight_in_grams", "length_of_postnatal_stay_for_baby",
		"apgar_1_minute", "apgar_5_minute", "feeding_method",
		"date_of_termination", "patient",
	)
	baby := one("patient", Patient)
	baby.Link = "patient_id"
	return &entity.Schema{
		Kind: Delivery,
		Fields: []entity.Field{
			str("birth_outcome"),
			str("outcome_for_baby"),
			textList("neonatal_complications"),
			str("neonatal_complications_other"),
			boolean("admitted_to_special_baby_care_unit"),
			integer("birth_weight_in_grams"),
			integer("length_of_postnatal_stay_for_baby"),
			integer("apgar_1_minute"),
			integer("apgar_5_minute"),
			str("feeding_method"),
			date("date_of_termination"),
			baby,
		},
		Contract: entity.Contract{Optional: fields, Updatable: fields},
		OnCreate: createBaby,
	}
}

// createBaby gives every delivery a baby patient, built from the supplied
// patient data or empty.
func createBaby(s *entity.Session, e *entity.Entity, _ entity.Tree) error {
	if e.Child("patient") == nil && !e.Has("patient_id") {
		if _, err := s.Append(e, "patient", entity.Tree{}); err != nil {
			return err
		}
	}
	if b := e.Child("patient"); b != nil && !b.Has("patient_type") {
		b.Set("patient_type", TypeBaby)
	}
	return nil
}
