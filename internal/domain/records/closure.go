package records

import (
	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/platform/codes"
)

// ValidateGDMClosure checks that a GDM patient's record is complete enough
// to be closed. It stops at the first missing field. A closed reason
// bypasses the completeness checks, but the catch-all reason needs text.
func ValidateGDMClosure(patient *entity.Entity, cat *codes.Catalogue, c Closure) error {
	if c.ClosedReason == cat.ClosedReasonOther() && c.ClosedReasonOther == "" {
		return entity.Invalid(Product, "closed_reason_other", "sct code for closed reason is 'other' but no reason provided")
	}
	if c.ClosedReason != "" {
		return nil
	}

	rec := patient.Child("record")
	if rec == nil {
		return nil
	}
	for _, p := range rec.Children("pregnancies") {
		if err := requireAll(p, Pregnancy,
			"height_at_booking_in_mm", "weight_at_booking_in_g",
			"length_of_postnatal_stay_in_days", "induced",
		); err != nil {
			return err
		}
		for _, d := range p.Children("deliveries") {
			if err := checkDelivery(d, cat); err != nil {
				return err
			}
		}
	}

	for _, d := range rec.Children("diagnoses") {
		code, _ := d.Str("sct_code")
		if !cat.IsDiabetes(code) {
			continue
		}
		if !d.Has("diagnosed") {
			return entity.Invalid(Diagnosis, "diagnosed", "diagnosed (date) is required to close a record")
		}
		if len(d.Strings("diagnosis_tool")) == 0 && !d.Has("diagnosis_tool_other") {
			return missing(Diagnosis, "diagnosis_tool")
		}
		if len(d.Strings("risk_factors")) == 0 {
			return missing(Diagnosis, "risk_factors")
		}
		plan := d.Child("readings_plan")
		if plan == nil {
			return missing(ReadingsPlan, "readings_per_day")
		}
		if err := requireAll(plan, ReadingsPlan, "readings_per_day", "days_per_week_to_take_readings"); err != nil {
			return err
		}
	}
	return nil
}

func checkDelivery(d *entity.Entity, cat *codes.Catalogue) error {
	outcome, _ := d.Str("birth_outcome")
	terminated := cat.IsTermination(outcome)

	if !terminated && !d.Has("birth_weight_in_grams") {
		return missing(Delivery, "birth_weight_in_grams")
	}
	if err := requireAll(d, Delivery, "birth_outcome", "outcome_for_baby"); err != nil {
		return err
	}
	if !terminated && len(d.Strings("neonatal_complications")) == 0 && !d.Has("neonatal_complications_other") {
		return missing(Delivery, "neonatal_complications")
	}
	if !terminated && !d.Has("admitted_to_special_baby_care_unit") {
		return missing(Delivery, "admitted_to_special_baby_care_unit")
	}
	if admitted, _ := d.Bool("admitted_to_special_baby_care_unit"); admitted && !d.Has("length_of_postnatal_stay_for_baby") {
		return missing(Delivery, "length_of_postnatal_stay_for_baby")
	}
	if !terminated {
		if baby := d.Child("patient"); baby == nil || !baby.Has("dob") {
			return entity.Invalid(Delivery, "patient", "baby dob is required to close a record")
		}
	}
	if terminated && !d.Has("date_of_termination") {
		return missing(Delivery, "date_of_termination")
	}
	if !terminated && d.Has("date_of_termination") {
		return entity.Invalid(Delivery, "date_of_termination", "date_of_termination is not required to close this record")
	}
	return nil
}

func requireAll(e *entity.Entity, kind entity.Kind, fields ...string) error {
	for _, f := range fields {
		if !e.Has(f) {
			return missing(kind, f)
		}
	}
	return nil
}

func missing(kind entity.Kind, field string) error {
	return entity.Invalid(kind, field, "%s is required to close a record", field)
}
