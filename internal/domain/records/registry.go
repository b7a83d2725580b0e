// Package records declares the clinical entity kinds of a patient graph:
// their fields, creation and patch contracts, history hooks and the
// product lifecycle.
package records

import (
	"github.com/dhos/services-api/internal/domain/entity"
)

// Entity kinds. The names double as storage kind tags and appear in
// client-facing error messages.
const (
	Patient             entity.Kind = "patient"
	Record              entity.Kind = "record"
	History             entity.Kind = "history"
	Note                entity.Kind = "note"
	Visit               entity.Kind = "visit"
	Pregnancy           entity.Kind = "pregnancy"
	Delivery            entity.Kind = "delivery"
	Diagnosis           entity.Kind = "diagnosis"
	ObservableEntity    entity.Kind = "observable_entity"
	ManagementPlan      entity.Kind = "management_plan"
	Dose                entity.Kind = "dose"
	DoseChange          entity.Kind = "dose_change"
	DoseHistory         entity.Kind = "dose_history"
	NonMedicationAction entity.Kind = "non_medication_action"
	ReadingsPlan        entity.Kind = "readings_plan"
	ReadingsPlanChange  entity.Kind = "readings_plan_change"
	Product             entity.Kind = "drayson_health_product"
	ProductChange       entity.Kind = "drayson_health_product_change"
	TermsAgreement      entity.Kind = "terms_agreement"
	PersonalAddress     entity.Kind = "personal_address"
)

// NewRegistry returns a registry holding every clinical kind.
func NewRegistry() *entity.Registry {
	r := entity.NewRegistry()
	for _, s := range []*entity.Schema{
		patientSchema(),
		personalAddressSchema(),
		recordSchema(),
		historySchema(),
		noteSchema(),
		visitSchema(),
		pregnancySchema(),
		deliverySchema(),
		diagnosisSchema(),
		observableEntitySchema(),
		managementPlanSchema(),
		doseSchema(),
		doseChangeSchema(),
		doseHistorySchema(),
		nonMedicationActionSchema(),
		readingsPlanSchema(),
		readingsPlanChangeSchema(),
		productSchema(),
		productChangeSchema(),
		termsAgreementSchema(),
	} {
		r.Register(s)
	}
	if err := r.Verify(); err != nil {
		panic("records: " + err.Error())
	}
	return r
}

func str(name string) entity.Field {
	return entity.Field{Name: name, Kind: entity.Scalar, Type: entity.String}
}

func integer(name string) entity.Field {
	return entity.Field{Name: name, Kind: entity.Scalar, Type: entity.Int}
}

func number(name string) entity.Field {
	return entity.Field{Name: name, Kind: entity.Scalar, Type: entity.Float}
}

func boolean(name string) entity.Field {
	return entity.Field{Name: name, Kind: entity.Scalar, Type: entity.Bool}
}

func date(name string) entity.Field {
	return entity.Field{Name: name, Kind: entity.Scalar, Type: entity.Date}
}

func timestamp(name string) entity.Field {
	return entity.Field{Name: name, Kind: entity.Scalar, Type: entity.DateTime}
}

func textList(name string) entity.Field {
	return entity.Field{Name: name, Kind: entity.ScalarList, Default: func() any { return []string{} }}
}

func one(name string, target entity.Kind) entity.Field {
	return entity.Field{Name: name, Kind: entity.ToOne, Target: target}
}

func many(name string, target entity.Kind, order entity.Ordering) entity.Field {
	return entity.Field{Name: name, Kind: entity.ToMany, Target: target, Order: order}
}

func output(f entity.Field) entity.Field {
	f.Output = true
	return f
}

func withDefault(f entity.Field, v func() any) entity.Field {
	f.Default = v
	return f
}

func names(fields ...string) []string { return fields }
