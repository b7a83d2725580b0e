package records

import (
	"github.com/dhos/services-api/internal/domain/entity"
)

// Patient types stored in patient_type.
const (
	TypePatient = "patient"
	TypeSEND    = "send"
	TypeBaby    = "baby"
)

var sharedContract = entity.Contract{
	Required: names("first_name", "last_name", "hospital_number", "record"),
	Optional: names(
		"allowed_to_email", "ethnicity_other", "highest_education_level",
		"highest_education_level_other", "accessibility_considerations",
		"accessibility_considerations_other", "personal_addresses", "ethnicity",
		"nhs_number", "other_notes", "height_in_mm", "weight_in_g",
	),
	Updatable: names(
		"first_name", "last_name", "phone_number", "dob", "dod", "nhs_number",
		"hospital_number", "allowed_to_text", "allowed_to_email", "email_address",
		"personal_addresses", "ethnicity", "sex", "height_in_mm", "weight_in_g",
		"highest_education_level", "highest_education_level_other", "record",
		"locations", "dh_products", "ethnicity_other", "accessibility_considerations",
		"accessibility_considerations_other", "other_notes",
	),
}

var gdmExclusive = entity.Contract{
	Required: names(
		"phone_number", "dob", "allowed_to_text", "email_address", "sex",
		"locations", "dh_products",
	),
	Optional:  names("dod", "fhir_resource_id"),
	Updatable: names("fhir_resource_id"),
}

// child_of is accepted by the SEND contract too; the patient service lifts
// it out of the tree and records it as parent_patient_id.
var sendExclusive = entity.Contract{
	Optional: names(
		"phone_number", "dob", "hospital_number", "allowed_to_text",
		"email_address", "sex", "locations", "dh_products",
	),
}

// GDMContract is the creation contract for patients registered on GDM.
func GDMContract() entity.Contract { return sharedContract.Merge(gdmExclusive) }

// SENDContract is the creation contract for SEND patients.
func SENDContract() entity.Contract { return sharedContract.Merge(sendExclusive) }

// SENDWithDODContract additionally accepts a date of death.
func SENDWithDODContract() entity.Contract {
	return SENDContract().Merge(entity.Contract{Optional: names("dod")})
}

// Nested patients (babies created by a delivery) are created with no
// required fields.
func nestedPatientContract() entity.Contract {
	all := sharedContract.Merge(gdmExclusive, sendExclusive)
	return entity.Contract{
		Optional:  append(append([]string(nil), all.Optional...), all.Required...),
		Updatable: all.Updatable,
	}
}

func patientSchema() *entity.Schema {
	return &entity.Schema{
		Kind: Patient,
		Fields: []entity.Field{
			output(str("patient_type")),
			str("first_name"),
			str("last_name"),
			str("phone_number"),
			date("dob"),
			date("dod"),
			str("nhs_number"),
			str("hospital_number"),
			boolean("allowed_to_text"),
			boolean("allowed_to_email"),
			str("email_address"),
			str("ethnicity"),
			str("ethnicity_other"),
			str("sex"),
			integer("height_in_mm"),
			integer("weight_in_g"),
			str("highest_education_level"),
			str("highest_education_level_other"),
			textList("accessibility_considerations"),
			str("accessibility_considerations_other"),
			str("other_notes"),
			textList("locations"),
			output(textList("bookmarked_at_locations")),
			output(withDefault(boolean("has_been_bookmarked"), func() any { return false })),
			str("fhir_resource_id"),
			output(str("parent_patient_id")),
			one("record", Record),
			many("personal_addresses", PersonalAddress, nil),
			many("dh_products", Product, nil),
			output(many("terms_agreement", TermsAgreement, LatestTermsFirst)),
		},
		Contract: nestedPatientContract(),
		Computed: []entity.Computed{
			{Name: "bookmarked", Func: func(e *entity.Entity) any {
				return len(e.Strings("bookmarked_at_locations")) > 0
			}},
		},
	}
}

func personalAddressSchema() *entity.Schema {
	fields := names(
		"address_line_1", "address_line_2", "address_line_3", "address_line_4",
		"locality", "region", "postcode", "country",
	)
	s := &entity.Schema{Kind: PersonalAddress}
	for _, f := range fields {
		s.Fields = append(s.Fields, str(f))
	}
	s.Fields = append(s.Fields, date("lived_from"), date("lived_until"))
	all := append(fields, "lived_from", "lived_until")
	s.Contract = entity.Contract{Optional: all, Updatable: all}
	return s
}

// Bookmark adds or removes location from the patient's bookmarks. A patient
// bookmarked once stays marked as having been bookmarked.
func Bookmark(s *entity.Session, patient *entity.Entity, location string, bookmarked bool) {
	var kept []string
	for _, loc := range patient.Strings("bookmarked_at_locations") {
		if loc != location {
			kept = append(kept, loc)
		}
	}
	if kept == nil {
		kept = []string{}
	}
	if bookmarked {
		kept = append(kept, location)
		patient.Set("has_been_bookmarked", true)
	}
	patient.Set("bookmarked_at_locations", kept)
	s.Touch(patient)
}

// AtLocation reports whether the patient is registered at location.
func AtLocation(patient *entity.Entity, location string) bool {
	for _, loc := range patient.Strings("locations") {
		if loc == location {
			return true
		}
	}
	return false
}

// HasProduct reports whether the patient is enrolled on name; with
// openOnly it must also still be open.
func HasProduct(patient *entity.Entity, name string, openOnly bool) bool {
	for _, p := range patient.Children("dh_products") {
		if n, _ := p.Str("product_name"); n == name && (!openOnly || IsOpen(p)) {
			return true
		}
	}
	return false
}

// RecordFirstMedication stores when medication was first taken on the
// patient's latest pregnancy.
func RecordFirstMedication(s *entity.Session, patient *entity.Entity, taken, recorded string) error {
	rec := patient.Child("record")
	var pregnancies []*entity.Entity
	if rec != nil {
		pregnancies = rec.Children("pregnancies")
	}
	if len(pregnancies) == 0 {
		return entity.Invalid(Patient, "record", "expected pregnancy data not found")
	}
	return s.Patch(pregnancies[0], entity.Tree{
		"first_medication_taken":          taken,
		"first_medication_taken_recorded": recorded,
	})
}
