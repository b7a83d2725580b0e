package patient

import (
	"regexp"

	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/domain/records"
)

var nhsPattern = regexp.MustCompile(`^\d{10}$`)

// ValidateNHSNumber checks that nhs is ten digits ending in a valid
// modulus 11 check digit.
func ValidateNHSNumber(nhs string) error {
	if !nhsPattern.MatchString(nhs) {
		return entity.Invalid(records.Patient, "nhs_number", "NHS number '%s' does not match expected format", nhs)
	}
	total := 0
	for i := 0; i < 9; i++ {
		total += (10 - i) * int(nhs[i]-'0')
	}
	expected := 0
	if rem := total % 11; rem != 0 {
		expected = 11 - rem
	}
	if expected != int(nhs[9]-'0') {
		return entity.Invalid(records.Patient, "nhs_number", "NHS number '%s' is invalid", nhs)
	}
	return nil
}
