package records

import (
	"sort"
	"time"

	"github.com/dhos/services-api/internal/domain/entity"
)

var termsTimestamps = names("accepted_timestamp", "tou_accepted_timestamp", "patient_notice_accepted_timestamp")

func termsAgreementSchema() *entity.Schema {
	return &entity.Schema{
		Kind: TermsAgreement,
		Fields: []entity.Field{
			str("product_name"),
			integer("version"),
			timestamp("accepted_timestamp"),
			integer("tou_version"),
			timestamp("tou_accepted_timestamp"),
			integer("patient_notice_version"),
			timestamp("patient_notice_accepted_timestamp"),
		},
		Contract: entity.Contract{
			Required: names("product_name"),
			Optional: append(names("version", "tou_version", "patient_notice_version"), termsTimestamps...),
		},
		OnCreate: func(s *entity.Session, e *entity.Entity, _ entity.Tree) error {
			now := s.Now().Format(time.RFC3339Nano)
			for _, f := range termsTimestamps {
				if !e.Has(f) {
					e.Set(f, now)
				}
			}
			return nil
		},
	}
}

// LatestTermsFirst orders agreements by patient notice version, then terms
// of use version, then version, each descending with unset values last.
func LatestTermsFirst(items []*entity.Entity) {
	sort.SliceStable(items, func(i, j int) bool {
		for _, f := range []string{"patient_notice_version", "tou_version", "version"} {
			a, aok := items[i].Int(f)
			b, bok := items[j].Int(f)
			switch {
			case aok && !bok:
				return true
			case !aok && bok:
				return false
			case aok && bok && a != b:
				return a > b
			}
		}
		return false
	})
}

// LatestTerms returns the patient's most recent terms agreement, or nil.
func LatestTerms(patient *entity.Entity) *entity.Entity {
	terms := patient.Children("terms_agreement")
	if len(terms) == 0 {
		return nil
	}
	return terms[0]
}
