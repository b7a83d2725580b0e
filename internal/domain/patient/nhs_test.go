package patient

import (
	"errors"
	"strings"
	"testing"

	"github.com/dhos/services-api/internal/domain/entity"
)

func TestValidateNHSNumber(t *testing.T) {
	tests := []struct {
		nhs     string
		wantErr string
	}{
		{"9434765919", ""},
		{"1111111111", ""},
		{"9434765918", "is invalid"},
		{"943476591", "does not match expected format"},
		{"94347659190", "does not match expected format"},
		{"94347A5919", "does not match expected format"},
		{"", "does not match expected format"},
		// Remainder 1 gives check digit 10, which no number can satisfy.
		{"0000000060", "is invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.nhs, func(t *testing.T) {
			err := ValidateNHSNumber(tt.nhs)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected %s to be valid, got %v", tt.nhs, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error for %s", tt.nhs)
			}
			if !errors.Is(err, entity.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q in %q", tt.wantErr, err.Error())
			}
		})
	}
}
