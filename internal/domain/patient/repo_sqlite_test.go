package patient

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/domain/records"
	"github.com/dhos/services-api/internal/platform/codes"
)

func newSQLiteService(t *testing.T) (*Service, *SQLiteRepo, *entity.Registry) {
	t.Helper()
	reg := records.NewRegistry()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "patients.db"), reg)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	n := 0
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
	return NewService(repo, reg, codes.Default(), WithClock(clock)), repo, reg
}

func TestSQLiteRepo_SaveAndLoad(t *testing.T) {
	svc, repo, _ := newSQLiteService(t)
	p := mustCreate(t, svc, ProductGDM, gdmData())

	got, err := repo.Load(context.Background(), records.Patient, p.ID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if name, _ := got.Str("first_name"); name != "Jane" {
		t.Errorf("expected first_name Jane, got %q", name)
	}
	if got.CreatedBy != "clinician-1" {
		t.Errorf("expected created_by clinician-1, got %q", got.CreatedBy)
	}
	diags := got.Child("record").Children("diagnoses")
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnosis, got %d", len(diags))
	}
	doses := diags[0].Child("management_plan").Children("doses")
	if len(doses) != 1 {
		t.Fatalf("expected 1 dose, got %d", len(doses))
	}
	if amount := doses[0].Get("dose_amount"); amount != 1.5 {
		t.Errorf("expected dose_amount 1.5, got %v", amount)
	}
	if locs := got.Strings("locations"); len(locs) != 1 || locs[0] != "L1" {
		t.Errorf("expected locations [L1], got %v", locs)
	}
}

func TestSQLiteRepo_LoadMissing(t *testing.T) {
	_, repo, _ := newSQLiteService(t)
	ctx := context.Background()

	if _, err := repo.Load(ctx, records.Patient, "missing"); !errors.Is(err, entity.ErrNotFound) {
		t.Errorf("Load: expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Locate(ctx, "missing"); !errors.Is(err, entity.ErrNotFound) {
		t.Errorf("Locate: expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRepo_Locate(t *testing.T) {
	svc, repo, _ := newSQLiteService(t)
	p := mustCreate(t, svc, ProductGDM, gdmData())
	rec := p.Child("record")

	node, err := repo.Locate(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Locate() error: %v", err)
	}
	if node.Kind != records.Record || node.ParentID != p.ID {
		t.Errorf("unexpected node: %+v", node)
	}
}

func TestSQLiteRepo_FindPatients(t *testing.T) {
	svc, repo, _ := newSQLiteService(t)
	ctx := context.Background()
	a := mustCreate(t, svc, ProductSEND, sendData("H1", "Ann"))
	mustCreate(t, svc, ProductSEND, sendData("H2", "Bea"))

	tests := []struct {
		name  string
		match Match
		want  int
	}{
		{"by product", Match{Product: ProductSEND}, 2},
		{"other product", Match{Product: ProductGDM}, 0},
		{"hospital number", Match{Product: ProductSEND, Attrs: map[string]any{"hospital_number": "H1"}}, 1},
		{"details", Match{Product: ProductSEND, Attrs: map[string]any{"first_name": "Bea", "dob": "2015-04-01"}}, 1},
		{"no match", Match{Product: ProductSEND, Attrs: map[string]any{"first_name": "Cat"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := repo.FindPatients(ctx, tt.match)
			if err != nil {
				t.Fatalf("FindPatients() error: %v", err)
			}
			if len(ids) != tt.want {
				t.Errorf("expected %d patients, got %d", tt.want, len(ids))
			}
		})
	}

	ids, _ := repo.FindPatients(ctx, Match{Product: ProductSEND, Attrs: map[string]any{"hospital_number": "H1"}})
	if len(ids) == 1 && ids[0] != a.ID {
		t.Errorf("expected %s, got %s", a.ID, ids[0])
	}
}

func TestSQLiteRepo_UniqueHospitalNumber(t *testing.T) {
	_, repo, reg := newSQLiteService(t)
	ctx := context.Background()

	save := func(firstName string) error {
		sess := reg.NewSession(ctx)
		p, err := sess.NewWith(records.Patient, records.SENDContract(), sendData("H1", firstName))
		if err != nil {
			t.Fatalf("NewWith() error: %v", err)
		}
		p.Set("patient_type", records.TypeSEND)
		return repo.Save(ctx, sess, p)
	}

	if err := save("Ann"); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}
	err := save("Bea")
	if !errors.Is(err, entity.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	var dup *entity.DuplicateError
	if !errors.As(err, &dup) || dup.Constraint != "hospital_number_unique_index" {
		t.Errorf("expected hospital_number_unique_index, got %+v", dup)
	}
}

func TestSQLiteRepo_InTxRollback(t *testing.T) {
	_, repo, reg := newSQLiteService(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var id string
	err := repo.InTx(ctx, func(ctx context.Context) error {
		sess := reg.NewSession(ctx)
		p, err := sess.NewWith(records.Patient, records.GDMContract(), gdmData())
		if err != nil {
			return err
		}
		id = p.ID
		if err := repo.Save(ctx, sess, p); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := repo.Locate(ctx, id); !errors.Is(err, entity.ErrNotFound) {
		t.Errorf("expected rolled back patient to be absent, got %v", err)
	}
}

func TestSQLiteRepo_RemoveOrphansDose(t *testing.T) {
	svc, repo, _ := newSQLiteService(t)
	ctx := context.Background()
	p := mustCreate(t, svc, ProductGDM, gdmData())
	diag := p.Child("record").Children("diagnoses")[0]
	dose := diag.Child("management_plan").Children("doses")[0]

	_, err := svc.RemoveFromPatient(clinicianCtx(), p.ID, entity.Tree{
		"record": map[string]any{
			"diagnoses": []any{map[string]any{
				"uuid":            diag.ID,
				"management_plan": map[string]any{"doses": []any{dose.ID}},
			}},
		},
	})
	if err != nil {
		t.Fatalf("RemoveFromPatient() error: %v", err)
	}

	node, err := repo.Locate(ctx, dose.ID)
	if err != nil {
		t.Fatalf("expected orphaned dose to survive, got %v", err)
	}
	if node.ParentID != "" {
		t.Errorf("expected no parent, got %q", node.ParentID)
	}

	got, err := repo.Load(ctx, records.Patient, p.ID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	plan := got.Child("record").Children("diagnoses")[0].Child("management_plan")
	if n := len(plan.Children("doses")); n != 0 {
		t.Errorf("expected no doses, got %d", n)
	}
	if d := plan.Children("dose_history")[0].Child("dose"); d == nil || d.ID != dose.ID {
		t.Errorf("expected newest dose history to reference the orphaned dose")
	}
}

func TestSQLiteRepo_DestroySubtree(t *testing.T) {
	svc, repo, _ := newSQLiteService(t)
	ctx := context.Background()
	p := mustCreate(t, svc, ProductGDM, gdmData())
	preg := p.Child("record").Children("pregnancies")[0]

	_, err := svc.RemoveFromPatient(clinicianCtx(), p.ID, entity.Tree{
		"record": map[string]any{"pregnancies": []any{preg.ID}},
	})
	if err != nil {
		t.Fatalf("RemoveFromPatient() error: %v", err)
	}
	if _, err := repo.Locate(ctx, preg.ID); !errors.Is(err, entity.ErrNotFound) {
		t.Errorf("expected pregnancy to be destroyed, got %v", err)
	}
}
