package patient

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/domain/records"
	"github.com/dhos/services-api/internal/platform/auth"
	"github.com/dhos/services-api/internal/platform/codes"
	"github.com/dhos/services-api/internal/platform/metrics"
)

// Product names with special handling.
const (
	ProductGDM  = "GDM"
	ProductSEND = "SEND"
	ProductDBM  = "DBM"
)

const defaultMaxLineageDepth = 8

// uniqueDetailFields are compared when looking for an existing patient with
// the same personal details.
var uniqueDetailFields = []string{
	"allowed_to_text", "first_name", "last_name", "phone_number", "nhs_number",
	"email_address", "ethnicity", "sex", "dod", "highest_education_level",
	"other_notes", "allowed_to_email", "ethnicity_other",
	"highest_education_level_other", "accessibility_considerations_other", "dob",
}

// identifierContract accepts the details checked by ValidatePatientDetails.
var identifierContract = entity.Contract{
	Optional: []string{"hospital_number", "first_name", "last_name", "dob"},
}

type Service struct {
	repo     Repository
	reg      *entity.Registry
	codes    *codes.Catalogue
	metrics  *metrics.Metrics
	log      zerolog.Logger
	maxDepth int
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithMaxLineageDepth bounds how many parent links are followed when
// resolving the root of a patient lineage.
func WithMaxLineageDepth(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(newID func() string) Option { return func(s *Service) { s.newID = newID } }

func NewService(repo Repository, reg *entity.Registry, cat *codes.Catalogue, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		reg:      reg,
		codes:    cat,
		log:      zerolog.Nop(),
		maxDepth: defaultMaxLineageDepth,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// run executes fn in one transaction and flushes the audit events it
// recorded once the transaction has committed.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context, audit *auditLog) error) error {
	start := time.Now()
	audit := &auditLog{actor: auth.ActorFromContext(ctx)}
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		return fn(ctx, audit)
	})
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, time.Since(start), err)
	}
	if err != nil {
		s.log.Debug().Err(err).Str("op", op).Msg("patient operation failed")
		return err
	}
	audit.flush(s.log)
	return nil
}

func (s *Service) session(ctx context.Context) *entity.Session {
	opts := []entity.SessionOption{
		entity.WithActor(auth.ActorFromContext(ctx)),
		entity.WithLoader(s.repo),
		entity.WithLogger(s.log),
	}
	if s.now != nil {
		opts = append(opts, entity.WithClock(s.now))
	}
	if s.newID != nil {
		opts = append(opts, entity.WithIDs(s.newID))
	}
	return s.reg.NewSession(ctx, opts...)
}

func (s *Service) save(ctx context.Context, sess *entity.Session, root *entity.Entity) error {
	if err := s.repo.Save(ctx, sess, root); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveSession(sess)
	}
	s.log.Debug().
		Str("patient_id", root.ID).
		Int("removals", len(sess.Removals())).
		Msg("patient graph saved")
	return nil
}

// CreatePatient registers a new patient under product. SEND patients are
// checked against existing open SEND patients; GDM clinicians may create
// patients with duplicate details.
func (s *Service) CreatePatient(ctx context.Context, product string, data entity.Tree) (*entity.Entity, error) {
	data = shallowCopy(data)

	contract := records.GDMContract()
	patientType := records.TypePatient
	var parentID string
	if product == ProductSEND {
		patientType = records.TypeSEND
		contract = records.SENDContract()
		if dod, _ := data["dod"].(string); dod != "" {
			contract = records.SENDWithDODContract()
		}
		if v, ok := data["child_of"]; ok {
			id, isStr := v.(string)
			if !isStr && v != nil {
				return nil, entity.Invalid(records.Patient, "child_of", "child_of must be a patient uuid")
			}
			parentID = id
			delete(data, "child_of")
		}
	}

	var created *entity.Entity
	err := s.run(ctx, "create_patient", func(ctx context.Context, _ *auditLog) error {
		sess := s.session(ctx)
		p, err := sess.NewWith(records.Patient, contract, data)
		if err != nil {
			return err
		}
		p.Set("patient_type", patientType)

		if parentID != "" {
			if err := s.linkParent(ctx, p, parentID); err != nil {
				return err
			}
		}
		if product == ProductSEND {
			if err := s.ensureUniqueDetails(ctx, product, p, data); err != nil {
				return err
			}
		}
		if nhs, _ := p.Str("nhs_number"); nhs != "" {
			if err := ValidateNHSNumber(nhs); err != nil {
				return err
			}
			if err := s.ensureUniqueNHSNumber(ctx, nhs, product); err != nil {
				return err
			}
		}
		if err := s.save(ctx, sess, p); err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// linkParent records parentID as the parent of a new patient. Lineage is
// one level deep: the parent must itself be a root patient.
func (s *Service) linkParent(ctx context.Context, p *entity.Entity, parentID string) error {
	if parentID == p.ID {
		return entity.Invalid(records.Patient, "child_of", "a patient cannot be its own parent")
	}
	node, err := s.repo.Locate(ctx, parentID)
	if err != nil {
		return err
	}
	if node.Kind != records.Patient {
		return &entity.NotFoundError{Kind: records.Patient, ID: parentID}
	}
	if grand, _ := node.Attrs["parent_patient_id"].(string); grand != "" {
		return entity.Invalid(records.Patient, "child_of", "patient %s is already the child of patient %s", parentID, grand)
	}
	p.Set("parent_patient_id", parentID)
	return nil
}

// ensureUniqueDetails rejects a hospital number or a full set of personal
// details already held by a patient with an open product of the same name.
// data is the submitted tree; p holds its canonical values.
func (s *Service) ensureUniqueDetails(ctx context.Context, product string, p *entity.Entity, data entity.Tree) error {
	if hn, _ := p.Str("hospital_number"); hn != "" {
		ids, err := s.repo.FindPatients(ctx, Match{Product: product, Attrs: map[string]any{"hospital_number": hn}})
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			return duplicatePatient(product, "hospital_number", "that hospital number")
		}
	}

	if !p.Has("dob") {
		return nil
	}
	want := make(map[string]any)
	for _, k := range uniqueDetailFields {
		v, ok := data[k]
		if !ok {
			continue
		}
		switch v.(type) {
		case []any, []string, map[string]any:
			continue
		}
		want[k] = p.Get(k)
	}
	ids, err := s.repo.FindPatients(ctx, Match{Product: product, Attrs: want})
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		return duplicatePatient(product, "patient_details", "those details")
	}
	return nil
}

func (s *Service) ensureUniqueNHSNumber(ctx context.Context, nhs, product string) error {
	ids, err := s.repo.FindPatients(ctx, Match{Product: product, Attrs: map[string]any{"nhs_number": nhs}})
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		return duplicatePatient(product, "nhs_number", "that NHS number")
	}
	return nil
}

// ValidateNHSNumber checks an NHS number's format and that no patient with
// an open product of the same name already holds it.
func (s *Service) ValidateNHSNumber(ctx context.Context, nhs, product string) error {
	if err := ValidateNHSNumber(nhs); err != nil {
		return err
	}
	return s.run(ctx, "validate_nhs_number", func(ctx context.Context, _ *auditLog) error {
		return s.ensureUniqueNHSNumber(ctx, nhs, product)
	})
}

// ValidatePatientDetails checks that no open patient on product already
// has the given hospital number or personal details.
func (s *Service) ValidatePatientDetails(ctx context.Context, product string, data entity.Tree) error {
	return s.run(ctx, "validate_patient_details", func(ctx context.Context, _ *auditLog) error {
		p, err := s.session(ctx).NewWith(records.Patient, identifierContract, data)
		if err != nil {
			return err
		}
		return s.ensureUniqueDetails(ctx, product, p, data)
	})
}

// GetPatient returns a patient's full graph. With a product name the
// patient must hold an open product of that name.
func (s *Service) GetPatient(ctx context.Context, id, product string) (*entity.Entity, error) {
	var p *entity.Entity
	err := s.run(ctx, "get_patient", func(ctx context.Context, audit *auditLog) error {
		var err error
		p, err = s.repo.Load(ctx, records.Patient, id)
		if err != nil {
			return err
		}
		if product != "" && !records.HasProduct(p, product, true) {
			return notFound("Patient not found with product %s and uuid %s", product, id)
		}
		audit.record(EventViewed, map[string]string{"patient_id": id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPatientByRecord returns the root patient of the lineage owning the
// record.
func (s *Service) GetPatientByRecord(ctx context.Context, recordID string) (*entity.Entity, error) {
	var p *entity.Entity
	err := s.run(ctx, "get_patient_by_record", func(ctx context.Context, _ *auditLog) error {
		node, err := s.repo.Locate(ctx, recordID)
		if err != nil || node.Kind != records.Record || node.ParentID == "" {
			if err == nil || isNotFound(err) {
				return notFound("No patient found for record %s", recordID)
			}
			return err
		}
		rootID, err := s.lineageRoot(ctx, node.ParentID)
		if err != nil {
			return err
		}
		p, err = s.repo.Load(ctx, records.Patient, rootID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// lineageRoot follows parent_patient_id links from id to the first patient
// without a parent.
func (s *Service) lineageRoot(ctx context.Context, id string) (string, error) {
	seen := make(map[string]bool)
	current := id
	for depth := 0; ; depth++ {
		if seen[current] {
			return "", entity.Conflict("patient lineage of %s contains a cycle at %s", id, current)
		}
		seen[current] = true

		node, err := s.repo.Locate(ctx, current)
		if err != nil {
			return "", err
		}
		if node.Kind != records.Patient {
			return "", &entity.NotFoundError{Kind: records.Patient, ID: current}
		}
		parent, _ := node.Attrs["parent_patient_id"].(string)
		if parent == "" {
			return current, nil
		}
		if depth+1 > s.maxDepth {
			return "", entity.Conflict("patient lineage of %s is deeper than %d levels", id, s.maxDepth)
		}
		current = parent
	}
}

// UpdatePatient applies a patch tree to the patient's graph.
func (s *Service) UpdatePatient(ctx context.Context, id string, updates entity.Tree) (*entity.Entity, error) {
	if nhs, _ := updates["nhs_number"].(string); nhs != "" {
		if err := ValidateNHSNumber(nhs); err != nil {
			return nil, err
		}
	}
	tree := shallowCopy(updates)
	delete(tree, "child_of")

	var p *entity.Entity
	err := s.run(ctx, "update_patient", func(ctx context.Context, audit *auditLog) error {
		var err error
		p, err = s.repo.Load(ctx, records.Patient, id)
		if err != nil {
			return err
		}
		before := diagnosisCodes(p)

		sess := s.session(ctx)
		if err := sess.Patch(p, tree); err != nil {
			return err
		}
		if err := s.save(ctx, sess, p); err != nil {
			return err
		}

		audit.record(EventUpdated, map[string]string{"patient_id": id})
		if records.HasProduct(p, ProductGDM, false) {
			s.recordDiabetesTypeChanges(audit, id, updates, before)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func diagnosisCodes(p *entity.Entity) map[string]string {
	out := make(map[string]string)
	rec := p.Child("record")
	if rec == nil {
		return out
	}
	for _, d := range rec.Children("diagnoses") {
		code, _ := d.Str("sct_code")
		out[d.ID] = code
	}
	return out
}

// recordDiabetesTypeChanges audits every existing diagnosis in the patch
// tree whose code moves to or from a diabetes type.
func (s *Service) recordDiabetesTypeChanges(audit *auditLog, patientID string, updates entity.Tree, before map[string]string) {
	rec, _ := updates["record"].(map[string]any)
	items, _ := rec["diagnoses"].([]any)
	for _, item := range items {
		d, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := d[entity.KeyID].(string)
		code, hasCode := d["sct_code"].(string)
		old, known := before[id]
		if !hasCode || !known || code == old {
			continue
		}
		if !s.codes.IsDiabetes(code) && !s.codes.IsDiabetes(old) {
			continue
		}
		audit.record(EventDiabetesTypeChanged, map[string]string{
			"patient_id": patientID,
			"old_type":   old,
			"new_type":   code,
		})
	}
}

// RemoveFromPatient applies a delete tree to the patient's graph.
func (s *Service) RemoveFromPatient(ctx context.Context, id string, deletions entity.Tree) (*entity.Entity, error) {
	var p *entity.Entity
	err := s.run(ctx, "remove_from_patient", func(ctx context.Context, _ *auditLog) error {
		var err error
		p, err = s.repo.Load(ctx, records.Patient, id)
		if err != nil {
			return err
		}
		sess := s.session(ctx)
		if err := sess.Delete(p, deletions); err != nil {
			return err
		}
		return s.save(ctx, sess, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ClosePatientProduct closes one of the patient's products. GDM records
// must pass the closure checks first; DBM closes without checks and no
// other product can be closed here.
func (s *Service) ClosePatientProduct(ctx context.Context, patientID, productID string, c records.Closure) (*entity.Entity, error) {
	var p *entity.Entity
	err := s.run(ctx, "close_patient", func(ctx context.Context, audit *auditLog) error {
		var err error
		p, err = s.repo.Load(ctx, records.Patient, patientID)
		if err != nil {
			return err
		}
		product := records.FindProduct(p, productID)
		if product == nil {
			return notFound("Product with UUID %s not found", productID)
		}
		if c.ClosedDate == "" {
			return entity.Invalid(records.Product, "closed_date", "A closed date is required in order to close a record")
		}

		name, _ := product.Str("product_name")
		switch strings.ToUpper(name) {
		case ProductGDM:
			if err := records.ValidateGDMClosure(p, s.codes, c); err != nil {
				return err
			}
		case ProductDBM:
		default:
			return entity.Invalid(records.Product, "product_name", "You cannot close %s patients", name)
		}

		sess := s.session(ctx)
		if err := records.Close(sess, product, c); err != nil {
			return err
		}
		if err := s.save(ctx, sess, p); err != nil {
			return err
		}
		audit.record(EventArchived, map[string]string{"patient_id": patientID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SetMonitored starts or stops clinician monitoring of an open product.
func (s *Service) SetMonitored(ctx context.Context, patientID, productID string, monitored bool) (*entity.Entity, error) {
	var p *entity.Entity
	err := s.run(ctx, "set_monitored", func(ctx context.Context, audit *auditLog) error {
		var err error
		p, err = s.repo.Load(ctx, records.Patient, patientID)
		if err != nil {
			return err
		}
		product := records.FindProduct(p, productID)
		if product == nil || !records.IsOpen(product) {
			return notFound("Product with UUID %s not found", productID)
		}

		sess := s.session(ctx)
		event := EventNotMonitored
		if monitored {
			event = EventMonitored
			err = records.StartMonitoring(sess, product)
		} else {
			err = records.StopMonitoring(sess, product)
		}
		if err != nil {
			return err
		}
		if err := s.save(ctx, sess, p); err != nil {
			return err
		}
		audit.record(event, map[string]string{"patient_id": patientID, "product_id": productID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// AddTermsAgreement appends a terms agreement to the patient.
func (s *Service) AddTermsAgreement(ctx context.Context, patientID string, data entity.Tree) (*entity.Entity, error) {
	var terms *entity.Entity
	err := s.run(ctx, "add_terms_agreement", func(ctx context.Context, _ *auditLog) error {
		p, err := s.repo.Load(ctx, records.Patient, patientID)
		if err != nil {
			return err
		}
		sess := s.session(ctx)
		terms, err = sess.Append(p, "terms_agreement", data)
		if err != nil {
			return err
		}
		return s.save(ctx, sess, p)
	})
	if err != nil {
		return nil, err
	}
	return terms, nil
}

// Bookmark adds or removes a location bookmark for a patient registered at
// that location.
func (s *Service) Bookmark(ctx context.Context, locationID, patientID string, bookmarked bool) (*entity.Entity, error) {
	var p *entity.Entity
	err := s.run(ctx, "bookmark_patient", func(ctx context.Context, _ *auditLog) error {
		var err error
		p, err = s.repo.Load(ctx, records.Patient, patientID)
		if err != nil {
			if isNotFound(err) {
				return notFound("Patient with id %s not found at location %s", patientID, locationID)
			}
			return err
		}
		if !records.AtLocation(p, locationID) {
			return notFound("Patient with id %s not found at location %s", patientID, locationID)
		}
		sess := s.session(ctx)
		records.Bookmark(sess, p, locationID, bookmarked)
		return s.save(ctx, sess, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecordFirstMedication stores when medication was first taken on the
// patient's latest pregnancy.
func (s *Service) RecordFirstMedication(ctx context.Context, patientID, taken, recorded string) error {
	return s.run(ctx, "record_first_medication", func(ctx context.Context, _ *auditLog) error {
		p, err := s.repo.Load(ctx, records.Patient, patientID)
		if err != nil {
			return err
		}
		sess := s.session(ctx)
		if err := records.RecordFirstMedication(sess, p, taken, recorded); err != nil {
			return err
		}
		return s.save(ctx, sess, p)
	})
}

func (s *Service) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

func shallowCopy(t entity.Tree) entity.Tree {
	out := make(entity.Tree, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
