package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

const (
	kindFolder Kind = "folder"
	kindMemo   Kind = "memo"
	kindItem   Kind = "item"
	kindChange Kind = "item_change"
	kindKeeper Kind = "keeper"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Schema{
		Kind: kindFolder,
		Fields: []Field{
			{Name: "name", Kind: Scalar, Type: String},
			{Name: "size", Kind: Scalar, Type: Int},
			{Name: "tags", Kind: ScalarList, Default: func() any { return []string{} }},
			{Name: "memo", Kind: ToOne, Target: kindMemo},
			{Name: "items", Kind: ToMany, Target: kindItem, Order: NewestFirst},
			{Name: "keepers", Kind: ToMany, Target: kindKeeper},
			{Name: "closed_date", Kind: Scalar, Type: Date},
			{Name: "locked", Kind: Scalar, Type: Bool},
		},
		Contract: Contract{
			Required:  []string{"name"},
			Optional:  []string{"size", "tags", "memo", "items", "keepers", "closed_date", "locked"},
			Updatable: []string{"name", "size", "tags", "memo", "items", "keepers"},
		},
	})
	r.Register(&Schema{
		Kind:     kindMemo,
		Fields:   []Field{{Name: "text", Kind: Scalar, Type: String}},
		Contract: Contract{Required: []string{"text"}, Updatable: []string{"text"}},
	})
	r.Register(&Schema{
		Kind: kindItem,
		Fields: []Field{
			{Name: "label", Kind: Scalar, Type: String},
			{Name: "qty", Kind: Scalar, Type: Int},
			{Name: "keepers", Kind: ToMany, Target: kindKeeper},
			{Name: "changes", Kind: ToMany, Target: kindChange, Output: true, Order: NewestFirst},
		},
		Contract: Contract{
			Required:  []string{"label"},
			Optional:  []string{"qty", "keepers"},
			Updatable: []string{"label", "qty", "keepers"},
		},
		OnPatch: func(s *Session, e *Entity, updates Tree) error {
			change := Tree{}
			if v, ok := updates["qty"]; ok {
				change["qty"] = v
			}
			_, err := s.Append(e, "changes", change)
			return err
		},
	})
	r.Register(&Schema{
		Kind:     kindChange,
		Fields:   []Field{{Name: "qty", Kind: Scalar, Type: Int}},
		Contract: Contract{Optional: []string{"qty"}},
	})
	r.Register(&Schema{
		Kind:     kindKeeper,
		Fields:   []Field{{Name: "label", Kind: Scalar, Type: String}},
		Contract: Contract{Optional: []string{"label"}, Updatable: []string{"label"}},
		Survives: true,
		OnDelete: func(s *Session, e, parent *Entity) error {
			s.Orphan(e)
			return nil
		},
	})
	return r
}

type stubLoader struct {
	byID map[string]*Entity
}

func (l *stubLoader) LoadEntities(_ context.Context, kind Kind, ids []string) ([]*Entity, error) {
	var out []*Entity
	for _, id := range ids {
		if e, ok := l.byID[id]; ok && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func testSession(r *Registry, opts ...SessionOption) *Session {
	n := 0
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	defaults := []SessionOption{
		WithActor("clinician-1"),
		WithIDs(func() string { n++; return fmt.Sprintf("id-%d", n) }),
		WithClock(func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }),
	}
	return r.NewSession(context.Background(), append(defaults, opts...)...)
}

func newFolder(t *testing.T, s *Session, data Tree) *Entity {
	t.Helper()
	e, err := s.New(kindFolder, data)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e
}

func TestNew_NestedChildren(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{
		"name":  "a",
		"memo":  Tree{"text": "hello"},
		"items": []any{Tree{"label": "x", "qty": float64(2)}, Tree{"label": "y"}},
	})

	if f.Child("memo") == nil {
		t.Fatal("expected memo to be constructed")
	}
	if got := f.Child("memo").Parent(); got != f {
		t.Error("expected memo to be owned by folder")
	}
	if len(f.Children("items")) != 2 {
		t.Fatalf("expected 2 items, got %d", len(f.Children("items")))
	}
	qty, ok := f.Children("items")[1].Int("qty")
	if !ok || qty != 2 {
		t.Errorf("expected qty 2 on oldest item, got %v", f.Children("items")[1].Get("qty"))
	}
	if f.CreatedBy != "clinician-1" || f.ModifiedBy != "clinician-1" {
		t.Errorf("expected actor stamps, got %q/%q", f.CreatedBy, f.ModifiedBy)
	}
	if tags := f.Strings("tags"); tags == nil || len(tags) != 0 {
		t.Errorf("expected default empty tags, got %v", tags)
	}
}

func TestNew_Validation(t *testing.T) {
	s := testSession(testRegistry())

	if _, err := s.New(kindFolder, Tree{}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing name, got %v", err)
	}
	if _, err := s.New(kindFolder, Tree{"name": "a", "colour": "red"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for disallowed field, got %v", err)
	}
	if _, err := s.New(kindFolder, Tree{"name": "a", "size": "big"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for wrong type, got %v", err)
	}
	if _, err := s.New(kindFolder, Tree{"name": "a", "items": []any{Tree{"qty": 1}}}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation from nested child, got %v", err)
	}
}

func TestPatch_ListUnionIsIdempotent(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "tags": []any{"x", "y"}})

	if err := s.Patch(f, Tree{"tags": []any{"y"}}); err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if got := f.Strings("tags"); len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("expected [x y] unchanged, got %v", got)
	}

	if err := s.Patch(f, Tree{"tags": []any{"z", "x", "w"}}); err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	want := []string{"x", "y", "z", "w"}
	got := f.Strings("tags")
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestPatch_ScalarListNull(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "tags": []any{"x"}})

	if err := s.Patch(f, Tree{"tags": nil}); err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if len(f.Strings("tags")) != 0 {
		t.Errorf("expected tags cleared, got %v", f.Strings("tags"))
	}
}

func TestPatch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		updates Tree
		want    error
	}{
		{"forbidden uuid", Tree{"uuid": "other"}, ErrPatchRejected},
		{"forbidden created", Tree{"created": "2020-01-01T00:00:00Z"}, ErrPatchRejected},
		{"forbidden closed_date", Tree{"closed_date": "2020-01-01"}, ErrPatchRejected},
		{"forbidden bookmarked", Tree{"bookmarked": true}, ErrPatchRejected},
		{"unknown field", Tree{"colour": "red"}, ErrUnknownField},
		{"not updatable", Tree{"locked": true}, ErrValidation},
		{"wrong type", Tree{"size": "big"}, ErrValidation},
		{"non-string list element", Tree{"tags": []any{"a", float64(1)}}, ErrMalformedList},
		{"malformed child list", Tree{"items": []any{float64(3)}}, ErrMalformedList},
		{"repeated child uuid", Tree{"items": []any{Tree{"uuid": "nope", "qty": 1}, Tree{"uuid": "nope", "qty": 2}}}, ErrMalformedList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession(testRegistry())
			f := newFolder(t, s, Tree{"name": "a"})
			err := s.Patch(f, tt.updates)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPatch_ForbiddenFieldCheckedBeforeUnknown(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a"})

	err := s.Patch(f, Tree{"uuid": "other", "colour": "red"})
	if !errors.Is(err, ErrPatchRejected) {
		t.Errorf("expected ErrPatchRejected, got %v", err)
	}
}

func TestPatch_EchoedReadOnlyValuesAccepted(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "locked": true})

	err := s.Patch(f, Tree{
		"uuid":        f.ID,
		"created":     f.Created.Format(time.RFC3339Nano),
		"closed_date": nil,
		"locked":      true,
		"created_by":  "someone-else",
		"name":        "b",
	})
	if err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if name, _ := f.Str("name"); name != "b" {
		t.Errorf("expected name b, got %s", name)
	}
}

func TestPatch_NoMutationWhenLevelInvalid(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a"})

	err := s.Patch(f, Tree{"name": "b", "colour": "red"})
	if err == nil {
		t.Fatal("expected error")
	}
	if name, _ := f.Str("name"); name != "a" {
		t.Errorf("expected name unchanged, got %s", name)
	}
}

func TestPatch_ToOneCreatedThenPatched(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a"})

	if err := s.Patch(f, Tree{"memo": Tree{"text": "first"}}); err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	memo := f.Child("memo")
	if memo == nil {
		t.Fatal("expected memo to be created")
	}
	if err := s.Patch(f, Tree{"memo": Tree{"text": "second"}}); err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if f.Child("memo") != memo {
		t.Error("expected the same memo to be patched in place")
	}
	if text, _ := memo.Str("text"); text != "second" {
		t.Errorf("expected text second, got %s", text)
	}
	if err := s.Patch(f, Tree{"memo": Tree{"uuid": "other", "text": "x"}}); !errors.Is(err, ErrPatchRejected) {
		t.Errorf("expected ErrPatchRejected for foreign uuid, got %v", err)
	}
}

func TestPatch_ReconcileAllThreeBuckets(t *testing.T) {
	r := testRegistry()
	other := testSession(r, WithIDs(func() string { return "sibling" }))
	sibling, err := other.New(kindItem, Tree{"label": "elsewhere"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	sibling.MarkClean()

	s := testSession(r, WithLoader(&stubLoader{byID: map[string]*Entity{"sibling": sibling}}))
	f := newFolder(t, s, Tree{"name": "a", "items": []any{Tree{"label": "old", "qty": 1}}})
	existing := f.Children("items")[0]

	err = s.Patch(f, Tree{"items": []any{
		"sibling",
		Tree{"label": "new"},
		Tree{"uuid": existing.ID, "qty": 5},
	}})
	if err != nil {
		t.Fatalf("Patch() error: %v", err)
	}

	items := f.Children("items")
	if len(items) != 3 {
		t.Fatalf("expected collection to grow by two to 3, got %d", len(items))
	}
	if sibling.Parent() != f || !sibling.Dirty() {
		t.Error("expected sibling to be re-parented and dirty")
	}
	if qty, _ := existing.Int("qty"); qty != 5 {
		t.Errorf("expected existing qty 5, got %d", qty)
	}
	if len(existing.Children("changes")) != 1 {
		t.Errorf("expected one change record on patched item, got %d", len(existing.Children("changes")))
	}
}

func TestPatch_IDOnlyElementIsNoop(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "items": []any{Tree{"label": "old"}}})
	item := f.Children("items")[0]
	modified := item.Modified

	if err := s.Patch(f, Tree{"items": []any{Tree{"uuid": item.ID}}}); err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if len(item.Children("changes")) != 0 {
		t.Error("expected no hook to run for an id-only element")
	}
	if !item.Modified.Equal(modified) {
		t.Error("expected item modified timestamp unchanged")
	}
}

func TestPatch_UnmatchedChildIDIsSkipped(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "items": []any{Tree{"label": "old", "qty": 1}}})
	item := f.Children("items")[0]

	err := s.Patch(f, Tree{"items": []any{
		Tree{"uuid": "not-a-child", "qty": 9},
		Tree{"uuid": item.ID, "qty": 3},
	}})
	if err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if len(f.Children("items")) != 1 {
		t.Errorf("expected no item to be added, got %d", len(f.Children("items")))
	}
	if qty, _ := item.Int("qty"); qty != 3 {
		t.Errorf("expected matched item patched to qty 3, got %d", qty)
	}
	if len(item.Children("changes")) != 1 {
		t.Errorf("expected one change record, got %d", len(item.Children("changes")))
	}
}

func TestPatch_RepeatedChildIDFailsBeforeApplying(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "items": []any{Tree{"label": "old", "qty": 1}}})
	item := f.Children("items")[0]

	err := s.Patch(f, Tree{"items": []any{
		Tree{"label": "new"},
		Tree{"uuid": item.ID, "qty": 2},
		Tree{"uuid": item.ID, "qty": 3},
	}})
	if !errors.Is(err, ErrMalformedList) {
		t.Fatalf("expected ErrMalformedList, got %v", err)
	}
	if qty, _ := item.Int("qty"); qty != 1 {
		t.Errorf("expected qty unchanged at 1, got %d", qty)
	}
	if len(item.Children("changes")) != 0 {
		t.Errorf("expected no change records, got %d", len(item.Children("changes")))
	}
	if len(f.Children("items")) != 1 {
		t.Error("expected no item to be created")
	}
}

func TestPatch_ReparentWithinGraph(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{
		"name":  "a",
		"items": []any{Tree{"label": "one", "keepers": []any{Tree{"label": "k"}}}, Tree{"label": "two"}},
	})
	items := f.Children("items")
	one, two := items[1], items[0]
	keeper := one.Children("keepers")[0]

	if err := s.Patch(f, Tree{"items": []any{Tree{"uuid": two.ID, "keepers": []any{keeper.ID}}}}); err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if len(one.Children("keepers")) != 0 {
		t.Error("expected keeper to leave its old owner")
	}
	if keeper.Parent() != two {
		t.Error("expected keeper to move to the second item")
	}
}

func TestPatch_ClassificationFailsBeforeApplying(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a"})

	err := s.Patch(f, Tree{"items": []any{Tree{"label": "new"}, true}})
	if !errors.Is(err, ErrMalformedList) {
		t.Fatalf("expected ErrMalformedList, got %v", err)
	}
	if len(f.Children("items")) != 0 {
		t.Error("expected no child to be created")
	}
}

func TestDelete_DetachAndNested(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{
		"name": "a",
		"tags": []any{"x", "y", "z"},
		"items": []any{
			Tree{"label": "one"},
			Tree{"label": "two"},
			Tree{"label": "three", "keepers": []any{Tree{"label": "k"}}},
		},
	})
	items := f.Children("items")
	three, two, one := items[0], items[1], items[2]
	keeper := three.Children("keepers")[0]

	err := s.Delete(f, Tree{
		"tags": []any{"y"},
		"items": []any{
			one.ID,
			Tree{"uuid": two.ID},
			Tree{"uuid": three.ID, "keepers": []any{keeper.ID}},
		},
	})
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if got := f.Strings("tags"); len(got) != 2 || got[0] != "x" || got[1] != "z" {
		t.Errorf("expected [x z], got %v", got)
	}
	remaining := f.Children("items")
	if len(remaining) != 1 || remaining[0] != three {
		t.Fatalf("expected only the third item to remain, got %d", len(remaining))
	}
	if len(three.Children("keepers")) != 0 {
		t.Error("expected keeper removed from third item")
	}

	removals := s.Removals()
	if len(removals) != 3 {
		t.Fatalf("expected 3 removals, got %d", len(removals))
	}
	modes := map[string]RemovalMode{}
	for _, r := range removals {
		modes[r.Entity.ID] = r.Mode
	}
	if modes[one.ID] != Destroy || modes[two.ID] != Destroy {
		t.Error("expected detached items to be destroyed")
	}
	if modes[keeper.ID] != Orphan {
		t.Error("expected keeper to be orphaned by its delete hook")
	}
}

func TestDelete_IDOnlyObjectInScalarList(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "tags": []any{"x", "y"}})

	if err := s.Delete(f, Tree{"tags": []any{Tree{"uuid": "x"}}}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if got := f.Strings("tags"); len(got) != 1 || got[0] != "y" {
		t.Errorf("expected [y], got %v", got)
	}
}

func TestDelete_DestroyedSubtreeOrphansSurvivors(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "items": []any{Tree{"label": "one", "keepers": []any{Tree{"label": "k"}}}}})
	item := f.Children("items")[0]
	keeper := item.Children("keepers")[0]

	if err := s.Delete(f, Tree{"items": []any{item.ID}}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	removals := s.Removals()
	if len(removals) != 2 {
		t.Fatalf("expected 2 removals, got %d", len(removals))
	}
	if removals[0].Entity != keeper || removals[0].Mode != Orphan {
		t.Error("expected keeper orphaned before its owner is destroyed")
	}
	if removals[1].Entity != item || removals[1].Mode != Destroy {
		t.Error("expected item destroyed")
	}
}

func TestDelete_Errors(t *testing.T) {
	tests := []struct {
		name      string
		deletions Tree
		want      error
	}{
		{"unknown field", Tree{"colour": []any{"x"}}, ErrUnknownField},
		{"dict in scalar list", Tree{"tags": []any{Tree{"uuid": "x", "label": "y"}}}, ErrMalformedList},
		{"dict without uuid in scalar list", Tree{"tags": []any{Tree{"label": "x"}}}, ErrMalformedList},
		{"dict without uuid", Tree{"items": []any{Tree{"label": "x"}}}, ErrMalformedList},
		{"number in child list", Tree{"items": []any{float64(1)}}, ErrMalformedList},
		{"object for collection", Tree{"items": Tree{"uuid": "x"}}, ErrMalformedList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession(testRegistry())
			f := newFolder(t, s, Tree{"name": "a", "tags": []any{"x"}})
			if err := s.Delete(f, tt.deletions); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDelete_OutputFieldRejected(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{"name": "a", "items": []any{Tree{"label": "one"}}})
	item := f.Children("items")[0]
	if err := s.Patch(item, Tree{"qty": 2}); err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	change := item.Children("changes")[0]

	err := s.Delete(item, Tree{"changes": []any{change.ID}})
	if !errors.Is(err, ErrPatchRejected) {
		t.Errorf("expected ErrPatchRejected, got %v", err)
	}
}

func TestRoundTrip_PatchWithFetchedStructure(t *testing.T) {
	s := testSession(testRegistry())
	f := newFolder(t, s, Tree{
		"name":  "a",
		"tags":  []any{"x"},
		"memo":  Tree{"text": "m"},
		"items": []any{Tree{"label": "one", "qty": 3}},
	})

	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var fetched Tree
	if err := json.Unmarshal(raw, &fetched); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if err := s.Patch(f, fetched); err != nil {
		t.Fatalf("Patch() with fetched structure error: %v", err)
	}
	if len(f.Children("items")) != 1 || len(f.Strings("tags")) != 1 {
		t.Error("expected collections unchanged")
	}
	item := f.Children("items")[0]
	if qty, _ := item.Int("qty"); qty != 3 {
		t.Errorf("expected qty 3, got %d", qty)
	}
	if len(item.Children("changes")) != 1 {
		t.Errorf("expected the unconditional history hook to append once, got %d", len(item.Children("changes")))
	}
}

func TestAssemble(t *testing.T) {
	r := testRegistry()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Row{
		{ID: "f1", Kind: kindFolder, Attrs: map[string]any{"name": "a", "size": float64(4), "tags": []any{"x"}}, Created: now},
		{ID: "m1", Kind: kindMemo, ParentID: "f1", ParentField: "memo", Attrs: map[string]any{"text": "t"}, Created: now},
		{ID: "i1", Kind: kindItem, ParentID: "f1", ParentField: "items", Attrs: map[string]any{"label": "one"}, Created: now},
		{ID: "i2", Kind: kindItem, ParentID: "f1", ParentField: "items", Attrs: map[string]any{"label": "two"}, Created: now.Add(time.Minute)},
	}

	graph, err := r.Assemble(rows)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	f := graph["f1"]
	if size, _ := f.Int("size"); size != 4 {
		t.Errorf("expected size coerced to 4, got %v", f.Get("size"))
	}
	if f.Child("memo") != graph["m1"] {
		t.Error("expected memo linked")
	}
	items := f.Children("items")
	if len(items) != 2 || items[0].ID != "i2" {
		t.Error("expected items newest first")
	}
	if f.Dirty() {
		t.Error("expected assembled entities to be clean")
	}
	if len(MissingLinks(graph)) != 0 {
		t.Error("expected no missing links")
	}
}

func TestNewestFirst_TiesKeepLatestInsertionFirst(t *testing.T) {
	now := time.Now()
	a := &Entity{ID: "a", Created: now}
	b := &Entity{ID: "b", Created: now}
	items := []*Entity{a, b}
	NewestFirst(items)
	if items[0] != b {
		t.Error("expected later insertion first on equal timestamps")
	}
}

func TestLookup_TriState(t *testing.T) {
	data := Tree{"a": nil, "b": 1}
	if !Lookup(data, "missing").IsUnset() {
		t.Error("expected missing key unset")
	}
	if !Lookup(data, "a").IsNull() {
		t.Error("expected nil value null")
	}
	if v, ok := Lookup(data, "b").Get(); !ok || v != 1 {
		t.Error("expected present value")
	}
}
