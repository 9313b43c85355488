package engine_test

import (
	"errors"
	"testing"

	"wirline/internal/domain"
	"wirline/internal/engine"
	"wirline/internal/engine/acl"
)

// submitWithRunner raises a WIR carrying both default checklists and
// dispatches it to ivan/hana.
func submitWithRunner(env *testEnv) domain.Wir {
	env.t.Helper()
	w, err := env.eng.RaiseWir(env.ctx, testProject, "carla", engine.WirCreateOptions{
		Title:        "Pour grid A3",
		Discipline:   "civil",
		PlannedDate:  "2024-06-10",
		ChecklistIDs: []string{"concrete.pour", "masonry.blockwork"},
	})
	if err != nil {
		env.t.Fatalf("raise: %v", err)
	}
	w, err = env.eng.Submit(env.ctx, w.ID, "carla", "ivan")
	if err != nil {
		env.t.Fatalf("submit: %v", err)
	}
	return w
}

// rowID resolves a runner row id by its catalog item id. Checklist rows get
// their own identity at materialization; callers address them by that id.
func rowID(env *testEnv, wirID, catalogItemID string) string {
	env.t.Helper()
	items, err := env.eng.RunnerState(env.ctx, wirID, "ivan")
	if err != nil {
		env.t.Fatalf("runner state: %v", err)
	}
	for _, item := range items {
		if item.CatalogItemID == catalogItemID {
			return item.ID
		}
	}
	env.t.Fatalf("no runner row for %s", catalogItemID)
	return ""
}

func TestRunnerMaterialization(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()

	draft := env.raise("carla")
	var state engine.InvalidStateTransitionError
	if _, err := env.eng.RunnerState(env.ctx, draft.ID, "carla"); !errors.As(err, &state) {
		t.Fatalf("drafts have no runner, got %v", err)
	}

	w := submitWithRunner(env)
	items, err := env.eng.RunnerState(env.ctx, w.ID, "carla")
	if err != nil {
		t.Fatalf("runner state: %v", err)
	}
	// rows come back in the order the catalog declares them, not sorted by id
	wantOrder := []string{"formwork", "rebar-cover", "surface-finish", "setting-out", "mortar-joints"}
	if len(items) != len(wantOrder) {
		t.Fatalf("runner rows = %d, want %d", len(items), len(wantOrder))
	}
	for i, item := range items {
		if item.CatalogItemID != wantOrder[i] {
			t.Fatalf("row[%d] = %s, want %s", i, item.CatalogItemID, wantOrder[i])
		}
		if item.Position != i+1 {
			t.Fatalf("row %s position = %d, want %d", item.CatalogItemID, item.Position, i+1)
		}
		if item.InspStatus != nil {
			t.Fatalf("fresh row %s already has a status", item.CatalogItemID)
		}
	}
	if !items[0].Required || !items[0].Critical || items[0].Unit != "mm" {
		t.Fatalf("catalog fields not copied: %+v", items[0])
	}

	// second read reuses the same rows
	again, err := env.eng.RunnerState(env.ctx, w.ID, "carla")
	if err != nil {
		t.Fatalf("runner state again: %v", err)
	}
	for i := range items {
		if again[i].ID != items[i].ID {
			t.Fatalf("materialization is not idempotent: row %d changed identity", i)
		}
	}
}

func TestInspectorSaves(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := submitWithRunner(env)
	formworkID := rowID(env, w.ID, "formwork")
	rebarID := rowID(env, w.ID, "rebar-cover")

	var denied acl.PermissionDeniedError
	if _, err := env.eng.SaveInspectorRows(env.ctx, w.ID, "hana", []engine.InspectorRowInput{
		{ItemID: formworkID, Status: str("PASS")},
	}, nil); !errors.As(err, &denied) {
		t.Fatalf("HOD saving inspector rows: got %v", err)
	}

	var vErr engine.ValidationError
	if _, err := env.eng.SaveInspectorRows(env.ctx, w.ID, "ivan", []engine.InspectorRowInput{
		{ItemID: formworkID, Status: str("MAYBE")},
	}, nil); !errors.As(err, &vErr) {
		t.Fatalf("bad row status: got %v", err)
	}

	var missing engine.MissingRunnerRowError
	if _, err := env.eng.SaveInspectorRows(env.ctx, w.ID, "ivan", []engine.InspectorRowInput{
		{ItemID: "no-such-row", Status: str("PASS")},
	}, nil); !errors.As(err, &missing) {
		t.Fatalf("unknown row: got %v", err)
	}

	items, err := env.eng.SaveInspectorRows(env.ctx, w.ID, "ivan", []engine.InspectorRowInput{
		{ItemID: formworkID, Status: str("PASS"), Measurement: "8", Remark: "within tolerance", PhotoRefs: []string{"p1.jpg"}},
	}, nil)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	formwork := findRow(t, items, "formwork")
	if formwork.InspStatus == nil || *formwork.InspStatus != "PASS" || formwork.Measurement != "8" {
		t.Fatalf("row not written: %+v", formwork)
	}

	// a later partial save must not clobber earlier rows
	items, err = env.eng.SaveInspectorRows(env.ctx, w.ID, "ivan", []engine.InspectorRowInput{
		{ItemID: rebarID, Status: str("FAIL"), Remark: "cover short on east face"},
	}, str(domain.RecommendationApproveWithComments))
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	formwork = findRow(t, items, "formwork")
	if formwork.InspStatus == nil || *formwork.InspStatus != "PASS" || formwork.Measurement != "8" {
		t.Fatalf("partial save clobbered formwork: %+v", formwork)
	}
	rebar := findRow(t, items, "rebar-cover")
	if rebar.InspStatus == nil || *rebar.InspStatus != "FAIL" {
		t.Fatalf("rebar row not written: %+v", rebar)
	}

	got, _ := env.eng.Repo.GetWir(env.ctx, w.ID)
	if got.InspRecommendation == nil || *got.InspRecommendation != domain.RecommendationApproveWithComments {
		t.Fatalf("recommendation not recorded: %+v", got.InspRecommendation)
	}
}

func TestHodReviewAndFinalize(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := submitWithRunner(env)
	formworkID := rowID(env, w.ID, "formwork")
	if _, err := env.eng.SaveInspectorRows(env.ctx, w.ID, "ivan", []engine.InspectorRowInput{
		{ItemID: formworkID, Status: str("PASS")},
	}, str(domain.RecommendationApprove)); err != nil {
		t.Fatalf("inspector save: %v", err)
	}

	var vErr engine.ValidationError
	if _, err := env.eng.SaveHodRow(env.ctx, w.ID, "hana", formworkID, ""); !errors.As(err, &vErr) {
		t.Fatalf("empty remark: got %v", err)
	}
	var denied acl.PermissionDeniedError
	if _, err := env.eng.SaveHodRow(env.ctx, w.ID, "ivan", formworkID, "ok"); !errors.As(err, &denied) {
		t.Fatalf("inspector on HOD row: got %v", err)
	}
	var missing engine.MissingRunnerRowError
	if _, err := env.eng.SaveHodRow(env.ctx, w.ID, "hana", "no-such-row", "ok"); !errors.As(err, &missing) {
		t.Fatalf("unknown row: got %v", err)
	}

	item, err := env.eng.SaveHodRow(env.ctx, w.ID, "hana", formworkID, "verified on site")
	if err != nil {
		t.Fatalf("hod row: %v", err)
	}
	if item.HodRemark != "verified on site" || item.HodSavedAt == nil {
		t.Fatalf("hod sub-record not written: %+v", item)
	}
	if item.InspStatus == nil || *item.InspStatus != "PASS" {
		t.Fatalf("hod save clobbered inspector record: %+v", item)
	}

	if _, err := env.eng.FinalizeHod(env.ctx, w.ID, "hana", "MAYBE", ""); !errors.As(err, &vErr) {
		t.Fatalf("bad outcome: got %v", err)
	}
	w, err = env.eng.FinalizeHod(env.ctx, w.ID, "hana", domain.OutcomeAccept, "all clear")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if w.HodOutcome == nil || *w.HodOutcome != domain.OutcomeAccept {
		t.Fatalf("outcome not recorded: %+v", w.HodOutcome)
	}
	// finalize is an audit record, not a lifecycle transition
	if w.Status != domain.StatusSubmitted {
		t.Fatalf("finalize moved the lifecycle: %s", w.Status)
	}

	// the recommendation is locked once the HOD has finalized
	if _, err := env.eng.SaveInspectorRows(env.ctx, w.ID, "ivan", nil, str(domain.RecommendationReject)); !errors.As(err, &vErr) {
		t.Fatalf("recommendation after finalize: got %v", err)
	}
}

func TestRunnerFreezesAtTerminalStatus(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := submitWithRunner(env)
	formworkID := rowID(env, w.ID, "formwork")
	rebarID := rowID(env, w.ID, "rebar-cover")
	if _, err := env.eng.SaveInspectorRows(env.ctx, w.ID, "ivan", []engine.InspectorRowInput{
		{ItemID: formworkID, Status: str("PASS")},
	}, nil); err != nil {
		t.Fatalf("inspector save: %v", err)
	}
	if _, err := env.eng.Recommend(env.ctx, w.ID, "ivan", ""); err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if _, err := env.eng.Approve(env.ctx, w.ID, "hana", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	var state engine.InvalidStateTransitionError
	if _, err := env.eng.SaveInspectorRows(env.ctx, w.ID, "ivan", []engine.InspectorRowInput{
		{ItemID: rebarID, Status: str("PASS")},
	}, nil); !errors.As(err, &state) {
		t.Fatalf("inspector save after approve: got %v", err)
	}
	if _, err := env.eng.SaveHodRow(env.ctx, w.ID, "hana", formworkID, "late"); !errors.As(err, &state) {
		t.Fatalf("hod save after approve: got %v", err)
	}

	// read-only access stays open for the record
	items, err := env.eng.RunnerState(env.ctx, w.ID, "carla")
	if err != nil {
		t.Fatalf("runner state after approve: %v", err)
	}
	formwork := findRow(t, items, "formwork")
	if formwork.InspStatus == nil || *formwork.InspStatus != "PASS" {
		t.Fatalf("frozen runner lost its data: %+v", formwork)
	}
}

func findRow(t *testing.T, items []domain.RunnerItem, catalogItemID string) domain.RunnerItem {
	t.Helper()
	for _, item := range items {
		if item.CatalogItemID == catalogItemID {
			return item
		}
	}
	t.Fatalf("row %s not found", catalogItemID)
	return domain.RunnerItem{}
}
