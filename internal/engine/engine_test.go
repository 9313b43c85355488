package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"wirline/internal/app"
	"wirline/internal/db"
	"wirline/internal/domain"
	"wirline/internal/engine"
	"wirline/internal/engine/acl"
	"wirline/internal/migrate"
	"wirline/internal/repo"
)

const testProject = "site-1"

// The default project config gives pmc members review+approve, so every pool
// member classifies as inspector-and-hod. Pure seats come from deny
// overrides: ivan is denied approve (inspector), hana is denied review (HOD).
type testEnv struct {
	t   *testing.T
	ctx context.Context
	eng *engine.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	fixed := func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.Events.Now = fixed

	ctx := context.Background()
	if err := app.CreateProject(ctx, eng.Repo, testProject, nil, "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return &testEnv{t: t, ctx: ctx, eng: eng}
}

func (env *testEnv) addMember(userID, role string, validFrom, validTo *string) {
	env.t.Helper()
	ts := "2024-05-01T00:00:00Z"
	err := env.eng.Repo.InsertMembership(env.ctx, domain.MembershipWindow{
		ID:        uuid.New().String(),
		ProjectID: testProject,
		UserID:    userID,
		Role:      role,
		ValidFrom: validFrom,
		ValidTo:   validTo,
		CreatedAt: ts,
		UpdatedAt: ts,
	})
	if err != nil {
		env.t.Fatalf("insert membership %s/%s: %v", userID, role, err)
	}
}

func (env *testEnv) deny(userID string, actions ...string) {
	env.t.Helper()
	cells := map[string]string{}
	for _, action := range actions {
		cells[action] = "deny"
	}
	if err := env.eng.Repo.ReplaceOverrides(env.ctx, testProject, userID, map[string]map[string]string{"wir": cells}); err != nil {
		env.t.Fatalf("set overrides for %s: %v", userID, err)
	}
}

// standardCast seats the usual trio: carla raises, ivan inspects, hana
// approves.
func (env *testEnv) standardCast() {
	env.addMember("carla", "contractor", nil, nil)
	env.addMember("ivan", "pmc", nil, nil)
	env.addMember("hana", "pmc", nil, nil)
	env.deny("ivan", acl.ActionApprove)
	env.deny("hana", acl.ActionReview)
}

func (env *testEnv) raise(author string) domain.Wir {
	env.t.Helper()
	w, err := env.eng.RaiseWir(env.ctx, testProject, author, engine.WirCreateOptions{
		Title:        "Pour grid A3",
		Discipline:   "civil",
		PlannedDate:  "2024-06-10",
		PlannedTime:  "09:00",
		Location:     "Block A, level 3",
		ChecklistIDs: []string{"concrete.pour"},
	})
	if err != nil {
		env.t.Fatalf("raise: %v", err)
	}
	return w
}

func str(s string) *string { return &s }

func TestEffectivePermissionsResolution(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()

	// a subject matching a configured role name resolves the bare matrix
	perms, err := env.eng.EffectivePermissionsFor(env.ctx, testProject, "contractor", "")
	if err != nil {
		t.Fatalf("role subject: %v", err)
	}
	if !perms.View || !perms.Raise || perms.Review || perms.Approve {
		t.Fatalf("contractor role matrix wrong: %+v", perms)
	}

	cases := []struct {
		user string
		want acl.ActingRole
	}{
		{"carla", acl.RoleViewerOnly}, // raise capability keeps her out of the pool
		{"ivan", acl.RoleInspector},
		{"hana", acl.RoleHod},
		{"nobody", acl.RoleViewerOnly}, // unknown user resolves all-false
	}
	for _, tc := range cases {
		role, _, err := env.eng.ActingRoleFor(env.ctx, testProject, tc.user, "2024-06-01")
		if err != nil {
			t.Fatalf("acting role %s: %v", tc.user, err)
		}
		if role != tc.want {
			t.Fatalf("acting role for %s = %s, want %s", tc.user, role, tc.want)
		}
	}

	// a pmc member without overrides holds both seats
	env.addMember("petra", "pmc", nil, nil)
	role, _, err := env.eng.ActingRoleFor(env.ctx, testProject, "petra", "2024-06-01")
	if err != nil {
		t.Fatalf("acting role petra: %v", err)
	}
	if role != acl.RoleInspectorAndHod {
		t.Fatalf("petra = %s, want %s", role, acl.RoleInspectorAndHod)
	}
}

func TestMembershipWindowBoundsAreInclusive(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("ends-today", "pmc", nil, str("2024-06-01"))
	env.addMember("ended-yesterday", "pmc", nil, str("2024-05-31"))
	env.addMember("starts-tomorrow", "pmc", str("2024-06-02"), nil)

	candidates, err := env.eng.EligibleCandidates(env.ctx, testProject, "2024-06-01")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(candidates) != 1 || candidates[0].UserID != "ends-today" {
		t.Fatalf("want only ends-today, got %+v", candidates)
	}

	// malformed date resolves against today (2024-06-01), same answer
	candidates, err = env.eng.EligibleCandidates(env.ctx, testProject, "junk")
	if err != nil {
		t.Fatalf("eligible malformed date: %v", err)
	}
	if len(candidates) != 1 || candidates[0].UserID != "ends-today" {
		t.Fatalf("malformed date must resolve to today, got %+v", candidates)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := env.raise("carla")
	if w.Status != domain.StatusDraft {
		t.Fatalf("new WIR status = %s", w.Status)
	}

	w, err := env.eng.Submit(env.ctx, w.ID, "carla", "ivan")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if w.Status != domain.StatusSubmitted {
		t.Fatalf("status after submit = %s", w.Status)
	}
	if w.InspectorID == nil || *w.InspectorID != "ivan" {
		t.Fatalf("inspector not seated: %+v", w.InspectorID)
	}
	if w.HodID == nil || *w.HodID != "hana" {
		t.Fatalf("pure HOD must be preferred: %+v", w.HodID)
	}
	if w.BallInCourt == nil || *w.BallInCourt != domain.BICInspector {
		t.Fatalf("ball in court after submit = %+v", w.BallInCourt)
	}

	w, err = env.eng.Recommend(env.ctx, w.ID, "ivan", "looks good")
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if w.Status != domain.StatusRecommended {
		t.Fatalf("status after recommend = %s", w.Status)
	}
	if w.BallInCourt == nil || *w.BallInCourt != domain.BICHod {
		t.Fatalf("ball in court after recommend = %+v", w.BallInCourt)
	}

	w, err = env.eng.Approve(env.ctx, w.ID, "hana", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if w.Status != domain.StatusApproved {
		t.Fatalf("status after approve = %s", w.Status)
	}

	hist, err := env.eng.History(env.ctx, w.ID, "hana")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantActions := []string{"raise", "submit", "recommend", "approve"}
	if len(hist) != len(wantActions) {
		t.Fatalf("history length = %d, want %d", len(hist), len(wantActions))
	}
	for i, entry := range hist {
		if entry.Seq != i+1 {
			t.Fatalf("history seq[%d] = %d", i, entry.Seq)
		}
		if entry.Action != wantActions[i] {
			t.Fatalf("history action[%d] = %s, want %s", i, entry.Action, wantActions[i])
		}
	}

	// approved is terminal
	if _, err := env.eng.Recommend(env.ctx, w.ID, "ivan", ""); err == nil {
		t.Fatalf("recommend on approved WIR must fail")
	}
}

func TestSubmitGuards(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := env.raise("carla")

	var mismatch acl.AuthorMismatchError
	if _, err := env.eng.Submit(env.ctx, w.ID, "ivan", "ivan"); !errors.As(err, &mismatch) {
		t.Fatalf("non-author submit: got %v", err)
	}

	var noCandidate engine.NoEligibleCandidateError
	_, err := env.eng.Submit(env.ctx, w.ID, "carla", "carla")
	if !errors.As(err, &noCandidate) || noCandidate.Role != acl.RoleInspector {
		t.Fatalf("inspector outside pool: got %v", err)
	}
	if noCandidate.Date != "2024-06-10" {
		t.Fatalf("error must carry the planned date, got %s", noCandidate.Date)
	}

	// a failed submit leaves the draft untouched
	got, err := env.eng.Repo.GetWir(env.ctx, w.ID)
	if err != nil {
		t.Fatalf("get wir: %v", err)
	}
	if got.Status != domain.StatusDraft || got.InspectorID != nil {
		t.Fatalf("draft mutated by failed submit: %+v", got)
	}
}

func TestSubmitWithoutHodCandidate(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("carla", "contractor", nil, nil)
	env.addMember("ivan", "pmc", nil, nil)
	env.deny("ivan", acl.ActionApprove) // pool holds a lone inspector

	w := env.raise("carla")
	var noCandidate engine.NoEligibleCandidateError
	_, err := env.eng.Submit(env.ctx, w.ID, "carla", "ivan")
	if !errors.As(err, &noCandidate) || noCandidate.Role != acl.RoleHod {
		t.Fatalf("want no-HOD error, got %v", err)
	}
	got, _ := env.eng.Repo.GetWir(env.ctx, w.ID)
	if got.Status != domain.StatusDraft {
		t.Fatalf("WIR advanced without a HOD: %s", got.Status)
	}
}

func TestDualCapabilityFallbackMayDoubleSeat(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("carla", "contractor", nil, nil)
	env.addMember("petra", "pmc", nil, nil) // review+approve, no override

	w := env.raise("carla")
	w, err := env.eng.Submit(env.ctx, w.ID, "carla", "petra")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if w.InspectorID == nil || w.HodID == nil || *w.InspectorID != "petra" || *w.HodID != "petra" {
		t.Fatalf("dual-capability member must hold both seats: %+v", w)
	}
}

func TestRejectRequiresComment(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := env.raise("carla")
	w, err := env.eng.Submit(env.ctx, w.ID, "carla", "ivan")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.eng.Recommend(env.ctx, w.ID, "ivan", ""); err != nil {
		t.Fatalf("recommend: %v", err)
	}

	var vErr engine.ValidationError
	if _, err := env.eng.Reject(env.ctx, w.ID, "hana", ""); !errors.As(err, &vErr) {
		t.Fatalf("empty rejection comment: got %v", err)
	}

	// ivan's approve capability is denied, so he cannot finalize
	var denied acl.PermissionDeniedError
	if _, err := env.eng.Approve(env.ctx, w.ID, "ivan", ""); !errors.As(err, &denied) {
		t.Fatalf("approve without capability: got %v", err)
	}

	w, err = env.eng.Reject(env.ctx, w.ID, "hana", "rebar cover out of tolerance")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if w.Status != domain.StatusRejected {
		t.Fatalf("status after reject = %s", w.Status)
	}
}

func TestDraftEditingRules(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := env.raise("carla")

	var mismatch acl.AuthorMismatchError
	if _, err := env.eng.UpdateWir(env.ctx, w.ID, "ivan", engine.WirUpdateOptions{Title: str("x")}); !errors.As(err, &mismatch) {
		t.Fatalf("non-author update: got %v", err)
	}

	var vErr engine.ValidationError
	if _, err := env.eng.UpdateWir(env.ctx, w.ID, "carla", engine.WirUpdateOptions{ChecklistIDs: &[]string{"bogus"}}); !errors.As(err, &vErr) {
		t.Fatalf("unknown checklist on update: got %v", err)
	}

	w, err := env.eng.UpdateWir(env.ctx, w.ID, "carla", engine.WirUpdateOptions{Title: str("Pour grid A4")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if w.Title != "Pour grid A4" {
		t.Fatalf("title not updated: %s", w.Title)
	}

	if _, err := env.eng.Submit(env.ctx, w.ID, "carla", "ivan"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var state engine.InvalidStateTransitionError
	if _, err := env.eng.UpdateWir(env.ctx, w.ID, "carla", engine.WirUpdateOptions{Title: str("y")}); !errors.As(err, &state) {
		t.Fatalf("update after submit: got %v", err)
	}
	if err := env.eng.DeleteWir(env.ctx, w.ID, "carla"); !errors.As(err, &state) {
		t.Fatalf("delete after submit: got %v", err)
	}

	// drafts delete cleanly
	draft := env.raise("carla")
	if err := env.eng.DeleteWir(env.ctx, draft.ID, "carla"); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := env.eng.Repo.GetWir(env.ctx, draft.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted draft still readable: %v", err)
	}
}

func TestReschedule(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := env.raise("carla")

	// drafts are edited, not rescheduled
	var state engine.InvalidStateTransitionError
	if _, err := env.eng.Reschedule(env.ctx, w.ID, "carla", "2024-06-12", "14:00", ""); !errors.As(err, &state) {
		t.Fatalf("reschedule draft: got %v", err)
	}

	if _, err := env.eng.Submit(env.ctx, w.ID, "carla", "ivan"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var vErr engine.ValidationError
	if _, err := env.eng.Reschedule(env.ctx, w.ID, "carla", "next tuesday", "", ""); !errors.As(err, &vErr) {
		t.Fatalf("malformed date: got %v", err)
	}
	var mismatch acl.AuthorMismatchError
	if _, err := env.eng.Reschedule(env.ctx, w.ID, "hana", "2024-06-12", "", ""); !errors.As(err, &mismatch) {
		t.Fatalf("HOD reschedule: got %v", err)
	}

	w, err := env.eng.Reschedule(env.ctx, w.ID, "ivan", "2024-06-12", "14:00", "pour postponed for rain")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if w.PlannedDate != "2024-06-12" || w.PlannedTime != "14:00" {
		t.Fatalf("slot not moved: %s %s", w.PlannedDate, w.PlannedTime)
	}
	if !w.WasRescheduled {
		t.Fatalf("was_rescheduled flag not set")
	}
	if w.InspectorID == nil || *w.InspectorID != "ivan" {
		t.Fatalf("seats must survive a reschedule")
	}

	hist, err := env.eng.History(env.ctx, w.ID, "ivan")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var reschedules int
	for _, entry := range hist {
		if entry.Action != "reschedule" {
			continue
		}
		reschedules++
		// the audit entry records the slot move and the caller's note
		if !strings.Contains(entry.Notes, "2024-06-10") || !strings.Contains(entry.Notes, "2024-06-12") {
			t.Fatalf("slot move not recorded: %q", entry.Notes)
		}
		if !strings.Contains(entry.Notes, "pour postponed for rain") {
			t.Fatalf("note not recorded: %q", entry.Notes)
		}
	}
	if reschedules != 1 {
		t.Fatalf("want exactly one reschedule entry, got %d", reschedules)
	}
}

func TestDenyOverrideLocksOutReviewer(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := env.raise("carla")
	if _, err := env.eng.Submit(env.ctx, w.ID, "carla", "ivan"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// the admin pulls ivan's review permission after dispatch
	env.deny("ivan", acl.ActionApprove, acl.ActionReview)

	var denied acl.PermissionDeniedError
	if _, err := env.eng.Recommend(env.ctx, w.ID, "ivan", ""); !errors.As(err, &denied) {
		t.Fatalf("denied inspector must be locked out, got %v", err)
	}
	got, _ := env.eng.Repo.GetWir(env.ctx, w.ID)
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("status moved despite lockout: %s", got.Status)
	}
}

func TestCoarseTransitionsAreCapabilityGated(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	env.addMember("petra", "pmc", nil, nil) // review+approve, never seated

	w := env.raise("carla")
	if _, err := env.eng.Submit(env.ctx, w.ID, "carla", "ivan"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// the contractor holds no review capability
	var denied acl.PermissionDeniedError
	if _, err := env.eng.Recommend(env.ctx, w.ID, "carla", ""); !errors.As(err, &denied) {
		t.Fatalf("contractor recommend: got %v", err)
	}

	// any review-capable member may move the coarse transition, seated or not
	w, err := env.eng.Recommend(env.ctx, w.ID, "petra", "covered for ivan")
	if err != nil {
		t.Fatalf("unseated reviewer recommend: %v", err)
	}
	if w.Status != domain.StatusRecommended {
		t.Fatalf("status after recommend = %s", w.Status)
	}
	if w.InspectorID == nil || *w.InspectorID != "ivan" {
		t.Fatalf("seat must not change: %+v", w.InspectorID)
	}

	// likewise for the approval: capability, not the HOD seat
	w, err = env.eng.Approve(env.ctx, w.ID, "petra", "")
	if err != nil {
		t.Fatalf("unseated approver: %v", err)
	}
	if w.Status != domain.StatusApproved {
		t.Fatalf("status after approve = %s", w.Status)
	}
}

func TestTransitionRaceLoserGetsStateError(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	w := env.raise("carla")
	if _, err := env.eng.Submit(env.ctx, w.ID, "carla", "ivan"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Advance the WIR underneath the running transition: the clock hook fires
	// after the status read but before the conditional update, standing in
	// for a concurrent caller winning the race.
	fixed := env.eng.Now
	calls := 0
	env.eng.Now = func() time.Time {
		calls++
		if calls == 2 {
			if _, err := env.eng.DB.Exec(`UPDATE wirs SET status=? WHERE id=?`, domain.StatusRecommended, w.ID); err != nil {
				t.Errorf("concurrent update: %v", err)
			}
		}
		return fixed()
	}

	var state engine.InvalidStateTransitionError
	_, err := env.eng.Recommend(env.ctx, w.ID, "ivan", "")
	if !errors.As(err, &state) {
		t.Fatalf("race loser must get a state error, got %v", err)
	}
	if state.Current != "advanced" {
		t.Fatalf("race loser current = %q", state.Current)
	}

	// the winner's state stands; the loser appended nothing
	hist, err := env.eng.Repo.ListHistory(env.ctx, w.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, entry := range hist {
		if entry.Action == "recommend" {
			t.Fatalf("losing transition left a history entry")
		}
	}
}

func TestRaiseValidation(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()

	var vErr engine.ValidationError
	if _, err := env.eng.RaiseWir(env.ctx, testProject, "carla", engine.WirCreateOptions{Discipline: "civil"}); !errors.As(err, &vErr) {
		t.Fatalf("missing title: got %v", err)
	}
	if _, err := env.eng.RaiseWir(env.ctx, testProject, "carla", engine.WirCreateOptions{
		Title: "t", Discipline: "civil", ChecklistIDs: []string{"no.such.checklist"},
	}); !errors.As(err, &vErr) {
		t.Fatalf("unknown checklist: got %v", err)
	}

	// pmc members have no raise permission
	var denied acl.PermissionDeniedError
	if _, err := env.eng.RaiseWir(env.ctx, testProject, "ivan", engine.WirCreateOptions{
		Title: "t", Discipline: "civil",
	}); !errors.As(err, &denied) {
		t.Fatalf("pool member raise: got %v", err)
	}
}

func TestListWirsFiltersAndCursor(t *testing.T) {
	env := newTestEnv(t)
	env.standardCast()
	for i := 0; i < 3; i++ {
		env.raise("carla")
	}

	all, err := env.eng.ListWirs(env.ctx, "carla", repo.WirFilters{ProjectID: testProject})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list length = %d", len(all))
	}

	drafts, err := env.eng.ListWirs(env.ctx, "carla", repo.WirFilters{ProjectID: testProject, Status: domain.StatusDraft})
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(drafts) != 3 {
		t.Fatalf("draft filter = %d", len(drafts))
	}

	// an unknown user has no view permission
	var denied acl.PermissionDeniedError
	if _, err := env.eng.ListWirs(env.ctx, "stranger", repo.WirFilters{ProjectID: testProject}); !errors.As(err, &denied) {
		t.Fatalf("stranger list: got %v", err)
	}
}
