package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wirline/internal/config"
	"wirline/internal/domain"
	"wirline/internal/engine/acl"
	"wirline/internal/events"
	"wirline/internal/repo"
)

// Engine owns every WIR mutation. Each state change runs in one transaction:
// conditional update, history row, event row, commit. Now is injectable for
// tests.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) *Engine {
	now := time.Now
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Now:    now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) today() string {
	return e.now().UTC().Format("2006-01-02")
}

// NormalizeDate returns the date if it is a well-formed YYYY-MM-DD string,
// otherwise today (UTC). Eligibility never fails on a malformed date; it
// resolves against today and reports that date in any error.
func (e *Engine) NormalizeDate(date string) string {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return e.today()
	}
	return date
}

// --- typed failures ---

type InvalidStateTransitionError struct {
	WirID    string
	Current  string
	Expected string
}

func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("WIR %s is %s, operation requires %s", e.WirID, e.Current, e.Expected)
}

// NoEligibleCandidateError reports the date the pool was resolved against,
// which is what the caller needs to fix their membership windows.
type NoEligibleCandidateError struct {
	Date string
	Role acl.ActingRole
}

func (e NoEligibleCandidateError) Error() string {
	return fmt.Sprintf("no eligible %s candidate on %s", e.Role, e.Date)
}

type MissingRunnerRowError struct {
	WirID  string
	ItemID string
}

func (e MissingRunnerRowError) Error() string {
	return fmt.Sprintf("WIR %s has no checklist row %s", e.WirID, e.ItemID)
}

type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// --- permission resolution ---

func (e *Engine) projectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == repo.ErrNotFound {
		return nil, ValidationError{Msg: fmt.Sprintf("project %s has no config", projectID)}
	}
	return cfg, err
}

// EffectivePermissionsFor resolves the four WIR booleans for a subject on a
// date. A subject matching a configured role name resolves the bare role
// matrix; anything else is treated as a user id: the OR-union of the base
// matrices of every role held via a covering membership window, narrowed by
// the user's deny overrides. Unknown users resolve all-false.
func (e *Engine) EffectivePermissionsFor(ctx context.Context, projectID, subject, date string) (acl.Permissions, error) {
	cfg, err := e.projectConfig(ctx, projectID)
	if err != nil {
		return acl.Permissions{}, err
	}
	date = e.NormalizeDate(date)
	module := cfg.Module()

	if cfg.HasRole(subject) {
		base, err := e.Repo.RoleMatrix(ctx, projectID, subject)
		if err != nil {
			return acl.Permissions{}, err
		}
		return acl.EffectivePermissions(base, nil, module), nil
	}

	roles, err := e.Repo.RolesHeldOn(ctx, projectID, subject, date)
	if err != nil {
		return acl.Permissions{}, err
	}
	base, err := e.Repo.MergedRoleMatrix(ctx, projectID, roles)
	if err != nil {
		return acl.Permissions{}, err
	}
	override, err := e.Repo.OverrideMatrix(ctx, projectID, subject)
	if err != nil {
		return acl.Permissions{}, err
	}
	return acl.EffectivePermissions(base, override, module), nil
}

// ActingRoleFor classifies a user's effective permissions on a date.
func (e *Engine) ActingRoleFor(ctx context.Context, projectID, userID, date string) (acl.ActingRole, acl.Permissions, error) {
	perms, err := e.EffectivePermissionsFor(ctx, projectID, userID, date)
	if err != nil {
		return acl.RoleViewerOnly, acl.Permissions{}, err
	}
	return acl.DeducePermissions(perms), perms, nil
}

type Candidate struct {
	UserID      string          `json:"user_id"`
	ActingRole  acl.ActingRole  `json:"acting_role"`
	Permissions acl.Permissions `json:"permissions"`
}

// EligibleCandidates resolves the acting pool for a date: pool-role members
// whose windows cover the date, classified by their effective permissions.
// Viewer-only members are dropped. Order is deterministic: most recently
// updated membership first, user id as tiebreaker.
func (e *Engine) EligibleCandidates(ctx context.Context, projectID, date string) ([]Candidate, error) {
	cfg, err := e.projectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	date = e.NormalizeDate(date)
	users, err := e.Repo.PoolMembersOn(ctx, projectID, cfg.PoolRole(), date)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, user := range users {
		role, perms, err := e.ActingRoleFor(ctx, projectID, user, date)
		if err != nil {
			return nil, err
		}
		if role == acl.RoleViewerOnly {
			continue
		}
		out = append(out, Candidate{UserID: user, ActingRole: role, Permissions: perms})
	}
	return out, nil
}

func findCandidate(candidates []Candidate, userID string) (Candidate, bool) {
	for _, c := range candidates {
		if c.UserID == userID {
			return c, true
		}
	}
	return Candidate{}, false
}

// pickHod prefers a pure HOD and falls back to a dual-capability member, who
// may then hold both seats on the same WIR.
func pickHod(candidates []Candidate, inspectorID string) (string, bool) {
	for _, c := range candidates {
		if c.ActingRole == acl.RoleHod {
			return c.UserID, true
		}
	}
	for _, c := range candidates {
		if c.ActingRole == acl.RoleInspectorAndHod {
			return c.UserID, true
		}
	}
	_ = inspectorID
	return "", false
}

// --- lifecycle ---

type WirCreateOptions struct {
	Title        string
	Discipline   string
	PlannedDate  string
	PlannedTime  string
	Location     string
	ChecklistIDs []string
}

// RaiseWir creates a draft. Requires effective raise permission on the
// planned date (or today if none is set yet).
func (e *Engine) RaiseWir(ctx context.Context, projectID, actorID string, opts WirCreateOptions) (domain.Wir, error) {
	if opts.Title == "" {
		return domain.Wir{}, ValidationError{Msg: "title is required"}
	}
	if opts.Discipline == "" {
		return domain.Wir{}, ValidationError{Msg: "discipline is required"}
	}
	cfg, err := e.projectConfig(ctx, projectID)
	if err != nil {
		return domain.Wir{}, err
	}
	if err := e.validateChecklists(cfg, opts.ChecklistIDs); err != nil {
		return domain.Wir{}, err
	}
	perms, err := e.EffectivePermissionsFor(ctx, projectID, actorID, opts.PlannedDate)
	if err != nil {
		return domain.Wir{}, err
	}
	if !perms.Raise {
		return domain.Wir{}, acl.PermissionDeniedError{Action: acl.ActionRaise}
	}

	now := e.nowRFC3339()
	w := domain.Wir{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		Title:        opts.Title,
		Discipline:   opts.Discipline,
		PlannedDate:  opts.PlannedDate,
		PlannedTime:  opts.PlannedTime,
		Location:     opts.Location,
		ChecklistIDs: opts.ChecklistIDs,
		Status:       domain.StatusDraft,
		AuthorID:     actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wir{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, actorID, now); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Repo.InsertWir(ctx, tx, w); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Events.AppendHistory(ctx, tx, w.ID, "raise", actorID, "", domain.StatusDraft, ""); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Events.Append(ctx, tx, "wir.raised", projectID, "wir", w.ID, actorID, events.EventPayload{
		"title": w.Title, "discipline": w.Discipline,
	}); err != nil {
		return domain.Wir{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wir{}, err
	}
	return w, nil
}

func (e *Engine) validateChecklists(cfg *config.Config, ids []string) error {
	for _, id := range ids {
		if _, ok := cfg.Checklists.Catalog[id]; !ok {
			return ValidationError{Msg: fmt.Sprintf("unknown checklist %s", id)}
		}
	}
	return nil
}

type WirUpdateOptions struct {
	Title        *string
	Discipline   *string
	PlannedDate  *string
	PlannedTime  *string
	Location     *string
	ChecklistIDs *[]string
}

// UpdateWir edits a draft. Author only; any non-draft status is a hard state
// error, never a silent merge.
func (e *Engine) UpdateWir(ctx context.Context, wirID, actorID string, opts WirUpdateOptions) (domain.Wir, error) {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return domain.Wir{}, err
	}
	if w.AuthorID != actorID {
		return domain.Wir{}, acl.AuthorMismatchError{WirID: wirID, ActorID: actorID}
	}
	if w.Status != domain.StatusDraft {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusDraft}
	}
	cfg, err := e.projectConfig(ctx, w.ProjectID)
	if err != nil {
		return domain.Wir{}, err
	}

	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Wir{}, ValidationError{Msg: "title cannot be empty"}
		}
		w.Title = *opts.Title
	}
	if opts.Discipline != nil {
		if *opts.Discipline == "" {
			return domain.Wir{}, ValidationError{Msg: "discipline cannot be empty"}
		}
		w.Discipline = *opts.Discipline
	}
	if opts.PlannedDate != nil {
		w.PlannedDate = *opts.PlannedDate
	}
	if opts.PlannedTime != nil {
		w.PlannedTime = *opts.PlannedTime
	}
	if opts.Location != nil {
		w.Location = *opts.Location
	}
	if opts.ChecklistIDs != nil {
		if err := e.validateChecklists(cfg, *opts.ChecklistIDs); err != nil {
			return domain.Wir{}, err
		}
		w.ChecklistIDs = *opts.ChecklistIDs
	}
	w.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wir{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateWirDraftTx(ctx, tx, w)
	if err != nil {
		return domain.Wir{}, err
	}
	if !ok {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: "advanced", Expected: domain.StatusDraft}
	}
	if err := e.Events.AppendHistory(ctx, tx, wirID, "update", actorID, domain.StatusDraft, domain.StatusDraft, ""); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Events.Append(ctx, tx, "wir.updated", w.ProjectID, "wir", wirID, actorID, nil); err != nil {
		return domain.Wir{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wir{}, err
	}
	return w, nil
}

// DeleteWir removes a draft. Author only; drafts are the only deletable state.
func (e *Engine) DeleteWir(ctx context.Context, wirID, actorID string) error {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return err
	}
	if w.AuthorID != actorID {
		return acl.AuthorMismatchError{WirID: wirID, ActorID: actorID}
	}
	if w.Status != domain.StatusDraft {
		return InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusDraft}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.DeleteWirDraftTx(ctx, tx, wirID)
	if err != nil {
		return err
	}
	if !ok {
		return InvalidStateTransitionError{WirID: wirID, Current: "advanced", Expected: domain.StatusDraft}
	}
	if err := e.Events.Append(ctx, tx, "wir.deleted", w.ProjectID, "wir", wirID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Submit dispatches and submits in one step: the chosen inspector is
// re-validated against the eligible pool on the effective date, the HOD is
// auto-resolved, and status, seats and ball-in-court flip atomically. A draft
// that fails eligibility stays a draft.
func (e *Engine) Submit(ctx context.Context, wirID, actorID, inspectorID string) (domain.Wir, error) {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return domain.Wir{}, err
	}
	if w.AuthorID != actorID {
		return domain.Wir{}, acl.AuthorMismatchError{WirID: wirID, ActorID: actorID}
	}
	if w.Status != domain.StatusDraft {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusDraft}
	}

	date := e.NormalizeDate(w.PlannedDate)
	candidates, err := e.EligibleCandidates(ctx, w.ProjectID, date)
	if err != nil {
		return domain.Wir{}, err
	}
	inspector, found := findCandidate(candidates, inspectorID)
	if !found || !inspector.Permissions.Review {
		return domain.Wir{}, NoEligibleCandidateError{Date: date, Role: acl.RoleInspector}
	}
	hodID, found := pickHod(candidates, inspectorID)
	if !found {
		return domain.Wir{}, NoEligibleCandidateError{Date: date, Role: acl.RoleHod}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wir{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, inspectorID, now); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Repo.EnsureUser(ctx, tx, hodID, now); err != nil {
		return domain.Wir{}, err
	}
	ok, err := e.Repo.SubmitWirTx(ctx, tx, wirID, inspectorID, hodID, now)
	if err != nil {
		return domain.Wir{}, err
	}
	if !ok {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: "advanced", Expected: domain.StatusDraft}
	}
	notes := fmt.Sprintf("inspector=%s hod=%s", inspectorID, hodID)
	if err := e.Events.AppendHistory(ctx, tx, wirID, "submit", actorID, domain.StatusDraft, domain.StatusSubmitted, notes); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Events.Append(ctx, tx, "wir.submitted", w.ProjectID, "wir", wirID, actorID, events.EventPayload{
		"inspector_id": inspectorID, "hod_id": hodID, "date": date,
	}); err != nil {
		return domain.Wir{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wir{}, err
	}
	return e.Repo.GetWir(ctx, wirID)
}

// Recommend moves a submitted WIR to recommended. The coarse transition is
// capability-gated, not seat-gated: any member with effective review
// permission today may move it, while row-level inspection stays bound to
// the dispatched inspector. A deny override applied after dispatch locks a
// reviewer out.
func (e *Engine) Recommend(ctx context.Context, wirID, actorID, notes string) (domain.Wir, error) {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return domain.Wir{}, err
	}
	if w.Status != domain.StatusSubmitted {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusSubmitted}
	}
	perms, err := e.EffectivePermissionsFor(ctx, w.ProjectID, actorID, e.today())
	if err != nil {
		return domain.Wir{}, err
	}
	if !perms.Review {
		return domain.Wir{}, acl.PermissionDeniedError{Action: acl.ActionReview}
	}
	return e.transition(ctx, w, actorID, "recommend", domain.StatusSubmitted, domain.StatusRecommended, domain.BICHod, notes, "wir.recommended")
}

// Approve finalizes a recommended WIR positively.
func (e *Engine) Approve(ctx context.Context, wirID, actorID, comment string) (domain.Wir, error) {
	w, err := e.approvalGate(ctx, wirID, actorID)
	if err != nil {
		return domain.Wir{}, err
	}
	return e.transition(ctx, w, actorID, "approve", domain.StatusRecommended, domain.StatusApproved, domain.BICHod, comment, "wir.approved")
}

// Reject finalizes a recommended WIR negatively. The comment is mandatory:
// a rejection without a reason is useless to the contractor.
func (e *Engine) Reject(ctx context.Context, wirID, actorID, comment string) (domain.Wir, error) {
	if comment == "" {
		return domain.Wir{}, ValidationError{Msg: "rejection requires a comment"}
	}
	w, err := e.approvalGate(ctx, wirID, actorID)
	if err != nil {
		return domain.Wir{}, err
	}
	return e.transition(ctx, w, actorID, "reject", domain.StatusRecommended, domain.StatusRejected, domain.BICHod, comment, "wir.rejected")
}

// approvalGate admits any caller with effective approve permission today,
// not just the seated HOD. Seat enforcement lives in the runner sub-workflow.
func (e *Engine) approvalGate(ctx context.Context, wirID, actorID string) (domain.Wir, error) {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return domain.Wir{}, err
	}
	if w.Status != domain.StatusRecommended {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusRecommended}
	}
	perms, err := e.EffectivePermissionsFor(ctx, w.ProjectID, actorID, e.today())
	if err != nil {
		return domain.Wir{}, err
	}
	if !perms.Approve {
		return domain.Wir{}, acl.PermissionDeniedError{Action: acl.ActionApprove}
	}
	return w, nil
}

func (e *Engine) transition(ctx context.Context, w domain.Wir, actorID, action, from, to, bic, notes, evtType string) (domain.Wir, error) {
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wir{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionWirTx(ctx, tx, w.ID, from, to, bic, now)
	if err != nil {
		return domain.Wir{}, err
	}
	if !ok {
		return domain.Wir{}, InvalidStateTransitionError{WirID: w.ID, Current: "advanced", Expected: from}
	}
	if err := e.Events.AppendHistory(ctx, tx, w.ID, action, actorID, from, to, notes); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, w.ProjectID, "wir", w.ID, actorID, events.EventPayload{
		"from": from, "to": to,
	}); err != nil {
		return domain.Wir{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wir{}, err
	}
	return e.Repo.GetWir(ctx, w.ID)
}

// Reschedule moves the planned slot of an in-flight WIR. Allowed to the
// author and the assigned inspector while submitted or recommended. Seats
// are kept; eligibility is not re-run on the new date. The audit entry
// records the old and new slot plus the caller's note.
func (e *Engine) Reschedule(ctx context.Context, wirID, actorID, newDate, newTime, note string) (domain.Wir, error) {
	if _, err := time.Parse("2006-01-02", newDate); err != nil {
		return domain.Wir{}, ValidationError{Msg: fmt.Sprintf("new date %q is not YYYY-MM-DD", newDate)}
	}
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return domain.Wir{}, err
	}
	if w.Status != domain.StatusSubmitted && w.Status != domain.StatusRecommended {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusSubmitted}
	}
	allowed := w.AuthorID == actorID || (w.InspectorID != nil && *w.InspectorID == actorID)
	if !allowed {
		return domain.Wir{}, acl.AuthorMismatchError{WirID: wirID, ActorID: actorID}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wir{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.RescheduleWirTx(ctx, tx, wirID, w.Status, newDate, newTime, now)
	if err != nil {
		return domain.Wir{}, err
	}
	if !ok {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: "advanced", Expected: w.Status}
	}
	notes := fmt.Sprintf("%s %s -> %s %s", w.PlannedDate, w.PlannedTime, newDate, newTime)
	if note != "" {
		notes += ": " + note
	}
	if err := e.Events.AppendHistory(ctx, tx, wirID, "reschedule", actorID, w.Status, w.Status, notes); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Events.Append(ctx, tx, "wir.rescheduled", w.ProjectID, "wir", wirID, actorID, events.EventPayload{
		"date": newDate, "time": newTime, "note": note,
	}); err != nil {
		return domain.Wir{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wir{}, err
	}
	return e.Repo.GetWir(ctx, wirID)
}

// GetWir returns one WIR, requiring only that the caller can view.
func (e *Engine) GetWir(ctx context.Context, wirID, actorID string) (domain.Wir, error) {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return domain.Wir{}, err
	}
	if err := e.requireView(ctx, w.ProjectID, actorID); err != nil {
		return domain.Wir{}, err
	}
	return w, nil
}

// ListWirs applies filters; the view gate covers the whole project.
func (e *Engine) ListWirs(ctx context.Context, actorID string, f repo.WirFilters) ([]domain.Wir, error) {
	if err := e.requireView(ctx, f.ProjectID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListWirs(ctx, f)
}

// History returns the audit trail in sequence order.
func (e *Engine) History(ctx context.Context, wirID, actorID string) ([]domain.HistoryEntry, error) {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return nil, err
	}
	if err := e.requireView(ctx, w.ProjectID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, wirID)
}

func (e *Engine) requireView(ctx context.Context, projectID, actorID string) error {
	perms, err := e.EffectivePermissionsFor(ctx, projectID, actorID, e.today())
	if err != nil {
		return err
	}
	if !perms.View {
		return acl.PermissionDeniedError{Action: acl.ActionView}
	}
	return nil
}
