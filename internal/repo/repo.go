package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wirline/internal/config"
	"wirline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

// --- WIR rows ---

const wirColumns = `id,project_id,title,discipline,planned_date,planned_time,location,checklist_ids_json,status,author_id,inspector_id,hod_id,ball_in_court,insp_recommendation,hod_outcome,hod_notes,was_rescheduled,created_at,updated_at`

func (r Repo) InsertWir(ctx context.Context, tx *sql.Tx, w domain.Wir) error {
	checklists, err := marshalStringSlice(w.ChecklistIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO wirs(`+wirColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Title, w.Discipline, nullable(w.PlannedDate), nullable(w.PlannedTime), nullable(w.Location),
		checklists, w.Status, w.AuthorID, nullableStringPtr(w.InspectorID), nullableStringPtr(w.HodID), nullableStringPtr(w.BallInCourt),
		nullableStringPtr(w.InspRecommendation), nullableStringPtr(w.HodOutcome), nullableStringPtr(w.HodNotes),
		boolInt(w.WasRescheduled), w.CreatedAt, w.UpdatedAt)
	return err
}

func scanWir(scan func(dest ...any) error) (domain.Wir, error) {
	var w domain.Wir
	var plannedDate, plannedTime, location, checklists, inspector, hod, bic, inspRec, hodOutcome, hodNotes sql.NullString
	var rescheduled int
	err := scan(&w.ID, &w.ProjectID, &w.Title, &w.Discipline, &plannedDate, &plannedTime, &location, &checklists,
		&w.Status, &w.AuthorID, &inspector, &hod, &bic, &inspRec, &hodOutcome, &hodNotes, &rescheduled, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.PlannedDate = plannedDate.String
	w.PlannedTime = plannedTime.String
	w.Location = location.String
	if checklists.Valid && checklists.String != "" {
		_ = json.Unmarshal([]byte(checklists.String), &w.ChecklistIDs)
	}
	w.InspectorID = optionalNullString(inspector)
	w.HodID = optionalNullString(hod)
	w.BallInCourt = optionalNullString(bic)
	w.InspRecommendation = optionalNullString(inspRec)
	w.HodOutcome = optionalNullString(hodOutcome)
	w.HodNotes = optionalNullString(hodNotes)
	w.WasRescheduled = rescheduled != 0
	return w, nil
}

func (r Repo) GetWir(ctx context.Context, id string) (domain.Wir, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+wirColumns+` FROM wirs WHERE id=?`, id)
	return scanWir(row.Scan)
}

func (r Repo) GetWirTx(ctx context.Context, tx *sql.Tx, id string) (domain.Wir, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+wirColumns+` FROM wirs WHERE id=?`, id)
	return scanWir(row.Scan)
}

type WirFilters struct {
	ProjectID       string
	Status          string
	Discipline      string
	AuthorID        string
	BallInCourt     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWirs(ctx context.Context, f WirFilters) ([]domain.Wir, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Discipline != "" {
		clauses = append(clauses, "discipline=?")
		args = append(args, f.Discipline)
	}
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.BallInCourt != "" {
		clauses = append(clauses, "ball_in_court=?")
		args = append(args, f.BallInCourt)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + wirColumns + ` FROM wirs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Wir
	for rows.Next() {
		w, err := scanWir(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UpdateWirDraftTx rewrites the author-editable fields of a draft. The status
// guard in the WHERE clause makes the edit a no-op if the draft advanced
// between read and write; callers must treat zero rows as a state conflict.
func (r Repo) UpdateWirDraftTx(ctx context.Context, tx *sql.Tx, w domain.Wir) (bool, error) {
	checklists, err := marshalStringSlice(w.ChecklistIDs)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE wirs SET title=?, discipline=?, planned_date=?, planned_time=?, location=?, checklist_ids_json=?, updated_at=?
WHERE id=? AND status=?`,
		w.Title, w.Discipline, nullable(w.PlannedDate), nullable(w.PlannedTime), nullable(w.Location), checklists, w.UpdatedAt,
		w.ID, domain.StatusDraft)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteWirDraftTx deletes a WIR only while it is still a draft.
func (r Repo) DeleteWirDraftTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM wirs WHERE id=? AND status=?`, id, domain.StatusDraft)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SubmitWirTx performs the dispatch+submit check-and-set: participants and
// status flip in one conditional update keyed on the draft status.
func (r Repo) SubmitWirTx(ctx context.Context, tx *sql.Tx, id, inspectorID, hodID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE wirs SET status=?, inspector_id=?, hod_id=?, ball_in_court=?, updated_at=?
WHERE id=? AND status=?`,
		domain.StatusSubmitted, inspectorID, hodID, domain.BICInspector, updatedAt, id, domain.StatusDraft)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TransitionWirTx flips status conditionally on the expected current status
// and moves the ball in court. Zero rows means a concurrent transition won.
func (r Repo) TransitionWirTx(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, ballInCourt, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE wirs SET status=?, ball_in_court=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, ballInCourt, updatedAt, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RescheduleWirTx updates the planned slot without touching status.
func (r Repo) RescheduleWirTx(ctx context.Context, tx *sql.Tx, id, expectedStatus, newDate, newTime, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE wirs SET planned_date=?, planned_time=?, was_rescheduled=1, updated_at=? WHERE id=? AND status=?`,
		nullable(newDate), nullable(newTime), updatedAt, id, expectedStatus)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) SetInspRecommendationTx(ctx context.Context, tx *sql.Tx, id, recommendation, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE wirs SET insp_recommendation=?, updated_at=? WHERE id=?`, recommendation, updatedAt, id)
	return err
}

func (r Repo) SetHodFinalizeTx(ctx context.Context, tx *sql.Tx, id, outcome, notes, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE wirs SET hod_outcome=?, hod_notes=?, updated_at=? WHERE id=?`, outcome, nullable(notes), updatedAt, id)
	return err
}

// --- history & events ---

func (r Repo) ListHistory(ctx context.Context, wirID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT wir_id,seq,ts,action,actor_id,COALESCE(from_status,''),COALESCE(to_status,''),COALESCE(notes,'')
FROM wir_history WHERE wir_id=? ORDER BY seq ASC`, wirID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.WirID, &h.Seq, &h.TS, &h.Action, &h.ActorID, &h.FromStatus, &h.ToStatus, &h.Notes); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func optionalNullString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
