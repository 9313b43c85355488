package repo

import (
	"context"
	"database/sql"

	"wirline/internal/domain"
)

func (r Repo) InsertMembership(ctx context.Context, m domain.MembershipWindow) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO memberships(id,project_id,user_id,role,valid_from,valid_to,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.UserID, m.Role, nullableStringPtr(m.ValidFrom), nullableStringPtr(m.ValidTo), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) DeleteMembership(ctx context.Context, projectID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM memberships WHERE id=? AND project_id=?`, id, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMemberships returns the windows for a project, optionally filtered by
// role and/or user. Ordered for deterministic candidate selection: most
// recently updated window first, user id as tiebreaker.
func (r Repo) ListMemberships(ctx context.Context, projectID, role, userID string) ([]domain.MembershipWindow, error) {
	query := `SELECT id,project_id,user_id,role,valid_from,valid_to,created_at,updated_at FROM memberships WHERE project_id=?`
	args := []any{projectID}
	if role != "" {
		query += ` AND role=?`
		args = append(args, role)
	}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC, user_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MembershipWindow
	for rows.Next() {
		var m domain.MembershipWindow
		var from, to sql.NullString
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Role, &from, &to, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.ValidFrom = optionalNullString(from)
		m.ValidTo = optionalNullString(to)
		res = append(res, m)
	}
	return res, rows.Err()
}

// RolesHeldOn returns the distinct roles a user holds on a project whose
// membership windows cover the given date. Dates are YYYY-MM-DD strings and
// compare lexically; both bounds are inclusive and NULL means open-ended.
func (r Repo) RolesHeldOn(ctx context.Context, projectID, userID, date string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT role FROM memberships
WHERE project_id=? AND user_id=?
  AND (valid_from IS NULL OR valid_from <= ?)
  AND (valid_to IS NULL OR valid_to >= ?)
ORDER BY role ASC`, projectID, userID, date, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// PoolMembersOn returns users of the pool role whose windows cover the date,
// ordered most recently updated first with user id as tiebreaker. Users
// appearing in several windows are listed once, at their best position.
func (r Repo) PoolMembersOn(ctx context.Context, projectID, role, date string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, MAX(updated_at) AS last FROM memberships
WHERE project_id=? AND role=?
  AND (valid_from IS NULL OR valid_from <= ?)
  AND (valid_to IS NULL OR valid_to >= ?)
GROUP BY user_id
ORDER BY last DESC, user_id ASC`, projectID, role, date, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var user, last string
		if err := rows.Scan(&user, &last); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}
