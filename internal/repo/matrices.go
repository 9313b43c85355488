package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"wirline/internal/engine/acl"
)

// ReplaceRoleMatrixTx replaces the stored base matrix for one (project, role)
// with the given cells. Used when seeding from project config and when an
// admin imports a revised config.
func (r Repo) ReplaceRoleMatrixTx(ctx context.Context, tx *sql.Tx, projectID, role string, matrix acl.BaseMatrix) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_matrix WHERE project_id=? AND role=?`, projectID, role); err != nil {
		return err
	}
	for module, actions := range matrix {
		for action, allowed := range actions {
			_, err := tx.ExecContext(ctx, `INSERT INTO role_matrix(project_id,role,module,action,allowed) VALUES (?,?,?,?,?)`,
				projectID, role, strings.ToLower(module), strings.ToLower(action), boolInt(allowed))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// RoleMatrix loads the stored base matrix for one (project, role). An
// unknown role yields an empty matrix, which resolves every cell to false.
func (r Repo) RoleMatrix(ctx context.Context, projectID, role string) (acl.BaseMatrix, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT module,action,allowed FROM role_matrix WHERE project_id=? AND role=?`, projectID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	matrix := acl.BaseMatrix{}
	for rows.Next() {
		var module, action string
		var allowed int
		if err := rows.Scan(&module, &action, &allowed); err != nil {
			return nil, err
		}
		if matrix[module] == nil {
			matrix[module] = map[string]bool{}
		}
		matrix[module][action] = allowed != 0
	}
	return matrix, rows.Err()
}

// MergedRoleMatrix is the OR-union of the base matrices of several roles.
func (r Repo) MergedRoleMatrix(ctx context.Context, projectID string, roles []string) (acl.BaseMatrix, error) {
	merged := acl.BaseMatrix{}
	for _, role := range roles {
		m, err := r.RoleMatrix(ctx, projectID, role)
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(m)
	}
	return merged, nil
}

// KnownRoles lists the roles that have a stored matrix on the project.
func (r Repo) KnownRoles(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT role FROM role_matrix WHERE project_id=? ORDER BY role ASC`, projectID)
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

// OverrideMatrix loads the per-user override cells for a project. Only
// explicit rows exist; every other cell is absent, i.e. inherit.
func (r Repo) OverrideMatrix(ctx context.Context, projectID, userID string) (acl.OverrideMatrix, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT module,action,cell FROM user_overrides WHERE project_id=? AND user_id=?`, projectID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	matrix := acl.OverrideMatrix{}
	for rows.Next() {
		var module, action, cell string
		if err := rows.Scan(&module, &action, &cell); err != nil {
			return nil, err
		}
		if matrix[module] == nil {
			matrix[module] = map[string]acl.Override{}
		}
		matrix[module][action] = acl.ParseOverride(cell)
	}
	return matrix, rows.Err()
}

// ReplaceOverrides rewrites a user's override cells on a project. Cells must
// be "inherit" or "deny"; anything that reads like a grant is rejected here
// rather than silently ignored, so a misconfigured client finds out.
func (r Repo) ReplaceOverrides(ctx context.Context, projectID, userID string, cells map[string]map[string]string) error {
	for _, actions := range cells {
		for action, cell := range actions {
			switch strings.ToLower(strings.TrimSpace(cell)) {
			case "inherit", "deny":
			default:
				return fmt.Errorf("override cell for %q must be inherit or deny, got %q", action, cell)
			}
		}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_overrides WHERE project_id=? AND user_id=?`, projectID, userID); err != nil {
		return err
	}
	for module, actions := range cells {
		for action, cell := range actions {
			cell = strings.ToLower(strings.TrimSpace(cell))
			if cell == "inherit" {
				// inherit is the default; storing it would be noise
				continue
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO user_overrides(project_id,user_id,module,action,cell) VALUES (?,?,?,?,?)`,
				projectID, userID, strings.ToLower(module), strings.ToLower(action), cell)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
