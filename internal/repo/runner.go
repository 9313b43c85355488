package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"wirline/internal/domain"
)

const runnerColumns = `id,wir_id,checklist_id,catalog_item_id,position,description,required,critical,unit,tolerance,insp_status,measurement,remark,photo_refs_json,hod_remark,hod_saved_at,updated_at`

func (r Repo) InsertRunnerItemTx(ctx context.Context, tx *sql.Tx, item domain.RunnerItem) error {
	photos, err := marshalStringSlice(item.PhotoRefs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO wir_items(`+runnerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.WirID, item.ChecklistID, item.CatalogItemID, item.Position, item.Description,
		boolInt(item.Required), boolInt(item.Critical), nullable(item.Unit), nullable(item.Tolerance),
		nullableStringPtr(item.InspStatus), nullable(item.Measurement), nullable(item.Remark), photos,
		nullable(item.HodRemark), nullableStringPtr(item.HodSavedAt), item.UpdatedAt)
	return err
}

func scanRunnerItem(scan func(dest ...any) error) (domain.RunnerItem, error) {
	var it domain.RunnerItem
	var required, critical int
	var unit, tolerance, inspStatus, measurement, remark, photos, hodRemark, hodSavedAt sql.NullString
	err := scan(&it.ID, &it.WirID, &it.ChecklistID, &it.CatalogItemID, &it.Position, &it.Description,
		&required, &critical, &unit, &tolerance, &inspStatus, &measurement, &remark, &photos,
		&hodRemark, &hodSavedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Required = required != 0
	it.Critical = critical != 0
	it.Unit = unit.String
	it.Tolerance = tolerance.String
	it.InspStatus = optionalNullString(inspStatus)
	it.Measurement = measurement.String
	it.Remark = remark.String
	if photos.Valid && photos.String != "" {
		_ = json.Unmarshal([]byte(photos.String), &it.PhotoRefs)
	}
	it.HodRemark = hodRemark.String
	it.HodSavedAt = optionalNullString(hodSavedAt)
	return it, nil
}

// ListRunnerItems returns a WIR's checklist rows in the order the catalog
// declared them, frozen into the position column at materialization.
func (r Repo) ListRunnerItems(ctx context.Context, wirID string) ([]domain.RunnerItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runnerColumns+` FROM wir_items WHERE wir_id=? ORDER BY position ASC`, wirID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunnerItem
	for rows.Next() {
		it, err := scanRunnerItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) CountRunnerItemsTx(ctx context.Context, tx *sql.Tx, wirID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM wir_items WHERE wir_id=?`, wirID).Scan(&n)
	return n, err
}

func (r Repo) GetRunnerItemTx(ctx context.Context, tx *sql.Tx, wirID, itemID string) (domain.RunnerItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM wir_items WHERE wir_id=? AND id=?`, wirID, itemID)
	return scanRunnerItem(row.Scan)
}

// UpdateInspectorRowTx overwrites only the inspector-owned columns of one
// checklist row. HOD columns are untouched.
func (r Repo) UpdateInspectorRowTx(ctx context.Context, tx *sql.Tx, wirID, itemID string, inspStatus *string, measurement, remark string, photoRefs []string, updatedAt string) (bool, error) {
	photos, err := marshalStringSlice(photoRefs)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE wir_items SET insp_status=?, measurement=?, remark=?, photo_refs_json=?, updated_at=?
WHERE wir_id=? AND id=?`,
		nullableStringPtr(inspStatus), nullable(measurement), nullable(remark), photos, updatedAt, wirID, itemID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateHodRowTx overwrites only the HOD-owned columns of one checklist row.
func (r Repo) UpdateHodRowTx(ctx context.Context, tx *sql.Tx, wirID, itemID, hodRemark, hodSavedAt, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE wir_items SET hod_remark=?, hod_saved_at=?, updated_at=? WHERE wir_id=? AND id=?`,
		hodRemark, hodSavedAt, updatedAt, wirID, itemID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
