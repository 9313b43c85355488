package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"wirline/internal/domain"
	"wirline/internal/engine/acl"
	"wirline/internal/events"
	"wirline/internal/repo"
)

// The runner is the in-inspection checklist of a WIR: one row per catalog
// item of each attached checklist, copied at first access so later catalog
// edits never rewrite history. Inspector rows and HOD rows live on the same
// record but are written by different seats and never clobber each other.

// ensureRunnerTx materializes the checklist rows if they do not exist yet.
// Idempotent: a second concurrent init either sees the count or trips the
// unique (wir_id, checklist_id, catalog_item_id) constraint.
func (e *Engine) ensureRunnerTx(ctx context.Context, tx *sql.Tx, w domain.Wir) error {
	n, err := e.Repo.CountRunnerItemsTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cfg, err := e.projectConfig(ctx, w.ProjectID)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	pos := 0
	for _, checklistID := range w.ChecklistIDs {
		cl, ok := cfg.Checklists.Catalog[checklistID]
		if !ok {
			// checklist removed from catalog after raise; skip rather than fail
			continue
		}
		for _, item := range cl.Items {
			pos++
			err := e.Repo.InsertRunnerItemTx(ctx, tx, domain.RunnerItem{
				ID:            uuid.New().String(),
				WirID:         w.ID,
				ChecklistID:   checklistID,
				CatalogItemID: item.ID,
				Position:      pos,
				Description:   item.Description,
				Required:      item.Required,
				Critical:      item.Critical,
				Unit:          item.Unit,
				Tolerance:     item.Tolerance,
				UpdatedAt:     now,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func runnerAvailable(status string) bool {
	switch status {
	case domain.StatusSubmitted, domain.StatusRecommended, domain.StatusApproved, domain.StatusRejected:
		return true
	}
	return false
}

func runnerOpen(status string) bool {
	return status == domain.StatusSubmitted || status == domain.StatusRecommended
}

// RunnerState returns the checklist rows, materializing them on first access.
// Drafts have no runner; the checklist is only frozen into rows at dispatch.
func (e *Engine) RunnerState(ctx context.Context, wirID, actorID string) ([]domain.RunnerItem, error) {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return nil, err
	}
	if err := e.requireView(ctx, w.ProjectID, actorID); err != nil {
		return nil, err
	}
	if !runnerAvailable(w.Status) {
		return nil, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusSubmitted}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.ensureRunnerTx(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.ListRunnerItems(ctx, wirID)
}

type InspectorRowInput struct {
	ItemID      string   `json:"item_id"`
	Status      *string  `json:"status,omitempty" enum:"PASS,FAIL"`
	Measurement string   `json:"measurement,omitempty"`
	Remark      string   `json:"remark,omitempty"`
	PhotoRefs   []string `json:"photo_refs,omitempty"`
}

// SaveInspectorRows writes inspector results for a subset of rows. Only the
// assigned inspector, only while the WIR is still in flight. Rows not named
// in the batch keep their previous values. The overall recommendation may be
// set or changed on any save until the HOD finalizes.
func (e *Engine) SaveInspectorRows(ctx context.Context, wirID, actorID string, rows []InspectorRowInput, recommendation *string) ([]domain.RunnerItem, error) {
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return nil, err
	}
	if w.InspectorID == nil || *w.InspectorID != actorID {
		return nil, acl.PermissionDeniedError{Action: acl.ActionReview}
	}
	if !runnerOpen(w.Status) {
		return nil, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusSubmitted}
	}
	for _, row := range rows {
		if row.Status != nil && *row.Status != "PASS" && *row.Status != "FAIL" {
			return nil, ValidationError{Msg: fmt.Sprintf("row %s status must be PASS or FAIL", row.ItemID)}
		}
	}
	if recommendation != nil {
		switch *recommendation {
		case domain.RecommendationApprove, domain.RecommendationApproveWithComments, domain.RecommendationReject:
		default:
			return nil, ValidationError{Msg: fmt.Sprintf("unknown recommendation %q", *recommendation)}
		}
		if w.HodOutcome != nil {
			return nil, ValidationError{Msg: "recommendation is locked after HOD finalize"}
		}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.ensureRunnerTx(ctx, tx, w); err != nil {
		return nil, err
	}
	for _, row := range rows {
		ok, err := e.Repo.UpdateInspectorRowTx(ctx, tx, wirID, row.ItemID, row.Status, row.Measurement, row.Remark, row.PhotoRefs, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, MissingRunnerRowError{WirID: wirID, ItemID: row.ItemID}
		}
	}
	if recommendation != nil {
		if err := e.Repo.SetInspRecommendationTx(ctx, tx, wirID, *recommendation, now); err != nil {
			return nil, err
		}
	}
	if err := e.Events.AppendHistory(ctx, tx, wirID, "inspect", actorID, w.Status, w.Status, fmt.Sprintf("%d row(s)", len(rows))); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "wir.inspected", w.ProjectID, "wir", wirID, actorID, events.EventPayload{
		"rows": len(rows),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.ListRunnerItems(ctx, wirID)
}

// SaveHodRow attaches the HOD's remark to one checklist row. The row must
// already exist; the HOD reviews what the inspector recorded, never invents
// rows. Remark is mandatory, a save without content means a client bug.
func (e *Engine) SaveHodRow(ctx context.Context, wirID, actorID, itemID, remark string) (domain.RunnerItem, error) {
	if remark == "" {
		return domain.RunnerItem{}, ValidationError{Msg: "remark is required"}
	}
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return domain.RunnerItem{}, err
	}
	if w.HodID == nil || *w.HodID != actorID {
		return domain.RunnerItem{}, acl.PermissionDeniedError{Action: acl.ActionApprove}
	}
	if !runnerOpen(w.Status) {
		return domain.RunnerItem{}, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusRecommended}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunnerItem{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetRunnerItemTx(ctx, tx, wirID, itemID); err != nil {
		if err == repo.ErrNotFound {
			return domain.RunnerItem{}, MissingRunnerRowError{WirID: wirID, ItemID: itemID}
		}
		return domain.RunnerItem{}, err
	}
	ok, err := e.Repo.UpdateHodRowTx(ctx, tx, wirID, itemID, remark, now, now)
	if err != nil {
		return domain.RunnerItem{}, err
	}
	if !ok {
		return domain.RunnerItem{}, MissingRunnerRowError{WirID: wirID, ItemID: itemID}
	}
	if err := e.Events.AppendHistory(ctx, tx, wirID, "hod_review", actorID, w.Status, w.Status, itemID); err != nil {
		return domain.RunnerItem{}, err
	}
	item, err := e.Repo.GetRunnerItemTx(ctx, tx, wirID, itemID)
	if err != nil {
		return domain.RunnerItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RunnerItem{}, err
	}
	return item, nil
}

// FinalizeHod records the HOD's overall runner outcome. It is an audit
// record, not a lifecycle transition: approving or rejecting the WIR itself
// stays a separate call. Outcome is mandatory, notes optional.
func (e *Engine) FinalizeHod(ctx context.Context, wirID, actorID, outcome, notes string) (domain.Wir, error) {
	switch outcome {
	case domain.OutcomeAccept, domain.OutcomeReturn, domain.OutcomeReject:
	default:
		return domain.Wir{}, ValidationError{Msg: fmt.Sprintf("outcome must be one of ACCEPT, RETURN, REJECT; got %q", outcome)}
	}
	w, err := e.Repo.GetWir(ctx, wirID)
	if err != nil {
		return domain.Wir{}, err
	}
	if w.HodID == nil || *w.HodID != actorID {
		return domain.Wir{}, acl.PermissionDeniedError{Action: acl.ActionApprove}
	}
	if !runnerOpen(w.Status) {
		return domain.Wir{}, InvalidStateTransitionError{WirID: wirID, Current: w.Status, Expected: domain.StatusRecommended}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wir{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetHodFinalizeTx(ctx, tx, wirID, outcome, notes, now); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Events.AppendHistory(ctx, tx, wirID, "hod_finalize", actorID, w.Status, w.Status, outcome); err != nil {
		return domain.Wir{}, err
	}
	if err := e.Events.Append(ctx, tx, "wir.hod_finalized", w.ProjectID, "wir", wirID, actorID, events.EventPayload{
		"outcome": outcome,
	}); err != nil {
		return domain.Wir{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wir{}, err
	}
	return e.Repo.GetWir(ctx, wirID)
}
