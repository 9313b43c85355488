package server

import (
	"wirline/internal/config"
	"wirline/internal/domain"
	"wirline/internal/engine"
	"wirline/internal/engine/acl"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type RaiseWirRequest struct {
	Title        string   `json:"title"`
	Discipline   string   `json:"discipline"`
	PlannedDate  string   `json:"planned_date,omitempty"`
	PlannedTime  string   `json:"planned_time,omitempty"`
	Location     string   `json:"location,omitempty"`
	ChecklistIDs []string `json:"checklist_ids,omitempty"`
}

type UpdateWirRequest struct {
	Title        *string   `json:"title,omitempty"`
	Discipline   *string   `json:"discipline,omitempty"`
	PlannedDate  *string   `json:"planned_date,omitempty"`
	PlannedTime  *string   `json:"planned_time,omitempty"`
	Location     *string   `json:"location,omitempty"`
	ChecklistIDs *[]string `json:"checklist_ids,omitempty"`
}

type SubmitWirRequest struct {
	InspectorID string `json:"inspector_id"`
}

type TransitionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type RescheduleRequest struct {
	PlannedDate string `json:"planned_date"`
	PlannedTime string `json:"planned_time,omitempty"`
	Note        string `json:"note,omitempty"`
}

type InspectorSaveRequest struct {
	Rows           []engine.InspectorRowInput `json:"rows,omitempty"`
	Recommendation *string                    `json:"recommendation,omitempty" enum:"APPROVE,APPROVE_WITH_COMMENTS,REJECT"`
}

type HodRowRequest struct {
	ItemID string `json:"item_id"`
	Remark string `json:"remark"`
}

type HodFinalizeRequest struct {
	Outcome string `json:"outcome" enum:"ACCEPT,RETURN,REJECT"`
	Notes   string `json:"notes,omitempty"`
}

type CreateMembershipRequest struct {
	UserID    string  `json:"user_id"`
	Role      string  `json:"role"`
	ValidFrom *string `json:"valid_from,omitempty"`
	ValidTo   *string `json:"valid_to,omitempty"`
}

type PutOverridesRequest struct {
	Cells map[string]map[string]string `json:"cells"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type WirResponse struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	Discipline   string   `json:"discipline"`
	PlannedDate  string   `json:"planned_date,omitempty"`
	PlannedTime  string   `json:"planned_time,omitempty"`
	Location     string   `json:"location,omitempty"`
	ChecklistIDs []string `json:"checklist_ids"`
	Status       string   `json:"status"`
	AuthorID     string   `json:"author_id"`
	InspectorID  *string  `json:"inspector_id,omitempty"`
	HodID        *string  `json:"hod_id,omitempty"`
	BallInCourt  *string  `json:"ball_in_court,omitempty"`

	// Display forms: never null, "Not yet given" when the seat has not
	// recorded its verdict.
	InspectorRecommendation string `json:"inspector_recommendation"`
	HodOutcome              string `json:"hod_outcome"`
	HodNotes                string `json:"hod_notes,omitempty"`

	WasRescheduled bool   `json:"was_rescheduled"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type RunnerItemResponse struct {
	ID            string   `json:"id"`
	ChecklistID   string   `json:"checklist_id"`
	CatalogItemID string   `json:"catalog_item_id"`
	Position      int      `json:"position"`
	Description   string   `json:"description"`
	Required      bool     `json:"required"`
	Critical      bool     `json:"critical"`
	Unit          string   `json:"unit,omitempty"`
	Tolerance     string   `json:"tolerance,omitempty"`
	InspStatus    *string  `json:"inspector_status,omitempty"`
	Measurement   string   `json:"measurement,omitempty"`
	Remark        string   `json:"remark,omitempty"`
	PhotoRefs     []string `json:"photo_refs"`
	HodRemark     string   `json:"hod_remark,omitempty"`
	HodSavedAt    *string  `json:"hod_saved_at,omitempty"`
	UpdatedAt     string   `json:"updated_at"`
}

type HistoryResponse struct {
	Seq        int    `json:"seq"`
	TS         string `json:"ts"`
	Action     string `json:"action"`
	ActorID    string `json:"actor_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type MembershipResponse struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	UserID    string  `json:"user_id"`
	Role      string  `json:"role"`
	ValidFrom *string `json:"valid_from,omitempty"`
	ValidTo   *string `json:"valid_to,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

type PermissionsResponse struct {
	Subject     string          `json:"subject"`
	Date        string          `json:"date"`
	Permissions acl.Permissions `json:"permissions"`
	ActingRole  acl.ActingRole  `json:"acting_role"`
}

type CandidateResponse struct {
	UserID     string          `json:"user_id"`
	ActingRole acl.ActingRole  `json:"acting_role"`
	Perms      acl.Permissions `json:"permissions"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Secret is only present on creation.
	Secret string `json:"secret,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ProjectConfigResponse struct {
	Project     projectConfigSection         `json:"project"`
	Permissions permissionsConfigSection     `json:"permissions"`
	Checklists  map[string]config.Checklist  `json:"checklists"`
	Webhooks    []string                     `json:"webhooks,omitempty"`
	Roles       map[string]map[string]string `json:"-"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type permissionsConfigSection struct {
	Module   string                              `json:"module"`
	PoolRole string                              `json:"pool_role"`
	Roles    map[string]map[string]config.Matrix `json:"roles"`
}

type paginatedWirs struct {
	Items      []WirResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
}

// Mapping

const notYetGiven = "Not yet given"

func displayVerdict(v *string) string {
	if v == nil || *v == "" {
		return notYetGiven
	}
	return *v
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Kind: p.Kind, Status: p.Status, Description: p.Description, CreatedAt: p.CreatedAt}
}

func wirResponse(w domain.Wir) WirResponse {
	return WirResponse{
		ID:                      w.ID,
		ProjectID:               w.ProjectID,
		Title:                   w.Title,
		Discipline:              w.Discipline,
		PlannedDate:             w.PlannedDate,
		PlannedTime:             w.PlannedTime,
		Location:                w.Location,
		ChecklistIDs:            nonNilSlice(w.ChecklistIDs),
		Status:                  w.Status,
		AuthorID:                w.AuthorID,
		InspectorID:             w.InspectorID,
		HodID:                   w.HodID,
		BallInCourt:             w.BallInCourt,
		InspectorRecommendation: displayVerdict(w.InspRecommendation),
		HodOutcome:              displayVerdict(w.HodOutcome),
		HodNotes:                stringOrEmpty(w.HodNotes),
		WasRescheduled:          w.WasRescheduled,
		CreatedAt:               w.CreatedAt,
		UpdatedAt:               w.UpdatedAt,
	}
}

func runnerItemResponse(it domain.RunnerItem) RunnerItemResponse {
	return RunnerItemResponse{
		ID:            it.ID,
		ChecklistID:   it.ChecklistID,
		CatalogItemID: it.CatalogItemID,
		Position:      it.Position,
		Description:   it.Description,
		Required:      it.Required,
		Critical:      it.Critical,
		Unit:          it.Unit,
		Tolerance:     it.Tolerance,
		InspStatus:    it.InspStatus,
		Measurement:   it.Measurement,
		Remark:        it.Remark,
		PhotoRefs:     nonNilSlice(it.PhotoRefs),
		HodRemark:     it.HodRemark,
		HodSavedAt:    it.HodSavedAt,
		UpdatedAt:     it.UpdatedAt,
	}
}

func historyResponse(h domain.HistoryEntry) HistoryResponse {
	return HistoryResponse{
		Seq:        h.Seq,
		TS:         h.TS,
		Action:     h.Action,
		ActorID:    h.ActorID,
		FromStatus: h.FromStatus,
		ToStatus:   h.ToStatus,
		Notes:      h.Notes,
	}
}

func membershipResponse(m domain.MembershipWindow) MembershipResponse {
	return MembershipResponse{
		ID:        m.ID,
		ProjectID: m.ProjectID,
		UserID:    m.UserID,
		Role:      m.Role,
		ValidFrom: m.ValidFrom,
		ValidTo:   m.ValidTo,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	webhooks := make([]string, 0, len(cfg.Webhooks))
	for _, hook := range cfg.Webhooks {
		webhooks = append(webhooks, hook.URL)
	}
	return ProjectConfigResponse{
		Project: projectConfigSection{ID: cfg.Project.ID, Kind: cfg.Project.Kind},
		Permissions: permissionsConfigSection{
			Module:   cfg.Module(),
			PoolRole: cfg.PoolRole(),
			Roles:    cfg.Permissions.Roles,
		},
		Checklists: cfg.Checklists.Catalog,
		Webhooks:   webhooks,
	}
}

func mapWirs(items []domain.Wir) []WirResponse {
	res := make([]WirResponse, 0, len(items))
	for _, w := range items {
		res = append(res, wirResponse(w))
	}
	return res
}

func mapRunnerItems(items []domain.RunnerItem) []RunnerItemResponse {
	res := make([]RunnerItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, runnerItemResponse(it))
	}
	return res
}

func mapHistory(items []domain.HistoryEntry) []HistoryResponse {
	res := make([]HistoryResponse, 0, len(items))
	for _, h := range items {
		res = append(res, historyResponse(h))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
