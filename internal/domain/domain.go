package domain

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// WIR statuses. A WIR never moves backwards: draft -> submitted ->
// recommended -> approved|rejected. Deletion is only possible from draft.
const (
	StatusDraft       = "draft"
	StatusSubmitted   = "submitted"
	StatusRecommended = "recommended"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
)

// Ball-in-court participants.
const (
	BICInspector = "inspector"
	BICHod       = "hod"
)

// Inspector overall recommendation values.
const (
	RecommendationApprove             = "APPROVE"
	RecommendationApproveWithComments = "APPROVE_WITH_COMMENTS"
	RecommendationReject              = "REJECT"
)

// HOD finalize outcomes.
const (
	OutcomeAccept = "ACCEPT"
	OutcomeReturn = "RETURN"
	OutcomeReject = "REJECT"
)

type Wir struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	Discipline   string   `json:"discipline"`
	PlannedDate  string   `json:"planned_date,omitempty"`
	PlannedTime  string   `json:"planned_time,omitempty"`
	Location     string   `json:"location,omitempty"`
	ChecklistIDs []string `json:"checklist_ids,omitempty"`
	Status       string   `json:"status" enum:"draft,submitted,recommended,approved,rejected"`
	AuthorID     string   `json:"author_id"`
	InspectorID  *string  `json:"inspector_id,omitempty"`
	HodID        *string  `json:"hod_id,omitempty"`
	BallInCourt  *string  `json:"ball_in_court,omitempty" enum:"inspector,hod"`

	// Runner outcome summary. InspRecommendation is set by the assigned
	// inspector, HodOutcome/HodNotes by the assigned HOD at finalize.
	InspRecommendation *string `json:"inspector_recommendation,omitempty"`
	HodOutcome         *string `json:"hod_outcome,omitempty"`
	HodNotes           *string `json:"hod_notes,omitempty"`

	WasRescheduled bool   `json:"was_rescheduled"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

// RunnerItem is a WIR-owned copy of a catalog checklist item plus the
// inspector and HOD sub-records attached to it. Row identity is the WIR's
// own item id, not the catalog id: the WIR checklist is a point-in-time copy.
type RunnerItem struct {
	ID            string   `json:"id"`
	WirID         string   `json:"wir_id"`
	ChecklistID   string   `json:"checklist_id"`
	CatalogItemID string   `json:"catalog_item_id"`
	Position      int      `json:"position"`
	Description   string   `json:"description"`
	Required      bool     `json:"required"`
	Critical      bool     `json:"critical"`
	Unit          string   `json:"unit,omitempty"`
	Tolerance     string   `json:"tolerance,omitempty"`
	InspStatus    *string  `json:"inspector_status,omitempty" enum:"PASS,FAIL"`
	Measurement   string   `json:"measurement,omitempty"`
	Remark        string   `json:"remark,omitempty"`
	PhotoRefs     []string `json:"photo_refs,omitempty"`
	HodRemark     string   `json:"hod_remark,omitempty"`
	HodSavedAt    *string  `json:"hod_saved_at,omitempty" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// HistoryEntry is one immutable row in a WIR's audit trail. Seq is strictly
// increasing per WIR and assigned inside the mutating transaction.
type HistoryEntry struct {
	WirID      string `json:"wir_id"`
	Seq        int    `json:"seq"`
	TS         string `json:"ts" format:"date-time"`
	Action     string `json:"action"`
	ActorID    string `json:"actor_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// MembershipWindow assigns a role to a user on a project for a calendar-date
// range. Nil bounds are open-ended. Multiple overlapping windows per
// (user, role, project) are allowed and all of them count.
type MembershipWindow struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	UserID    string  `json:"user_id"`
	Role      string  `json:"role"`
	ValidFrom *string `json:"valid_from,omitempty"`
	ValidTo   *string `json:"valid_to,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
