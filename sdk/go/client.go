package wirlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Wirline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Wir represents the API WIR model (partial).
type Wir struct {
	ID                      string   `json:"id"`
	ProjectID               string   `json:"project_id"`
	Title                   string   `json:"title"`
	Discipline              string   `json:"discipline"`
	PlannedDate             string   `json:"planned_date,omitempty"`
	Status                  string   `json:"status"`
	AuthorID                string   `json:"author_id"`
	InspectorID             *string  `json:"inspector_id,omitempty"`
	HodID                   *string  `json:"hod_id,omitempty"`
	BallInCourt             *string  `json:"ball_in_court,omitempty"`
	ChecklistIDs            []string `json:"checklist_ids"`
	InspectorRecommendation string   `json:"inspector_recommendation"`
	HodOutcome              string   `json:"hod_outcome"`
}

// RunnerItem is one checklist row of a WIR.
type RunnerItem struct {
	ID          string  `json:"id"`
	ChecklistID string  `json:"checklist_id"`
	ItemID      string  `json:"catalog_item_id"`
	Description string  `json:"description"`
	InspStatus  *string `json:"inspector_status,omitempty"`
	Measurement string  `json:"measurement,omitempty"`
	HodRemark   string  `json:"hod_remark,omitempty"`
}

// HistoryEntry is one audit trail row.
type HistoryEntry struct {
	Seq        int    `json:"seq"`
	TS         string `json:"ts"`
	Action     string `json:"action"`
	ActorID    string `json:"actor_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Candidate is one eligible acting-pool member.
type Candidate struct {
	UserID     string `json:"user_id"`
	ActingRole string `json:"acting_role"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedWirs wraps list responses with cursors.
type PaginatedWirs struct {
	Items      []Wir  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// Raise creates a WIR draft.
func (c *Client) Raise(ctx context.Context, title, discipline, plannedDate string, checklistIDs []string) (Wir, error) {
	body := map[string]any{
		"title":         title,
		"discipline":    discipline,
		"planned_date":  plannedDate,
		"checklist_ids": checklistIDs,
	}
	var out Wir
	err := c.do(ctx, http.MethodPost, c.projectPath("wirs"), body, &out)
	return out, err
}

// Wirs lists WIRs with an optional status filter.
func (c *Client) Wirs(ctx context.Context, status, cursor string, limit int) (PaginatedWirs, error) {
	endpoint := c.projectPath(fmt.Sprintf("wirs?limit=%d", limit))
	if status != "" {
		endpoint += "&status=" + url.QueryEscape(status)
	}
	if cursor != "" {
		endpoint += "&cursor=" + url.QueryEscape(cursor)
	}
	var out PaginatedWirs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// Submit dispatches a draft to the chosen inspector.
func (c *Client) Submit(ctx context.Context, wirID, inspectorID string) (Wir, error) {
	var out Wir
	err := c.do(ctx, http.MethodPost, c.projectPath("wirs/"+url.PathEscape(wirID)+"/submit"),
		map[string]any{"inspector_id": inspectorID}, &out)
	return out, err
}

// Recommend moves a submitted WIR to recommended.
func (c *Client) Recommend(ctx context.Context, wirID, comment string) (Wir, error) {
	var out Wir
	err := c.do(ctx, http.MethodPost, c.projectPath("wirs/"+url.PathEscape(wirID)+"/recommend"),
		map[string]any{"comment": comment}, &out)
	return out, err
}

// Approve finalizes a recommended WIR positively.
func (c *Client) Approve(ctx context.Context, wirID, comment string) (Wir, error) {
	var out Wir
	err := c.do(ctx, http.MethodPost, c.projectPath("wirs/"+url.PathEscape(wirID)+"/approve"),
		map[string]any{"comment": comment}, &out)
	return out, err
}

// Reject finalizes a recommended WIR negatively; comment is mandatory.
func (c *Client) Reject(ctx context.Context, wirID, comment string) (Wir, error) {
	var out Wir
	err := c.do(ctx, http.MethodPost, c.projectPath("wirs/"+url.PathEscape(wirID)+"/reject"),
		map[string]any{"comment": comment}, &out)
	return out, err
}

// Reschedule moves the planned slot of an in-flight WIR.
func (c *Client) Reschedule(ctx context.Context, wirID, newDate, newTime, note string) (Wir, error) {
	var out Wir
	err := c.do(ctx, http.MethodPost, c.projectPath("wirs/"+url.PathEscape(wirID)+"/reschedule"),
		map[string]any{"planned_date": newDate, "planned_time": newTime, "note": note}, &out)
	return out, err
}

// Runner returns the checklist runner rows.
func (c *Client) Runner(ctx context.Context, wirID string) ([]RunnerItem, error) {
	var out []RunnerItem
	err := c.do(ctx, http.MethodGet, c.projectPath("wirs/"+url.PathEscape(wirID)+"/runner"), nil, &out)
	return out, err
}

// History returns the audit trail.
func (c *Client) History(ctx context.Context, wirID string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := c.do(ctx, http.MethodGet, c.projectPath("wirs/"+url.PathEscape(wirID)+"/history"), nil, &out)
	return out, err
}

// Eligibility returns candidates for a date (empty date means today). An
// optional role ("inspector" or "hod") narrows the list to members who can
// fill that seat.
func (c *Client) Eligibility(ctx context.Context, date, role string) ([]Candidate, error) {
	endpoint := c.projectPath("eligibility")
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}
	if role != "" {
		q.Set("role", role)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out []Candidate
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// Events returns recent event-log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var out struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(fmt.Sprintf("events?limit=%d", limit)), nil, &out)
	return out.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
