package server

import (
	"encoding/json"

	"lexline/internal/domain"
)

// Request payloads

type IngestRequest struct {
	SourceIDs     []string `json:"source_ids,omitempty"`
	States        []string `json:"states,omitempty"`
	Topics        []string `json:"topics,omitempty"`
	IncludeTribal *bool    `json:"include_tribal,omitempty"`
}

type PublishRequest struct {
	Period string `json:"period,omitempty"`
	Type   string `json:"type,omitempty" enum:"monthly,manual"`
}

type EnableSourceRequest struct {
	Enabled bool `json:"enabled"`
}

type SetRoutingActiveRequest struct {
	Active bool `json:"active"`
}

type MarkDuplicateRequest struct {
	CanonicalID string `json:"canonical_id"`
}

type AssignReviewRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type TransitionReviewRequest struct {
	Status          string         `json:"status" enum:"pending,in_review,approved,rejected,published"`
	AssigneeID      *string        `json:"assignee_id,omitempty"`
	ApprovedChanges map[string]any `json:"approved_changes,omitempty"`
}

// Response payloads

type SourceResponse struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Adapter       string           `json:"adapter"`
	FeedURL       string           `json:"feed_url,omitempty"`
	Enabled       bool             `json:"enabled"`
	States        []string         `json:"states,omitempty"`
	Topics        []string         `json:"topics,omitempty"`
	Cursor        string           `json:"cursor,omitempty"`
	LastRunStatus domain.RunStatus `json:"last_run_status,omitempty"`
	LastRunAt     *string          `json:"last_run_at,omitempty" format:"date-time"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedAt     string           `json:"created_at" format:"date-time"`
	UpdatedAt     string           `json:"updated_at" format:"date-time"`
}

type SourceRunResponse struct {
	ID           string           `json:"id"`
	SourceID     string           `json:"source_id"`
	CursorBefore string           `json:"cursor_before,omitempty"`
	CursorAfter  string           `json:"cursor_after,omitempty"`
	Status       domain.RunStatus `json:"status" enum:"running,success,partial,failed"`
	ItemsFetched int              `json:"items_fetched"`
	NewItems     int              `json:"new_items"`
	Duplicates   int              `json:"duplicates"`
	Error        string           `json:"error,omitempty"`
	StartedAt    string           `json:"started_at" format:"date-time"`
	FinishedAt   *string          `json:"finished_at,omitempty" format:"date-time"`
}

type UpdateResponse struct {
	ID           string              `json:"id"`
	SourceID     string              `json:"source_id"`
	RawItemID    string              `json:"raw_item_id"`
	SourceKey    string              `json:"source_key"`
	CrossRefKey  string              `json:"cross_ref_key,omitempty"`
	Type         domain.ItemType     `json:"type" enum:"bill,regulation,case,notice,cfr_change"`
	Jurisdiction domain.Jurisdiction `json:"jurisdiction"`
	Title        string              `json:"title"`
	Summary      string              `json:"summary,omitempty"`
	Status       string              `json:"status,omitempty"`
	IntroducedAt *string             `json:"introduced_at,omitempty" format:"date-time"`
	EffectiveAt  *string             `json:"effective_at,omitempty" format:"date-time"`
	PublishedAt  *string             `json:"published_at,omitempty" format:"date-time"`
	Topics       []string            `json:"topics,omitempty"`
	Severity     domain.Severity     `json:"severity" enum:"low,medium,high,critical"`
	IsDuplicate  bool                `json:"is_duplicate"`
	DuplicateOf  *string             `json:"duplicate_of,omitempty"`
	IsProcessed  bool                `json:"is_processed"`
	IsQueued     bool                `json:"is_queued"`
	CreatedAt    string              `json:"created_at" format:"date-time"`
}

type TemplateResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	State     string `json:"state,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoutingResponse struct {
	ID         string                   `json:"id"`
	TemplateID string                   `json:"template_id"`
	Topic      string                   `json:"topic"`
	Level      domain.JurisdictionLevel `json:"level,omitempty"`
	State      string                   `json:"state,omitempty"`
	Active     bool                     `json:"active"`
	CreatedAt  string                   `json:"created_at" format:"date-time"`
}

type ReviewItemResponse struct {
	ID              string              `json:"id"`
	TemplateID      string              `json:"template_id"`
	UpdateID        string              `json:"update_id"`
	Reason          string              `json:"reason"`
	Jurisdiction    string              `json:"jurisdiction,omitempty"`
	Status          domain.ReviewStatus `json:"status" enum:"pending,in_review,approved,rejected,published"`
	Priority        int                 `json:"priority"`
	AssigneeID      *string             `json:"assignee_id,omitempty"`
	ApprovedChanges map[string]any      `json:"approved_changes,omitempty"`
	CreatedAt       string              `json:"created_at" format:"date-time"`
	UpdatedAt       string              `json:"updated_at" format:"date-time"`
}

type BatchResponse struct {
	ID               string             `json:"id"`
	Type             domain.BatchType   `json:"type" enum:"monthly,manual"`
	Period           string             `json:"period"`
	Status           domain.BatchStatus `json:"status" enum:"running,no_changes,pending_review,published,failed"`
	UpdatesProcessed int                `json:"updates_processed"`
	TemplatesQueued  int                `json:"templates_queued"`
	PublishedAt      *string            `json:"published_at,omitempty" format:"date-time"`
	Summary          string             `json:"summary,omitempty"`
	Error            string             `json:"error,omitempty"`
	StartedAt        string             `json:"started_at" format:"date-time"`
	FinishedAt       *string            `json:"finished_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedUpdates struct {
	Items      []UpdateResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedReviews struct {
	Items      []ReviewItemResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func sourceResponse(s domain.Source) SourceResponse {
	return SourceResponse(s)
}

func sourceRunResponse(r domain.SourceRun) SourceRunResponse {
	return SourceRunResponse(r)
}

func updateResponse(u domain.Update) UpdateResponse {
	return UpdateResponse(u)
}

func templateResponse(t domain.Template) TemplateResponse {
	return TemplateResponse(t)
}

func routingResponse(rt domain.Routing) RoutingResponse {
	return RoutingResponse(rt)
}

func reviewResponse(r domain.ReviewItem) ReviewItemResponse {
	return ReviewItemResponse{
		ID:              r.ID,
		TemplateID:      r.TemplateID,
		UpdateID:        r.UpdateID,
		Reason:          r.Reason,
		Jurisdiction:    r.Jurisdiction,
		Status:          r.Status,
		Priority:        r.Priority,
		AssigneeID:      r.AssigneeID,
		ApprovedChanges: decodeJSONMap(r.ApprovedChanges),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func batchResponse(b domain.Batch) BatchResponse {
	return BatchResponse(b)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func mapSources(items []domain.Source) []SourceResponse {
	res := make([]SourceResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sourceResponse(s))
	}
	return res
}

func mapSourceRuns(items []domain.SourceRun) []SourceRunResponse {
	res := make([]SourceRunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, sourceRunResponse(r))
	}
	return res
}

func mapUpdates(items []domain.Update) []UpdateResponse {
	res := make([]UpdateResponse, 0, len(items))
	for _, u := range items {
		res = append(res, updateResponse(u))
	}
	return res
}

func mapTemplates(items []domain.Template) []TemplateResponse {
	res := make([]TemplateResponse, 0, len(items))
	for _, t := range items {
		res = append(res, templateResponse(t))
	}
	return res
}

func mapRoutings(items []domain.Routing) []RoutingResponse {
	res := make([]RoutingResponse, 0, len(items))
	for _, rt := range items {
		res = append(res, routingResponse(rt))
	}
	return res
}

func mapReviews(items []domain.ReviewItem) []ReviewItemResponse {
	res := make([]ReviewItemResponse, 0, len(items))
	for _, r := range items {
		res = append(res, reviewResponse(r))
	}
	return res
}

func mapBatches(items []domain.Batch) []BatchResponse {
	res := make([]BatchResponse, 0, len(items))
	for _, b := range items {
		res = append(res, batchResponse(b))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func strPtr(in string) *string {
	return &in
}
