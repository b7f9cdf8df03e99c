package lexlinesdk

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

// Client is a minimal Lexline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Jurisdiction scopes an update to a level of government.
type Jurisdiction struct {
	Level string `json:"level"`
	State string `json:"state,omitempty"`
	Tribe string `json:"tribe,omitempty"`
}

// Update represents the API update model (partial).
type Update struct {
	ID           string       `json:"id"`
	SourceID     string       `json:"source_id"`
	Type         string       `json:"type"`
	Title        string       `json:"title"`
	Jurisdiction Jurisdiction `json:"jurisdiction"`
	Topics       []string     `json:"topics,omitempty"`
	Severity     string       `json:"severity"`
	IsDuplicate  bool         `json:"is_duplicate"`
	IsProcessed  bool         `json:"is_processed"`
	CreatedAt    string       `json:"created_at"`
}

// ReviewItem represents a review queue entry (partial).
type ReviewItem struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	UpdateID   string `json:"update_id"`
	Reason     string `json:"reason"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
	AssigneeID string `json:"assignee_id,omitempty"`
}

// Batch represents a publication batch (partial).
type Batch struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Period           string `json:"period"`
	Status           string `json:"status"`
	UpdatesProcessed int    `json:"updates_processed"`
	TemplatesQueued  int    `json:"templates_queued"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// StatusReport summarizes the pipeline.
type StatusReport struct {
	Project        string `json:"project"`
	Sources        int    `json:"sources"`
	EnabledSources int    `json:"enabled_sources"`
	PendingUpdates int    `json:"pending_updates"`
	PendingReviews int    `json:"pending_reviews"`
	LatestBatch    *Batch `json:"latest_batch,omitempty"`
}

// IngestResult reports an ingest run.
type IngestResult struct {
	Status           string   `json:"status"`
	SourcesProcessed int      `json:"sources_processed"`
	SourcesFailed    int      `json:"sources_failed"`
	ItemsFetched     int      `json:"items_fetched"`
	NewUpdates       int      `json:"new_updates"`
	Duplicates       int      `json:"duplicates"`
	Errors           []string `json:"errors,omitempty"`
}

// PublishResult reports a publish run.
type PublishResult struct {
	BatchID          string `json:"batch_id"`
	Period           string `json:"period"`
	Status           string `json:"status"`
	UpdatesProcessed int    `json:"updates_processed"`
	TemplatesQueued  int    `json:"templates_queued"`
	ReviewQueued     int    `json:"review_queued"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedUpdates wraps update listings with cursors.
type PaginatedUpdates struct {
	Items      []Update `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedReviews wraps review listings with cursors.
type PaginatedReviews struct {
	Items      []ReviewItem `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Status returns the pipeline status report.
func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	var resp StatusReport
	err := c.do(ctx, http.MethodGet, c.apiPath("status"), nil, &resp)
	return resp, err
}

// RunIngest triggers an ingest run across enabled sources.
func (c *Client) RunIngest(ctx context.Context, sourceIDs []string) (IngestResult, error) {
	body := map[string]any{}
	if len(sourceIDs) > 0 {
		body["source_ids"] = sourceIDs
	}
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, c.apiPath("ingest/run"), body, &resp)
	return resp, err
}

// RunPublish triggers a publication batch. Empty period defaults to the
// current month; empty batch type defaults to monthly.
func (c *Client) RunPublish(ctx context.Context, period, batchType string) (PublishResult, error) {
	body := map[string]any{}
	if period != "" {
		body["period"] = period
	}
	if batchType != "" {
		body["type"] = batchType
	}
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, c.apiPath("publish/run"), body, &resp)
	return resp, err
}

// Updates returns recent updates.
func (c *Client) Updates(ctx context.Context, limit int) ([]Update, error) {
	page, err := c.UpdatesPage(ctx, limit, "")
	return page.Items, err
}

// UpdatesPage returns a paginated update listing.
func (c *Client) UpdatesPage(ctx context.Context, limit int, cursor string) (PaginatedUpdates, error) {
	var resp PaginatedUpdates
	err := c.do(ctx, http.MethodGet, c.pagedPath("updates", limit, cursor), nil, &resp)
	return resp, err
}

// MarkDuplicate marks an update as a duplicate of a canonical update.
func (c *Client) MarkDuplicate(ctx context.Context, updateID, canonicalID string) (Update, error) {
	body := map[string]any{"canonical_id": canonicalID}
	var resp Update
	endpoint := c.apiPath(fmt.Sprintf("updates/%s/duplicate", url.PathEscape(updateID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReviewPage returns a paginated review queue listing.
func (c *Client) ReviewPage(ctx context.Context, limit int, cursor string) (PaginatedReviews, error) {
	var resp PaginatedReviews
	err := c.do(ctx, http.MethodGet, c.pagedPath("review", limit, cursor), nil, &resp)
	return resp, err
}

// TransitionReview moves a review item to a new status.
func (c *Client) TransitionReview(ctx context.Context, id, status string, approvedChanges map[string]any) (ReviewItem, error) {
	body := map[string]any{"status": status}
	if approvedChanges != nil {
		body["approved_changes"] = approvedChanges
	}
	var resp ReviewItem
	endpoint := c.apiPath(fmt.Sprintf("review/%s/transition", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteBatch closes a pending_review batch.
func (c *Client) CompleteBatch(ctx context.Context, id string, force bool) (Batch, error) {
	endpoint := c.apiPath(fmt.Sprintf("batches/%s/complete", url.PathEscape(id)))
	if force {
		endpoint += "?force=true"
	}
	var resp Batch
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, c.pagedPath("events", limit, cursor), nil, &resp)
	return resp, err
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

func (c *Client) pagedPath(resource string, limit int, cursor string) string {
	endpoint := c.apiPath(resource)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) apiPath(p string) string {
	return "v1/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
