package domain

// JurisdictionLevel is the governmental layer an update applies to.
type JurisdictionLevel string

const (
	LevelFederal JurisdictionLevel = "federal"
	LevelState   JurisdictionLevel = "state"
	LevelTribal  JurisdictionLevel = "tribal"
	LevelLocal   JurisdictionLevel = "local"
)

// ItemType classifies a normalized legislative change.
type ItemType string

const (
	ItemBill       ItemType = "bill"
	ItemRegulation ItemType = "regulation"
	ItemCase       ItemType = "case"
	ItemNotice     ItemType = "notice"
	ItemCFRChange  ItemType = "cfr_change"
)

// Severity ranks how urgently a change needs attorney attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RunStatus is the SourceRun state machine.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// BatchStatus is the release batch state machine.
type BatchStatus string

const (
	BatchRunning       BatchStatus = "running"
	BatchNoChanges     BatchStatus = "no_changes"
	BatchPendingReview BatchStatus = "pending_review"
	BatchPublished     BatchStatus = "published"
	BatchFailed        BatchStatus = "failed"
)

// BatchType distinguishes scheduled monthly batches from operator-triggered ones.
type BatchType string

const (
	BatchMonthly BatchType = "monthly"
	BatchManual  BatchType = "manual"
)

// ReviewStatus is the review queue state machine.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewApproved  ReviewStatus = "approved"
	ReviewRejected  ReviewStatus = "rejected"
	ReviewPublished ReviewStatus = "published"
)

// Jurisdiction locates an update within the federal/state/tribal/local layers.
type Jurisdiction struct {
	Level JurisdictionLevel `json:"level" enum:"federal,state,tribal,local"`
	State string            `json:"state,omitempty"`
	Tribe string            `json:"tribe,omitempty"`
}

// String renders level[:qualifier], the form stored on review queue rows.
func (j Jurisdiction) String() string {
	switch j.Level {
	case LevelState, LevelLocal:
		if j.State != "" {
			return string(j.Level) + ":" + j.State
		}
	case LevelTribal:
		if j.Tribe != "" {
			return string(j.Level) + ":" + j.Tribe
		}
	}
	return string(j.Level)
}

type Source struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Adapter       string    `json:"adapter"`
	FeedURL       string    `json:"feed_url,omitempty"`
	Enabled       bool      `json:"enabled"`
	States        []string  `json:"states,omitempty"`
	Topics        []string  `json:"topics,omitempty"`
	Cursor        string    `json:"cursor,omitempty"`
	LastRunStatus RunStatus `json:"last_run_status,omitempty"`
	LastRunAt     *string   `json:"last_run_at,omitempty" format:"date-time"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
}

type SourceRun struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	CursorBefore string    `json:"cursor_before,omitempty"`
	CursorAfter  string    `json:"cursor_after,omitempty"`
	Status       RunStatus `json:"status" enum:"running,success,partial,failed"`
	ItemsFetched int       `json:"items_fetched"`
	NewItems     int       `json:"new_items"`
	Duplicates   int       `json:"duplicates"`
	Error        string    `json:"error,omitempty"`
	StartedAt    string    `json:"started_at" format:"date-time"`
	FinishedAt   *string   `json:"finished_at,omitempty" format:"date-time"`
}

type RawItem struct {
	ID          string  `json:"id"`
	SourceID    string  `json:"source_id"`
	ExternalID  string  `json:"external_id"`
	URL         string  `json:"url,omitempty"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
	Title       string  `json:"title"`
	Body        string  `json:"body,omitempty"`
	Payload     Payload `json:"payload"`
	ContentHash string  `json:"content_hash"`
	FetchedAt   string  `json:"fetched_at" format:"date-time"`
}

type Update struct {
	ID           string       `json:"id"`
	SourceID     string       `json:"source_id"`
	RawItemID    string       `json:"raw_item_id"`
	SourceKey    string       `json:"source_key"`
	CrossRefKey  string       `json:"cross_ref_key,omitempty"`
	Type         ItemType     `json:"type" enum:"bill,regulation,case,notice,cfr_change"`
	Jurisdiction Jurisdiction `json:"jurisdiction"`
	Title        string       `json:"title"`
	Summary      string       `json:"summary,omitempty"`
	Status       string       `json:"status,omitempty"`
	IntroducedAt *string      `json:"introduced_at,omitempty" format:"date-time"`
	EffectiveAt  *string      `json:"effective_at,omitempty" format:"date-time"`
	PublishedAt  *string      `json:"published_at,omitempty" format:"date-time"`
	Topics       []string     `json:"topics,omitempty"`
	Severity     Severity     `json:"severity" enum:"low,medium,high,critical"`
	IsDuplicate  bool         `json:"is_duplicate"`
	DuplicateOf  *string      `json:"duplicate_of,omitempty"`
	IsProcessed  bool         `json:"is_processed"`
	IsQueued     bool         `json:"is_queued"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

type Template struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	State     string `json:"state,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Routing struct {
	ID         string            `json:"id"`
	TemplateID string            `json:"template_id"`
	Topic      string            `json:"topic"`
	Level      JurisdictionLevel `json:"level,omitempty"`
	State      string            `json:"state,omitempty"`
	Active     bool              `json:"active"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

type ReviewItem struct {
	ID              string       `json:"id"`
	TemplateID      string       `json:"template_id"`
	UpdateID        string       `json:"update_id"`
	Reason          string       `json:"reason"`
	Jurisdiction    string       `json:"jurisdiction,omitempty"`
	Status          ReviewStatus `json:"status" enum:"pending,in_review,approved,rejected,published"`
	Priority        int          `json:"priority"`
	AssigneeID      *string      `json:"assignee_id,omitempty"`
	ApprovedChanges *string      `json:"approved_changes,omitempty"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	UpdatedAt       string       `json:"updated_at" format:"date-time"`
}

type Batch struct {
	ID               string      `json:"id"`
	Type             BatchType   `json:"type" enum:"monthly,manual"`
	Period           string      `json:"period"`
	Status           BatchStatus `json:"status" enum:"running,no_changes,pending_review,published,failed"`
	UpdatesProcessed int         `json:"updates_processed"`
	TemplatesQueued  int         `json:"templates_queued"`
	PublishedAt      *string     `json:"published_at,omitempty" format:"date-time"`
	Summary          string      `json:"summary,omitempty"`
	Error            string      `json:"error,omitempty"`
	StartedAt        string      `json:"started_at" format:"date-time"`
	FinishedAt       *string     `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
