package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"lexline/internal/domain"
	"lexline/internal/events"
	"lexline/internal/repo"
)

// ErrBatchRunning signals that a publication for the same period and type is
// already in flight.
var ErrBatchRunning = errors.New("publication already running for this period")

var periodRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// PublishOptions selects what a publish run covers.
type PublishOptions struct {
	Period  string
	Type    domain.BatchType
	ActorID string
}

// PublishResult reports the outcome of one publish run.
type PublishResult struct {
	BatchID          string             `json:"batch_id"`
	Period           string             `json:"period"`
	Status           domain.BatchStatus `json:"status"`
	UpdatesProcessed int                `json:"updates_processed"`
	TemplatesQueued  int                `json:"templates_queued"`
	ReviewQueued     int                `json:"review_queued"`
	Notified         bool               `json:"notified"`
	Errors           []string           `json:"errors,omitempty"`
}

// RunPublish routes all unprocessed updates since the last publication into
// the review queue and finalizes a batch row. Only one batch per period and
// type may run at a time.
func (e Engine) RunPublish(ctx context.Context, opts PublishOptions) (PublishResult, error) {
	var res PublishResult
	if e.Config == nil {
		return res, errConfigNotLoaded
	}
	typ := opts.Type
	if typ == "" {
		typ = domain.BatchMonthly
	}
	period := opts.Period
	if period == "" {
		period = e.now().UTC().Format("2006-01")
	}
	if !periodRe.MatchString(period) {
		return res, fmt.Errorf("period must be YYYY-MM, got %q", period)
	}
	res.Period = period

	if _, err := e.Repo.RunningBatch(ctx, period, typ); err == nil {
		return res, ErrBatchRunning
	} else if err != repo.ErrNotFound {
		return res, err
	}

	startedAt := e.now().UTC().Format(time.RFC3339)
	batch := domain.Batch{
		ID:        newID("batch", string(typ), period, startedAt),
		Type:      typ,
		Period:    period,
		Status:    domain.BatchRunning,
		StartedAt: startedAt,
	}
	if err := e.Repo.InsertBatch(ctx, batch); err != nil {
		// The partial unique index closes the race two concurrent starts
		// would otherwise win together.
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return res, ErrBatchRunning
		}
		return res, err
	}
	res.BatchID = batch.ID

	cutoff, err := e.Repo.LastPublishedAt(ctx)
	if err != nil {
		return e.failBatch(ctx, res, batch, opts.ActorID, err)
	}
	updates, err := e.Repo.ListUnprocessedSince(ctx, cutoff)
	if err != nil {
		return e.failBatch(ctx, res, batch, opts.ActorID, err)
	}

	if len(updates) == 0 {
		finishedAt := e.now().UTC().Format(time.RFC3339)
		batch.Status = domain.BatchNoChanges
		batch.PublishedAt = &finishedAt
		batch.FinishedAt = &finishedAt
		batch.Summary = "no changes since last publication"
		if err := e.Repo.FinalizeBatch(ctx, batch); err != nil {
			return res, err
		}
		if err := e.Events.AppendDirect(ctx, "batch.finished", "batch", batch.ID, opts.ActorID, events.EventPayload{
			"status": string(batch.Status),
			"period": period,
		}); err != nil {
			e.log().Error("record batch event", "batch", batch.ID, "err", err)
		}
		res.Status = batch.Status
		return res, nil
	}

	topicSet := map[string]bool{}
	for _, u := range updates {
		for _, t := range u.Topics {
			topicSet[t] = true
		}
	}
	topics := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	routings, err := e.Repo.ListActiveRoutingsByTopics(ctx, topics)
	if err != nil {
		return e.failBatch(ctx, res, batch, opts.ActorID, err)
	}
	byTopic := map[string][]domain.Routing{}
	for _, rt := range routings {
		byTopic[rt.Topic] = append(byTopic[rt.Topic], rt)
	}

	now := e.now().UTC().Format(time.RFC3339)
	templatesTouched := map[string]bool{}
	var itemErrors []string
	for _, u := range updates {
		queued, touched, err := e.queueUpdate(ctx, u, byTopic, now, opts.ActorID)
		if err != nil {
			// One update's failure stays its own: record it and move on.
			itemErrors = append(itemErrors, fmt.Sprintf("update %s: %v", u.ID, err))
			continue
		}
		res.ReviewQueued += queued
		for _, id := range touched {
			templatesTouched[id] = true
		}
		res.UpdatesProcessed++
	}
	res.TemplatesQueued = len(templatesTouched)
	res.Errors = append(res.Errors, itemErrors...)

	finishedAt := e.now().UTC().Format(time.RFC3339)
	batch.UpdatesProcessed = res.UpdatesProcessed
	batch.TemplatesQueued = res.TemplatesQueued
	batch.FinishedAt = &finishedAt
	batch.Error = strings.Join(itemErrors, "; ")
	if res.ReviewQueued > 0 {
		batch.Status = domain.BatchPendingReview
	} else {
		batch.Status = domain.BatchPublished
		batch.PublishedAt = &finishedAt
	}
	batch.Summary = fmt.Sprintf("%d updates processed, %d review items across %d templates",
		res.UpdatesProcessed, res.ReviewQueued, res.TemplatesQueued)
	if err := e.Repo.FinalizeBatch(ctx, batch); err != nil {
		return e.failBatch(ctx, res, batch, opts.ActorID, err)
	}
	if err := e.Events.AppendDirect(ctx, "batch.finished", "batch", batch.ID, opts.ActorID, events.EventPayload{
		"status":            string(batch.Status),
		"period":            period,
		"updates_processed": batch.UpdatesProcessed,
		"review_queued":     res.ReviewQueued,
		"errors":            len(itemErrors),
	}); err != nil {
		e.log().Error("record batch event", "batch", batch.ID, "err", err)
	}

	res.Status = batch.Status
	if res.ReviewQueued > 0 {
		res.Notified = e.notifyAdmins(ctx,
			fmt.Sprintf("Publication %s: %d updates, %d reviews queued", period, res.UpdatesProcessed, res.ReviewQueued),
			batch.Summary, "publish", urgencyForStatus(batch.Status))
	}
	e.log().Info("publish finished", "batch", batch.ID, "status", batch.Status, "updates", res.UpdatesProcessed, "reviews", res.ReviewQueued, "errors", len(itemErrors))
	return res, nil
}

// queueUpdate routes one update into the review queue inside its own
// transaction. Rolling back leaves the update unprocessed for the next run
// and never touches sibling updates.
func (e Engine) queueUpdate(ctx context.Context, u domain.Update, byTopic map[string][]domain.Routing, now, actorID string) (int, []string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	queued := 0
	var touched []string
	templateSeen := map[string]bool{}
	for _, topic := range u.Topics {
		for _, rt := range byTopic[topic] {
			if !routingMatches(rt, u) {
				continue
			}
			if templateSeen[rt.TemplateID] {
				continue
			}
			templateSeen[rt.TemplateID] = true
			exists, err := e.Repo.ReviewExistsTx(ctx, tx, rt.TemplateID, u.ID)
			if err != nil {
				return 0, nil, err
			}
			if exists {
				continue
			}
			item := domain.ReviewItem{
				ID:           newID("review", rt.TemplateID, u.ID),
				TemplateID:   rt.TemplateID,
				UpdateID:     u.ID,
				Reason:       reviewReason(u),
				Jurisdiction: u.Jurisdiction.String(),
				Status:       domain.ReviewPending,
				Priority:     priorityForSeverity(u.Severity),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := e.Repo.InsertReviewTx(ctx, tx, item); err != nil {
				return 0, nil, err
			}
			if err := e.Events.Append(ctx, tx, "review.queued", "review", item.ID, actorID, events.EventPayload{
				"template_id": item.TemplateID,
				"update_id":   item.UpdateID,
				"priority":    item.Priority,
			}); err != nil {
				return 0, nil, err
			}
			queued++
			touched = append(touched, rt.TemplateID)
		}
	}
	if err := e.Repo.MarkUpdateProcessedTx(ctx, tx, u.ID, queued > 0); err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return queued, touched, nil
}

func (e Engine) failBatch(ctx context.Context, res PublishResult, batch domain.Batch, actorID string, cause error) (PublishResult, error) {
	finishedAt := e.now().UTC().Format(time.RFC3339)
	batch.Status = domain.BatchFailed
	batch.Error = cause.Error()
	batch.FinishedAt = &finishedAt
	if err := e.Repo.FinalizeBatch(ctx, batch); err != nil {
		e.log().Error("finalize failed batch", "batch", batch.ID, "err", err)
	}
	if err := e.Events.AppendDirect(ctx, "batch.finished", "batch", batch.ID, actorID, events.EventPayload{
		"status": string(domain.BatchFailed),
		"error":  cause.Error(),
	}); err != nil {
		e.log().Error("record batch event", "batch", batch.ID, "err", err)
	}
	res.Status = domain.BatchFailed
	res.Errors = append(res.Errors, cause.Error())
	return res, cause
}

func reviewReason(u domain.Update) string {
	topics := strings.Join(u.Topics, ", ")
	if topics == "" {
		topics = string(u.Type)
	}
	return fmt.Sprintf("%s change (%s): %s", topics, u.Jurisdiction.String(), u.Title)
}

func urgencyForStatus(status domain.BatchStatus) string {
	if status == domain.BatchPendingReview {
		return "high"
	}
	return ""
}
