package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lexline/internal/domain"
	"lexline/internal/events"
)

func priorityForSeverity(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 1
	case domain.SeverityHigh:
		return 2
	case domain.SeverityLow:
		return 4
	default:
		return 3
	}
}

func ensureReviewTransition(oldStatus, newStatus domain.ReviewStatus, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.ReviewPending:
		if newStatus == domain.ReviewInReview || newStatus == domain.ReviewApproved || newStatus == domain.ReviewRejected {
			return nil
		}
	case domain.ReviewInReview:
		if newStatus == domain.ReviewPending || newStatus == domain.ReviewApproved || newStatus == domain.ReviewRejected {
			return nil
		}
	case domain.ReviewApproved:
		if newStatus == domain.ReviewPublished {
			return nil
		}
	}
	return fmt.Errorf("invalid review status transition %s -> %s", oldStatus, newStatus)
}

func validateJSON(in string) error {
	var tmp any
	return json.Unmarshal([]byte(in), &tmp)
}

// ReviewTransitionOptions are parameters for moving a review item.
type ReviewTransitionOptions struct {
	ID              string
	Status          domain.ReviewStatus
	AssigneeID      string
	ApprovedChanges string
	ActorID         string
	Force           bool
}

func (e Engine) TransitionReview(ctx context.Context, opts ReviewTransitionOptions) (domain.ReviewItem, error) {
	if opts.ID == "" {
		return domain.ReviewItem{}, errors.New("review id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetReviewTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.ReviewItem{}, err
	}
	if err := ensureReviewTransition(item.Status, opts.Status, opts.Force); err != nil {
		return domain.ReviewItem{}, err
	}
	from := item.Status
	item.Status = opts.Status
	if opts.AssigneeID != "" {
		item.AssigneeID = &opts.AssigneeID
	}
	if opts.ApprovedChanges != "" {
		if err := validateJSON(opts.ApprovedChanges); err != nil {
			return domain.ReviewItem{}, fmt.Errorf("approved changes must be valid JSON: %w", err)
		}
		item.ApprovedChanges = &opts.ApprovedChanges
	}
	item.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateReviewTx(ctx, tx, item); err != nil {
		return domain.ReviewItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "review.transitioned", "review", item.ID, opts.ActorID, events.EventPayload{
		"from": string(from),
		"to":   string(item.Status),
	}); err != nil {
		return domain.ReviewItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewItem{}, err
	}
	return item, nil
}

// AssignReview hands a queue entry to a reviewer. A pending entry moves to
// in_review as part of the assignment.
func (e Engine) AssignReview(ctx context.Context, id, assigneeID, actorID string) (domain.ReviewItem, error) {
	if assigneeID == "" {
		return domain.ReviewItem{}, errors.New("assignee required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetReviewTx(ctx, tx, id)
	if err != nil {
		return domain.ReviewItem{}, err
	}
	item.AssigneeID = &assigneeID
	if item.Status == domain.ReviewPending {
		item.Status = domain.ReviewInReview
	}
	item.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateReviewTx(ctx, tx, item); err != nil {
		return domain.ReviewItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "review.assigned", "review", item.ID, actorID, events.EventPayload{
		"assignee": assigneeID,
	}); err != nil {
		return domain.ReviewItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewItem{}, err
	}
	return item, nil
}

// CompleteBatch publishes a pending_review batch once its queue entries are
// resolved. Approved entries move to published; rejected ones stay as they
// are. Open entries block completion unless forced.
func (e Engine) CompleteBatch(ctx context.Context, batchID, actorID string, force bool) (domain.Batch, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	if b.Status != domain.BatchPendingReview && !force {
		return domain.Batch{}, fmt.Errorf("batch %s is %s; only pending_review batches can be completed", batchID, b.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	to := now
	if b.FinishedAt != nil {
		to = *b.FinishedAt
	}
	items, err := e.Repo.ListReviewsCreatedBetweenTx(ctx, tx, b.StartedAt, to)
	if err != nil {
		return domain.Batch{}, err
	}
	open := 0
	for _, item := range items {
		if item.Status == domain.ReviewPending || item.Status == domain.ReviewInReview {
			open++
		}
	}
	if open > 0 && !force {
		return domain.Batch{}, fmt.Errorf("%d review items still open for batch %s", open, batchID)
	}
	for _, item := range items {
		if item.Status != domain.ReviewApproved {
			continue
		}
		from := item.Status
		item.Status = domain.ReviewPublished
		item.UpdatedAt = now
		if err := e.Repo.UpdateReviewTx(ctx, tx, item); err != nil {
			return domain.Batch{}, err
		}
		if err := e.Events.Append(ctx, tx, "review.transitioned", "review", item.ID, actorID, events.EventPayload{
			"from": string(from),
			"to":   string(item.Status),
		}); err != nil {
			return domain.Batch{}, err
		}
	}
	b.Status = domain.BatchPublished
	b.PublishedAt = &now
	if err := e.Repo.FinalizeBatchTx(ctx, tx, b); err != nil {
		return domain.Batch{}, err
	}
	if err := e.Events.Append(ctx, tx, "batch.completed", "batch", b.ID, actorID, events.EventPayload{
		"period": b.Period,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// MarkDuplicate flags an update as a duplicate of a canonical one. Chains are
// refused, as is deduplicating anything the publish engine already consumed.
func (e Engine) MarkDuplicate(ctx context.Context, updateID, canonicalID, actorID string) (domain.Update, error) {
	if updateID == canonicalID {
		return domain.Update{}, errors.New("update cannot be a duplicate of itself")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Update{}, err
	}
	defer tx.Rollback()

	u, err := e.Repo.GetUpdateTx(ctx, tx, updateID)
	if err != nil {
		return domain.Update{}, err
	}
	canonical, err := e.Repo.GetUpdateTx(ctx, tx, canonicalID)
	if err != nil {
		return domain.Update{}, err
	}
	if u.IsDuplicate {
		return domain.Update{}, fmt.Errorf("update %s is already marked duplicate", updateID)
	}
	if u.IsProcessed {
		return domain.Update{}, fmt.Errorf("update %s was already published; mark duplicates before publication", updateID)
	}
	if canonical.IsDuplicate {
		return domain.Update{}, fmt.Errorf("canonical update %s is itself a duplicate", canonicalID)
	}
	if err := e.Repo.MarkUpdateDuplicateTx(ctx, tx, updateID, canonicalID); err != nil {
		return domain.Update{}, err
	}
	if err := e.Events.Append(ctx, tx, "update.deduplicated", "update", updateID, actorID, events.EventPayload{
		"duplicate_of": canonicalID,
	}); err != nil {
		return domain.Update{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Update{}, err
	}
	u.IsDuplicate = true
	u.DuplicateOf = &canonicalID
	return u, nil
}
