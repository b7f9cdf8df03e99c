package repo

import (
	"context"
	"database/sql"
	"strings"

	"lexline/internal/domain"
)

// Review queue

const reviewColumns = `id,template_id,update_id,reason,COALESCE(jurisdiction,''),status,priority,assignee_id,approved_changes_json,created_at,updated_at`

func scanReview(scan func(dest ...any) error) (domain.ReviewItem, error) {
	var item domain.ReviewItem
	var assignee, approved sql.NullString
	err := scan(&item.ID, &item.TemplateID, &item.UpdateID, &item.Reason, &item.Jurisdiction,
		&item.Status, &item.Priority, &assignee, &approved, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	if assignee.Valid {
		item.AssigneeID = &assignee.String
	}
	if approved.Valid {
		item.ApprovedChanges = &approved.String
	}
	return item, nil
}

// ReviewExistsTx reports whether a review entry already links this template to
// this update. The queue holds at most one entry per pair.
func (r Repo) ReviewExistsTx(ctx context.Context, tx *sql.Tx, templateID, updateID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM review_queue WHERE template_id=? AND update_id=? LIMIT 1`, templateID, updateID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, item domain.ReviewItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_queue(id,template_id,update_id,reason,jurisdiction,status,priority,assignee_id,approved_changes_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.TemplateID, item.UpdateID, item.Reason, nullable(item.Jurisdiction),
		string(item.Status), item.Priority, nullableStringPtr(item.AssigneeID), nullableStringPtr(item.ApprovedChanges),
		item.CreatedAt, item.UpdatedAt)
	return err
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.ReviewItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE id=?`, id)
	return scanReview(row.Scan)
}

func (r Repo) GetReviewTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE id=?`, id)
	return scanReview(row.Scan)
}

func (r Repo) UpdateReviewTx(ctx context.Context, tx *sql.Tx, item domain.ReviewItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE review_queue SET status=?, priority=?, assignee_id=?, approved_changes_json=?, updated_at=? WHERE id=?`,
		string(item.Status), item.Priority, nullableStringPtr(item.AssigneeID), nullableStringPtr(item.ApprovedChanges), item.UpdatedAt, item.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ReviewFilters struct {
	Status          string
	TemplateID      string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListReviews(ctx context.Context, f ReviewFilters) ([]domain.ReviewItem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + reviewColumns + ` FROM review_queue`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewItem
	for rows.Next() {
		item, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) CountReviewsByStatus(ctx context.Context, status domain.ReviewStatus) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_queue WHERE status=?`, string(status)).Scan(&n)
	return n, err
}

// ListReviewsCreatedBetweenTx returns queue entries created within a window,
// newest first. Completing a batch uses the batch's own window to find them.
func (r Repo) ListReviewsCreatedBetweenTx(ctx context.Context, tx *sql.Tx, from, to string) ([]domain.ReviewItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE created_at >= ? AND created_at <= ? ORDER BY created_at DESC, id DESC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewItem
	for rows.Next() {
		item, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// Batches

const batchColumns = `id,type,period,status,updates_processed,templates_queued,published_at,COALESCE(summary,''),COALESCE(error,''),started_at,finished_at`

func scanBatch(scan func(dest ...any) error) (domain.Batch, error) {
	var b domain.Batch
	var publishedAt, finishedAt sql.NullString
	err := scan(&b.ID, &b.Type, &b.Period, &b.Status, &b.UpdatesProcessed, &b.TemplatesQueued,
		&publishedAt, &b.Summary, &b.Error, &b.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if publishedAt.Valid {
		b.PublishedAt = &publishedAt.String
	}
	if finishedAt.Valid {
		b.FinishedAt = &finishedAt.String
	}
	return b, nil
}

func (r Repo) InsertBatch(ctx context.Context, b domain.Batch) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO batches(id,type,period,status,updates_processed,templates_queued,published_at,summary,error,started_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, string(b.Type), b.Period, string(b.Status), b.UpdatesProcessed, b.TemplatesQueued,
		nullableStringPtr(b.PublishedAt), nullable(b.Summary), nullable(b.Error), b.StartedAt)
	return err
}

// RunningBatch returns the in-flight batch for a period and type, if any.
func (r Repo) RunningBatch(ctx context.Context, period string, typ domain.BatchType) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE period=? AND type=? AND status=? LIMIT 1`,
		period, string(typ), string(domain.BatchRunning))
	return scanBatch(row.Scan)
}

func (r Repo) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

func (r Repo) GetBatchTx(ctx context.Context, tx *sql.Tx, id string) (domain.Batch, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

func (r Repo) FinalizeBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, `UPDATE batches SET status=?, updates_processed=?, templates_queued=?, published_at=?, summary=?, error=?, finished_at=? WHERE id=?`,
		string(b.Status), b.UpdatesProcessed, b.TemplatesQueued, nullableStringPtr(b.PublishedAt),
		nullable(b.Summary), nullable(b.Error), nullableStringPtr(b.FinishedAt), b.ID)
	return err
}

func (r Repo) FinalizeBatch(ctx context.Context, b domain.Batch) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE batches SET status=?, updates_processed=?, templates_queued=?, published_at=?, summary=?, error=?, finished_at=? WHERE id=?`,
		string(b.Status), b.UpdatesProcessed, b.TemplatesQueued, nullableStringPtr(b.PublishedAt),
		nullable(b.Summary), nullable(b.Error), nullableStringPtr(b.FinishedAt), b.ID)
	return err
}

// LastPublishedAt returns the publication timestamp of the most recently
// published batch, or "" when nothing has been published yet.
func (r Repo) LastPublishedAt(ctx context.Context) (string, error) {
	var ts sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT published_at FROM batches WHERE status=? ORDER BY published_at DESC LIMIT 1`,
		string(domain.BatchPublished)).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if ts.Valid {
		return ts.String, nil
	}
	return "", nil
}

func (r Repo) LatestBatch(ctx context.Context) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY started_at DESC, id DESC LIMIT 1`)
	return scanBatch(row.Scan)
}

func (r Repo) ListBatches(ctx context.Context, limit int) ([]domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
