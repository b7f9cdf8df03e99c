package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"lexline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func encodeStrings(v []string) any {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeStrings(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Sources

const sourceColumns = `id,name,adapter,COALESCE(feed_url,''),enabled,states_json,topics_json,COALESCE(cursor,''),COALESCE(last_run_status,''),last_run_at,COALESCE(last_error,''),created_at,updated_at`

func scanSource(scan func(dest ...any) error) (domain.Source, error) {
	var s domain.Source
	var states, topics, lastRunAt sql.NullString
	var enabled int
	err := scan(&s.ID, &s.Name, &s.Adapter, &s.FeedURL, &enabled, &states, &topics, &s.Cursor, &s.LastRunStatus, &lastRunAt, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Enabled = enabled != 0
	s.States = decodeStrings(states)
	s.Topics = decodeStrings(topics)
	if lastRunAt.Valid {
		s.LastRunAt = &lastRunAt.String
	}
	return s, nil
}

// UpsertSource inserts or refreshes a catalog entry. Runtime state (enabled,
// cursor, last run bookkeeping) is only written on first insert.
func (r Repo) UpsertSource(ctx context.Context, tx *sql.Tx, s domain.Source) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO sources(id,name,adapter,feed_url,enabled,states_json,topics_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, adapter=excluded.adapter, feed_url=excluded.feed_url,
states_json=excluded.states_json, topics_json=excluded.topics_json, updated_at=excluded.updated_at`,
		s.ID, s.Name, s.Adapter, nullable(s.FeedURL), boolToInt(s.Enabled), encodeStrings(s.States), encodeStrings(s.Topics), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSource(ctx context.Context, id string) (domain.Source, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id=?`, id)
	return scanSource(row.Scan)
}

func (r Repo) ListSources(ctx context.Context, enabledOnly bool) ([]domain.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	if enabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Source
	for rows.Next() {
		s, err := scanSource(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) SetSourceEnabled(ctx context.Context, id string, enabled bool, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sources SET enabled=?, updated_at=? WHERE id=?`, boolToInt(enabled), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSourceAfterRun records run bookkeeping on the source row. The cursor
// only advances when the run finished as success.
func (r Repo) UpdateSourceAfterRun(ctx context.Context, tx *sql.Tx, sourceID string, status domain.RunStatus, cursorAfter, lastError, now string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	if status == domain.RunSuccess {
		_, err := exec(ctx, `UPDATE sources SET cursor=?, last_run_status=?, last_run_at=?, last_error=?, updated_at=? WHERE id=?`,
			nullable(cursorAfter), string(status), now, nullable(lastError), now, sourceID)
		return err
	}
	_, err := exec(ctx, `UPDATE sources SET last_run_status=?, last_run_at=?, last_error=?, updated_at=? WHERE id=?`,
		string(status), now, nullable(lastError), now, sourceID)
	return err
}

// Source runs

const runColumns = `id,source_id,COALESCE(cursor_before,''),COALESCE(cursor_after,''),status,items_fetched,new_items,duplicates,COALESCE(error,''),started_at,finished_at`

func scanRun(scan func(dest ...any) error) (domain.SourceRun, error) {
	var run domain.SourceRun
	var finishedAt sql.NullString
	err := scan(&run.ID, &run.SourceID, &run.CursorBefore, &run.CursorAfter, &run.Status, &run.ItemsFetched, &run.NewItems, &run.Duplicates, &run.Error, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.SourceRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO source_runs(id,source_id,cursor_before,cursor_after,status,items_fetched,new_items,duplicates,error,started_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.SourceID, nullable(run.CursorBefore), nullable(run.CursorAfter), string(run.Status),
		run.ItemsFetched, run.NewItems, run.Duplicates, nullable(run.Error), run.StartedAt)
	return err
}

func (r Repo) FinalizeRun(ctx context.Context, tx *sql.Tx, run domain.SourceRun) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `UPDATE source_runs SET cursor_after=?, status=?, items_fetched=?, new_items=?, duplicates=?, error=?, finished_at=? WHERE id=?`,
		nullable(run.CursorAfter), string(run.Status), run.ItemsFetched, run.NewItems, run.Duplicates,
		nullable(run.Error), nullableStringPtr(run.FinishedAt), run.ID)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.SourceRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM source_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, sourceID string, limit int) ([]domain.SourceRun, error) {
	query := `SELECT ` + runColumns + ` FROM source_runs`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id=?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SourceRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// LastSuccessfulCursor returns the cursor_after of the most recent success run
// for a source. Partial and failed runs never seed the next cursor.
func (r Repo) LastSuccessfulCursor(ctx context.Context, sourceID string) (string, error) {
	var cursor sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT cursor_after FROM source_runs WHERE source_id=? AND status=? ORDER BY started_at DESC, id DESC LIMIT 1`,
		sourceID, string(domain.RunSuccess)).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if cursor.Valid {
		return cursor.String, nil
	}
	return "", nil
}

// Raw items

func (r Repo) InsertRawItemTx(ctx context.Context, tx *sql.Tx, item domain.RawItem) error {
	payload, err := item.Payload.Encode()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO raw_items(id,source_id,external_id,url,published_at,title,body,payload_json,content_hash,fetched_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.SourceID, item.ExternalID, nullable(item.URL), nullableStringPtr(item.PublishedAt),
		item.Title, nullable(item.Body), payload, item.ContentHash, item.FetchedAt)
	return err
}

func (r Repo) GetRawItem(ctx context.Context, id string) (domain.RawItem, error) {
	var item domain.RawItem
	var url, body, payload, publishedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,source_id,external_id,url,published_at,title,body,payload_json,content_hash,fetched_at FROM raw_items WHERE id=?`, id).
		Scan(&item.ID, &item.SourceID, &item.ExternalID, &url, &publishedAt, &item.Title, &body, &payload, &item.ContentHash, &item.FetchedAt)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	if url.Valid {
		item.URL = url.String
	}
	if body.Valid {
		item.Body = body.String
	}
	if publishedAt.Valid {
		item.PublishedAt = &publishedAt.String
	}
	if payload.Valid {
		item.Payload = domain.DecodePayload(payload.String)
	}
	return item, nil
}

// Updates

const updateColumns = `id,source_id,raw_item_id,source_key,cross_ref_key,type,level,state,tribe,title,COALESCE(summary,''),COALESCE(status,''),introduced_at,effective_at,published_at,topics_json,severity,is_duplicate,duplicate_of,is_processed,is_queued,created_at`

func scanUpdate(scan func(dest ...any) error) (domain.Update, error) {
	var u domain.Update
	var introducedAt, effectiveAt, publishedAt, topics, duplicateOf sql.NullString
	var isDuplicate, isProcessed, isQueued int
	err := scan(&u.ID, &u.SourceID, &u.RawItemID, &u.SourceKey, &u.CrossRefKey, &u.Type,
		&u.Jurisdiction.Level, &u.Jurisdiction.State, &u.Jurisdiction.Tribe,
		&u.Title, &u.Summary, &u.Status, &introducedAt, &effectiveAt, &publishedAt,
		&topics, &u.Severity, &isDuplicate, &duplicateOf, &isProcessed, &isQueued, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if introducedAt.Valid {
		u.IntroducedAt = &introducedAt.String
	}
	if effectiveAt.Valid {
		u.EffectiveAt = &effectiveAt.String
	}
	if publishedAt.Valid {
		u.PublishedAt = &publishedAt.String
	}
	if duplicateOf.Valid {
		u.DuplicateOf = &duplicateOf.String
	}
	u.Topics = decodeStrings(topics)
	u.IsDuplicate = isDuplicate != 0
	u.IsProcessed = isProcessed != 0
	u.IsQueued = isQueued != 0
	return u, nil
}

func (r Repo) InsertUpdateTx(ctx context.Context, tx *sql.Tx, u domain.Update) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO updates(id,source_id,raw_item_id,source_key,cross_ref_key,type,level,state,tribe,title,summary,status,introduced_at,effective_at,published_at,topics_json,severity,is_duplicate,duplicate_of,is_processed,is_queued,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.SourceID, u.RawItemID, u.SourceKey, u.CrossRefKey, string(u.Type),
		string(u.Jurisdiction.Level), u.Jurisdiction.State, u.Jurisdiction.Tribe,
		u.Title, nullable(u.Summary), nullable(u.Status),
		nullableStringPtr(u.IntroducedAt), nullableStringPtr(u.EffectiveAt), nullableStringPtr(u.PublishedAt),
		encodeStrings(u.Topics), string(u.Severity), boolToInt(u.IsDuplicate), nullableStringPtr(u.DuplicateOf),
		boolToInt(u.IsProcessed), boolToInt(u.IsQueued), u.CreatedAt)
	return err
}

func (r Repo) GetUpdate(ctx context.Context, id string) (domain.Update, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM updates WHERE id=?`, id)
	return scanUpdate(row.Scan)
}

func (r Repo) GetUpdateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Update, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM updates WHERE id=?`, id)
	return scanUpdate(row.Scan)
}

// FindUpdateByCrossRef returns the non-duplicate update holding a cross-ref key.
func (r Repo) FindUpdateByCrossRef(ctx context.Context, key string) (domain.Update, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM updates WHERE cross_ref_key=? AND is_duplicate=0 LIMIT 1`, key)
	return scanUpdate(row.Scan)
}

func (r Repo) UpdateExistsBySourceKey(ctx context.Context, sourceID, sourceKey string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM updates WHERE source_id=? AND source_key=? LIMIT 1`, sourceID, sourceKey).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListUnprocessedSince returns publish candidates: not processed, not
// duplicates, created after the cutoff, oldest first.
func (r Repo) ListUnprocessedSince(ctx context.Context, cutoff string) ([]domain.Update, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+updateColumns+` FROM updates WHERE is_processed=0 AND is_duplicate=0 AND created_at > ? ORDER BY created_at ASC, id ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Update
	for rows.Next() {
		u, err := scanUpdate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

type UpdateFilters struct {
	SourceID        string
	Topic           string
	Level           string
	State           string
	Processed       *bool
	Duplicate       *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListUpdates(ctx context.Context, f UpdateFilters) ([]domain.Update, error) {
	var clauses []string
	var args []any
	if f.SourceID != "" {
		clauses = append(clauses, "source_id=?")
		args = append(args, f.SourceID)
	}
	if f.Topic != "" {
		clauses = append(clauses, "topics_json LIKE ?")
		args = append(args, `%"`+f.Topic+`"%`)
	}
	if f.Level != "" {
		clauses = append(clauses, "level=?")
		args = append(args, f.Level)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Processed != nil {
		clauses = append(clauses, "is_processed=?")
		args = append(args, boolToInt(*f.Processed))
	}
	if f.Duplicate != nil {
		clauses = append(clauses, "is_duplicate=?")
		args = append(args, boolToInt(*f.Duplicate))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + updateColumns + ` FROM updates`
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
	var res []domain.Update
	for rows.Next() {
		u, err := scanUpdate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) MarkUpdateProcessedTx(ctx context.Context, tx *sql.Tx, id string, queued bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE updates SET is_processed=1, is_queued=? WHERE id=?`, boolToInt(queued), id)
	return err
}

func (r Repo) MarkUpdateDuplicateTx(ctx context.Context, tx *sql.Tx, id, of string) error {
	res, err := tx.ExecContext(ctx, `UPDATE updates SET is_duplicate=1, duplicate_of=? WHERE id=?`, of, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountUnprocessedUpdates(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM updates WHERE is_processed=0 AND is_duplicate=0`).Scan(&n)
	return n, err
}

// Events

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	if id.Valid {
		return id.Int64, nil
	}
	return 0, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
