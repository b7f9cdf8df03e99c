package repo

import (
	"context"
	"database/sql"
	"strings"

	"lexline/internal/domain"
)

// Templates

const templateColumns = `id,name,category,state,active,created_at`

func scanTemplate(scan func(dest ...any) error) (domain.Template, error) {
	var t domain.Template
	var active int
	err := scan(&t.ID, &t.Name, &t.Category, &t.State, &active, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Active = active != 0
	return t, nil
}

func (r Repo) UpsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO templates(id,name,category,state,active,created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category, state=excluded.state, active=excluded.active`,
		t.ID, t.Name, t.Category, t.State, boolToInt(t.Active), t.CreatedAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

func (r Repo) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Routings

const routingColumns = `id,template_id,topic,level,state,active,created_at`

func scanRouting(scan func(dest ...any) error) (domain.Routing, error) {
	var rt domain.Routing
	var active int
	err := scan(&rt.ID, &rt.TemplateID, &rt.Topic, &rt.Level, &rt.State, &active, &rt.CreatedAt)
	if err == sql.ErrNoRows {
		return rt, ErrNotFound
	}
	if err != nil {
		return rt, err
	}
	rt.Active = active != 0
	return rt, nil
}

// InsertRoutingIgnore adds a routing edge unless the same
// (template, topic, level, state) edge already exists. Reports whether a row
// was actually inserted, which lets seeding stay idempotent per edge.
func (r Repo) InsertRoutingIgnore(ctx context.Context, rt domain.Routing) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO routings(id,template_id,topic,level,state,active,created_at)
VALUES (?,?,?,?,?,?,?)`,
		rt.ID, rt.TemplateID, rt.Topic, string(rt.Level), rt.State, boolToInt(rt.Active), rt.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) SetRoutingActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE routings SET active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRouting(ctx context.Context, id string) (domain.Routing, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+routingColumns+` FROM routings WHERE id=?`, id)
	return scanRouting(row.Scan)
}

type RoutingFilters struct {
	TemplateID string
	Topic      string
	ActiveOnly bool
}

func (r Repo) ListRoutings(ctx context.Context, f RoutingFilters) ([]domain.Routing, error) {
	var clauses []string
	var args []any
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.Topic != "" {
		clauses = append(clauses, "topic=?")
		args = append(args, f.Topic)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active=1")
	}
	query := `SELECT ` + routingColumns + ` FROM routings`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY template_id, topic, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Routing
	for rows.Next() {
		rt, err := scanRouting(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rt)
	}
	return res, rows.Err()
}

// ListActiveRoutingsByTopics returns the active edges matching any of the
// given topics, joined against active templates only.
func (r Repo) ListActiveRoutingsByTopics(ctx context.Context, topics []string) ([]domain.Routing, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(topics))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(topics))
	for _, t := range topics {
		args = append(args, t)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT r.id,r.template_id,r.topic,r.level,r.state,r.active,r.created_at
FROM routings r JOIN templates t ON t.id = r.template_id
WHERE r.active=1 AND t.active=1 AND r.topic IN (`+placeholders+`)
ORDER BY r.template_id, r.topic, r.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Routing
	for rows.Next() {
		rt, err := scanRouting(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rt)
	}
	return res, rows.Err()
}
