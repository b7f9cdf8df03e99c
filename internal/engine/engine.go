package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lexline/internal/config"
	"lexline/internal/domain"
	"lexline/internal/events"
	"lexline/internal/migrate"
	"lexline/internal/notify"
	"lexline/internal/repo"
	"lexline/internal/source"
)

var errConfigNotLoaded = errors.New("config not loaded")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Sources  *source.Registry
	Notifier notify.Notifier
	Config   *config.Config
	Log      *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Sources:  source.DefaultRegistry(),
		Notifier: notify.LogNotifier{Log: slog.Default()},
		Config:   cfg,
		Now:      time.Now,
	}
	if cfg != nil && cfg.Notify.Webhook != "" {
		e.Notifier = notify.NewWebhookNotifier(cfg.Notify.Webhook)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func newID(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "|"
		}
		joined += p
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(joined)).String()
}

// SyncResult reports what a catalog sync touched.
type SyncResult struct {
	Sources   int `json:"sources"`
	Templates int `json:"templates"`
}

// SyncCatalog upserts the configured sources and templates into the database.
// Existing rows keep their runtime state; only catalog fields are refreshed.
func (e Engine) SyncCatalog(ctx context.Context, actorID string) (SyncResult, error) {
	var res SyncResult
	if e.Config == nil {
		return res, errConfigNotLoaded
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for _, spec := range e.Config.Sources {
		adapter := spec.Adapter
		if adapter == "" {
			adapter = "static"
		}
		s := domain.Source{
			ID:        spec.ID,
			Name:      spec.Name,
			Adapter:   adapter,
			FeedURL:   spec.FeedURL,
			Enabled:   spec.IsEnabled(),
			States:    spec.States,
			Topics:    spec.Topics,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.UpsertSource(ctx, tx, s); err != nil {
			return res, err
		}
		res.Sources++
	}
	for _, spec := range e.Config.Templates {
		t := domain.Template{
			ID:        spec.ID,
			Name:      spec.Name,
			Category:  spec.Category,
			State:     spec.State,
			Active:    true,
			CreatedAt: now,
		}
		if err := e.Repo.UpsertTemplate(ctx, tx, t); err != nil {
			return res, err
		}
		res.Templates++
	}
	if err := e.Events.Append(ctx, tx, "catalog.synced", "catalog", e.Config.Project.ID, actorID, events.EventPayload{
		"sources":   res.Sources,
		"templates": res.Templates,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// SetSourceEnabled flips ingestion on or off for one source and returns the
// updated row.
func (e Engine) SetSourceEnabled(ctx context.Context, id string, enabled bool, actorID string) (domain.Source, error) {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetSourceEnabled(ctx, id, enabled, now); err != nil {
		return domain.Source{}, err
	}
	if err := e.Events.AppendDirect(ctx, "source.toggled", "source", id, actorID, events.EventPayload{
		"enabled": enabled,
	}); err != nil {
		return domain.Source{}, err
	}
	return e.Repo.GetSource(ctx, id)
}

// StatusReport summarizes pipeline state for the status surfaces.
type StatusReport struct {
	Project        string        `json:"project"`
	SchemaVersion  int           `json:"schema_version"`
	Sources        int           `json:"sources"`
	EnabledSources int           `json:"enabled_sources"`
	PendingUpdates int           `json:"pending_updates"`
	PendingReviews int           `json:"pending_reviews"`
	LatestBatch    *domain.Batch `json:"latest_batch,omitempty"`
}

func (e Engine) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	if e.Config != nil {
		report.Project = e.Config.Project.ID
	}
	version, err := migrate.Current(e.DB)
	if err != nil {
		return report, err
	}
	report.SchemaVersion = version
	all, err := e.Repo.ListSources(ctx, false)
	if err != nil {
		return report, err
	}
	report.Sources = len(all)
	for _, s := range all {
		if s.Enabled {
			report.EnabledSources++
		}
	}
	pending, err := e.Repo.CountUnprocessedUpdates(ctx)
	if err != nil {
		return report, err
	}
	report.PendingUpdates = pending
	reviews, err := e.Repo.CountReviewsByStatus(ctx, domain.ReviewPending)
	if err != nil {
		return report, err
	}
	report.PendingReviews = reviews
	latest, err := e.Repo.LatestBatch(ctx)
	if err == nil {
		report.LatestBatch = &latest
	} else if err != repo.ErrNotFound {
		return report, err
	}
	return report, nil
}

func (e Engine) notifyAdmins(ctx context.Context, subject, body, scope, urgency string) bool {
	if e.Notifier == nil || e.Config == nil || len(e.Config.Notify.Admins) == 0 {
		return false
	}
	msg := notify.Message{
		Subject: subject,
		Body:    body,
		Scope:   scope,
		Urgency: urgency,
		To:      e.Config.Notify.Admins,
	}
	if err := e.Notifier.Send(ctx, msg); err != nil {
		e.log().Warn("admin notification failed", "scope", scope, "err", err)
		return false
	}
	return true
}
