package engine_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"lexline/internal/config"
	"lexline/internal/db"
	"lexline/internal/domain"
	"lexline/internal/engine"
	"lexline/internal/migrate"
	"lexline/internal/notify"
	"lexline/internal/source"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("lexline-test")
	eng := engine.New(conn, cfg)
	// Ticking clock: run and batch IDs derive from timestamps, so two calls
	// must never see the same instant.
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	if _, err := eng.SyncCatalog(ctx, "tester"); err != nil {
		t.Fatalf("sync catalog: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// testAdapter is a controllable source adapter for ingest tests.
type testAdapter struct {
	name       string
	available  bool
	items      []source.Item
	itemErrors []string
	cursor     string
	fetchErr   error
	lastParams source.FetchParams
}

func (a *testAdapter) Name() string                       { return a.name }
func (a *testAdapter) Available(ctx context.Context) bool { return a.available }

func (a *testAdapter) Fetch(ctx context.Context, src domain.Source, params source.FetchParams) (source.FetchResult, error) {
	a.lastParams = params
	if a.fetchErr != nil {
		return source.FetchResult{}, a.fetchErr
	}
	return source.FetchResult{Items: a.items, Cursor: a.cursor, Errors: a.itemErrors}, nil
}

func testItems(prefix string, n int) []source.Item {
	items := make([]source.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, source.Item{
			ExternalID:   fmt.Sprintf("%s-%d", prefix, i),
			Title:        fmt.Sprintf("%s bill %d", prefix, i),
			Type:         domain.ItemBill,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "CA"},
			Topics:       []string{"security_deposit"},
			CrossRefKey:  fmt.Sprintf("xref-%s-%d", prefix, i),
		})
	}
	return items
}

func addTestSource(t *testing.T, env testEnv, id string, a *testAdapter) {
	t.Helper()
	env.Engine.Sources.Register(a)
	now := "2026-07-01T00:00:00Z"
	err := env.Engine.Repo.UpsertSource(env.Ctx, nil, domain.Source{
		ID: id, Name: id, Adapter: a.name, Enabled: true, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("upsert source %s: %v", id, err)
	}
}

func TestIngestIsolatesSourceFailure(t *testing.T) {
	env := newTestEnv(t)
	a := &testAdapter{name: "adapter-a", available: true, items: testItems("a", 5), cursor: "2026-07-01T00:00:00Z"}
	b := &testAdapter{name: "adapter-b", available: true, items: testItems("b", 3), cursor: "2026-07-01T00:00:00Z"}
	c := &testAdapter{name: "adapter-c", available: true, fetchErr: errors.New("upstream 500")}
	addTestSource(t, env, "src-a", a)
	addTestSource(t, env, "src-b", b)
	addTestSource(t, env, "src-c", c)

	res, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{
		SourceIDs: []string{"src-a", "src-b", "src-c"},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Status != domain.RunPartial {
		t.Fatalf("expected partial status, got %s", res.Status)
	}
	if res.SourcesProcessed != 2 || res.SourcesFailed != 1 {
		t.Fatalf("expected 2 processed / 1 failed, got %d / %d", res.SourcesProcessed, res.SourcesFailed)
	}
	if res.ItemsFetched != 8 || res.NewUpdates != 8 {
		t.Fatalf("expected 8 fetched / 8 new, got %d / %d", res.ItemsFetched, res.NewUpdates)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one error, got %v", res.Errors)
	}

	// The failing source got its own failed run row with the error captured.
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, "src-c", 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs for src-c: %v (%d)", err, len(runs))
	}
	if runs[0].Status != domain.RunFailed || runs[0].Error != "upstream 500" {
		t.Fatalf("expected failed run with error, got %s %q", runs[0].Status, runs[0].Error)
	}
	src, err := env.Engine.Repo.GetSource(env.Ctx, "src-c")
	if err != nil || src.LastRunStatus != domain.RunFailed {
		t.Fatalf("expected source failure bookkeeping, got %v %s", err, src.LastRunStatus)
	}
}

func TestIngestDeduplicatesByCrossRefKey(t *testing.T) {
	env := newTestEnv(t)
	shared := source.Item{
		ExternalID:   "hb-101",
		Title:        "HB 101 deposit cap",
		Type:         domain.ItemBill,
		Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "UT"},
		Topics:       []string{"security_deposit"},
		CrossRefKey:  "us-ut-hb-101",
	}
	a := &testAdapter{name: "adapter-first", available: true, items: []source.Item{shared}}
	addTestSource(t, env, "src-first", a)
	mirrored := shared
	mirrored.ExternalID = "utleg-hb101"
	b := &testAdapter{name: "adapter-second", available: true, items: []source.Item{mirrored, shared}}
	addTestSource(t, env, "src-second", b)

	res1, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{SourceIDs: []string{"src-first"}, ActorID: "tester"})
	if err != nil || res1.NewUpdates != 1 {
		t.Fatalf("first ingest: %v new=%d", err, res1.NewUpdates)
	}
	res2, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{SourceIDs: []string{"src-second"}, ActorID: "tester"})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if res2.NewUpdates != 0 || res2.Duplicates != 2 {
		t.Fatalf("expected 0 new / 2 duplicates, got %d / %d", res2.NewUpdates, res2.Duplicates)
	}

	var n int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM updates WHERE cross_ref_key='us-ut-hb-101' AND is_duplicate=0`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one non-duplicate update per cross-ref key, got %d", n)
	}
}

func TestIngestUnavailableAdapterFailsRun(t *testing.T) {
	env := newTestEnv(t)
	a := &testAdapter{name: "adapter-down", available: false, items: testItems("d", 2)}
	addTestSource(t, env, "src-down", a)

	res, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{SourceIDs: []string{"src-down"}, ActorID: "tester"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Status != domain.RunFailed || res.SourcesFailed != 1 {
		t.Fatalf("expected failed run, got %s failed=%d", res.Status, res.SourcesFailed)
	}
	runs, _ := env.Engine.Repo.ListRuns(env.Ctx, "src-down", 1)
	if len(runs) != 1 || runs[0].Status != domain.RunFailed {
		t.Fatalf("expected failed run row, got %+v", runs)
	}
}

func TestIngestCursorAdvancesOnlyOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	a := &testAdapter{name: "adapter-cursor", available: true, items: testItems("c", 1), cursor: "2026-07-15T00:00:00Z"}
	addTestSource(t, env, "src-cursor", a)

	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{SourceIDs: []string{"src-cursor"}, ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	a.fetchErr = errors.New("flaky upstream")
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{SourceIDs: []string{"src-cursor"}, ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	a.fetchErr = nil
	a.items = nil
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{SourceIDs: []string{"src-cursor"}, ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// The third run must resume from the first run's cursor, the failed run
	// in between contributing nothing.
	if a.lastParams.Since != "2026-07-15T00:00:00Z" {
		t.Fatalf("expected resume cursor from last success, got %q", a.lastParams.Since)
	}
}

func TestSeedRoutingsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.SeedRoutings(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if first.Created == 0 {
		t.Fatalf("expected edges created on first seed")
	}
	second, err := env.Engine.SeedRoutings(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if second.Created != 0 || second.Skipped != first.Created {
		t.Fatalf("expected reseed to skip all %d edges, got created=%d skipped=%d", first.Created, second.Created, second.Skipped)
	}
}

func TestTribalRoutingIsolation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tribal := domain.Update{
		Jurisdiction: domain.Jurisdiction{Level: domain.LevelTribal, Tribe: "navajo-nation"},
		Topics:       []string{"nahasda_core"},
	}
	ids, err := env.Engine.AffectedTemplates(env.Ctx, tribal)
	if err != nil {
		t.Fatalf("affected: %v", err)
	}
	if len(ids) != 1 || ids[0] != "nahasda-lease" {
		t.Fatalf("expected only the tribal lease template, got %v", ids)
	}

	// A plain state update must never reach a tribal-scoped edge, even when
	// it shares a topic with one.
	now := "2026-07-01T00:00:00Z"
	rt := domain.Routing{
		ID: "rt-cross", TemplateID: "lease-ca", Topic: "nahasda_core",
		Level: domain.LevelTribal, Active: true, CreatedAt: now,
	}
	if _, err := env.Engine.Repo.InsertRoutingIgnore(env.Ctx, rt); err != nil {
		t.Fatalf("insert routing: %v", err)
	}
	state := domain.Update{
		Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "CA"},
		Topics:       []string{"nahasda_core"},
	}
	ids, err = env.Engine.AffectedTemplates(env.Ctx, state)
	if err != nil {
		t.Fatalf("affected: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no templates for state update on tribal edges, got %v", ids)
	}
}

func TestStateScopedRouting(t *testing.T) {
	env := newTestEnv(t)
	now := "2026-07-01T00:00:00Z"
	for _, tpl := range []domain.Template{
		{ID: "deposit-ut", Name: "Utah deposit receipt", Category: "deposit", State: "UT", Active: true, CreatedAt: now},
		{ID: "deposit-tx", Name: "Texas deposit receipt", Category: "deposit", State: "TX", Active: true, CreatedAt: now},
	} {
		if err := env.Engine.Repo.UpsertTemplate(env.Ctx, nil, tpl); err != nil {
			t.Fatalf("upsert template: %v", err)
		}
	}
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	u := domain.Update{
		Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "UT"},
		Topics:       []string{"security_deposit"},
	}
	ids, err := env.Engine.AffectedTemplates(env.Ctx, u)
	if err != nil {
		t.Fatalf("affected: %v", err)
	}
	for _, id := range ids {
		if id == "deposit-tx" {
			t.Fatalf("TX template must not match a UT update: %v", ids)
		}
	}
	found := false
	for _, id := range ids {
		if id == "deposit-ut" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the UT template, got %v", ids)
	}
}

func TestPublishNoChanges(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-07", Type: domain.BatchManual, ActorID: "tester"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Status != domain.BatchNoChanges {
		t.Fatalf("expected no_changes, got %s", res.Status)
	}
	if res.TemplatesQueued != 0 || res.UpdatesProcessed != 0 {
		t.Fatalf("expected zero counts, got %+v", res)
	}
	b, err := env.Engine.Repo.GetBatch(env.Ctx, res.BatchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Status != domain.BatchNoChanges || b.PublishedAt == nil {
		t.Fatalf("expected finalized no_changes batch, got %s published=%v", b.Status, b.PublishedAt)
	}
}

func TestPublishConcurrencyGuard(t *testing.T) {
	env := newTestEnv(t)
	running := domain.Batch{
		ID: "batch-running", Type: domain.BatchMonthly, Period: "2026-07",
		Status: domain.BatchRunning, StartedAt: "2026-07-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertBatch(env.Ctx, running); err != nil {
		t.Fatalf("insert running batch: %v", err)
	}
	_, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-07", Type: domain.BatchMonthly, ActorID: "tester"})
	if !errors.Is(err, engine.ErrBatchRunning) {
		t.Fatalf("expected ErrBatchRunning, got %v", err)
	}
	var n int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM batches WHERE period='2026-07' AND type='monthly'`)
	if err := row.Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected a single batch row, got %d (%v)", n, err)
	}

	// A different period is not blocked.
	res, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-08", Type: domain.BatchMonthly, ActorID: "tester"})
	if err != nil || res.Status != domain.BatchNoChanges {
		t.Fatalf("expected other period to run: %v %s", err, res.Status)
	}
}

func TestPublishQueuesReviewsOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ing, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{ActorID: "tester"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ing.NewUpdates == 0 {
		t.Fatalf("expected seed items from the static adapter")
	}

	res, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-07", Type: domain.BatchMonthly, ActorID: "tester"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Status != domain.BatchPendingReview || res.ReviewQueued == 0 {
		t.Fatalf("expected pending_review with queued items, got %s queued=%d", res.Status, res.ReviewQueued)
	}
	var before int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM review_queue`).Scan(&before); err != nil {
		t.Fatalf("count reviews: %v", err)
	}

	// Force reprocessing of the same updates: the (template, update) pairs
	// already queued must not be queued again.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE updates SET is_processed=0`); err != nil {
		t.Fatalf("reset processed: %v", err)
	}
	res2, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-08", Type: domain.BatchMonthly, ActorID: "tester"})
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if res2.ReviewQueued != 0 {
		t.Fatalf("expected no new review entries on reprocess, got %d", res2.ReviewQueued)
	}
	var after int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM review_queue`).Scan(&after); err != nil {
		t.Fatalf("count reviews: %v", err)
	}
	if before != after {
		t.Fatalf("review queue grew from %d to %d on reprocess", before, after)
	}

	// Tribal items must only have landed on tribal or federal scoped rules.
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT q.template_id FROM review_queue q JOIN updates u ON u.id=q.update_id WHERE u.level='tribal'`)
	if err != nil {
		t.Fatalf("query tribal reviews: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tplID string
		if err := rows.Scan(&tplID); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if tplID != "nahasda-lease" {
			t.Fatalf("tribal update queued a non-tribal template %s", tplID)
		}
	}
}

func TestPublishMarksUpdatesProcessed(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-07", Type: domain.BatchMonthly, ActorID: "tester"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pending, err := env.Engine.Repo.CountUnprocessedUpdates(env.Ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected all updates processed, %d left", pending)
	}
	// Without new updates the next period publishes as no_changes.
	res, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-08", Type: domain.BatchMonthly, ActorID: "tester"})
	if err != nil || res.Status != domain.BatchNoChanges {
		t.Fatalf("expected no_changes: %v %s", err, res.Status)
	}
}

func TestReviewTransitions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	res, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-07", Type: domain.BatchMonthly, ActorID: "tester"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	first := firstPendingReview(t, env)

	item, err := env.Engine.AssignReview(env.Ctx, first, "attorney-1", "tester")
	if err != nil || item.Status != domain.ReviewInReview {
		t.Fatalf("assign: %v status=%s", err, item.Status)
	}
	item, err = env.Engine.TransitionReview(env.Ctx, engine.ReviewTransitionOptions{
		ID: first, Status: domain.ReviewApproved, ActorID: "attorney-1",
		ApprovedChanges: `{"clause":"updated deposit terms"}`,
	})
	if err != nil || item.Status != domain.ReviewApproved {
		t.Fatalf("approve: %v status=%s", err, item.Status)
	}
	// approved -> pending is not a legal move
	if _, err := env.Engine.TransitionReview(env.Ctx, engine.ReviewTransitionOptions{
		ID: first, Status: domain.ReviewPending, ActorID: "attorney-1",
	}); err == nil {
		t.Fatalf("expected transition error")
	}

	b, err := env.Engine.CompleteBatch(env.Ctx, res.BatchID, "tester", true)
	if err != nil {
		t.Fatalf("complete batch: %v", err)
	}
	if b.Status != domain.BatchPublished || b.PublishedAt == nil {
		t.Fatalf("expected published batch, got %s", b.Status)
	}
	item, err = env.Engine.Repo.GetReview(env.Ctx, first)
	if err != nil || item.Status != domain.ReviewPublished {
		t.Fatalf("expected approved item published with batch, got %v %s", err, item.Status)
	}
}

func TestCompleteBatchBlocksOpenItems(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	res, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-07", Type: domain.BatchMonthly, ActorID: "tester"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := env.Engine.CompleteBatch(env.Ctx, res.BatchID, "tester", false); err == nil {
		t.Fatalf("expected open review items to block completion")
	}
}

func TestMarkDuplicateGuards(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	two := firstUpdates(t, env, 2)

	if _, err := env.Engine.MarkDuplicate(env.Ctx, two[0], two[0], "tester"); err == nil {
		t.Fatalf("expected self-duplicate to fail")
	}
	u, err := env.Engine.MarkDuplicate(env.Ctx, two[0], two[1], "tester")
	if err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}
	if !u.IsDuplicate || u.DuplicateOf == nil || *u.DuplicateOf != two[1] {
		t.Fatalf("expected duplicate back-reference, got %+v", u)
	}
	// chains are refused
	if _, err := env.Engine.MarkDuplicate(env.Ctx, two[1], two[0], "tester"); err == nil {
		t.Fatalf("expected chain to a duplicate to fail")
	}
}

func TestIngestEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var n int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM events WHERE type='source_run.finished'`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected source_run.finished events")
	}
}

// recordingNotifier captures sent messages for assertions.
type recordingNotifier struct {
	sent []notify.Message
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.sent = append(n.sent, msg)
	return nil
}

// sha1ID mirrors the deterministic ID derivation used for updates and
// review items.
func sha1ID(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "|"
		}
		joined += p
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(joined)).String()
}

func TestIngestParamsFollowSourceFilters(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Ingest.IncludeTribal = false

	tribal := &testAdapter{name: "adapter-tribal-scope", available: true}
	plain := &testAdapter{name: "adapter-state-scope", available: true}
	env.Engine.Sources.Register(tribal)
	env.Engine.Sources.Register(plain)
	now := "2026-07-01T00:00:00Z"
	for _, s := range []domain.Source{
		{ID: "src-tribal-scope", Name: "tribal programs", Adapter: tribal.name, Enabled: true,
			States: []string{"AZ"}, Topics: []string{"nahasda_core", "tribal_lease"},
			CreatedAt: now, UpdatedAt: now},
		{ID: "src-state-scope", Name: "state bills", Adapter: plain.name, Enabled: true,
			States: []string{"CA", "NY"}, Topics: []string{"security_deposit"},
			CreatedAt: now, UpdatedAt: now},
	} {
		if err := env.Engine.Repo.UpsertSource(env.Ctx, nil, s); err != nil {
			t.Fatalf("upsert source: %v", err)
		}
	}

	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{
		SourceIDs: []string{"src-tribal-scope", "src-state-scope"}, ActorID: "tester",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got := tribal.lastParams
	if len(got.States) != 1 || got.States[0] != "AZ" {
		t.Fatalf("expected the source's state filter, got %v", got.States)
	}
	if len(got.Topics) != 2 || got.Topics[0] != "nahasda_core" || got.Topics[1] != "tribal_lease" {
		t.Fatalf("expected the source's topic filter, got %v", got.Topics)
	}
	// A source that filters on tribal topics opts into tribal content even
	// when the global flag is off.
	if !got.IncludeTribal {
		t.Fatalf("expected tribal content for a tribal-topic source")
	}
	if plain.lastParams.IncludeTribal {
		t.Fatalf("non-tribal source must follow the config flag")
	}
	if len(plain.lastParams.States) != 2 {
		t.Fatalf("expected the state filter passed through, got %v", plain.lastParams.States)
	}

	// Run-level options narrow the fetch below the catalog filters.
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{
		SourceIDs: []string{"src-state-scope"}, States: []string{"NY"}, ActorID: "tester",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(plain.lastParams.States) != 1 || plain.lastParams.States[0] != "NY" {
		t.Fatalf("expected run override to win, got %v", plain.lastParams.States)
	}
}

func TestUnscopedRoutingTakesTribalUpdates(t *testing.T) {
	env := newTestEnv(t)
	now := "2026-07-01T00:00:00Z"
	// An edge without a jurisdiction level applies everywhere, tribal included.
	rt := domain.Routing{
		ID: "rt-unscoped", TemplateID: "nahasda-lease", Topic: "ihbg_allocation",
		Active: true, CreatedAt: now,
	}
	if _, err := env.Engine.Repo.InsertRoutingIgnore(env.Ctx, rt); err != nil {
		t.Fatalf("insert routing: %v", err)
	}
	u := domain.Update{
		Jurisdiction: domain.Jurisdiction{Level: domain.LevelTribal, Tribe: "hopi"},
		Topics:       []string{"ihbg_allocation"},
	}
	ids, err := env.Engine.AffectedTemplates(env.Ctx, u)
	if err != nil {
		t.Fatalf("affected: %v", err)
	}
	if len(ids) != 1 || ids[0] != "nahasda-lease" {
		t.Fatalf("expected the unscoped edge to take the tribal update, got %v", ids)
	}
}

func TestSeedRoutingsMatchesByName(t *testing.T) {
	env := newTestEnv(t)
	now := "2026-07-01T00:00:00Z"
	// No seed rule names the addendum category; only the name fragment hits.
	tpl := domain.Template{
		ID: "fh-rider", Name: "Fair Housing lease rider", Category: "addendum",
		Active: true, CreatedAt: now,
	}
	if err := env.Engine.Repo.UpsertTemplate(env.Ctx, nil, tpl); err != nil {
		t.Fatalf("upsert template: %v", err)
	}
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT topic, level FROM routings WHERE template_id='fh-rider'`)
	if err != nil {
		t.Fatalf("query routings: %v", err)
	}
	defer rows.Close()
	var edges []string
	for rows.Next() {
		var topic, level string
		if err := rows.Scan(&topic, &level); err != nil {
			t.Fatalf("scan: %v", err)
		}
		edges = append(edges, topic+"/"+level)
	}
	if len(edges) != 1 || edges[0] != "fair_housing/federal" {
		t.Fatalf("expected one fair_housing edge from the name match, got %v", edges)
	}
}

func TestSeedRoutingsSkipsInactiveTemplates(t *testing.T) {
	env := newTestEnv(t)
	now := "2026-07-01T00:00:00Z"
	tpl := domain.Template{
		ID: "lease-wa", Name: "Washington residential lease", Category: "lease",
		State: "WA", Active: false, CreatedAt: now,
	}
	if err := env.Engine.Repo.UpsertTemplate(env.Ctx, nil, tpl); err != nil {
		t.Fatalf("upsert template: %v", err)
	}
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var n int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM routings WHERE template_id='lease-wa'`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no edges for a retired template, got %d", n)
	}
}

func TestPublishIsolatesUpdateFailure(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	a := &testAdapter{name: "adapter-pair", available: true, items: testItems("pair", 2)}
	addTestSource(t, env, "src-pair", a)
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{SourceIDs: []string{"src-pair"}, ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	u0 := sha1ID("update", "src-pair", "pair-0")
	u1 := sha1ID("update", "src-pair", "pair-1")

	// Occupy the primary key the first update's lease-ca review would get, so
	// queueing it fails while its sibling goes through.
	now := "2026-07-01T00:00:00Z"
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`INSERT INTO review_queue(id, template_id, update_id, reason, status, priority, created_at, updated_at)
VALUES (?, 'deposit-receipt-ca', ?, 'placeholder', 'pending', 3, ?, ?)`,
		sha1ID("review", "lease-ca", u0), u1, now, now); err != nil {
		t.Fatalf("insert conflicting review: %v", err)
	}

	res, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-07", Type: domain.BatchManual, ActorID: "tester"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Status != domain.BatchPendingReview {
		t.Fatalf("expected pending_review despite one failed update, got %s", res.Status)
	}
	if res.UpdatesProcessed != 1 || res.ReviewQueued != 1 {
		t.Fatalf("expected the sibling to process, got processed=%d queued=%d", res.UpdatesProcessed, res.ReviewQueued)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one item error, got %v", res.Errors)
	}

	// The failed update keeps all its state for the next run.
	var processed, reviews int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT is_processed FROM updates WHERE id=?`, u0).Scan(&processed); err != nil {
		t.Fatalf("query update: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected the failed update left unprocessed")
	}
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM review_queue WHERE update_id=?`, u0).Scan(&reviews); err != nil {
		t.Fatalf("count reviews: %v", err)
	}
	if reviews != 0 {
		t.Fatalf("expected the failed update's partial reviews rolled back, got %d", reviews)
	}

	b, err := env.Engine.Repo.GetBatch(env.Ctx, res.BatchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Status != domain.BatchPendingReview || b.Error == "" {
		t.Fatalf("expected finalized batch carrying the item error, got %s %q", b.Status, b.Error)
	}
}

func TestRawItemContentHashFields(t *testing.T) {
	env := newTestEnv(t)
	item := source.Item{
		ExternalID:   "hb-42",
		Title:        "HB 42 late fee cap",
		Summary:      "Caps late fees at 5%",
		Status:       "enacted",
		Body:         "long bill text that revisions do not always touch",
		Type:         domain.ItemBill,
		Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "CA"},
		Topics:       []string{"late_fees"},
	}
	a := &testAdapter{name: "adapter-hash", available: true, items: []source.Item{item}}
	addTestSource(t, env, "src-hash", a)
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{SourceIDs: []string{"src-hash"}, ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var got string
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT content_hash FROM raw_items WHERE external_id='hb-42'`)
	if err := row.Scan(&got); err != nil {
		t.Fatalf("query raw item: %v", err)
	}
	sum := sha256.Sum256([]byte(item.Title + "\x00" + item.Summary + "\x00" + item.Status))
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("expected hash over title, summary and status, got %s want %s", got, want)
	}
}

func TestPublishNotifiesOnlyWhenQueued(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingNotifier{}
	env.Engine.Notifier = rec
	env.Engine.Config.Notify.Admins = []string{"admin@example.test"}

	res, err := env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-06", Type: domain.BatchManual, ActorID: "tester"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Status != domain.BatchNoChanges || res.Notified || len(rec.sent) != 0 {
		t.Fatalf("expected silence on no_changes, got notified=%v sent=%d", res.Notified, len(rec.sent))
	}

	if _, err := env.Engine.SeedRoutings(env.Ctx, "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.Engine.RunIngest(env.Ctx, engine.IngestOptions{ActorID: "tester"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	res, err = env.Engine.RunPublish(env.Ctx, engine.PublishOptions{Period: "2026-07", Type: domain.BatchManual, ActorID: "tester"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.ReviewQueued == 0 {
		t.Fatalf("expected queued reviews")
	}
	if !res.Notified || len(rec.sent) != 1 {
		t.Fatalf("expected exactly one admin notification, got notified=%v sent=%d", res.Notified, len(rec.sent))
	}
	if rec.sent[0].Scope != "publish" {
		t.Fatalf("expected publish scope, got %q", rec.sent[0].Scope)
	}
}

func firstPendingReview(t *testing.T, env testEnv) string {
	t.Helper()
	var id string
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT id FROM review_queue WHERE status='pending' ORDER BY created_at, id LIMIT 1`)
	if err := row.Scan(&id); err != nil {
		t.Fatalf("no pending review item: %v", err)
	}
	return id
}

func firstUpdates(t *testing.T, env testEnv, n int) []string {
	t.Helper()
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT id FROM updates WHERE is_duplicate=0 ORDER BY created_at, id LIMIT ?`, n)
	if err != nil {
		t.Fatalf("query updates: %v", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) < n {
		t.Fatalf("expected %d updates, got %d", n, len(ids))
	}
	return ids
}
