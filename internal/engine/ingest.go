package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"lexline/internal/domain"
	"lexline/internal/events"
	"lexline/internal/repo"
	"lexline/internal/source"
)

// IngestOptions narrows an ingest run.
type IngestOptions struct {
	SourceIDs     []string
	States        []string
	Topics        []string
	IncludeTribal *bool
	ActorID       string
}

// IngestResult aggregates one ingest run across all its sources.
type IngestResult struct {
	Status           domain.RunStatus   `json:"status"`
	SourcesProcessed int                `json:"sources_processed"`
	SourcesFailed    int                `json:"sources_failed"`
	ItemsFetched     int                `json:"items_fetched"`
	NewUpdates       int                `json:"new_updates"`
	Duplicates       int                `json:"duplicates"`
	Errors           []string           `json:"errors,omitempty"`
	Runs             []domain.SourceRun `json:"runs,omitempty"`
	StartedAt        string             `json:"started_at" format:"date-time"`
	FinishedAt       string             `json:"finished_at" format:"date-time"`
}

// RunIngest fetches changes from the selected sources and persists new
// updates. A failing source never aborts the others; its failure lands in the
// result and in its own run row.
func (e Engine) RunIngest(ctx context.Context, opts IngestOptions) (IngestResult, error) {
	var res IngestResult
	if e.Config == nil {
		return res, errConfigNotLoaded
	}
	res.StartedAt = e.now().UTC().Format(time.RFC3339)

	var sources []domain.Source
	if len(opts.SourceIDs) > 0 {
		for _, id := range opts.SourceIDs {
			s, err := e.Repo.GetSource(ctx, id)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("source %s: %v", id, err))
				res.SourcesFailed++
				continue
			}
			sources = append(sources, s)
		}
	} else {
		var err error
		sources, err = e.Repo.ListSources(ctx, true)
		if err != nil {
			return res, err
		}
	}

	for _, src := range sources {
		run, err := e.ingestSource(ctx, src, opts)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("source %s: %v", src.ID, err))
			res.SourcesFailed++
			if run.ID != "" {
				res.Runs = append(res.Runs, run)
			}
			continue
		}
		res.Runs = append(res.Runs, run)
		res.SourcesProcessed++
		res.ItemsFetched += run.ItemsFetched
		res.NewUpdates += run.NewItems
		res.Duplicates += run.Duplicates
		if run.Error != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("source %s: %s", src.ID, run.Error))
		}
	}

	res.FinishedAt = e.now().UTC().Format(time.RFC3339)
	switch {
	case res.SourcesFailed == 0 && len(res.Errors) == 0:
		res.Status = domain.RunSuccess
	case res.SourcesProcessed > 0:
		res.Status = domain.RunPartial
	default:
		res.Status = domain.RunFailed
	}

	if err := e.Events.AppendDirect(ctx, "ingest.finished", "ingest", e.Config.Project.ID, opts.ActorID, events.EventPayload{
		"status":            string(res.Status),
		"sources_processed": res.SourcesProcessed,
		"sources_failed":    res.SourcesFailed,
		"new_updates":       res.NewUpdates,
		"duplicates":        res.Duplicates,
	}); err != nil {
		e.log().Error("record ingest event", "err", err)
	}
	if res.SourcesFailed > 0 {
		subject := fmt.Sprintf("Ingest finished %s: %d of %d sources failed", res.Status, res.SourcesFailed, res.SourcesFailed+res.SourcesProcessed)
		e.notifyAdmins(ctx, subject, strings.Join(res.Errors, "\n"), "ingest", "high")
	}
	e.log().Info("ingest finished", "status", res.Status, "sources", res.SourcesProcessed, "failed", res.SourcesFailed, "new", res.NewUpdates, "duplicates", res.Duplicates)
	return res, nil
}

// fetchParams assembles the adapter call from the source's own jurisdiction
// and topic filters. Run-level options override the catalog filters when an
// operator narrows a run explicitly. A source whose topic filter names tribal
// topics always sees tribal content; the config flag and run override only
// govern the remaining sources.
func (e Engine) fetchParams(src domain.Source, opts IngestOptions, cursor string) source.FetchParams {
	params := source.FetchParams{
		States: src.States,
		Topics: src.Topics,
		Since:  cursor,
	}
	if len(opts.States) > 0 {
		params.States = opts.States
	}
	if len(opts.Topics) > 0 {
		params.Topics = opts.Topics
	}
	params.IncludeTribal = touchesTribalTopics(src.Topics)
	if !params.IncludeTribal {
		params.IncludeTribal = e.Config.Ingest.IncludeTribal
		if opts.IncludeTribal != nil {
			params.IncludeTribal = *opts.IncludeTribal
		}
	}
	return params
}

func (e Engine) ingestSource(ctx context.Context, src domain.Source, opts IngestOptions) (domain.SourceRun, error) {
	adapter, ok := e.Sources.Get(src.Adapter)
	if !ok {
		return domain.SourceRun{}, fmt.Errorf("unknown adapter %q", src.Adapter)
	}
	cursor, err := e.Repo.LastSuccessfulCursor(ctx, src.ID)
	if err != nil {
		return domain.SourceRun{}, err
	}
	startedAt := e.now().UTC().Format(time.RFC3339)
	run := domain.SourceRun{
		ID:           newID("run", src.ID, startedAt),
		SourceID:     src.ID,
		CursorBefore: cursor,
		Status:       domain.RunRunning,
		StartedAt:    startedAt,
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return domain.SourceRun{}, err
	}

	fctx, cancel := context.WithTimeout(ctx, e.Config.AdapterTimeout())
	defer cancel()

	if !adapter.Available(fctx) {
		return e.failRun(ctx, run, src, opts.ActorID, "source not available"), fmt.Errorf("source not available")
	}

	fetched, err := adapter.Fetch(fctx, src, e.fetchParams(src, opts, cursor))
	if err != nil {
		return e.failRun(ctx, run, src, opts.ActorID, err.Error()), err
	}

	run.ItemsFetched = len(fetched.Items)
	itemErrors := append([]string(nil), fetched.Errors...)

	// Classify before opening the write transaction. Keys seen within the
	// batch dedupe against each other, not just against stored rows.
	var fresh []source.Item
	seenKeys := map[string]bool{}
	seenExternal := map[string]bool{}
	for _, item := range fetched.Items {
		if item.ExternalID == "" || item.Title == "" {
			itemErrors = append(itemErrors, fmt.Sprintf("item %q missing external id or title", item.Title))
			continue
		}
		if seenExternal[item.ExternalID] {
			run.Duplicates++
			continue
		}
		known, err := e.knownItem(ctx, src, item, seenKeys)
		if err != nil {
			return e.failRun(ctx, run, src, opts.ActorID, err.Error()), err
		}
		if known {
			run.Duplicates++
			continue
		}
		seenExternal[item.ExternalID] = true
		if item.CrossRefKey != "" {
			seenKeys[item.CrossRefKey] = true
		}
		fresh = append(fresh, item)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return e.failRun(ctx, run, src, opts.ActorID, err.Error()), err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	for _, item := range fresh {
		raw := domain.RawItem{
			ID:          newID("raw", src.ID, item.ExternalID),
			SourceID:    src.ID,
			ExternalID:  item.ExternalID,
			URL:         item.URL,
			PublishedAt: item.PublishedAt,
			Title:       item.Title,
			Body:        item.Body,
			Payload:     item.Payload,
			ContentHash: contentHash(item),
			FetchedAt:   now,
		}
		if err := e.Repo.InsertRawItemTx(ctx, tx, raw); err != nil {
			tx.Rollback()
			return e.failRun(ctx, run, src, opts.ActorID, err.Error()), err
		}
		if err := e.Repo.InsertUpdateTx(ctx, tx, buildUpdate(src, item, raw.ID, now)); err != nil {
			tx.Rollback()
			return e.failRun(ctx, run, src, opts.ActorID, err.Error()), err
		}
		run.NewItems++
	}

	finishedAt := e.now().UTC().Format(time.RFC3339)
	run.CursorAfter = fetched.Cursor
	run.FinishedAt = &finishedAt
	run.Error = strings.Join(itemErrors, "; ")
	if len(itemErrors) > 0 {
		run.Status = domain.RunPartial
	} else {
		run.Status = domain.RunSuccess
	}
	if err := e.Repo.FinalizeRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.Repo.UpdateSourceAfterRun(ctx, tx, src.ID, run.Status, run.CursorAfter, run.Error, finishedAt); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "source_run.finished", "source_run", run.ID, opts.ActorID, events.EventPayload{
		"source_id":  src.ID,
		"status":     string(run.Status),
		"new_items":  run.NewItems,
		"duplicates": run.Duplicates,
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

// knownItem checks both dedup dimensions: the cross-reference key shared
// across sources and the per-source external id.
func (e Engine) knownItem(ctx context.Context, src domain.Source, item source.Item, seenKeys map[string]bool) (bool, error) {
	if item.CrossRefKey != "" {
		if seenKeys[item.CrossRefKey] {
			return true, nil
		}
		_, err := e.Repo.FindUpdateByCrossRef(ctx, item.CrossRefKey)
		if err == nil {
			return true, nil
		}
		if err != repo.ErrNotFound {
			return false, err
		}
	}
	return e.Repo.UpdateExistsBySourceKey(ctx, src.ID, item.ExternalID)
}

func (e Engine) failRun(ctx context.Context, run domain.SourceRun, src domain.Source, actorID, msg string) domain.SourceRun {
	finishedAt := e.now().UTC().Format(time.RFC3339)
	run.Status = domain.RunFailed
	run.Error = msg
	run.FinishedAt = &finishedAt
	if err := e.Repo.FinalizeRun(ctx, nil, run); err != nil {
		e.log().Error("finalize failed run", "run", run.ID, "err", err)
	}
	if err := e.Repo.UpdateSourceAfterRun(ctx, nil, src.ID, domain.RunFailed, "", msg, finishedAt); err != nil {
		e.log().Error("record source failure", "source", src.ID, "err", err)
	}
	if err := e.Events.AppendDirect(ctx, "source_run.finished", "source_run", run.ID, actorID, events.EventPayload{
		"source_id": src.ID,
		"status":    "failed",
		"error":     msg,
	}); err != nil {
		e.log().Error("record run event", "run", run.ID, "err", err)
	}
	return run
}

func buildUpdate(src domain.Source, item source.Item, rawItemID, now string) domain.Update {
	typ := item.Type
	if typ == "" {
		typ = domain.ItemNotice
	}
	jurisdiction := item.Jurisdiction
	if jurisdiction.Level == "" {
		jurisdiction.Level = domain.LevelFederal
	}
	severity := item.Severity
	if severity == "" {
		severity = domain.SeverityMedium
	}
	return domain.Update{
		ID:           newID("update", src.ID, item.ExternalID),
		SourceID:     src.ID,
		RawItemID:    rawItemID,
		SourceKey:    item.ExternalID,
		CrossRefKey:  item.CrossRefKey,
		Type:         typ,
		Jurisdiction: jurisdiction,
		Title:        item.Title,
		Summary:      item.Summary,
		Status:       item.Status,
		IntroducedAt: item.IntroducedAt,
		EffectiveAt:  item.EffectiveAt,
		PublishedAt:  item.PublishedAt,
		Topics:       item.Topics,
		Severity:     severity,
		CreatedAt:    now,
	}
}

// contentHash is a coarse fingerprint over the fields that change when a
// provider revises an item in place. Dedup proper runs on the cross-ref key
// and the source key, never on this.
func contentHash(item source.Item) string {
	sum := sha256.Sum256([]byte(item.Title + "\x00" + item.Summary + "\x00" + item.Status))
	return hex.EncodeToString(sum[:])
}
