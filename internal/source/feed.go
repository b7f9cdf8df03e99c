package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"

	"lexline/internal/domain"
)

// FeedAdapter ingests RSS/Atom feeds. Entries land as notices carrying the
// source's configured topics; finer classification happens in review.
type FeedAdapter struct {
	Parser *gofeed.Parser
}

func NewFeedAdapter() *FeedAdapter {
	return &FeedAdapter{Parser: gofeed.NewParser()}
}

func (f *FeedAdapter) Name() string { return "feed" }

// Available is optimistic. An unreachable feed surfaces as a fetch error,
// which carries more context than a bare unavailable flag.
func (f *FeedAdapter) Available(ctx context.Context) bool { return true }

func (f *FeedAdapter) Fetch(ctx context.Context, src domain.Source, params FetchParams) (FetchResult, error) {
	var res FetchResult
	res.Cursor = params.Since
	feed, err := f.Parser.ParseURLWithContext(src.FeedURL, ctx)
	if err != nil {
		return res, fmt.Errorf("fetch feed %s: %w", src.FeedURL, err)
	}
	jurisdiction := domain.Jurisdiction{Level: domain.LevelFederal}
	if len(src.States) == 1 {
		jurisdiction = domain.Jurisdiction{Level: domain.LevelState, State: src.States[0]}
	}
	for _, entry := range feed.Items {
		id := entry.GUID
		if id == "" && entry.Link != "" {
			id = feedItemID(entry.Link)
		}
		if id == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("feed item %q has no guid or link", entry.Title))
			continue
		}
		var published *string
		when := entry.PublishedParsed
		if when == nil {
			when = entry.UpdatedParsed
		}
		if when != nil {
			ts := when.UTC().Format(time.RFC3339)
			if ts > res.Cursor {
				res.Cursor = ts
			}
			if params.Since != "" && ts <= params.Since {
				continue
			}
			published = &ts
		}
		summary := entry.Description
		if summary == "" {
			summary = entry.Content
		}
		item := Item{
			ExternalID:   id,
			URL:          entry.Link,
			Title:        entry.Title,
			Summary:      summary,
			Body:         entry.Content,
			Status:       "published",
			Type:         domain.ItemNotice,
			Jurisdiction: jurisdiction,
			Topics:       src.Topics,
			Severity:     domain.SeverityMedium,
			PublishedAt:  published,
			Payload:      domain.Payload{Kind: domain.PayloadNotice, Notice: &domain.NoticePayload{Agency: feed.Title, DocumentNumber: id}},
		}
		if !matchTopics(item.Topics, params.Topics) {
			continue
		}
		if !matchStates(item.Jurisdiction, params.States) {
			continue
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func feedItemID(link string) string {
	sum := sha256.Sum256([]byte(link))
	return hex.EncodeToString(sum[:])[:16]
}
