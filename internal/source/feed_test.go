package source_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"lexline/internal/domain"
	"lexline/internal/source"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>State Housing Register</title>
    <item>
      <title>Deposit interest rule amended</title>
      <link>https://example.test/notices/dep-77</link>
      <guid>dep-77</guid>
      <description>Interest accrual on held deposits changes.</description>
      <pubDate>Fri, 10 Jul 2026 12:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Older filing period notice</title>
      <link>https://example.test/notices/old-12</link>
      <description>Superseded filing window.</description>
      <pubDate>Mon, 01 Jun 2026 08:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Notice without any identifier</title>
      <description>No guid and no link.</description>
    </item>
  </channel>
</rss>`

func newFeedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(feedXML))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedAdapterMapsEntries(t *testing.T) {
	srv := newFeedServer(t)
	a := source.NewFeedAdapter()
	src := domain.Source{
		ID:      "housing-register",
		FeedURL: srv.URL,
		States:  []string{"CA"},
		Topics:  []string{"security_deposit"},
	}
	res, err := a.Fetch(context.Background(), src, source.FetchParams{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected 2 dated items, got %d", len(res.Items))
	}
	if len(res.Errors) != 1 {
		t.Fatalf("item without guid or link should produce one error, got %v", res.Errors)
	}
	first := res.Items[0]
	if first.ExternalID != "dep-77" || first.Title != "Deposit interest rule amended" {
		t.Fatalf("unexpected first item %+v", first)
	}
	if first.Type != domain.ItemNotice {
		t.Fatalf("feed entries should map to notices, got %s", first.Type)
	}
	if first.Jurisdiction.Level != domain.LevelState || first.Jurisdiction.State != "CA" {
		t.Fatalf("single-state source should yield a state jurisdiction, got %+v", first.Jurisdiction)
	}
	if first.Payload.Kind != domain.PayloadNotice || first.Payload.Notice == nil {
		t.Fatalf("expected notice payload, got %+v", first.Payload)
	}
	if first.Payload.Notice.Agency != "State Housing Register" {
		t.Fatalf("payload agency = %q", first.Payload.Notice.Agency)
	}
	if res.Cursor != "2026-07-10T12:00:00Z" {
		t.Fatalf("cursor = %q", res.Cursor)
	}
}

func TestFeedAdapterSkipsEntriesBeforeCursor(t *testing.T) {
	srv := newFeedServer(t)
	a := source.NewFeedAdapter()
	src := domain.Source{ID: "housing-register", FeedURL: srv.URL}
	res, err := a.Fetch(context.Background(), src, source.FetchParams{Since: "2026-06-15T00:00:00Z"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected only the newer item, got %d", len(res.Items))
	}
	if res.Items[0].ExternalID != "dep-77" {
		t.Fatalf("wrong item survived the cursor: %+v", res.Items[0])
	}
	if res.Cursor != "2026-07-10T12:00:00Z" {
		t.Fatalf("cursor should advance past the newest entry, got %q", res.Cursor)
	}
}

func TestFeedAdapterUnreachableFeed(t *testing.T) {
	srv := newFeedServer(t)
	url := srv.URL
	srv.Close()
	a := source.NewFeedAdapter()
	_, err := a.Fetch(context.Background(), domain.Source{ID: "gone", FeedURL: url}, source.FetchParams{})
	if err == nil {
		t.Fatalf("expected fetch error for closed server")
	}
}
