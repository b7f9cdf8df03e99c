package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"lexline/internal/config"
	"lexline/internal/db"
	"lexline/internal/domain"
	"lexline/internal/engine"
	"lexline/internal/migrate"
	"lexline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("lexline")
	e := engine.New(conn, cfg)
	if _, err := e.SyncCatalog(context.Background(), "tester"); err != nil {
		t.Fatalf("sync catalog: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearerHeader(t *testing.T, subject string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/status", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rawKey := "lx_testkey"
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      "key-1",
		ActorID: "robot",
		KeyHash: repo.HashAPIKey(rawKey),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/status", nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/status", nil, map[string]string{
		"X-Api-Key": "lx_wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", res.StatusCode)
	}
}

func TestPipelineFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerHeader(t, "tester")

	seedRes, seedBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/routings/seed", nil, auth)
	if seedRes.StatusCode != http.StatusOK {
		t.Fatalf("seed status %d: %s", seedRes.StatusCode, string(seedBody))
	}

	ingRes, ingBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/ingest/run", map[string]any{}, auth)
	if ingRes.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", ingRes.StatusCode, string(ingBody))
	}
	var ing engine.IngestResult
	if err := json.Unmarshal(ingBody, &ing); err != nil {
		t.Fatalf("unmarshal ingest result: %v", err)
	}
	if ing.Status != domain.RunSuccess || ing.NewUpdates == 0 {
		t.Fatalf("expected successful ingest with new updates, got %+v", ing)
	}

	pubRes, pubBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/publish/run", map[string]any{
		"period": "2026-07",
		"type":   "manual",
	}, auth)
	if pubRes.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", pubRes.StatusCode, string(pubBody))
	}
	var pub engine.PublishResult
	if err := json.Unmarshal(pubBody, &pub); err != nil {
		t.Fatalf("unmarshal publish result: %v", err)
	}
	if pub.Status != domain.BatchPendingReview || pub.ReviewQueued == 0 {
		t.Fatalf("expected pending_review with queued reviews, got %+v", pub)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/review?status=pending&limit=5", nil, auth)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list review status %d: %s", listRes.StatusCode, string(listBody))
	}
	var page paginatedReviews
	if err := json.Unmarshal(listBody, &page); err != nil {
		t.Fatalf("unmarshal review page: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatalf("expected pending review items")
	}
	reviewID := page.Items[0].ID

	trRes, trBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/review/"+reviewID+"/transition", map[string]any{
		"status":           "approved",
		"approved_changes": map[string]any{"clause": "updated notice period"},
	}, auth)
	if trRes.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", trRes.StatusCode, string(trBody))
	}
	var item ReviewItemResponse
	if err := json.Unmarshal(trBody, &item); err != nil {
		t.Fatalf("unmarshal review item: %v", err)
	}
	if item.Status != domain.ReviewApproved {
		t.Fatalf("expected approved, got %s", item.Status)
	}

	cplRes, cplBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches/"+pub.BatchID+"/complete?force=true", nil, auth)
	if cplRes.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", cplRes.StatusCode, string(cplBody))
	}
	var batch BatchResponse
	if err := json.Unmarshal(cplBody, &batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if batch.Status != domain.BatchPublished {
		t.Fatalf("expected published batch, got %s", batch.Status)
	}
}

func TestInvalidReviewTransitionReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerHeader(t, "tester")

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/routings/seed", nil, auth)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/ingest/run", map[string]any{}, auth)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/publish/run", map[string]any{"period": "2026-07", "type": "manual"}, auth)

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/review?status=pending&limit=1", nil, auth)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list review status %d: %s", listRes.StatusCode, string(listBody))
	}
	var page paginatedReviews
	if err := json.Unmarshal(listBody, &page); err != nil || len(page.Items) == 0 {
		t.Fatalf("expected pending items: %v", err)
	}
	// pending -> published skips the approval gate
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/review/"+page.Items[0].ID+"/transition", map[string]any{
		"status": "published",
	}, auth)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
}

func TestPublishConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerHeader(t, "tester")

	if err := srv.Engine.Repo.InsertBatch(context.Background(), domain.Batch{
		ID: "batch-running", Type: domain.BatchManual, Period: "2026-07",
		Status: domain.BatchRunning, StartedAt: "2026-07-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert running batch: %v", err)
	}
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/publish/run", map[string]any{
		"period": "2026-07",
		"type":   "manual",
	}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	var envlp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envlp); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envlp.Error.Code != "batch_running" {
		t.Fatalf("expected batch_running code, got %q in %s", envlp.Error.Code, string(body))
	}
}

func TestUpdateListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerHeader(t, "tester")

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/ingest/run", map[string]any{}, auth)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/updates?limit=3", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list updates status %d: %s", res.StatusCode, string(body))
	}
	var page paginatedUpdates
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 3 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor, got %d items cursor=%q", len(page.Items), page.NextCursor)
	}
	res2, body2 := doJSON(t, client, http.MethodGet, srv.URL+"/v1/updates?limit=3&cursor="+page.NextCursor, nil, auth)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res2.StatusCode, string(body2))
	}
	var page2 paginatedUpdates
	if err := json.Unmarshal(body2, &page2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, u := range page2.Items {
		for _, prev := range page.Items {
			if u.ID == prev.ID {
				t.Fatalf("page overlap on update %s", u.ID)
			}
		}
	}
}
