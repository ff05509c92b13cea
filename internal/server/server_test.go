package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collabflow/internal/app"
	"collabflow/internal/config"
	"collabflow/internal/db"
	"collabflow/internal/engine"
	"collabflow/internal/migrate"
	"collabflow/internal/monitor"
	"collabflow/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	table, err := app.SyncConfig(context.Background(), conn, cfg)
	if err != nil {
		t.Fatalf("sync config: %v", err)
	}
	e := engine.New(conn, table)
	m := monitor.New(repo.Repo{DB: conn}, cfg.Monitor)
	handler, err := New(Config{
		Engine:   e,
		Monitor:  m,
		BasePath: "/api/v1",
		Auth: AuthConfig{
			JWTSecret:                 testJWTSecret,
			AllowLegacyOperatorHeader: true,
			Logger:                    log.New(io.Discard, "", 0),
		},
	})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func operatorHeaders() map[string]string {
	return map[string]string{"X-Operator-Id": "tester"}
}

func TestRecordLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records", map[string]any{
		"plan_id": "standard",
		"subject": "creator-x spring drop",
	}, operatorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body %s", res.StatusCode, data)
	}
	var rec RecordResponse
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.CurrentStatus != "pending_sample" || rec.StageDeadline == nil {
		t.Fatalf("created record = %+v", rec)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/records/"+rec.ID+"/status", nil, operatorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status detail = %d body %s", res.StatusCode, data)
	}
	var info StatusInfoResponse
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if len(info.NextStatuses) != 2 || info.NextStatuses[0] != "sample_sent" {
		t.Fatalf("next statuses = %v", info.NextStatuses)
	}
	if info.CurrentSLA.Kind != "bounded" || info.CurrentSLA.Hours == nil || *info.CurrentSLA.Hours != 24 {
		t.Fatalf("current sla = %+v", info.CurrentSLA)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records/"+rec.ID+"/transition", map[string]any{
		"to_status": "sample_sent",
		"remarks":   "batch 12 dispatched",
	}, operatorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition = %d body %s", res.StatusCode, data)
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("decode transition: %v", err)
	}
	if tr.Record.CurrentStatus != "sample_sent" {
		t.Fatalf("record = %+v", tr.Record)
	}
	if tr.LogEntry.OperatorID != "tester" || tr.LogEntry.Remarks != "batch 12 dispatched" {
		t.Fatalf("log entry = %+v", tr.LogEntry)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/records/"+rec.ID+"/log", nil, operatorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log = %d body %s", res.StatusCode, data)
	}
	var page StatusLogPageResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode log page: %v", err)
	}
	if len(page.Entries) != 1 || page.Pagination.Total != 1 {
		t.Fatalf("log page = %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/records?record_status=active", nil, operatorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list = %d body %s", res.StatusCode, data)
	}
	var listed paginatedRecords
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Items) != 1 || listed.Items[0].ID != rec.ID {
		t.Fatalf("listed = %+v", listed)
	}
}

func TestTransitionErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records", map[string]any{
		"plan_id": "standard",
	}, operatorHeaders())
	var rec RecordResponse
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}

	// off-graph edge
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records/"+rec.ID+"/transition", map[string]any{
		"to_status": "settlement_completed",
	}, operatorHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("illegal transition status = %d body %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envelope.Error.Code != "illegal_transition" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
	if envelope.Error.Details["suggested_next_statuses"] == nil {
		t.Fatalf("details = %v", envelope.Error.Details)
	}

	// forced bypass of the same edge
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records/"+rec.ID+"/transition?force=true", map[string]any{
		"to_status": "settlement_completed",
	}, operatorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forced transition = %d body %s", res.StatusCode, data)
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("decode transition: %v", err)
	}
	if tr.LogEntry.ChangeReason != "forced" || tr.Record.RecordStatus != "completed" {
		t.Fatalf("forced result = %+v", tr)
	}

	// closed record rejects further transitions
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records/"+rec.ID+"/transition", map[string]any{
		"to_status": "cancelled",
	}, operatorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("closed record status = %d body %s", res.StatusCode, data)
	}
	envelope.Error = apiErrorBody{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envelope.Error.Code != "invalid_state" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}

	// unknown record
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records/nope/transition", map[string]any{
		"to_status": "sample_sent",
	}, operatorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown record status = %d body %s", res.StatusCode, data)
	}

	// unknown target status
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records/"+rec.ID+"/transition", map[string]any{
		"to_status": "shipped",
	}, operatorHeaders())
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown status = %d body %s", res.StatusCode, data)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/records", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}

	// garbage bearer token
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/records", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "op-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records", map[string]any{
		"plan_id": "lite",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt = %d body %s", res.StatusCode, data)
	}
	var rec RecordResponse
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records/"+rec.ID+"/transition", map[string]any{
		"to_status": "content_published",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition with jwt = %d body %s", res.StatusCode, data)
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("decode transition: %v", err)
	}
	if tr.LogEntry.OperatorID != "op-7" {
		t.Fatalf("operator from jwt = %s", tr.LogEntry.OperatorID)
	}
}

func TestMonitoringEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/records", map[string]any{
		"plan_id": "standard",
	}, operatorHeaders())

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/monitoring", nil, operatorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("monitoring = %d body %s", res.StatusCode, data)
	}
	var view struct {
		Mode string          `json:"mode"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Mode != "overview" {
		t.Fatalf("mode = %s", view.Mode)
	}
	var ov monitor.Overview
	if err := json.Unmarshal(view.Data, &ov); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	if ov.TotalRecords != 1 || ov.OnTimeRecords != 1 {
		t.Fatalf("overview = %+v", ov)
	}

	for _, mode := range []string{"overdue", "stats", "report"} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/monitoring?mode="+mode, nil, operatorHeaders())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("mode %s = %d body %s", mode, res.StatusCode, data)
		}
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/monitoring?mode=bogus", nil, operatorHeaders())
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bogus mode = %d", res.StatusCode)
	}
}
