package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vitrina/internal/config"
	"vitrina/internal/db"
	"vitrina/internal/domain"
	"vitrina/internal/engine"
	"vitrina/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	now    time.Time
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
	testSrv := &testServer{
		// Monday, start of an ISO week.
		now:    time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		client: &http.Client{},
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return testSrv.now }
	e.Events.Now = func() time.Time { return testSrv.now }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
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
	testSrv.URL = "http://" + ln.Addr().String()
	testSrv.close = func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	}
	return testSrv, func() { testSrv.Close() }
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "admin-test"}
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

func createShop(t *testing.T, srv *testServer, plan string) ShopResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/shops", map[string]any{
		"name": "Tienda Uno",
		"plan": plan,
	}, adminHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create shop status %d: %s", res.StatusCode, string(data))
	}
	var shop ShopResponse
	if err := json.Unmarshal(data, &shop); err != nil {
		t.Fatalf("unmarshal shop: %v", err)
	}
	return shop
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/shops", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/shops", nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy actor header should authenticate, got %d", res.StatusCode)
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := signToken(t, testJWTSecret, "jwt-admin", []string{"admin"})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/shops", map[string]any{
		"name": "JWT Shop",
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("jwt create shop: %d %s", res.StatusCode, string(data))
	}

	forged := signToken(t, "wrong-secret", "intruder", []string{"admin"})
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/shops", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token accepted: %d", res.StatusCode)
	}

	// a non-admin token cannot register shops
	seller := signToken(t, testJWTSecret, "seller-1", nil)
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/shops", map[string]any{"name": "Nope"},
		map[string]string{"Authorization": "Bearer " + seller})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", res.StatusCode)
	}

	// keys are minted by admins and carry their own role
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "bot-1",
		"role":     "admin",
	}, adminHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("expected raw key in creation response: %v %s", err, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/shops", map[string]any{
		"name": "Key Shop",
	}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("api key create shop: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/shops", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key accepted: %d", res.StatusCode)
	}
}

func signToken(t *testing.T, secret, subject string, roles []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"roles": roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestQuotaExhaustionAndCredit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	shop := createShop(t, srv, "basica")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"shop_id":      shop.ID,
		"title":        "primer live",
		"scheduled_at": srv.now.Add(time.Hour).Format(time.RFC3339),
	}, adminHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("schedule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"shop_id":      shop.ID,
		"title":        "segundo live",
		"scheduled_at": srv.now.Add(2 * time.Hour).Format(time.RFC3339),
	}, adminHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "no_quota" {
		t.Fatalf("expected no_quota code, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/shops/"+shop.ID+"/quota/credit", map[string]any{
		"resource": "LIVE",
		"amount":   1,
		"reason":   "ADMIN_GRANT",
	}, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("credit: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"shop_id":      shop.ID,
		"title":        "segundo live",
		"scheduled_at": srv.now.Add(2 * time.Hour).Format(time.RFC3339),
	}, adminHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("schedule after credit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/shops/"+shop.ID+"/quota", nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("quota: %d %s", res.StatusCode, string(data))
	}
	var quota QuotaResponse
	if err := json.Unmarshal(data, &quota); err != nil {
		t.Fatalf("unmarshal quota: %v", err)
	}
	if quota.Live.BaseRemaining != 0 || quota.Live.ExtraBalance != 0 {
		t.Fatalf("expected exhausted live quota, got %+v", quota.Live)
	}
}

func TestSanctionsFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	shop := createShop(t, srv, "basica")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"shop_id":      shop.ID,
		"title":        "live reportado",
		"scheduled_at": srv.now.Format(time.RFC3339),
	}, adminHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("schedule: %d %s", res.StatusCode, string(data))
	}
	var stream StreamResponse
	if err := json.Unmarshal(data, &stream); err != nil {
		t.Fatalf("unmarshal stream: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams/"+stream.ID+"/start", nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}

	// past the report grace window
	srv.now = srv.now.Add(10 * time.Minute)

	for i := 0; i < 5; i++ {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams/"+stream.ID+"/reports", map[string]any{
			"reason": "producto falso",
		}, map[string]string{"X-Actor-Id": fmt.Sprintf("viewer-%d", i)})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("report %d: %d %s", i, res.StatusCode, string(data))
		}
		var rep domain.Report
		if err := json.Unmarshal(data, &rep); err != nil {
			t.Fatalf("unmarshal report: %v", err)
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/validate", nil, adminHeaders())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("validate %d: %d %s", i, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sanctions/run", map[string]any{
		"as_of": srv.now.Format(time.RFC3339),
	}, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run sanctions: %d %s", res.StatusCode, string(data))
	}
	var report domain.SanctionsReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Sanctioned != 1 {
		t.Fatalf("expected one sanction, got %+v", report)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/streams/"+stream.ID, nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get stream: %d %s", res.StatusCode, string(data))
	}
	var missed StreamResponse
	_ = json.Unmarshal(data, &missed)
	if missed.Status != domain.StreamMissed || !missed.Hidden {
		t.Fatalf("expected hidden MISSED, got %+v", missed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/shops/"+shop.ID, nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get shop: %d %s", res.StatusCode, string(data))
	}
	var suspended ShopResponse
	_ = json.Unmarshal(data, &suspended)
	if suspended.Status != domain.ShopAgendaSuspended {
		t.Fatalf("expected suspended shop, got %+v", suspended)
	}

	// the suspension blocks new bookings
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"shop_id":      shop.ID,
		"title":        "otro live",
		"scheduled_at": srv.now.Add(time.Hour).Format(time.RFC3339),
	}, adminHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while suspended, got %d: %s", res.StatusCode, string(data))
	}

	// the burn shows up in the ledger
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/shops/"+shop.ID+"/transactions?reason=MISSED_BURN", nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ledger: %d %s", res.StatusCode, string(data))
	}
	var txs []domain.QuotaTransaction
	if err := json.Unmarshal(data, &txs); err != nil {
		t.Fatalf("unmarshal ledger: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected one burn transaction, got %d", len(txs))
	}
}

func TestStreamTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	shop := createShop(t, srv, "media")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"shop_id":      shop.ID,
		"title":        "live",
		"scheduled_at": srv.now.Add(time.Hour).Format(time.RFC3339),
	}, adminHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("schedule: %d %s", res.StatusCode, string(data))
	}
	var stream StreamResponse
	_ = json.Unmarshal(data, &stream)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams/"+stream.ID+"/finish", nil, adminHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for invalid transition, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("expected conflict code, got %s", code)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/shops/desconocida", nil, adminHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}
