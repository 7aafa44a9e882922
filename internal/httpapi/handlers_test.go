package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voice-scheduler/internal/audit"
	"voice-scheduler/internal/auth"
	"voice-scheduler/internal/calls"
	"voice-scheduler/internal/config"
	"voice-scheduler/internal/orchestrator"
	"voice-scheduler/internal/reporting"

	"github.com/gin-gonic/gin"
)

type fakeCalls struct {
	store     *calls.MemoryStore
	cancelErr error
	events    []audit.Event
	last      calls.ScheduleRequest
}

func newFakeCalls() *fakeCalls { return &fakeCalls{store: calls.NewMemoryStore()} }

func (f *fakeCalls) Schedule(ctx context.Context, req calls.ScheduleRequest) (calls.Call, error) {
	f.last = req
	c, err := calls.NewCall(req, time.Now())
	if err != nil {
		return calls.Call{}, err
	}
	created, err := f.store.Create(ctx, c)
	if err != nil {
		return calls.Call{}, fmt.Errorf("%w: %w", orchestrator.ErrPersistence, err)
	}
	return created, nil
}

func (f *fakeCalls) Status(ctx context.Context, id int64) (calls.Call, error) {
	return f.store.Get(ctx, id)
}

func (f *fakeCalls) Cancel(ctx context.Context, id int64) (calls.Call, error) {
	c, err := f.store.Get(ctx, id)
	if err != nil {
		return calls.Call{}, err
	}
	if f.cancelErr != nil {
		return c, f.cancelErr
	}
	return f.store.Transition(ctx, calls.Transition{ID: id, From: calls.StatusScheduled, To: calls.StatusFailed, Reason: calls.ReasonCancelled, At: time.Now()})
}

func (f *fakeCalls) Events(ctx context.Context, id int64) ([]audit.Event, error) {
	if _, err := f.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return f.events, nil
}

func (f *fakeCalls) Pending() int { return 3 }

func newRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.POST("/auth/login", h.Login)
	r.POST("/auth/refresh", h.Refresh)
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "u1", "operator"))
		c.Next()
	})
	v1.POST("/calls", h.ScheduleCall)
	v1.GET("/calls/:call_id", h.GetCall)
	v1.DELETE("/calls/:call_id", h.CancelCall)
	v1.GET("/calls/:call_id/events", h.ListCallEvents)
	v1.GET("/reports/calls", h.CallsReport)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
	return m
}

func TestScheduleCall_CreatesAndReportsScheduled(t *testing.T) {
	fc := newFakeCalls()
	r := newRouter(Handlers{Calls: fc})

	w := do(r, http.MethodPost, "/v1/calls", `{"destination_phone_number":"+15551230000","fire_time":1900000000,"persona":"Alice","scenario":"greeting","custom_description":"be brief"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["status"] != "scheduled" || body["call_id"] != float64(1) {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["scheduled_time"] != "2030-03-17T17:46:40Z" {
		t.Fatalf("scheduled_time not UTC: %v", body["scheduled_time"])
	}
	if fc.last.CustomDescription == nil || *fc.last.CustomDescription != "be brief" {
		t.Fatalf("custom description not passed through: %+v", fc.last)
	}

	w = do(r, http.MethodGet, "/v1/calls/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["status"]; got != "scheduled" {
		t.Fatalf("expected scheduled, got %v", got)
	}
}

func TestScheduleCall_Validation(t *testing.T) {
	r := newRouter(Handlers{Calls: newFakeCalls()})
	cases := map[string]string{
		"blank phone":     `{"destination_phone_number":"  ","fire_time":1900000000,"persona":"Alice","scenario":"greeting"}`,
		"missing persona": `{"destination_phone_number":"+1","fire_time":1900000000,"scenario":"greeting"}`,
		"zero fire time":  `{"destination_phone_number":"+1","fire_time":0,"persona":"Alice","scenario":"greeting"}`,
		"no fire time":    `{"destination_phone_number":"+1","persona":"Alice","scenario":"greeting"}`,
		"text fire time":  `{"destination_phone_number":"+1","fire_time":"tomorrow","persona":"Alice","scenario":"greeting"}`,
		"not json":        `{`,
	}
	for name, body := range cases {
		if w := do(r, http.MethodPost, "/v1/calls", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, w.Code, w.Body.String())
		}
	}
}

func TestScheduleCall_AcceptsNumericStringAndFraction(t *testing.T) {
	fc := newFakeCalls()
	r := newRouter(Handlers{Calls: fc})
	for _, ft := range []string{`"1900000000"`, `1900000000.75`} {
		w := do(r, http.MethodPost, "/v1/calls", `{"destination_phone_number":"+1","fire_time":`+ft+`,"persona":"Alice","scenario":"greeting"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("fire_time %s: expected 201, got %d: %s", ft, w.Code, w.Body.String())
		}
		if fc.last.FireTime != 1900000000 {
			t.Fatalf("fire_time %s parsed as %d", ft, fc.last.FireTime)
		}
	}
}

func TestScheduleCall_PersistenceFailureIsRetryable(t *testing.T) {
	fc := newFakeCalls()
	fc.store.FailNext = errors.New("connection reset")
	r := newRouter(Handlers{Calls: fc})

	w := do(r, http.MethodPost, "/v1/calls", `{"destination_phone_number":"+1","fire_time":1900000000,"persona":"Alice","scenario":"greeting"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if decode(t, w)["retryable"] != true {
		t.Fatalf("expected retryable flag: %s", w.Body.String())
	}
}

func TestGetCall_NotFoundAndBadID(t *testing.T) {
	r := newRouter(Handlers{Calls: newFakeCalls()})
	if w := do(r, http.MethodGet, "/v1/calls/42", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/calls/abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetCall_FailedShowsReason(t *testing.T) {
	fc := newFakeCalls()
	now := time.Now().UTC()
	fc.store.Put(calls.Call{ID: 9, PhoneNumber: "+1", Persona: "Alice", Scenario: "greeting", FireAt: now,
		Status: calls.StatusFailed, FailureReason: "ai_connect: ai: http 401", StartedAt: &now, EndedAt: &now})
	r := newRouter(Handlers{Calls: fc})

	body := decode(t, do(r, http.MethodGet, "/v1/calls/9", ""))
	if body["status"] != "failed" || body["failure_reason"] != "ai_connect: ai: http 401" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCancelCall(t *testing.T) {
	fc := newFakeCalls()
	r := newRouter(Handlers{Calls: fc})
	do(r, http.MethodPost, "/v1/calls", `{"destination_phone_number":"+1","fire_time":1900000000,"persona":"Alice","scenario":"greeting"}`)

	w := do(r, http.MethodDelete, "/v1/calls/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decode(t, w); body["failure_reason"] != calls.ReasonCancelled {
		t.Fatalf("unexpected body: %v", body)
	}

	fc.cancelErr = orchestrator.ErrNotCancellable
	if w := do(r, http.MethodDelete, "/v1/calls/1", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/v1/calls/77", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListCallEvents(t *testing.T) {
	fc := newFakeCalls()
	fc.events = []audit.Event{{ID: "e1", CallID: 1, Type: audit.EventCallScheduled}}
	r := newRouter(Handlers{Calls: fc})
	do(r, http.MethodPost, "/v1/calls", `{"destination_phone_number":"+1","fire_time":1900000000,"persona":"Alice","scenario":"greeting"}`)

	w := do(r, http.MethodGet, "/v1/calls/1/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events, _ := decode(t, w)["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %s", w.Body.String())
	}
}

func TestCallsReport(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	repo := reporting.NewMemoryRepo(
		calls.Call{ID: 1, Status: calls.StatusCompleted, FireAt: at},
		calls.Call{ID: 2, Status: calls.StatusFailed, FailureReason: "idle_timeout: telephony: no media for 30s", FireAt: at},
	)
	r := newRouter(Handlers{Calls: newFakeCalls(), Reports: reporting.NewService(repo)})

	w := do(r, http.MethodGet, "/v1/reports/calls?from=1699999000&to=2023-11-15T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["total_calls"] != float64(2) {
		t.Fatalf("unexpected body: %v", body)
	}
	causes, _ := body["failures_by_cause"].(map[string]any)
	if causes["idle_timeout"] != float64(1) {
		t.Fatalf("unexpected causes: %v", causes)
	}

	if w := do(r, http.MethodGet, "/v1/reports/calls?from=yesterday&to=1700000100", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/reports/calls?from=1700000100&to=1700000000", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	r := newRouter(Handlers{Calls: newFakeCalls()})
	w := do(r, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || decode(t, w)["pending_triggers"] != float64(3) {
		t.Fatalf("unexpected healthz: %d %s", w.Code, w.Body.String())
	}

	r = newRouter(Handlers{Calls: newFakeCalls(), Ready: func(context.Context) error { return errors.New("db down") }})
	if w := do(r, http.MethodGet, "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: strings.Repeat("s", 32), JWTIssuer: "test", JWTAudience: "test", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := newRouter(Handlers{Auth: m})

	w := do(r, http.MethodPost, "/auth/login", `{"user_id":"u1","role":"operator"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	tok, _ := decode(t, w)["access_token"].(string)
	claims, err := m.Verify(tok, auth.TokenTypeAccess, time.Now())
	if err != nil || claims.Role != "operator" {
		t.Fatalf("issued token does not verify: %v %+v", err, claims)
	}

	if w := do(r, http.MethodPost, "/auth/login", `{"user_id":"u1","role":"owner"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}
}

func TestRefresh(t *testing.T) {
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: strings.Repeat("s", 32), JWTIssuer: "test", JWTAudience: "test", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := newRouter(Handlers{Auth: m})

	login := decode(t, do(r, http.MethodPost, "/auth/login", `{"user_id":"u1","role":"viewer"}`))
	refreshTok, _ := login["refresh_token"].(string)
	accessTok, _ := login["access_token"].(string)

	w := do(r, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+refreshTok+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	tok, _ := decode(t, w)["access_token"].(string)
	claims, err := m.Verify(tok, auth.TokenTypeAccess, time.Now())
	if err != nil || claims.UserID != "u1" || claims.Role != "viewer" {
		t.Fatalf("refreshed token does not verify: %v %+v", err, claims)
	}

	if w := do(r, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+accessTok+`"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for access token, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/auth/refresh", `{"refresh_token":"garbage"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/auth/refresh", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without token, got %d", w.Code)
	}
}
