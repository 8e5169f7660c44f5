package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/contacts"
	"github.com/BTreeMap/SOSPipe/internal/location"
	"github.com/BTreeMap/SOSPipe/internal/metrics"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/notice"
	"github.com/BTreeMap/SOSPipe/internal/settings"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/testutil"
	"github.com/benbjohnson/clock"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeEngine records calls made by the handlers.
type fakeEngine struct {
	mu         sync.Mutex
	events     []models.TriggerEvent
	result     models.TriggerResult
	triggerErr error
	active     bool
	tracking   []bool
}

func (f *fakeEngine) Trigger(ctx context.Context, ev models.TriggerEvent) (models.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	f.active = true
	return f.result, nil
}

func (f *fakeEngine) StandDown(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.active
	f.active = false
	return was, nil
}

func (f *fakeEngine) Status() models.Episode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return models.Episode{}
	}
	return models.Episode{ID: "ep-1", Active: true, TriggerSource: models.TriggerSourceManual, TrackingActive: true}
}

func (f *fakeEngine) SetTracking(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return models.ErrNoActiveEpisode
	}
	f.tracking = append(f.tracking, on)
	return nil
}

type fixture struct {
	server  *Server
	engine  *fakeEngine
	store   *store.InMemoryStore
	book    *contacts.Book
	tracker *location.Tracker
	notices *notice.Board
	metrics *metrics.Collector
	clock   *clock.Mock
}

func newFixture(t *testing.T, seed ...models.Contact) *fixture {
	t.Helper()
	st := testutil.NewSeededStore(t, seed...)
	mgr, err := settings.Load(st)
	if err != nil {
		t.Fatalf("settings.Load failed: %v", err)
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		engine:  &fakeEngine{result: models.TriggerActivated},
		store:   st,
		book:    contacts.NewBook(st),
		tracker: location.NewTracker(location.WithClock(mock)),
		notices: notice.NewBoard(mock, 0),
		metrics: metrics.NewCollector("sospipe_test"),
		clock:   mock,
	}
	f.server = NewServer(Deps{
		Engine:   f.engine,
		Contacts: f.book,
		Settings: mgr,
		Location: f.tracker,
		Notices:  f.notices,
		Store:    st,
	}, WithMetrics(f.metrics), WithClock(mock))
	return f
}

func (f *fixture) do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, url, body))
	return rr
}

func TestTriggerHandler(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/sos/trigger", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "manual trigger")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["result"] != string(models.TriggerActivated) {
		t.Errorf("expected activated result, got %v", result["result"])
	}
	if ep := result["episode"].(map[string]interface{}); ep["active"] != true {
		t.Errorf("expected active episode in response, got %v", ep)
	}
	if len(f.engine.events) != 1 || f.engine.events[0].Source != models.TriggerSourceManual {
		t.Errorf("expected one manual trigger, got %+v", f.engine.events)
	}
	if !f.engine.events[0].Time.Equal(f.clock.Now()) {
		t.Errorf("expected trigger stamped with server clock, got %v", f.engine.events[0].Time)
	}

	rr = f.do(t, http.MethodPost, "/api/sos/trigger", map[string]string{"source": "voice"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "voice trigger")
	if f.engine.events[1].Source != models.TriggerSourceVoice {
		t.Errorf("expected voice source, got %s", f.engine.events[1].Source)
	}
}

func TestTriggerHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       interface{}
		engineErr  error
		wantStatus int
	}{
		{"wrong method", http.MethodGet, nil, nil, http.StatusMethodNotAllowed},
		{"unknown source", http.MethodPost, map[string]string{"source": "telepathy"}, nil, http.StatusBadRequest},
		{"no contacts", http.MethodPost, nil, models.ErrNoContactsConfigured, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.triggerErr = tt.engineErr
			rr := f.do(t, tt.method, "/api/sos/trigger", tt.body)
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
		})
	}

	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sos/trigger", strings.NewReader("{broken"))
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "malformed body")
}

func TestStandDownAndStatus(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/sos/standdown", nil)
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if resp["result"].(map[string]interface{})["stood_down"] != false {
		t.Errorf("expected no-op stand-down while idle, got %v", resp["result"])
	}

	f.do(t, http.MethodPost, "/api/sos/trigger", nil)
	rr = f.do(t, http.MethodGet, "/api/sos/status", nil)
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if resp["result"].(map[string]interface{})["id"] != "ep-1" {
		t.Errorf("unexpected status: %v", resp["result"])
	}

	rr = f.do(t, http.MethodPost, "/api/sos/standdown", nil)
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if resp["result"].(map[string]interface{})["stood_down"] != true {
		t.Errorf("expected stand-down, got %v", resp["result"])
	}

	rr = f.do(t, http.MethodPost, "/api/sos/status", nil)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "status POST")
	if allow := rr.Header().Get("Allow"); allow != http.MethodGet {
		t.Errorf("expected Allow: GET, got %q", allow)
	}
}

func TestTrackingHandler(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/sos/tracking", map[string]bool{"enabled": false})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "tracking while idle")

	f.do(t, http.MethodPost, "/api/sos/trigger", nil)
	rr = f.do(t, http.MethodPost, "/api/sos/tracking", map[string]string{})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing enabled")

	rr = f.do(t, http.MethodPost, "/api/sos/tracking", map[string]bool{"enabled": false})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "tracking off")
	if len(f.engine.tracking) != 1 || f.engine.tracking[0] {
		t.Errorf("expected tracking turned off, got %v", f.engine.tracking)
	}
}

func TestContactsHandlers(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/contacts", nil)
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list := resp["result"].(map[string]interface{})["contacts"].([]interface{}); len(list) != 0 {
		t.Fatalf("expected empty contact list, got %v", list)
	}

	rr = f.do(t, http.MethodPost, "/api/contacts", contactRequest{Name: "Mom", Phone: "555-0100"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "add Mom")
	mom := testutil.AssertJSONResponse(t, rr, "ok")["result"].(map[string]interface{})
	rr = f.do(t, http.MethodPost, "/api/contacts", contactRequest{Name: "Dad", Phone: "555-0199"})
	dad := testutil.AssertJSONResponse(t, rr, "ok")["result"].(map[string]interface{})

	rr = f.do(t, http.MethodPost, "/api/contacts", contactRequest{Name: "", Phone: "555-0100"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty name")
	rr = f.do(t, http.MethodPost, "/api/contacts", contactRequest{Name: "Bob", Phone: "12"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "short phone")

	rr = f.do(t, http.MethodPost, "/api/contacts/"+dad["id"].(string)+"/primary", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "set primary")

	rr = f.do(t, http.MethodGet, "/api/contacts", nil)
	list := testutil.AssertJSONResponse(t, rr, "ok")["result"].(map[string]interface{})
	if len(list["contacts"].([]interface{})) != 2 || list["primary_id"] != dad["id"] {
		t.Errorf("unexpected contact list: %v", list)
	}

	rr = f.do(t, http.MethodDelete, "/api/contacts/"+mom["id"].(string), nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete Mom")
	rr = f.do(t, http.MethodDelete, "/api/contacts/"+mom["id"].(string), nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "delete Mom again")
	rr = f.do(t, http.MethodPost, "/api/contacts/nope/primary", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "primary unknown")
	rr = f.do(t, http.MethodGet, "/api/contacts/"+dad["id"].(string), nil)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET single contact")
	rr = f.do(t, http.MethodDelete, "/api/contacts/", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing id")
}

func TestSettingsHandler(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/settings", nil)
	got := testutil.AssertJSONResponse(t, rr, "ok")["result"].(map[string]interface{})
	if got["auto_call_enabled"] != true || got["voice_locale"] != "en-US" {
		t.Errorf("unexpected default settings: %v", got)
	}

	rr = f.do(t, http.MethodPut, "/api/settings", map[string]interface{}{"auto_call_enabled": false, "voice_locale": "de-DE"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update settings")

	reloaded, err := settings.Load(f.store)
	if err != nil {
		t.Fatalf("settings.Load failed: %v", err)
	}
	s := reloaded.Get()
	if s.AutoCallEnabled || s.VoiceLocale != "de-DE" || !s.ShakeEnabled {
		t.Errorf("expected partial update persisted, got %+v", s)
	}

	rr = f.do(t, http.MethodDelete, "/api/settings", nil)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "DELETE settings")
}

func TestLocationHandler(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/location", map[string]float64{"lat": 10, "lng": 20, "accuracy": 5})
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "push fix")
	fix, ok := f.tracker.Last()
	if !ok || fix.Lat != 10 || fix.Lng != 20 || fix.Accuracy != 5 || !fix.Timestamp.Equal(f.clock.Now()) {
		t.Errorf("unexpected fix: %+v", fix)
	}

	f.do(t, http.MethodPost, "/api/location", map[string]float64{"lat": -33.5, "lng": 151.2})
	if fix, _ := f.tracker.Last(); fix.Accuracy != -1 {
		t.Errorf("expected unknown accuracy, got %v", fix.Accuracy)
	}

	bad := []interface{}{
		map[string]float64{"lat": 91, "lng": 0},
		map[string]float64{"lat": 0, "lng": -181},
		map[string]float64{"lat": 1},
	}
	for _, body := range bad {
		rr = f.do(t, http.MethodPost, "/api/location", body)
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid fix")
	}
}

func TestHistoryHandlers(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	testutil.SeedHistory(t, f.store, "ep-old", start)
	testutil.SeedHistory(t, f.store, "ep-new", start.Add(24*time.Hour))

	rr := f.do(t, http.MethodGet, "/api/episodes?limit=1", nil)
	episodes := testutil.AssertJSONResponse(t, rr, "ok")["result"].([]interface{})
	if len(episodes) != 1 || episodes[0].(map[string]interface{})["id"] != "ep-new" {
		t.Errorf("expected most recent episode only, got %v", episodes)
	}
	rr = f.do(t, http.MethodGet, "/api/episodes?limit=zero", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad limit")

	rr = f.do(t, http.MethodGet, "/api/receipts?episode_id=ep-old", nil)
	if receipts := testutil.AssertJSONResponse(t, rr, "ok")["result"].([]interface{}); len(receipts) != 3 {
		t.Errorf("expected 3 receipts, got %d", len(receipts))
	}
	rr = f.do(t, http.MethodGet, "/api/receipts", nil)
	if receipts := testutil.AssertJSONResponse(t, rr, "ok")["result"].([]interface{}); len(receipts) != 6 {
		t.Errorf("expected 6 receipts overall, got %d", len(receipts))
	}

	f.notices.Post(models.NoticeLocationUnavailable, "no fix")
	f.notices.Post(models.NoticeCallFailed, "dial failed")
	rr = f.do(t, http.MethodGet, "/api/notices?limit=1", nil)
	notices := testutil.AssertJSONResponse(t, rr, "ok")["result"].([]interface{})
	if len(notices) != 1 || notices[0].(map[string]interface{})["kind"] != string(models.NoticeCallFailed) {
		t.Errorf("expected latest notice only, got %v", notices)
	}
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t, models.Contact{ID: "c1", Name: "Mom", Phone: "555-0100"})
	rr := f.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	var body map[string]interface{}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["contacts"] != float64(1) || body["episode"] != false {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestMetricsEndpointAndInstrumentation(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodDelete, "/api/contacts/abc", nil)
	f.do(t, http.MethodGet, "/api/sos/status", nil)

	if n := promtest.CollectAndCount(f.metrics.HTTPRequestsTotal); n != 2 {
		t.Errorf("expected two request series, got %d", n)
	}

	rr := f.do(t, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), `path="/api/contacts/{id}"`) {
		t.Errorf("expected collapsed contact route label in metrics output")
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/api/contacts":             "/api/contacts",
		"/api/contacts/abc":         "/api/contacts/{id}",
		"/api/contacts/abc/primary": "/api/contacts/{id}/primary",
		"/api/sos/trigger":          "/api/sos/trigger",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
