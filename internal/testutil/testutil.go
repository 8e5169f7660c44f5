// Package testutil provides common test utilities and helpers for SOSPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/store"
)

// DefaultWaitTimeout bounds WaitFor.
const DefaultWaitTimeout = 2 * time.Second

// NewSeededStore returns an in-memory store holding the given contacts in order.
func NewSeededStore(t *testing.T, contacts ...models.Contact) *store.InMemoryStore {
	t.Helper()
	st := store.NewInMemoryStore()
	for _, c := range contacts {
		if err := st.AddContact(c); err != nil {
			t.Fatalf("failed to seed contact %q: %v", c.ID, err)
		}
	}
	return st
}

// WaitFor polls cond until it holds or DefaultWaitTimeout passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(DefaultWaitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertReceiptCount validates the number of receipts stored for an episode.
// An empty episodeID counts all receipts.
func AssertReceiptCount(t *testing.T, st store.Store, episodeID string, expected int, context string) {
	t.Helper()
	receipts, err := st.GetReceipts(episodeID)
	if err != nil {
		t.Fatalf("%s: failed to get receipts: %v", context, err)
	}
	if len(receipts) != expected {
		t.Errorf("%s: expected %d receipts, got %d", context, expected, len(receipts))
	}
}

// SeedHistory adds a finished episode with one receipt per kind.
func SeedHistory(t *testing.T, st store.Store, episodeID string, startedAt time.Time) {
	t.Helper()
	ended := startedAt.Add(10 * time.Minute)
	rec := models.EpisodeRecord{
		ID:            episodeID,
		TriggerSource: models.TriggerSourceManual,
		StartedAt:     startedAt,
		EndedAt:       &ended,
	}
	if err := st.SaveEpisode(rec); err != nil {
		t.Fatalf("failed to add test episode: %v", err)
	}

	kinds := []models.NotificationKind{
		models.NotificationKindActivation,
		models.NotificationKindUpdate,
		models.NotificationKindDeactivation,
	}
	for i, kind := range kinds {
		r := models.Receipt{
			EpisodeID: episodeID,
			To:        "5550100",
			Kind:      kind,
			Channel:   "sms",
			Status:    models.MessageStatusSent,
			Time:      startedAt.Add(time.Duration(i) * time.Minute).Unix(),
		}
		if err := st.AddReceipt(r); err != nil {
			t.Fatalf("failed to add test receipt: %v", err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
