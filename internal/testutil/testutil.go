// Package testutil provides common test utilities and helpers for RoutinePipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/flow"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
)

// TB is the subset of testing.TB the helpers use, so they can be exercised with a fake.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// Stack is a complete in-memory dialogue stack.
type Stack struct {
	Store      *store.InMemoryStore
	States     *flow.StoreBasedStateManager
	Engine     *flow.Engine
	Dispatcher *flow.Dispatcher
}

// NewStack wires an engine and dispatcher over a fresh in-memory store.
func NewStack(opts ...flow.EngineOption) *Stack {
	st := store.NewInMemoryStore()
	states := flow.NewStoreBasedStateManager(st)
	engine := flow.NewEngine(states, st, opts...)
	return &Stack{
		Store:      st,
		States:     states,
		Engine:     engine,
		Dispatcher: flow.NewDispatcher(engine, states, st),
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the JSON envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
		return response
	}
	if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// DecodeResult decodes the result field of a JSON envelope into T.
func DecodeResult[T any](t TB, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Result T `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	return envelope.Result
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		reqBody.Write(MustMarshalJSON(t, body))
	}
	req := httptest.NewRequest(method, url, &reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// SeedRecords stores one flexible task and one hobby for userID.
func SeedRecords(t TB, st store.Store, userID string) {
	t.Helper()
	task := models.Task{
		TaskName:       "Morning run",
		TimeRequired:   30 * time.Minute,
		DaysAssociated: []string{"Monday", "Thursday"},
		Priority:       models.PriorityMedium,
	}
	if _, err := st.CreateTask(userID, task); err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}
	if _, err := st.CreateHobby(userID, "Chess", "Games"); err != nil {
		t.Fatalf("failed to seed hobby: %v", err)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
