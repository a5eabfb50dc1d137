package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockSourceServer is a test server that mocks the upstream activity REST API.
type MockSourceServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockSourceServer creates a new mock upstream API server. Handlers are
// keyed by URL path; unmatched paths return 404.
func NewMockSourceServer(t *testing.T) *MockSourceServer {
	t.Helper()
	m := &MockSourceServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockActivitiesResponse adds a handler that returns the given activities for
// a channel's feed endpoint.
func (m *MockSourceServer) MockActivitiesResponse(channelID string, activities []map[string]any) {
	m.Handlers["/activities/"+channelID] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(activities) //nolint:errcheck // test mock response
	}
}

// MockUnauthorized makes a channel's feed endpoint reject every request.
func (m *MockSourceServer) MockUnauthorized(channelID string) {
	m.Handlers["/activities/"+channelID] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
}
