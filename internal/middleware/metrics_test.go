package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockMetricsRecorder struct {
	records []metricRecord
}

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func (m *mockMetricsRecorder) record(method, endpoint, status string, duration time.Duration) {
	m.records = append(m.records, metricRecord{
		method:   method,
		endpoint: endpoint,
		status:   status,
		duration: duration,
	})
}

func (m *mockMetricsRecorder) reset() {
	m.records = []metricRecord{}
}

var mockRecorder = &mockMetricsRecorder{}

func setupMock() func() {
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		mockRecorder.record(method, endpoint, status, duration)
	}
	return func() { recordHTTPRequest = original }
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	tests := []struct {
		name           string
		statusCode     int
		expectedStatus int
	}{
		{
			name:           "sets status code 200",
			statusCode:     http.StatusOK,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "sets status code 404",
			statusCode:     http.StatusNotFound,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "sets status code 500",
			statusCode:     http.StatusInternalServerError,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := &responseWriter{
				ResponseWriter: rec,
				statusCode:     http.StatusOK,
			}

			rw.WriteHeader(tt.statusCode)

			if rw.statusCode != tt.expectedStatus {
				t.Errorf("expected status code %d, got %d", tt.expectedStatus, rw.statusCode)
			}

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected underlying response writer status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func TestResponseWriter_DefaultStatusCode(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: rec,
		statusCode:     http.StatusOK,
	}

	if rw.statusCode != http.StatusOK {
		t.Errorf("expected default status code %d, got %d", http.StatusOK, rw.statusCode)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{
			name:     "task by id",
			path:     "/api/tasks/123",
			expected: "/api/tasks/:id",
		},
		{
			name:     "task log",
			path:     "/api/tasks/123/log",
			expected: "/api/tasks/:id/log",
		},
		{
			name:     "task complete",
			path:     "/api/tasks/42/complete",
			expected: "/api/tasks/:id/complete",
		},
		{
			name:     "claim keeps its own label",
			path:     "/api/tasks/claim",
			expected: "/api/tasks/claim",
		},
		{
			name:     "unknown task action (should not normalize)",
			path:     "/api/tasks/123/cancel",
			expected: "/api/tasks/123/cancel",
		},
		{
			name:     "api tasks list",
			path:     "/api/tasks",
			expected: "/api/tasks",
		},
		{
			name:     "task types",
			path:     "/api/task-types",
			expected: "/api/task-types",
		},
		{
			name:     "quota endpoint",
			path:     "/api/quota",
			expected: "/api/quota",
		},
		{
			name:     "dashboard stats",
			path:     "/api/dashboard/stats",
			expected: "/api/dashboard/stats",
		},
		{
			name:     "dashboard workers",
			path:     "/api/dashboard/workers",
			expected: "/api/dashboard/workers",
		},
		{
			name:     "root path",
			path:     "/",
			expected: "/",
		},
		{
			name:     "health endpoint",
			path:     "/health",
			expected: "/health",
		},
		{
			name:     "metrics endpoint",
			path:     "/metrics",
			expected: "/metrics",
		},
		{
			name:     "unknown endpoint",
			path:     "/api/unknown/path",
			expected: "/api/unknown/path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizeEndpoint(tt.path)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	tests := []struct {
		name               string
		method             string
		path               string
		handlerStatusCode  int
		expectedMethod     string
		expectedEndpoint   string
		expectedStatusCode string
	}{
		{
			name:               "GET task by id with 200",
			method:             http.MethodGet,
			path:               "/api/tasks/123",
			handlerStatusCode:  http.StatusOK,
			expectedMethod:     http.MethodGet,
			expectedEndpoint:   "/api/tasks/:id",
			expectedStatusCode: "200",
		},
		{
			name:               "POST task with 201",
			method:             http.MethodPost,
			path:               "/api/tasks",
			handlerStatusCode:  http.StatusCreated,
			expectedMethod:     http.MethodPost,
			expectedEndpoint:   "/api/tasks",
			expectedStatusCode: "201",
		},
		{
			name:               "POST claim with 404",
			method:             http.MethodPost,
			path:               "/api/tasks/claim",
			handlerStatusCode:  http.StatusNotFound,
			expectedMethod:     http.MethodPost,
			expectedEndpoint:   "/api/tasks/claim",
			expectedStatusCode: "404",
		},
		{
			name:               "POST complete with 200",
			method:             http.MethodPost,
			path:               "/api/tasks/42/complete",
			handlerStatusCode:  http.StatusOK,
			expectedMethod:     http.MethodPost,
			expectedEndpoint:   "/api/tasks/:id/complete",
			expectedStatusCode: "200",
		},
		{
			name:               "internal server error",
			method:             http.MethodGet,
			path:               "/api/tasks/123",
			handlerStatusCode:  http.StatusInternalServerError,
			expectedMethod:     http.MethodGet,
			expectedEndpoint:   "/api/tasks/:id",
			expectedStatusCode: "500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRecorder.reset()

			testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.handlerStatusCode)
				_, _ = w.Write([]byte("test response"))
			})

			handler := MetricsMiddleware(testHandler)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.handlerStatusCode {
				t.Errorf("expected status code %d, got %d", tt.handlerStatusCode, rec.Code)
			}

			if len(mockRecorder.records) != 1 {
				t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
			}

			m := mockRecorder.records[0]
			if m.method != tt.expectedMethod {
				t.Errorf("expected method %q, got %q", tt.expectedMethod, m.method)
			}
			if m.endpoint != tt.expectedEndpoint {
				t.Errorf("expected endpoint %q, got %q", tt.expectedEndpoint, m.endpoint)
			}
			if m.status != tt.expectedStatusCode {
				t.Errorf("expected status %q, got %q", tt.expectedStatusCode, m.status)
			}
			if m.duration <= 0 {
				t.Error("expected duration > 0")
			}
		})
	}
}

func TestMetricsMiddleware_CallsNextHandler(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	mockRecorder.reset()
	handlerCalled := false

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	handler := MetricsMiddleware(testHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !handlerCalled {
		t.Error("expected next handler to be called")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	mockRecorder.reset()
	delay := 50 * time.Millisecond

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	})

	handler := MetricsMiddleware(testHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if len(mockRecorder.records) != 1 {
		t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
	}

	recorded := mockRecorder.records[0]
	if recorded.duration < delay {
		t.Errorf("expected duration >= %v, got %v", delay, recorded.duration)
	}
}
