package otel

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareWithStatus(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusInternalServerError} {
		h := MiddlewareWithStatus()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, code, rec.Code)
	}
}

func TestMiddlewareWithStatus_PreservesFlusher(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MiddlewareWithStatus())
	var flushable bool
	r.Get("/v1/agents/{agentID}/stream", func(w http.ResponseWriter, _ *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents/a1/stream", nil))
	assert.True(t, flushable)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup("archestra", "test", false)
	assert.NoError(t, err)
	assert.NoError(t, shutdown(t.Context()))
}

func TestTraceContextFrom_NoSpan(t *testing.T) {
	traceID, spanID := TraceContextFrom(t.Context())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}
