package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simerblur/online-data-mining/internal/api/handlers"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

type emptyDataset struct{}

func (emptyDataset) Health(context.Context) error { return nil }
func (emptyDataset) Counts(context.Context) (storage.Counts, error) {
	return storage.Counts{}, nil
}
func (emptyDataset) StatusSummary(context.Context) (map[string]map[storage.Status]int64, error) {
	return map[string]map[storage.Status]int64{}, nil
}
func (emptyDataset) ExistingMovieKeys(context.Context, int) ([]storage.MovieRef, error) {
	return nil, nil
}
func (emptyDataset) ExportRows(context.Context) ([]storage.ExportRow, error) { return nil, nil }

func TestNewRouter(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.RateLimitConfig.Exports.Requests = 1

	r := NewRouter(Dependencies{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dataset: emptyDataset{},
		Metrics: map[string]handlers.MetricsSource{
			"phase_worker": func() any { return map[string]int64{"jobs_processed": 0} },
		},
	}, cfg)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/status", http.StatusOK},
		{"/api/v1/movies", http.StatusOK},
		{"/api/v1/exports/run-1/movies.csv", http.StatusServiceUnavailable},
		{"/api/v1/exports/run-1", http.StatusServiceUnavailable},
		{"/api/v1/runs/run-1/report", http.StatusServiceUnavailable},
		{"/api/v1/export/movies.csv", http.StatusOK},
		{"/api/v1/export/movies.csv", http.StatusTooManyRequests},
		{"/api/v1/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, get(tt.path).Code, tt.path)
	}

	rec := get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rate_limiter"`)
	assert.Contains(t, rec.Body.String(), `"export_rejected":1`)
}

func TestFormatAddr(t *testing.T) {
	assert.Equal(t, ":8081", formatAddr("", 8081))
	assert.Equal(t, "127.0.0.1:9000", formatAddr("127.0.0.1", 9000))
}
