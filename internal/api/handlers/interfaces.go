// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"context"
	"time"

	"github.com/Simerblur/online-data-mining/internal/storage"
)

// Dataset is the read side of the movie store.
type Dataset interface {
	HealthChecker
	Counts(ctx context.Context) (storage.Counts, error)
	StatusSummary(ctx context.Context) (map[string]map[storage.Status]int64, error)
	ExistingMovieKeys(ctx context.Context, limit int) ([]storage.MovieRef, error)
	ExportRows(ctx context.Context) ([]storage.ExportRow, error)
}

// ObjectStorage is the part of the object store the export handlers need.
type ObjectStorage interface {
	HealthChecker
	GenerateSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// MetricsSource reports a snapshot of named counters.
type MetricsSource func() any
