package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Simerblur/online-data-mining/internal/export"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// SignedURLExpiry is the lifetime of export download links.
const SignedURLExpiry = 1 * time.Hour

const (
	defaultLimit = 50
	maxLimit     = 500
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Counts storage.Counts                       `json:"counts"`
	Phases map[string]map[storage.Status]int64 `json:"phases"`
}

// MovieSummary is one stored movie with its per-source identifiers.
type MovieSummary struct {
	ID             int64  `json:"movie_id"`
	IMDbID         string `json:"imdb_id"`
	Title          string `json:"title"`
	Year           *int64 `json:"year,omitempty"`
	MetacriticSlug string `json:"metacritic_slug"`
}

// CrawlStatus returns a handler that reports table sizes and per-phase
// status counts.
// GET /api/v1/status
func CrawlStatus(ds Dataset, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		counts, err := ds.Counts(ctx)
		if err != nil {
			logger.Error("failed to count rows", "error", err)
			RespondInternalError(w, "Failed to read crawl status")
			return
		}
		phases, err := ds.StatusSummary(ctx)
		if err != nil {
			logger.Error("failed to summarize status", "error", err)
			RespondInternalError(w, "Failed to read crawl status")
			return
		}

		RespondJSON(w, http.StatusOK, StatusResponse{Counts: counts, Phases: phases})
	}
}

// ListMovies returns a handler that pages through stored movies in id order.
// GET /api/v1/movies?limit=50&offset=0
func ListMovies(ds Dataset, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", defaultLimit)
		if err != nil || limit <= 0 {
			RespondBadRequest(w, "limit must be a positive integer")
			return
		}
		if limit > maxLimit {
			limit = maxLimit
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			RespondBadRequest(w, "offset must be a non-negative integer")
			return
		}

		refs, err := ds.ExistingMovieKeys(r.Context(), 0)
		if err != nil {
			logger.Error("failed to list movies", "error", err)
			RespondInternalError(w, "Failed to list movies")
			return
		}

		page := []MovieSummary{}
		for i := offset; i < len(refs) && i < offset+limit; i++ {
			page = append(page, summarize(refs[i]))
		}

		RespondJSON(w, http.StatusOK, PaginatedResponse{
			Data: page,
			Pagination: Pagination{
				Total:   len(refs),
				Limit:   limit,
				Offset:  offset,
				HasMore: offset+limit < len(refs),
			},
		})
	}
}

// ExportMovies returns a handler that renders the movie CSV from the store.
// GET /api/v1/export/movies.csv
func ExportMovies(ds Dataset, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, n, err := export.Movies(r.Context(), ds)
		if err != nil {
			logger.Error("failed to render export", "error", err)
			RespondInternalError(w, "Failed to render export")
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="movies.csv"`)
		w.Header().Set("X-Movie-Count", strconv.Itoa(n))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

// DownloadExport returns a handler that redirects to a signed URL for an
// uploaded export.
// GET /api/v1/exports/{run}/{name}
func DownloadExport(objects ObjectStorage, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if objects == nil {
			RespondServiceUnavailable(w, "Object storage not configured")
			return
		}

		runID, name := chi.URLParam(r, "run"), chi.URLParam(r, "name")
		if !validSegment(runID) || !validSegment(name) {
			RespondBadRequest(w, "Invalid export path")
			return
		}
		key := storage.BuildExportPath(runID, name)

		ok, err := objects.Exists(r.Context(), key)
		if err != nil {
			logger.Error("failed to look up export", "key", key, "error", err)
			RespondInternalError(w, "Failed to look up export")
			return
		}
		if !ok {
			RespondNotFound(w, fmt.Sprintf("No export %s for run %s", name, runID))
			return
		}

		url, err := objects.GenerateSignedURL(r.Context(), key, SignedURLExpiry)
		if err != nil {
			logger.Error("failed to sign export URL", "key", key, "error", err)
			RespondInternalError(w, "Failed to generate download link")
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	}
}

// ExportFile is one uploaded export of a run.
type ExportFile struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListExports returns a handler that lists the exports uploaded for a run.
// GET /api/v1/exports/{run}
func ListExports(objects ObjectStorage, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if objects == nil {
			RespondServiceUnavailable(w, "Object storage not configured")
			return
		}

		runID := chi.URLParam(r, "run")
		if !validSegment(runID) {
			RespondBadRequest(w, "Invalid run id")
			return
		}
		prefix := storage.BuildExportPath(runID, "") + "/"

		infos, err := objects.List(r.Context(), prefix)
		if err != nil {
			logger.Error("failed to list exports", "prefix", prefix, "error", err)
			RespondInternalError(w, "Failed to list exports")
			return
		}
		if len(infos) == 0 {
			RespondNotFound(w, fmt.Sprintf("No exports for run %s", runID))
			return
		}

		files := make([]ExportFile, 0, len(infos))
		for _, info := range infos {
			files = append(files, ExportFile{
				Name:         strings.TrimPrefix(info.Key, prefix),
				Size:         info.Size,
				LastModified: info.LastModified,
			})
		}
		RespondJSON(w, http.StatusOK, files)
	}
}

// RunReport returns a handler that serves the phase report uploaded at the
// end of a run.
// GET /api/v1/runs/{run}/report
func RunReport(objects ObjectStorage, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if objects == nil {
			RespondServiceUnavailable(w, "Object storage not configured")
			return
		}

		runID := chi.URLParam(r, "run")
		if !validSegment(runID) {
			RespondBadRequest(w, "Invalid run id")
			return
		}
		key := storage.BuildSnapshotPath(runID, "report.json")

		ok, err := objects.Exists(r.Context(), key)
		if err != nil {
			logger.Error("failed to look up run report", "key", key, "error", err)
			RespondInternalError(w, "Failed to look up run report")
			return
		}
		if !ok {
			RespondNotFound(w, fmt.Sprintf("No report for run %s", runID))
			return
		}

		data, err := objects.Download(r.Context(), key)
		if err != nil {
			logger.Error("failed to download run report", "key", key, "error", err)
			RespondInternalError(w, "Failed to read run report")
			return
		}
		if !json.Valid(data) {
			logger.Error("run report is not valid JSON", "key", key, "bytes", len(data))
			RespondInternalError(w, "Run report is corrupt")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func summarize(ref storage.MovieRef) MovieSummary {
	tt, _ := identity.Translate(ref.ID, identity.FormatIMDb)
	return MovieSummary{
		ID:             ref.ID,
		IMDbID:         tt,
		Title:          ref.Title,
		Year:           ref.Year,
		MetacriticSlug: identity.Slug(ref.Title),
	}
}

// validSegment accepts a single path element.
func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
