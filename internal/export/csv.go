// Package export writes the assembled dataset to flat files.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Simerblur/online-data-mining/internal/storage"
)

// MoviesHeader is the column order of MoviesCSV.
var MoviesHeader = []string{
	"movie_id", "imdb_id", "title", "year", "user_score", "box_office", "genres",
	"directors", "budget", "worldwide_gross", "metascore", "tomatometer", "scraped_at",
}

// MoviesCSV writes one row per movie. Absent values are empty cells.
func MoviesCSV(w io.Writer, rows []storage.ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(MoviesHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.MovieID, 10),
			r.IMDbID,
			r.Title,
			intCell(r.Year),
			floatCell(r.UserScore),
			intCell(r.BoxOffice),
			r.Genres,
			r.Directors,
			intCell(r.Budget),
			intCell(r.WorldwideGross),
			intCell(r.Metascore),
			intCell(r.Tomatometer),
			r.ScrapedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write movie %d: %w", r.MovieID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// Source is where export rows come from.
type Source interface {
	ExportRows(ctx context.Context) ([]storage.ExportRow, error)
}

// Movies reads every movie from src and renders the CSV in memory.
func Movies(ctx context.Context, src Source) ([]byte, int, error) {
	rows, err := src.ExportRows(ctx)
	if err != nil {
		return nil, 0, err
	}
	var buf bytes.Buffer
	if err := MoviesCSV(&buf, rows); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(rows), nil
}

// Upload stores a rendered export under exports/<run>/<name>.
func Upload(ctx context.Context, objects storage.ObjectStorage, runID, name string, data []byte) (string, error) {
	key, err := objects.UploadReader(ctx, bytes.NewReader(data), int64(len(data)), storage.BuildExportPath(runID, name), "text/csv")
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}
	return key, nil
}

func intCell(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func floatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
