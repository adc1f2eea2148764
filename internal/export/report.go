package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Simerblur/online-data-mining/internal/crawler"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// PhaseSummary is the JSON form of a crawler.Report.
type PhaseSummary struct {
	Phase      string `json:"phase"`
	Finalized  int    `json:"finalized"`
	Incomplete int    `json:"incomplete"`
	Skipped    int    `json:"skipped"`
	Partial    int    `json:"partial"`
	Resumed    int    `json:"resumed"`
	Abandoned  int64  `json:"abandoned"`
	Reviews    int    `json:"reviews"`
	DurationMs int64  `json:"duration_ms"`
	Aborted    bool   `json:"aborted"`
}

// RunSnapshot is written once per run next to its exports.
type RunSnapshot struct {
	RunID  string         `json:"run_id"`
	Phases []PhaseSummary `json:"phases"`
}

// Snapshot converts phase reports.
func Snapshot(runID string, reports []crawler.Report) RunSnapshot {
	snap := RunSnapshot{RunID: runID, Phases: make([]PhaseSummary, 0, len(reports))}
	for _, r := range reports {
		snap.Phases = append(snap.Phases, PhaseSummary{
			Phase:      r.Phase,
			Finalized:  r.Finalized,
			Incomplete: r.Incomplete,
			Skipped:    r.Skipped,
			Partial:    r.Partial,
			Resumed:    r.Resumed,
			Abandoned:  r.Abandoned,
			Reviews:    r.Reviews,
			DurationMs: r.Duration.Milliseconds(),
			Aborted:    r.Aborted,
		})
	}
	return snap
}

// UploadReports stores the run snapshot under snapshots/<run>/report.json.
func UploadReports(ctx context.Context, objects storage.ObjectStorage, runID string, reports []crawler.Report) (string, error) {
	data, err := json.MarshalIndent(Snapshot(runID, reports), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %w", err)
	}
	key, err := objects.UploadBytes(ctx, data, storage.BuildSnapshotPath(runID, "report.json"), "application/json")
	if err != nil {
		return "", fmt.Errorf("failed to upload run report: %w", err)
	}
	return key, nil
}
