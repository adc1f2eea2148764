package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"

	"github.com/Simerblur/online-data-mining/internal/crawler"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// bars keeps one progress bar per phase. Enrichment phases run
// concurrently, so bars are created lazily under a lock.
type bars struct {
	mu       sync.Mutex
	total    int
	disabled bool
	byPhase  map[string]*progressbar.ProgressBar
}

func newBars(total int, disabled bool) *bars {
	if total <= 0 {
		total = -1
	}
	return &bars{total: total, disabled: disabled, byPhase: make(map[string]*progressbar.ProgressBar)}
}

func (b *bars) tick(phase string) {
	if b.disabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bar, ok := b.byPhase[phase]
	if !ok {
		bar = progressbar.NewOptions(b.total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("Crawling %s", phase)),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		b.byPhase[phase] = bar
	}
	bar.Add(1)
}

func (b *bars) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bar := range b.byPhase {
		_ = bar.Finish()
	}
}

// printReports prints one row per phase.
func printReports(reports []crawler.Report) {
	if len(reports) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("=== Crawl Statistics ===")

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Phase", "Finalized", "Partial", "Resumed", "Incomplete", "Skipped", "Abandoned", "Reviews", "Duration", "Aborted"})
	for _, r := range reports {
		t.AppendRow(table.Row{
			r.Phase, r.Finalized, r.Partial, r.Resumed, r.Incomplete, r.Skipped, r.Abandoned,
			r.Reviews, r.Duration.Round(time.Millisecond), r.Aborted,
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// printStatus prints table sizes and per-phase status counts.
func printStatus(ctx context.Context, store *storage.Store) error {
	c, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	summary, err := store.StatusSummary(ctx)
	if err != nil {
		return err
	}

	fmt.Println("=== Stored Data ===")
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Movies", "People", "Genres", "Reviews", "Financials", "Metacritic", "Rotten Tomatoes"})
	t.AppendRow(table.Row{c.Movies, c.People, c.Genres, c.Reviews, c.Financials, c.Metacritic, c.RottenTomatoes})
	t.SetStyle(table.StyleRounded)
	t.Render()

	fmt.Println()
	fmt.Println("=== Crawl Status ===")
	statuses := []storage.Status{
		storage.StatusComplete, storage.StatusPartial, storage.StatusIncomplete,
		storage.StatusSkipped, storage.StatusAbandoned,
	}
	header := table.Row{"Phase"}
	for _, s := range statuses {
		header = append(header, string(s))
	}

	st := table.NewWriter()
	st.SetOutputMirror(os.Stdout)
	st.AppendHeader(header)
	for _, phase := range storage.Phases(summary) {
		row := table.Row{phase}
		for _, s := range statuses {
			row = append(row, summary[phase][s])
		}
		st.AppendRow(row)
	}
	st.SetStyle(table.StyleRounded)
	st.Render()
	return nil
}

// printKeys prints each stored movie with the identifier every source uses for it.
func printKeys(refs []storage.MovieRef) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"IMDb", "Box Office Mojo", "Metacritic slug", "Title", "Year"})
	for _, ref := range refs {
		tt, _ := identity.Translate(ref.ID, identity.FormatIMDb)
		mojo, _ := identity.Translate(ref.ID, identity.FormatBoxOfficeMojo)
		year := ""
		if ref.Year != nil {
			year = fmt.Sprint(*ref.Year)
		}
		t.AppendRow(table.Row{tt, mojo, identity.Slug(ref.Title), ref.Title, year})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}
