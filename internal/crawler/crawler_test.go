package crawler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/pagination"
	"github.com/Simerblur/online-data-mining/internal/retry"
	"github.com/Simerblur/online-data-mining/internal/storage"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

type fakePages struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls map[string]int
}

func newFakePages() *fakePages {
	return &fakePages{pages: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakePages) Get(_ context.Context, kind fetch.PageKind, url string) (*fetch.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	body, ok := f.pages[url]
	if !ok {
		return nil, &fetch.StatusError{Code: 404, URL: url}
	}
	return &fetch.Page{URL: url, Kind: kind, Status: 200, Body: []byte(body), FetchedAt: time.Now()}, nil
}

type fakeLister struct {
	links  []string
	err    error
	closed int
}

func (l *fakeLister) Close() { l.closed++ }

func (l *fakeLister) Walk(_ context.Context, target int, emit func(string) error) (pagination.Result, error) {
	res := pagination.Result{Reason: pagination.ReasonExhausted}
	for _, link := range l.links {
		if res.Links == target {
			res.Reason = pagination.ReasonTarget
			break
		}
		if err := emit(link); err != nil {
			return res, err
		}
		res.Links++
	}
	return res, l.err
}

type finalizedMovie struct {
	phase  string
	id     int64
	status string
}

type fakeNotifier struct {
	mu     sync.Mutex
	movies []finalizedMovie
}

func (n *fakeNotifier) Finalized(_ context.Context, phase string, movieID int64, _, status string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.movies = append(n.movies, finalizedMovie{phase, movieID, status})
	return nil
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := storage.New(db, storage.DialectSQLite, logger.Discard())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newDeps(t *testing.T, pages *fakePages, budget int) (*Deps, *storage.Store, *fakeNotifier) {
	t.Helper()
	store := newStore(t)
	notifier := &fakeNotifier{}
	return &Deps{
		Pages:    pages,
		Store:    store,
		Ctrl:     retry.NewController(retry.Config{}, logger.Discard()),
		Budget:   retry.NewBudget(budget),
		Notifier: notifier,
		Log:      logger.Discard(),
	}, store, notifier
}

func i64(v int64) *int64 { return &v }

func storeMovie(t *testing.T, store *storage.Store, id int64, title string, year int64) {
	t.Helper()
	require.NoError(t, store.WriteRecord(context.Background(), &storage.MovieRecord{
		Movie: storage.Movie{ID: id, IMDbID: fmt.Sprintf("tt%07d", id), Title: title, Year: i64(year), ScrapedAt: time.Now().UTC()},
	}))
}

type stubPhase struct {
	name string
	run  func(ctx context.Context) error
	ran  bool
	mu   sync.Mutex
}

func (p *stubPhase) Name() string { return p.name }

func (p *stubPhase) Run(ctx context.Context, _ Limits) (Report, error) {
	p.mu.Lock()
	p.ran = true
	p.mu.Unlock()
	var err error
	if p.run != nil {
		err = p.run(ctx)
	}
	return Report{Phase: p.name, Finalized: 1}, err
}

func TestRunAll(t *testing.T) {
	store := newStore(t)
	imdb := &stubPhase{name: PhaseIMDb, run: func(context.Context) error {
		storeMovie(t, store, 111161, "The Shawshank Redemption", 1994)
		return nil
	}}
	bom := &stubPhase{name: PhaseBoxOffice, run: func(context.Context) error { return errors.New("boom") }}
	mc := &stubPhase{name: PhaseMetacritic}
	rt := &stubPhase{name: PhaseRottenTomatoes}

	reports, err := RunAll(context.Background(), store, imdb, []Phase{bom, mc, rt}, Limits{MaxMovies: 10}, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boxoffice phase")
	require.Len(t, reports, 4)
	assert.Equal(t, []string{PhaseIMDb, PhaseBoxOffice, PhaseMetacritic, PhaseRottenTomatoes},
		[]string{reports[0].Phase, reports[1].Phase, reports[2].Phase, reports[3].Phase})
	assert.True(t, mc.ran, "a failing enrichment phase does not stop the others")
	assert.True(t, rt.ran)
}

func TestRunAll_NeedsMovies(t *testing.T) {
	store := newStore(t)
	bom := &stubPhase{name: PhaseBoxOffice}
	mc := &stubPhase{name: PhaseMetacritic}

	_, err := RunAll(context.Background(), store, &stubPhase{name: PhaseIMDb}, []Phase{bom, mc}, Limits{}, logger.Discard())
	assert.ErrorIs(t, err, ErrNoMovies)
	assert.False(t, bom.ran)
	assert.False(t, mc.ran)

	failing := &stubPhase{name: PhaseIMDb, run: func(context.Context) error { return ErrAborted }}
	_, err = RunAll(context.Background(), store, failing, []Phase{bom, mc}, Limits{}, logger.Discard())
	assert.ErrorIs(t, err, ErrAborted)
	assert.False(t, bom.ran)
}

func TestReportSeen(t *testing.T) {
	r := Report{Finalized: 3, Partial: 1, Incomplete: 2, Skipped: 1}
	assert.Equal(t, 6, r.Seen())
}
