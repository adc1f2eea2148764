package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/retry"
	"github.com/Simerblur/online-data-mining/internal/session"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// batchListing reveals a fixed sequence of batches. Scan returns everything
// loaded so far, the way an appended-to result list behaves.
type batchListing struct {
	batches [][]string
	// lazy listings show nothing until the first reveal.
	lazy      bool
	loaded    int
	scans     int
	scanErrs  []error
	revealErr error
}

func (b *batchListing) Scan(context.Context) ([]string, error) {
	b.scans++
	if len(b.scanErrs) > 0 {
		err := b.scanErrs[0]
		b.scanErrs = b.scanErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if b.loaded == 0 && len(b.batches) > 0 && !b.lazy {
		b.loaded = 1
	}
	var out []string
	for _, batch := range b.batches[:b.loaded] {
		out = append(out, batch...)
	}
	return out, nil
}

func (b *batchListing) Reveal(context.Context) (bool, error) {
	if b.revealErr != nil {
		return false, b.revealErr
	}
	if b.loaded >= len(b.batches) {
		return false, nil
	}
	b.loaded++
	return true, nil
}

func titles(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("/title/tt%07d/?ref_=sr_t_%d", from+i, from+i)
	}
	return out
}

func newWalker(src Revealer, cfg Config) *Walker {
	ctrl := retry.NewController(retry.Config{MaxRetries: 2}, logger.Discard())
	return NewWalker(src, IMDbTitle, ctrl, cfg, logger.Discard())
}

func collect(out *[]string) func(string) error {
	return func(link string) error {
		*out = append(*out, link)
		return nil
	}
}

func TestWalk_StopsExactlyAtTarget(t *testing.T) {
	src := &batchListing{batches: [][]string{titles(1, 50), titles(51, 50), titles(101, 20)}}
	w := newWalker(src, Config{StableRounds: 3})

	var got []string
	res, err := w.Walk(context.Background(), 100, collect(&got))
	require.NoError(t, err)

	assert.Len(t, got, 100)
	assert.Equal(t, 100, res.Links)
	assert.Equal(t, 1, res.Reveals)
	assert.Equal(t, ReasonTarget, res.Reason)
	assert.Equal(t, 2, src.loaded, "third batch never requested")
	assert.Equal(t, "https://www.imdb.com/title/tt0000001/", got[0])
	assert.Equal(t, "https://www.imdb.com/title/tt0000100/", got[99])
}

func TestWalk_EmptyListingStopsAfterSecondReveal(t *testing.T) {
	src := &batchListing{lazy: true, batches: [][]string{titles(1, 50), titles(51, 50), titles(101, 20)}}
	w := newWalker(src, Config{StableRounds: 3})

	var got []string
	res, err := w.Walk(context.Background(), 100, collect(&got))
	require.NoError(t, err)

	assert.Len(t, got, 100)
	assert.Equal(t, 2, res.Reveals)
	assert.Equal(t, ReasonTarget, res.Reason)
	assert.Equal(t, 2, src.loaded)
	assert.Equal(t, 3, src.scans)
	assert.Equal(t, "https://www.imdb.com/title/tt0000100/", got[99])
}

func TestWalk_ExcessLinksDiscardedButNotLost(t *testing.T) {
	src := &batchListing{batches: [][]string{titles(1, 50), titles(51, 50)}}
	w := newWalker(src, Config{StableRounds: 3})

	var first, second []string
	res, err := w.Walk(context.Background(), 30, collect(&first))
	require.NoError(t, err)
	assert.Equal(t, 30, res.Links)
	assert.Equal(t, 30, w.Seen())

	res, err = w.Walk(context.Background(), 40, collect(&second))
	require.NoError(t, err)
	assert.Equal(t, 40, res.Links)
	assert.Equal(t, 1, res.Reveals)

	seen := map[string]bool{}
	for _, l := range append(first, second...) {
		require.False(t, seen[l], "re-emitted %s", l)
		seen[l] = true
	}
	assert.Len(t, seen, 70)
	assert.Equal(t, "https://www.imdb.com/title/tt0000031/", second[0])
}

func TestWalk_TerminatesWhenListingStopsGrowing(t *testing.T) {
	// every reveal "succeeds" but nothing new ever appears
	src := &stuckListing{links: titles(1, 10)}
	w := newWalker(src, Config{StableRounds: 3})

	var got []string
	res, err := w.Walk(context.Background(), 100, collect(&got))
	require.NoError(t, err)

	assert.Len(t, got, 10)
	assert.Equal(t, ReasonStable, res.Reason)
	assert.Equal(t, 3, res.Reveals)
}

type stuckListing struct{ links []string }

func (s *stuckListing) Scan(context.Context) ([]string, error) { return s.links, nil }
func (s *stuckListing) Reveal(context.Context) (bool, error) { return true, nil }

func TestWalk_ListingExhausted(t *testing.T) {
	src := &batchListing{batches: [][]string{titles(1, 50), titles(51, 20)}}
	w := newWalker(src, Config{StableRounds: 3})

	var got []string
	res, err := w.Walk(context.Background(), 100, collect(&got))
	require.NoError(t, err)
	assert.Len(t, got, 70)
	assert.Equal(t, ReasonExhausted, res.Reason)

	// a finished listing is not revealed again
	res, err = w.Walk(context.Background(), 10, collect(&got))
	require.NoError(t, err)
	assert.Zero(t, res.Links)
	assert.Equal(t, ReasonExhausted, res.Reason)
}

func TestWalk_MaxRevealsCap(t *testing.T) {
	batches := make([][]string, 20)
	for i := range batches {
		batches[i] = titles(i*10+1, 10)
	}
	src := &batchListing{batches: batches}
	w := newWalker(src, Config{StableRounds: 3, MaxReveals: 4})

	res, err := w.Walk(context.Background(), 1000, func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 50, res.Links)
	assert.Equal(t, 4, res.Reveals)
	assert.Equal(t, ReasonExhausted, res.Reason)
}

func TestWalk_DeduplicatesCanonicalForms(t *testing.T) {
	src := &batchListing{batches: [][]string{{
		"/title/tt0111161/?ref_=sr_t_1",
		"https://www.imdb.com/title/tt0111161/",
		"https://m.imdb.com/title/tt0111161/reviews",
		"/name/nm0000209/",
		"/title/tt0068646/",
	}}}
	w := newWalker(src, Config{StableRounds: 1})

	var got []string
	_, err := w.Walk(context.Background(), 10, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.imdb.com/title/tt0111161/",
		"https://www.imdb.com/title/tt0068646/",
	}, got)
}

func TestWalk_RetriesTransientScanFailure(t *testing.T) {
	src := &batchListing{
		batches:  [][]string{titles(1, 5)},
		scanErrs: []error{fetch.ErrTimeout},
	}
	w := newWalker(src, Config{StableRounds: 1})

	res, err := w.Walk(context.Background(), 5, func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 5, res.Links)
	assert.Equal(t, 2, src.scans)
}

func TestWalk_TerminalRevealFailure(t *testing.T) {
	src := &batchListing{
		batches:   [][]string{titles(1, 5), titles(6, 5)},
		revealErr: &fetch.StatusError{Code: 404},
	}
	w := newWalker(src, Config{StableRounds: 1})

	res, err := w.Walk(context.Background(), 10, func(string) error { return nil })
	var status *fetch.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 5, res.Links)
}

func TestWalk_EmitErrorStops(t *testing.T) {
	src := &batchListing{batches: [][]string{titles(1, 10)}}
	w := newWalker(src, Config{StableRounds: 1})

	stop := errors.New("writer failed")
	n := 0
	res, err := w.Walk(context.Background(), 10, func(string) error {
		n++
		if n == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, res.Links)
}

func TestCanonicalizers(t *testing.T) {
	tests := []struct {
		canon Canonicalizer
		in    string
		want  string
		ok    bool
	}{
		{IMDbTitle, "/title/tt0111161/?ref_=sr_t_1", "https://www.imdb.com/title/tt0111161/", true},
		{IMDbTitle, "HTTPS://WWW.IMDB.COM/title/tt10872600/#x", "https://www.imdb.com/title/tt10872600/", true},
		{IMDbTitle, "https://imdb.com/title/tt0068646", "https://www.imdb.com/title/tt0068646/", true},
		{IMDbTitle, "https://evil.example/title/tt0068646/", "", false},
		{IMDbTitle, "/search/title/?title_type=feature", "", false},
		{MetacriticMovie, "/movie/the-shawshank-redemption/critic-reviews/?page=2", "https://www.metacritic.com/movie/the-shawshank-redemption/", true},
		{MetacriticMovie, "/browse/movie/", "", false},
		{RottenTomatoesMovie, "/m/shawshank_redemption?ref=browse", "https://www.rottentomatoes.com/m/shawshank_redemption", true},
		{RottenTomatoesMovie, "https://rottentomatoes.com/m/heat_1995/reviews?type=user", "https://www.rottentomatoes.com/m/heat_1995", true},
		{RottenTomatoesMovie, "/tv/the_bear", "", false},
	}
	for _, tt := range tests {
		got, ok := tt.canon(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

type pageGetter struct {
	pages map[string]string
	calls []string
}

func (g *pageGetter) Get(_ context.Context, kind fetch.PageKind, url string) (*fetch.Page, error) {
	g.calls = append(g.calls, url)
	body, ok := g.pages[url]
	if !ok {
		body = "<html><body></body></html>"
	}
	return &fetch.Page{URL: url, Kind: kind, Status: 200, Body: []byte(body)}, nil
}

func TestPagedListing(t *testing.T) {
	layout := "https://www.metacritic.com/browse/movie/?page=%d"
	getter := &pageGetter{pages: map[string]string{
		fmt.Sprintf(layout, 1): `<a href="/movie/the-godfather/">a</a><a href="/movie/parasite/">b</a>`,
		fmt.Sprintf(layout, 2): `<a href="/movie/parasite/">b</a><a href="/movie/up/">c</a><a href="/browse/tv/">x</a>`,
	}}
	listing := NewPagedListing(getter, fetch.KindMetacriticBrowse, layout, MetacriticLinkSelector, 1)
	ctrl := retry.NewController(retry.Config{}, logger.Discard())
	w := NewWalker(listing, MetacriticMovie, ctrl, Config{StableRounds: 2}, logger.Discard())

	var got []string
	res, err := w.Walk(context.Background(), 10, collect(&got))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://www.metacritic.com/movie/the-godfather/",
		"https://www.metacritic.com/movie/parasite/",
		"https://www.metacritic.com/movie/up/",
	}, got)
	assert.Equal(t, ReasonExhausted, res.Reason)
	assert.Len(t, getter.calls, 3)
}

// listingBrowser renders a search page whose results grow one batch per
// "more" click.
type listingBrowser struct {
	mu      sync.Mutex
	batches [][]string
	loaded  int
	visited []string
	closed  bool
}

func (b *listingBrowser) Navigate(_ context.Context, url string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.visited = append(b.visited, url)
	b.loaded = 1
	return 200, nil
}

func (b *listingBrowser) Evaluate(_ context.Context, _ string, res any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch r := res.(type) {
	case *[]string:
		*r = nil
		for _, batch := range b.batches[:b.loaded] {
			for _, href := range batch {
				*r = append(*r, "https://www.imdb.com"+href)
			}
		}
	case *bool:
		*r = b.loaded < len(b.batches)
		if *r {
			b.loaded++
		}
	}
	return nil
}

func (b *listingBrowser) OuterHTML(context.Context) (string, error) {
	return "<html><body><a href=\"/movie/heat/\">Heat</a></body></html>", nil
}

func (b *listingBrowser) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *listingBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type listingLauncher struct {
	mu       sync.Mutex
	browsers []*listingBrowser
	batches  [][]string
}

func (l *listingLauncher) Launch(context.Context) (session.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := &listingBrowser{batches: l.batches}
	l.browsers = append(l.browsers, b)
	return b, nil
}

func (l *listingLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.browsers)
}

func newBrowserWalker(t *testing.T, batches [][]string) (*Walker, *session.Manager, *listingLauncher, *retry.Controller) {
	t.Helper()
	launcher := &listingLauncher{batches: batches}
	mgr := session.NewManager(session.Config{MaxReconnects: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, launcher, logger.Discard())
	t.Cleanup(func() { mgr.Close() })

	ctrl := retry.NewController(retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond}, logger.Discard(),
		retry.WithReset(func(ctx context.Context, _ error) error { return mgr.Reset(ctx) }),
	)
	listing := NewBrowserListing(mgr, fetch.KindIMDbSearch, "https://www.imdb.com/search/title/", IMDbLinkSelector, WithSettle(time.Millisecond))
	return NewWalker(listing, IMDbTitle, ctrl, Config{Domain: "imdb.com", StableRounds: 2}, logger.Discard()), mgr, launcher, ctrl
}

func TestBrowserListing_ChallengeDuringWalkDoesNotBlock(t *testing.T) {
	tests := []struct {
		name       string
		rendered   bool
		wantLaunch int
	}{
		{name: "light fetch challenge keeps the browser", rendered: false, wantLaunch: 1},
		{name: "rendered challenge replaces it after the walk", rendered: true, wantLaunch: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, mgr, launcher, ctrl := newBrowserWalker(t, [][]string{titles(1, 3), titles(4, 3)})
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			challenged := false
			var got []string
			res, err := w.Walk(ctx, 5, func(link string) error {
				got = append(got, link)
				return ctrl.Do(ctx, "imdb.com", func(context.Context) error {
					if !challenged {
						challenged = true
						return &fetch.ChallengeError{Code: 403, URL: link, Reason: "aws-waf", Rendered: tt.rendered}
					}
					return nil
				})
			})
			require.NoError(t, err)
			assert.Len(t, got, 5)
			assert.Equal(t, ReasonTarget, res.Reason)
			assert.Equal(t, tt.rendered, mgr.ResetPending())
			assert.Equal(t, 1, launcher.launched(), "no browser is replaced while the listing holds it")

			w.Close()
			s, err := mgr.Acquire(ctx)
			require.NoError(t, err)
			mgr.Release(s, session.FaultNone)
			assert.Equal(t, tt.wantLaunch, launcher.launched())
		})
	}
}

func TestBrowserListing_RenderAfterWalk(t *testing.T) {
	w, mgr, _, _ := newBrowserWalker(t, [][]string{titles(1, 2)})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := w.Walk(ctx, 2, func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, res.Links)
	assert.Equal(t, session.Busy, mgr.State(), "the listing holds the session during its walk")

	w.Close()
	assert.Equal(t, session.Ready, mgr.State())

	router := fetch.NewRouter(mgr, nil, logger.Discard())
	page, err := router.Get(ctx, fetch.KindMetacriticBrowse, "https://www.metacritic.com/browse/movie/?page=0")
	require.NoError(t, err)
	assert.True(t, page.Rendered)
	assert.Contains(t, string(page.Body), "/movie/heat/")
}
