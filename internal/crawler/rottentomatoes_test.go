package crawler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simerblur/online-data-mining/internal/assemble"
	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

const shawshankRT = `<html><body>
<h1 slot="titleIntro">The Shawshank Redemption</h1>
<p slot="info">1994, Drama, 2h 22m</p>
<score-board tomatometerscore="89" audiencescore="98"></score-board>
<span data-qa="certified-fresh"></span>
</body></html>`

const shawshankRTCritics = `<html><body>
<div data-qa="review-row"><span data-qa="fresh"></span><a data-qa="review-critic-link">Roger Ebert</a><a data-qa="review-publication">Chicago Sun-Times</a><p data-qa="review-quote">A patient, beautiful film.</p><span data-qa="review-date">Sep 23, 1994</span></div>
<div data-qa="review-row"><score-icon-critic-deprecated state="rotten"></score-icon-critic-deprecated><a data-qa="review-critic-link">Some Critic</a><p data-qa="review-text">Overlong.</p></div>
</body></html>`

const shawshankRTUsers = `<html><body>
<div data-qa="user-review"><span data-qa="user-name">Sam L</span><span data-qa="star-rating" aria-label="4.5 out of 5 stars"></span><p data-qa="review-text">Timeless.</p></div>
</body></html>`

func rtPage(title string, year int) string {
	return fmt.Sprintf(`<html><body><h1 slot="titleIntro">%s</h1><span data-qa="movie-info-item-year">%d</span>
<span data-qa="tomatometer">87%%</span></body></html>`, title, year)
}

func TestRottenTomatoesPhase_Run(t *testing.T) {
	pages := newFakePages()
	pages.pages["https://www.rottentomatoes.com/m/shawshank_redemption"] = shawshankRT
	pages.pages["https://www.rottentomatoes.com/m/shawshank_redemption/reviews"] = shawshankRTCritics
	pages.pages["https://www.rottentomatoes.com/m/shawshank_redemption/reviews?type=user"] = shawshankRTUsers
	// the bare slug belongs to another film of the same name
	pages.pages["https://www.rottentomatoes.com/m/heat"] = rtPage("Heat", 1986)
	pages.pages["https://www.rottentomatoes.com/m/heat_1995"] = rtPage("Heat", 1995)

	deps, store, notifier := newDeps(t, pages, 10)
	storeMovie(t, store, 111161, "The Shawshank Redemption", 1994)
	storeMovie(t, store, 113277, "Heat", 1995)
	storeMovie(t, store, 9, "Obscure Film", 1999)

	listing := &fakeLister{links: []string{
		"https://www.rottentomatoes.com/m/some_other_movie",
		"https://www.rottentomatoes.com/m/heat_1995",
	}}
	phase := NewRottenTomatoesPhase(deps, listing, 0)

	rep, err := phase.Run(context.Background(), Limits{MaxMovies: 10, MaxReviews: 5})
	require.NoError(t, err)
	assert.Equal(t, PhaseRottenTomatoes, rep.Phase)
	assert.Equal(t, 2, rep.Finalized)
	assert.Equal(t, 1, rep.Partial, "heat has no review pages")
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 3, rep.Reviews)
	assert.Equal(t, 1, listing.closed)

	assert.Equal(t, 1, pages.calls["https://www.rottentomatoes.com/m/the_shawshank_redemption"], "article slug tried first")

	c, err := store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.RottenTomatoes)
	assert.Equal(t, int64(3), c.Reviews)

	rows, err := store.ExportRows(context.Background())
	require.NoError(t, err)
	scores := map[int64]int64{}
	for _, r := range rows {
		if r.Tomatometer != nil {
			scores[r.MovieID] = *r.Tomatometer
		}
	}
	assert.Equal(t, map[int64]int64{111161: 89, 113277: 87}, scores)

	summary, err := store.StatusSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary[PhaseRottenTomatoes][storage.StatusComplete])
	assert.Equal(t, int64(1), summary[PhaseRottenTomatoes][storage.StatusPartial])
	assert.Equal(t, int64(1), summary[PhaseRottenTomatoes][storage.StatusSkipped])
	assert.Len(t, notifier.movies, 2)
}

func TestRottenTomatoesPhase_NeedsMovies(t *testing.T) {
	deps, _, _ := newDeps(t, newFakePages(), 10)
	_, err := NewRottenTomatoesPhase(deps, nil, 0).Run(context.Background(), Limits{})
	assert.ErrorIs(t, err, ErrNoMovies)
}

func TestRottenTomatoesMovieSchema(t *testing.T) {
	tests := []struct {
		name      string
		page      string
		tomato    int64
		audience  *int64
		year      int64
		certified bool
	}{
		{
			name:      "score board",
			page:      shawshankRT,
			tomato:    89,
			audience:  i64(98),
			year:      1994,
			certified: true,
		},
		{
			name: "data-qa layout",
			page: `<html><body><h1>Heat</h1><span data-qa="movie-info-item-year">Release: 1995</span>
<span data-qa="tomatometer"> 83% </span><span data-qa="audiencescore">94%</span></body></html>`,
			tomato:   83,
			audience: i64(94),
			year:     1995,
		},
		{
			name:   "no audience score",
			page:   rtPage("Heat", 1995),
			tomato: 87,
			year:   1995,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frag, err := extract.ExtractHTML([]byte(tt.page), RottenTomatoesMovieSchema())
			require.NoError(t, err)
			require.NotNil(t, frag.Int(assemble.FieldTomatometer))
			assert.Equal(t, tt.tomato, *frag.Int(assemble.FieldTomatometer))
			assert.Equal(t, tt.audience, frag.Int(assemble.FieldAudience))
			require.NotNil(t, frag.Int(assemble.FieldYear))
			assert.Equal(t, tt.year, *frag.Int(assemble.FieldYear))
			assert.Equal(t, tt.certified, frag.Bool(assemble.FieldCertified))
		})
	}
}

func TestRottenTomatoesReviewSchemas(t *testing.T) {
	frag, err := extract.ExtractHTML([]byte(shawshankRTCritics), RottenTomatoesCriticSchema(5))
	require.NoError(t, err)
	critics := assemble.BuildReviews(111161, storage.SourceRottenTomatoes, true, frag.Group(assemble.GroupReviews))
	require.Len(t, critics, 2)
	assert.Equal(t, "Roger Ebert", critics[0].Author)
	assert.Equal(t, "Chicago Sun-Times", critics[0].Publication)
	assert.Equal(t, "A patient, beautiful film.", critics[0].Text)
	require.NotNil(t, critics[0].Score)
	assert.InDelta(t, 1.0, *critics[0].Score, 1e-9)
	require.NotNil(t, critics[0].PostedAt)
	require.NotNil(t, critics[1].Score)
	assert.InDelta(t, 0.0, *critics[1].Score, 1e-9)

	frag, err = extract.ExtractHTML([]byte(shawshankRTUsers), RottenTomatoesUserSchema(5))
	require.NoError(t, err)
	users := assemble.BuildReviews(111161, storage.SourceRottenTomatoes, false, frag.Group(assemble.GroupReviews))
	require.Len(t, users, 1)
	assert.Equal(t, "Sam L", users[0].Author)
	assert.False(t, users[0].IsCritic)
	require.NotNil(t, users[0].Score)
	assert.InDelta(t, 4.5, *users[0].Score, 1e-9)
}

func TestRTURLs(t *testing.T) {
	assert.Equal(t, []string{
		"https://www.rottentomatoes.com/m/the_shawshank_redemption",
		"https://www.rottentomatoes.com/m/shawshank_redemption",
	}, rtURLs(storage.MovieRef{Title: "The Shawshank Redemption"}))
	assert.Equal(t, []string{"https://www.rottentomatoes.com/m/heat"}, rtURLs(storage.MovieRef{Title: "Heat"}))
	assert.Nil(t, rtURLs(storage.MovieRef{Title: "  "}))
}
