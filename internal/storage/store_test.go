package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Simerblur/online-data-mining/pkg/logger"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := New(db, DialectSQLite, logger.Discard())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func i64(v int64) *int64 { return &v }
func f64(v float64) *float64 { return &v }
func at(y, m, d int) time.Time { return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC) }

func shawshankRecord() *MovieRecord {
	darabont := Person{ID: 1104, SourceID: "nm0001104", Name: "Frank Darabont"}
	posted := at(2002, 9, 14)
	return &MovieRecord{
		Movie: Movie{
			ID: 111161, IMDbID: "tt0111161", Title: "The Shawshank Redemption",
			Year: i64(1994), UserScore: f64(9.3), BoxOffice: i64(29332133), ScrapedAt: at(2026, 10, 18),
		},
		Genres: []Genre{{ID: 11, Key: "drama", Name: "Drama"}, {ID: 12, Key: "crime", Name: "Crime"}},
		Credits: []Credit{
			{Person: darabont, Role: RoleDirector, Order: 1},
			{Person: Person{ID: 209, SourceID: "nm0000209", Name: "Tim Robbins"}, Role: RoleActor, Order: 1, Character: "Andy Dufresne"},
			{Person: Person{ID: 151, SourceID: "nm0000151", Name: "Morgan Freeman"}, Role: RoleActor, Order: 2, Character: "Red"},
			{Person: darabont, Role: RoleActor, Order: 3},
		},
		Reviews: []Review{
			{ID: 901, MovieID: 111161, Source: SourceIMDb, Author: "alice", Score: f64(10), Text: "Hope.", PostedAt: &posted},
		},
	}
}

func TestStore_WriteRecordIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteRecord(ctx, shawshankRecord()))

	again := shawshankRecord()
	again.Movie.Title = "Renamed"
	again.Movie.UserScore = f64(9.2)
	again.Movie.ScrapedAt = at(2026, 10, 19)
	require.NoError(t, s.WriteRecord(ctx, again))

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Movies)
	assert.Equal(t, int64(3), c.People, "director who acts is one person")
	assert.Equal(t, int64(2), c.Genres)
	assert.Equal(t, int64(1), c.Reviews)

	var title string
	var score float64
	require.NoError(t, s.db.QueryRow(`SELECT title, user_score FROM movie WHERE movie_id = 111161`).Scan(&title, &score))
	assert.Equal(t, "The Shawshank Redemption", title, "only the score is refreshed")
	assert.InDelta(t, 9.2, score, 1e-9)

	var cast, directors int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM movie_cast`).Scan(&cast))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM movie_director`).Scan(&directors))
	assert.Equal(t, 3, cast)
	assert.Equal(t, 1, directors)
}

func TestStore_WriteMetacriticLinksWriters(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteRecord(ctx, shawshankRecord()))

	data := &MetacriticData{
		MovieID: 111161, URL: "https://www.metacritic.com/movie/the-shawshank-redemption/",
		Slug: "the-shawshank-redemption", Metascore: i64(82), ScrapedAt: at(2026, 1, 1),
		Writers: []Person{
			{ID: 5001, Name: "frank darabont"},
			{ID: 5002, Name: "Stephen King"},
		},
	}
	require.NoError(t, s.WriteMetacritic(ctx, data, nil))
	require.NoError(t, s.WriteMetacritic(ctx, data, nil))

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.People, "the director is reused as writer")

	rows, err := s.db.Query(`SELECT person_id, writer_order FROM movie_writer WHERE movie_id = 111161 ORDER BY writer_order`)
	require.NoError(t, err)
	defer rows.Close()
	var got [][2]int64
	for rows.Next() {
		var id, order int64
		require.NoError(t, rows.Scan(&id, &order))
		got = append(got, [2]int64{id, order})
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, [][2]int64{{1104, 1}, {5002, 2}}, got)
}

func TestStore_WriteRottenTomatoes(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rt := &RottenTomatoesData{
		MovieID: 111161, URL: "https://www.rottentomatoes.com/m/shawshank_redemption/",
		Slug: "shawshank_redemption", Tomatometer: i64(89), AudienceScore: i64(98),
		CertifiedFresh: true, ScrapedAt: at(2026, 1, 1),
	}
	assert.ErrorIs(t, s.WriteRottenTomatoes(ctx, rt, nil), ErrUnknownMovie)

	require.NoError(t, s.WriteRecord(ctx, shawshankRecord()))
	reviews := []Review{
		{ID: 31, MovieID: 111161, Source: SourceRottenTomatoes, Author: "Roger Ebert", Score: f64(1), IsCritic: true},
		{ID: 32, MovieID: 111161, Source: SourceRottenTomatoes, Author: "Sam L", Score: f64(5), Text: "Timeless."},
	}
	require.NoError(t, s.WriteRottenTomatoes(ctx, rt, reviews))

	rt.Tomatometer = i64(91)
	require.NoError(t, s.WriteRottenTomatoes(ctx, rt, reviews))

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.RottenTomatoes)
	assert.Equal(t, int64(3), c.Reviews)

	var score int64
	var fresh bool
	require.NoError(t, s.db.QueryRow(`SELECT tomatometer_score, certified_fresh FROM rotten_tomatoes WHERE movie_id = 111161`).Scan(&score, &fresh))
	assert.Equal(t, int64(91), score)
	assert.True(t, fresh)
}

func TestStore_AppendReviewsNeverOverwrites(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteRecord(ctx, shawshankRecord()))

	added, err := s.AppendReviews(ctx, []Review{
		{ID: 901, MovieID: 111161, Source: SourceIMDb, Author: "alice", Text: "edited"},
		{ID: 902, MovieID: 111161, Source: SourceMetacritic, Author: "Variety", IsCritic: true, Score: f64(90)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	var text string
	require.NoError(t, s.db.QueryRow(`SELECT text FROM review WHERE review_id = 901`).Scan(&text))
	assert.Equal(t, "Hope.", text)
}

func TestStore_FinancialAndMetacriticRequireMovie(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	err := s.WriteFinancial(ctx, &Financial{MovieID: 42, Budget: i64(1_000_000), ScrapedAt: at(2026, 1, 1)})
	assert.ErrorIs(t, err, ErrUnknownMovie)

	require.NoError(t, s.WriteRecord(ctx, shawshankRecord()))
	require.NoError(t, s.WriteFinancial(ctx, &Financial{
		MovieID: 111161, Budget: i64(25_000_000), WorldwideGross: i64(29_332_133),
		Distributor: "Columbia Pictures", ScrapedAt: at(2026, 1, 1),
	}))
	require.NoError(t, s.WriteFinancial(ctx, &Financial{
		MovieID: 111161, Budget: i64(25_000_000), WorldwideGross: i64(73_300_000), ScrapedAt: at(2026, 1, 2),
	}))

	require.NoError(t, s.WriteMetacritic(ctx, &MetacriticData{
		MovieID: 111161, URL: "https://www.metacritic.com/movie/the-shawshank-redemption/",
		Slug: "the-shawshank-redemption", Metascore: i64(82), ScrapedAt: at(2026, 1, 1),
	}, []Review{{ID: 77, MovieID: 111161, Source: SourceMetacritic, Author: "Variety", IsCritic: true}}))

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Financials)
	assert.Equal(t, int64(1), c.Metacritic)
	assert.Equal(t, int64(2), c.Reviews)

	rows, err := s.ExportRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, "tt0111161", r.IMDbID)
	assert.Equal(t, "Crime|Drama", r.Genres)
	assert.Equal(t, "Frank Darabont", r.Directors)
	assert.Equal(t, int64(73_300_000), *r.WorldwideGross)
	assert.Equal(t, int64(82), *r.Metascore)
}

func TestStore_ExistingMovieKeys(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []int64{68646, 111161, 468569} {
		rec := shawshankRecord()
		rec.Movie.ID = id
		rec.Reviews = nil
		require.NoError(t, s.WriteRecord(ctx, rec))
	}

	refs, err := s.ExistingMovieKeys(ctx, 2)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(68646), refs[0].ID)
	assert.Equal(t, int64(1994), *refs[0].Year)

	all, err := s.ExistingMovieKeys(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_StatusAndResume(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	partial := CrawlStatus{MovieID: 1, Phase: "imdb", Status: StatusPartial, FailedResources: []string{"reviews"}, LastError: "timeout"}
	require.NoError(t, s.MarkStatus(ctx, partial))
	require.NoError(t, s.MarkStatus(ctx, CrawlStatus{MovieID: 2, Phase: "imdb", Status: StatusIncomplete}))
	require.NoError(t, s.MarkStatus(ctx, CrawlStatus{MovieID: 3, Phase: "imdb", Status: StatusComplete}))

	got, err := s.ResumeCandidates(ctx, "imdb", 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].MovieID)
	assert.Equal(t, []string{"reviews"}, got[0].FailedResources)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, "timeout", got[0].LastError)

	// two more failed attempts exhaust the budget
	require.NoError(t, s.MarkStatus(ctx, partial))
	require.NoError(t, s.MarkStatus(ctx, partial))
	got, err = s.ResumeCandidates(ctx, "imdb", 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := s.AbandonExhausted(ctx, "imdb", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	summary, err := s.StatusSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"imdb"}, Phases(summary))
	assert.Equal(t, int64(1), summary["imdb"][StatusAbandoned])
	assert.Equal(t, int64(1), summary["imdb"][StatusIncomplete])
}

func TestStore_WriteRecordParentsFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, DialectPostgres, logger.Discard())
	rec := shawshankRecord()
	ok := sqlmock.NewResult(0, 1)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO movie \(movie_id.*VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)`).WillReturnResult(ok)
	for range rec.Credits {
		mock.ExpectExec(`INSERT INTO person `).WillReturnResult(ok)
	}
	for range rec.Genres {
		mock.ExpectExec(`INSERT INTO genre `).WillReturnResult(ok)
	}
	for range rec.Genres {
		mock.ExpectExec(`INSERT INTO movie_genre `).WillReturnResult(ok)
	}
	mock.ExpectExec(`INSERT INTO movie_director `).WillReturnResult(ok)
	mock.ExpectExec(`INSERT INTO movie_cast `).WillReturnResult(ok)
	mock.ExpectExec(`INSERT INTO movie_cast `).WillReturnResult(ok)
	mock.ExpectExec(`INSERT INTO movie_cast `).WillReturnResult(ok)
	mock.ExpectExec(`INSERT INTO review `).WillReturnResult(ok)
	mock.ExpectCommit()

	require.NoError(t, s.WriteRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WriteRecordRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, DialectPostgres, logger.Discard())
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO movie `).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO person `).WillReturnError(boom)
	mock.ExpectRollback()

	err = s.WriteRecord(context.Background(), shawshankRecord())
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	pg := New(nil, DialectPostgres, logger.Discard())
	lite := New(nil, DialectSQLite, logger.Discard())
	q := `SELECT 1 FROM movie WHERE movie_id = ? AND year > ?`
	assert.Equal(t, `SELECT 1 FROM movie WHERE movie_id = $1 AND year > $2`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}
