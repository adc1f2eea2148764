package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Writer is what the crawl phases persist through.
type Writer interface {
	WriteRecord(ctx context.Context, rec *MovieRecord) error
	WriteFinancial(ctx context.Context, f *Financial) error
	WriteMetacritic(ctx context.Context, m *MetacriticData, reviews []Review) error
	WriteRottenTomatoes(ctx context.Context, rt *RottenTomatoesData, reviews []Review) error
	AppendReviews(ctx context.Context, reviews []Review) (int, error)
	ExistingMovieKeys(ctx context.Context, limit int) ([]MovieRef, error)
	MarkStatus(ctx context.Context, st CrawlStatus) error
	ResumeCandidates(ctx context.Context, phase string, maxAttempts int) ([]CrawlStatus, error)
	AbandonExhausted(ctx context.Context, phase string, maxAttempts int) (int64, error)
	Counts(ctx context.Context) (Counts, error)
}

var _ Writer = (*Store)(nil)

// ErrUnknownMovie is returned when a child row references a movie that was
// never written.
var ErrUnknownMovie = errors.New("movie not found")

const (
	upsertMovie = `INSERT INTO movie (movie_id, imdb_id, title, year, user_score, box_office, scraped_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (movie_id) DO UPDATE SET user_score = excluded.user_score, scraped_at = excluded.scraped_at`

	insertPerson = `INSERT INTO person (person_id, name, imdb_person_id) VALUES (?, ?, ?)
ON CONFLICT (person_id) DO NOTHING`

	insertGenre = `INSERT INTO genre (genre_id, genre_key, genre) VALUES (?, ?, ?)
ON CONFLICT (genre_key) DO NOTHING`

	insertMovieGenre = `INSERT INTO movie_genre (movie_id, genre_id) VALUES (?, ?)
ON CONFLICT (movie_id, genre_id) DO NOTHING`

	insertDirector = `INSERT INTO movie_director (movie_id, person_id, director_order) VALUES (?, ?, ?)
ON CONFLICT (movie_id, person_id) DO NOTHING`

	insertCast = `INSERT INTO movie_cast (movie_id, person_id, character_name, cast_order) VALUES (?, ?, ?, ?)
ON CONFLICT (movie_id, person_id) DO NOTHING`

	insertWriter = `INSERT INTO movie_writer (movie_id, person_id, writer_order) VALUES (?, ?, ?)
ON CONFLICT (movie_id, person_id) DO NOTHING`

	insertReview = `INSERT INTO review (review_id, movie_id, source, author, score, text, review_date, is_critic, publication)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (review_id) DO NOTHING`

	upsertFinancial = `INSERT INTO financial (movie_id, production_budget, domestic_opening, domestic_gross,
international_gross, worldwide_gross, domestic_distributor, scraped_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (movie_id) DO UPDATE SET production_budget = excluded.production_budget,
domestic_opening = excluded.domestic_opening, domestic_gross = excluded.domestic_gross,
international_gross = excluded.international_gross, worldwide_gross = excluded.worldwide_gross,
domestic_distributor = excluded.domestic_distributor, scraped_at = excluded.scraped_at`

	upsertMetacritic = `INSERT INTO metacritic_data (movie_id, metacritic_url, metacritic_slug, title_on_metacritic,
metascore, metacritic_user_score, critic_review_count, user_rating_count, content_rating,
runtime_minutes, summary, release_date, scraped_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (movie_id) DO UPDATE SET metacritic_url = excluded.metacritic_url,
metacritic_slug = excluded.metacritic_slug, title_on_metacritic = excluded.title_on_metacritic,
metascore = excluded.metascore, metacritic_user_score = excluded.metacritic_user_score,
critic_review_count = excluded.critic_review_count, user_rating_count = excluded.user_rating_count,
content_rating = excluded.content_rating, runtime_minutes = excluded.runtime_minutes,
summary = excluded.summary, release_date = excluded.release_date, scraped_at = excluded.scraped_at`

	upsertRottenTomatoes = `INSERT INTO rotten_tomatoes (movie_id, rt_url, rt_slug, title_on_rt,
tomatometer_score, audience_score, certified_fresh, scraped_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (movie_id) DO UPDATE SET rt_url = excluded.rt_url, rt_slug = excluded.rt_slug,
title_on_rt = excluded.title_on_rt, tomatometer_score = excluded.tomatometer_score,
audience_score = excluded.audience_score, certified_fresh = excluded.certified_fresh,
scraped_at = excluded.scraped_at`

	upsertStatus = `INSERT INTO crawl_status (movie_id, phase, status, failed_resources, attempts, last_error, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT (movie_id, phase) DO UPDATE SET status = excluded.status,
failed_resources = excluded.failed_resources, attempts = crawl_status.attempts + 1,
last_error = excluded.last_error, updated_at = excluded.updated_at`
)

// WriteRecord persists a movie with its people, genres, junctions and
// reviews in one transaction. Parents are written before the rows that
// reference them.
func (s *Store) WriteRecord(ctx context.Context, rec *MovieRecord) error {
	m := rec.Movie
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(upsertMovie),
			m.ID, m.IMDbID, m.Title, m.Year, m.UserScore, m.BoxOffice, m.ScrapedAt); err != nil {
			return fmt.Errorf("failed to upsert movie: %w", err)
		}

		for _, c := range rec.Credits {
			if _, err := tx.ExecContext(ctx, s.rebind(insertPerson),
				c.Person.ID, c.Person.Name, nullString(c.Person.SourceID)); err != nil {
				return fmt.Errorf("failed to insert person %s: %w", c.Person.Name, err)
			}
		}
		for _, g := range rec.Genres {
			if _, err := tx.ExecContext(ctx, s.rebind(insertGenre), g.ID, g.Key, g.Name); err != nil {
				return fmt.Errorf("failed to insert genre %s: %w", g.Key, err)
			}
		}

		for _, g := range rec.Genres {
			if _, err := tx.ExecContext(ctx, s.rebind(insertMovieGenre), m.ID, g.ID); err != nil {
				return fmt.Errorf("failed to link genre %s: %w", g.Key, err)
			}
		}
		for _, c := range rec.Credits {
			var err error
			switch c.Role {
			case RoleDirector:
				_, err = tx.ExecContext(ctx, s.rebind(insertDirector), m.ID, c.Person.ID, c.Order)
			case RoleActor:
				_, err = tx.ExecContext(ctx, s.rebind(insertCast), m.ID, c.Person.ID, nullString(c.Character), c.Order)
			case RoleWriter:
				_, err = tx.ExecContext(ctx, s.rebind(insertWriter), m.ID, c.Person.ID, c.Order)
			}
			if err != nil {
				return fmt.Errorf("failed to link %s %s: %w", c.Role, c.Person.Name, err)
			}
		}

		_, err := s.insertReviews(ctx, tx, rec.Reviews)
		return err
	})
	if err != nil {
		return err
	}

	s.log.Debug("movie written",
		"movie_id", m.ID,
		"credits", len(rec.Credits),
		"genres", len(rec.Genres),
		"reviews", len(rec.Reviews),
	)
	return nil
}

// AppendReviews inserts reviews whose key is not stored yet and returns how
// many were new. Existing reviews are never changed.
func (s *Store) AppendReviews(ctx context.Context, reviews []Review) (int, error) {
	var added int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, err = s.insertReviews(ctx, tx, reviews)
		return err
	})
	return added, err
}

func (s *Store) insertReviews(ctx context.Context, tx *sql.Tx, reviews []Review) (int, error) {
	added := 0
	for _, r := range reviews {
		res, err := tx.ExecContext(ctx, s.rebind(insertReview),
			r.ID, r.MovieID, r.Source, nullString(r.Author), r.Score, nullString(r.Text),
			r.PostedAt, r.IsCritic, nullString(r.Publication))
		if err != nil {
			return added, fmt.Errorf("failed to insert review %d: %w", r.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	return added, nil
}

// WriteFinancial upserts the financial row of a stored movie.
func (s *Store) WriteFinancial(ctx context.Context, f *Financial) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireMovie(ctx, tx, f.MovieID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(upsertFinancial),
			f.MovieID, f.Budget, f.DomesticOpening, f.DomesticGross, f.InternationalGross,
			f.WorldwideGross, nullString(f.Distributor), f.ScrapedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert financial: %w", err)
		}
		return nil
	})
}

// WriteMetacritic upserts the Metacritic row of a stored movie, links its
// writers and appends its reviews in the same transaction.
func (s *Store) WriteMetacritic(ctx context.Context, m *MetacriticData, reviews []Review) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireMovie(ctx, tx, m.MovieID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(upsertMetacritic),
			m.MovieID, m.URL, m.Slug, nullString(m.Title), m.Metascore, m.UserScore,
			m.CriticReviewCount, m.UserRatingCount, nullString(m.ContentRating),
			m.RuntimeMinutes, nullString(m.Summary), nullString(m.ReleaseDate), m.ScrapedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert metacritic data: %w", err)
		}
		for i, w := range m.Writers {
			id, err := s.personByName(ctx, tx, w)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.rebind(insertWriter), m.MovieID, id, i+1); err != nil {
				return fmt.Errorf("failed to link writer %s: %w", w.Name, err)
			}
		}
		_, err = s.insertReviews(ctx, tx, reviews)
		return err
	})
}

// WriteRottenTomatoes upserts the Rotten Tomatoes row of a stored movie and
// appends its reviews in the same transaction.
func (s *Store) WriteRottenTomatoes(ctx context.Context, rt *RottenTomatoesData, reviews []Review) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireMovie(ctx, tx, rt.MovieID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(upsertRottenTomatoes),
			rt.MovieID, rt.URL, rt.Slug, nullString(rt.Title), rt.Tomatometer, rt.AudienceScore,
			rt.CertifiedFresh, rt.ScrapedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert rotten tomatoes data: %w", err)
		}
		_, err = s.insertReviews(ctx, tx, reviews)
		return err
	})
}

// personByName returns the id of a stored person with p's name, inserting p
// when there is none.
func (s *Store) personByName(ctx context.Context, tx *sql.Tx, p Person) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT person_id FROM person WHERE LOWER(name) = LOWER(?) ORDER BY person_id LIMIT 1`), p.Name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up person %s: %w", p.Name, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(insertPerson), p.ID, p.Name, nullString(p.SourceID)); err != nil {
		return 0, fmt.Errorf("failed to insert person %s: %w", p.Name, err)
	}
	return p.ID, nil
}

func (s *Store) requireMovie(ctx context.Context, tx *sql.Tx, movieID int64) error {
	var one int
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM movie WHERE movie_id = ?`), movieID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrUnknownMovie, movieID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up movie %d: %w", movieID, err)
	}
	return nil
}

// ExistingMovieKeys lists stored movies in key order. limit <= 0 means all.
func (s *Store) ExistingMovieKeys(ctx context.Context, limit int) ([]MovieRef, error) {
	q := `SELECT movie_id, title, year FROM movie ORDER BY movie_id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list movies: %w", err)
	}
	defer rows.Close()

	var refs []MovieRef
	for rows.Next() {
		var ref MovieRef
		var year sql.NullInt64
		if err := rows.Scan(&ref.ID, &ref.Title, &year); err != nil {
			return nil, fmt.Errorf("failed to scan movie: %w", err)
		}
		if year.Valid {
			ref.Year = &year.Int64
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// MarkStatus records the outcome of an attempt. Each call for the same movie
// and phase increments the attempt counter.
func (s *Store) MarkStatus(ctx context.Context, st CrawlStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(upsertStatus),
		st.MovieID, st.Phase, string(st.Status), nullString(strings.Join(st.FailedResources, ",")),
		nullString(st.LastError), st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to mark status for movie %d: %w", st.MovieID, err)
	}
	return nil
}

// ResumeCandidates returns partial movies of phase with fewer than
// maxAttempts attempts.
func (s *Store) ResumeCandidates(ctx context.Context, phase string, maxAttempts int) ([]CrawlStatus, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT movie_id, phase, status, failed_resources, attempts, last_error, updated_at
FROM crawl_status WHERE phase = ? AND status = ? AND attempts < ? ORDER BY movie_id`),
		phase, string(StatusPartial), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list resume candidates: %w", err)
	}
	defer rows.Close()

	var out []CrawlStatus
	for rows.Next() {
		var st CrawlStatus
		var status string
		var failed, lastErr sql.NullString
		if err := rows.Scan(&st.MovieID, &st.Phase, &status, &failed, &st.Attempts, &lastErr, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan crawl status: %w", err)
		}
		st.Status = Status(status)
		if failed.String != "" {
			st.FailedResources = strings.Split(failed.String, ",")
		}
		st.LastError = lastErr.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// AbandonExhausted marks partial movies that used up their attempts as
// abandoned and returns how many changed.
func (s *Store) AbandonExhausted(ctx context.Context, phase string, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE crawl_status SET status = ?
WHERE phase = ? AND status = ? AND attempts >= ?`),
		string(StatusAbandoned), phase, string(StatusPartial), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon exhausted movies: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns row counts of the main tables and status buckets.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	targets := []struct {
		dst   *int64
		query string
	}{
		{&c.Movies, `SELECT COUNT(*) FROM movie`},
		{&c.People, `SELECT COUNT(*) FROM person`},
		{&c.Genres, `SELECT COUNT(*) FROM genre`},
		{&c.Reviews, `SELECT COUNT(*) FROM review`},
		{&c.Financials, `SELECT COUNT(*) FROM financial`},
		{&c.Metacritic, `SELECT COUNT(*) FROM metacritic_data`},
		{&c.RottenTomatoes, `SELECT COUNT(*) FROM rotten_tomatoes`},
		{&c.Partial, `SELECT COUNT(*) FROM crawl_status WHERE status = 'partial'`},
		{&c.Incomplete, `SELECT COUNT(*) FROM crawl_status WHERE status = 'incomplete'`},
		{&c.Abandoned, `SELECT COUNT(*) FROM crawl_status WHERE status = 'abandoned'`},
	}
	for _, t := range targets {
		if err := s.db.QueryRowContext(ctx, t.query).Scan(t.dst); err != nil {
			return c, fmt.Errorf("failed to count: %w", err)
		}
	}
	return c, nil
}

// ExportRows returns one denormalized row per movie, ordered by key.
// Genres and directors are joined with "|".
func (s *Store) ExportRows(ctx context.Context) ([]ExportRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT m.movie_id, m.imdb_id, m.title, m.year, m.user_score, m.box_office,
f.production_budget, f.worldwide_gross, mc.metascore, rt.tomatometer_score, m.scraped_at
FROM movie m
LEFT JOIN financial f ON f.movie_id = m.movie_id
LEFT JOIN metacritic_data mc ON mc.movie_id = m.movie_id
LEFT JOIN rotten_tomatoes rt ON rt.movie_id = m.movie_id
ORDER BY m.movie_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query export rows: %w", err)
	}

	var out []ExportRow
	index := make(map[int64]int)
	for rows.Next() {
		var r ExportRow
		var year, boxOffice, budget, worldwide, metascore, tomatometer sql.NullInt64
		var score sql.NullFloat64
		if err := rows.Scan(&r.MovieID, &r.IMDbID, &r.Title, &year, &score, &boxOffice,
			&budget, &worldwide, &metascore, &tomatometer, &r.ScrapedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan export row: %w", err)
		}
		r.Year = int64Ptr(year)
		r.UserScore = float64Ptr(score)
		r.BoxOffice = int64Ptr(boxOffice)
		r.Budget = int64Ptr(budget)
		r.WorldwideGross = int64Ptr(worldwide)
		r.Metascore = int64Ptr(metascore)
		r.Tomatometer = int64Ptr(tomatometer)
		index[r.MovieID] = len(out)
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	genres, err := s.namesByMovie(ctx, `SELECT mg.movie_id, g.genre FROM movie_genre mg
JOIN genre g ON g.genre_id = mg.genre_id ORDER BY mg.movie_id, g.genre`)
	if err != nil {
		return nil, err
	}
	directors, err := s.namesByMovie(ctx, `SELECT md.movie_id, p.name FROM movie_director md
JOIN person p ON p.person_id = md.person_id ORDER BY md.movie_id, md.director_order`)
	if err != nil {
		return nil, err
	}

	for id, i := range index {
		out[i].Genres = strings.Join(genres[id], "|")
		out[i].Directors = strings.Join(directors[id], "|")
	}
	return out, nil
}

func (s *Store) namesByMovie(ctx context.Context, query string) (map[int64][]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query names: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan name: %w", err)
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}

// StatusSummary returns the number of movies per phase and status.
func (s *Store) StatusSummary(ctx context.Context) (map[string]map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, status, COUNT(*) FROM crawl_status GROUP BY phase, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[Status]int64)
	for rows.Next() {
		var phase, status string
		var n int64
		if err := rows.Scan(&phase, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status summary: %w", err)
		}
		if out[phase] == nil {
			out[phase] = make(map[Status]int64)
		}
		out[phase][Status(status)] = n
	}
	return out, rows.Err()
}

// Phases returns the phase names present in a summary, sorted.
func Phases(summary map[string]map[Status]int64) []string {
	out := make([]string, 0, len(summary))
	for p := range summary {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func float64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
