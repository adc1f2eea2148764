// Package storage provides database models and repository interfaces.
package storage

import (
	"time"
)

// Role tags a person's credit on a movie.
type Role string

const (
	RoleActor    Role = "actor"
	RoleDirector Role = "director"
	RoleWriter   Role = "writer"
)

// Review sources.
const (
	SourceIMDb           = "imdb"
	SourceMetacritic     = "metacritic"
	SourceRottenTomatoes = "rottentomatoes"
)

// Movie is the core record of a title, keyed by the digits of its IMDb id.
type Movie struct {
	ID        int64     `json:"movie_id" db:"movie_id"`
	IMDbID    string    `json:"imdb_id" db:"imdb_id"`
	Title     string    `json:"title" db:"title"`
	Year      *int64    `json:"year,omitempty" db:"year"`
	UserScore *float64  `json:"user_score,omitempty" db:"user_score"`
	BoxOffice *int64    `json:"box_office,omitempty" db:"box_office"`
	ScrapedAt time.Time `json:"scraped_at" db:"scraped_at"`
}

// Person is an actor, director or writer. The same source id maps to the same ID in
// every role.
type Person struct {
	ID       int64  `json:"person_id" db:"person_id"`
	SourceID string `json:"imdb_person_id" db:"imdb_person_id"`
	Name     string `json:"name" db:"name"`
}

// Credit links a person to a movie in one role.
type Credit struct {
	Person    Person `json:"person"`
	Role      Role   `json:"role"`
	Order     int    `json:"order"`
	Character string `json:"character,omitempty"`
}

// Genre is unique by its normalized key.
type Genre struct {
	ID   int64  `json:"genre_id" db:"genre_id"`
	Key  string `json:"-" db:"genre_key"`
	Name string `json:"genre" db:"genre"`
}

// Review is append-only; ID is derived from source, movie, author and
// position.
type Review struct {
	ID          int64      `json:"review_id" db:"review_id"`
	MovieID     int64      `json:"movie_id" db:"movie_id"`
	Source      string     `json:"source" db:"source"`
	Author      string     `json:"author" db:"author"`
	Score       *float64   `json:"score,omitempty" db:"score"`
	Text        string     `json:"text" db:"text"`
	PostedAt    *time.Time `json:"review_date,omitempty" db:"review_date"`
	IsCritic    bool       `json:"is_critic" db:"is_critic"`
	Publication string     `json:"publication,omitempty" db:"publication"`
}

// Financial holds Box Office Mojo figures for one movie.
type Financial struct {
	MovieID            int64     `json:"movie_id" db:"movie_id"`
	Budget             *int64    `json:"production_budget,omitempty" db:"production_budget"`
	DomesticOpening    *int64    `json:"domestic_opening,omitempty" db:"domestic_opening"`
	DomesticGross      *int64    `json:"domestic_gross,omitempty" db:"domestic_gross"`
	InternationalGross *int64    `json:"international_gross,omitempty" db:"international_gross"`
	WorldwideGross     *int64    `json:"worldwide_gross,omitempty" db:"worldwide_gross"`
	Distributor        string    `json:"domestic_distributor,omitempty" db:"domestic_distributor"`
	ScrapedAt          time.Time `json:"scraped_at" db:"scraped_at"`
}

// MetacriticData is the Metacritic view of a movie, one row per movie.
type MetacriticData struct {
	MovieID           int64     `json:"movie_id" db:"movie_id"`
	URL               string    `json:"metacritic_url" db:"metacritic_url"`
	Slug              string    `json:"metacritic_slug" db:"metacritic_slug"`
	Title             string    `json:"title_on_metacritic" db:"title_on_metacritic"`
	Metascore         *int64    `json:"metascore,omitempty" db:"metascore"`
	UserScore         *float64  `json:"metacritic_user_score,omitempty" db:"metacritic_user_score"`
	CriticReviewCount *int64    `json:"critic_review_count,omitempty" db:"critic_review_count"`
	UserRatingCount   *int64    `json:"user_rating_count,omitempty" db:"user_rating_count"`
	ContentRating     string    `json:"content_rating,omitempty" db:"content_rating"`
	RuntimeMinutes    *int64    `json:"runtime_minutes,omitempty" db:"runtime_minutes"`
	Summary           string    `json:"summary,omitempty" db:"summary"`
	ReleaseDate       string    `json:"release_date,omitempty" db:"release_date"`
	ScrapedAt         time.Time `json:"scraped_at" db:"scraped_at"`
	// Writers are credited by name only; Metacritic has no person ids.
	Writers []Person `json:"writers,omitempty" db:"-"`
}

// RottenTomatoesData is the Rotten Tomatoes view of a movie, one row per movie.
type RottenTomatoesData struct {
	MovieID        int64     `json:"movie_id" db:"movie_id"`
	URL            string    `json:"rt_url" db:"rt_url"`
	Slug           string    `json:"rt_slug" db:"rt_slug"`
	Title          string    `json:"title_on_rt" db:"title_on_rt"`
	Tomatometer    *int64    `json:"tomatometer_score,omitempty" db:"tomatometer_score"`
	AudienceScore  *int64    `json:"audience_score,omitempty" db:"audience_score"`
	CertifiedFresh bool      `json:"certified_fresh" db:"certified_fresh"`
	ScrapedAt      time.Time `json:"scraped_at" db:"scraped_at"`
}

// MovieRecord is everything written for one movie in a single transaction.
type MovieRecord struct {
	Movie   Movie    `json:"movie"`
	Genres  []Genre  `json:"genres"`
	Credits []Credit `json:"credits"`
	Reviews []Review `json:"reviews"`
}

// Directors returns the director credits in order.
func (r *MovieRecord) Directors() []Credit {
	return r.byRole(RoleDirector)
}

// Cast returns the actor credits in order.
func (r *MovieRecord) Cast() []Credit {
	return r.byRole(RoleActor)
}

func (r *MovieRecord) byRole(role Role) []Credit {
	var out []Credit
	for _, c := range r.Credits {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

// Status values tracked per movie and phase.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusPartial    Status = "partial"
	StatusIncomplete Status = "incomplete"
	StatusAbandoned  Status = "abandoned"
	StatusSkipped    Status = "skipped"
)

// CrawlStatus records the outcome of the latest attempt at a movie in a phase.
type CrawlStatus struct {
	MovieID         int64     `json:"movie_id" db:"movie_id"`
	Phase           string    `json:"phase" db:"phase"`
	Status          Status    `json:"status" db:"status"`
	FailedResources []string  `json:"failed_resources,omitempty" db:"failed_resources"`
	Attempts        int       `json:"attempts" db:"attempts"`
	LastError       string    `json:"last_error,omitempty" db:"last_error"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// MovieRef is the minimum the downstream phases need about a stored movie.
type MovieRef struct {
	ID    int64
	Title string
	Year  *int64
}

// Counts summarizes table sizes.
type Counts struct {
	Movies         int64 `json:"movies"`
	People         int64 `json:"people"`
	Genres         int64 `json:"genres"`
	Reviews        int64 `json:"reviews"`
	Financials     int64 `json:"financials"`
	Metacritic     int64 `json:"metacritic"`
	RottenTomatoes int64 `json:"rotten_tomatoes"`
	Partial        int64 `json:"partial"`
	Incomplete     int64 `json:"incomplete"`
	Abandoned      int64 `json:"abandoned"`
}

// ExportRow is one denormalized movie for CSV export.
type ExportRow struct {
	MovieID        int64
	IMDbID         string
	Title          string
	Year           *int64
	UserScore      *float64
	BoxOffice      *int64
	Genres         string
	Directors      string
	Budget         *int64
	WorldwideGross *int64
	Metascore      *int64
	Tomatometer    *int64
	ScrapedAt      time.Time
}
