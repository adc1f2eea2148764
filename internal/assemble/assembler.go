// Package assemble folds extracted fragments into complete movie records,
// deduplicating people, genres and reviews on the way.
package assemble

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/storage"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// Fragment schema names understood by Merge.
const (
	SchemaMovie   = "imdb_movie"
	SchemaReviews = "imdb_reviews"
)

// Field names shared by the rule tables and the assembler.
const (
	FieldTitle     = "title"
	FieldYear      = "year"
	FieldRating    = "rating"
	FieldGross     = "gross"
	FieldGenres    = "genres"
	FieldName      = "name"
	FieldLink      = "link"
	FieldCharacter = "character"

	FieldAuthor      = "author"
	FieldScore       = "score"
	FieldText        = "text"
	FieldDate        = "date"
	FieldPublication = "publication"

	GroupDirectors = "directors"
	GroupCast      = "cast"
	GroupReviews   = "reviews"
)

// Sub-resources a movie record can fail on without being discarded.
const (
	ResourceReviews    = "reviews"
	ResourceFinancials = "financials"
	ResourceMetacritic = "metacritic"
	ResourceUserReview = "user_reviews"
)

// Incomplete is returned by Finalize when a record lacks its core fields.
type Incomplete struct {
	MovieKey      int64
	MissingFields []string
}

func (e *Incomplete) Error() string {
	return fmt.Sprintf("movie %d incomplete: missing %s", e.MovieKey, strings.Join(e.MissingFields, ", "))
}

// Completed is a record ready for the writer.
type Completed struct {
	storage.MovieRecord

	// Partial is set when a sub-resource failed; the core is still valid.
	Partial         bool
	FailedResources []string
	// Dropped counts group items discarded for missing required fields.
	Dropped int
}

type creditKey struct {
	person int64
	role   storage.Role
}

// Record accumulates fragments for one movie between Begin and Finalize.
// A Record is not safe for concurrent use.
type Record struct {
	key   int64
	core  bool
	movie storage.Movie

	genres  []storage.Genre
	genreOK map[string]struct{}

	credits  []storage.Credit
	creditOK map[creditKey]struct{}

	reviews  []storage.Review
	reviewOK map[int64]struct{}

	failed  []string
	dropped int
}

// Key returns the movie key the record was started with.
func (r *Record) Key() int64 { return r.key }

// Assembler owns the per-run genre set and builds records.
type Assembler struct {
	mu     sync.Mutex
	genres map[string]storage.Genre
	title  cases.Caser
	now    func() time.Time
	log    *logger.Logger
}

// New creates an assembler with an empty genre set.
func New(log *logger.Logger) *Assembler {
	if log == nil {
		log = logger.Default()
	}
	return &Assembler{
		genres: make(map[string]storage.Genre),
		title:  cases.Title(language.English),
		now:    time.Now,
		log:    log.WithComponent("assembler"),
	}
}

// Begin starts a record for movieKey.
func (a *Assembler) Begin(movieKey int64) *Record {
	return &Record{
		key:      movieKey,
		movie:    storage.Movie{ID: movieKey},
		genreOK:  make(map[string]struct{}),
		creditOK: make(map[creditKey]struct{}),
		reviewOK: make(map[int64]struct{}),
	}
}

// Merge folds one fragment into rec.
func (a *Assembler) Merge(rec *Record, frag *extract.Fragment) error {
	if frag == nil {
		return nil
	}
	for _, n := range frag.Dropped {
		rec.dropped += n
	}

	switch frag.Schema {
	case SchemaMovie:
		a.mergeMovie(rec, frag)
	case SchemaReviews:
		for _, r := range BuildReviews(rec.key, storage.SourceIMDb, false, frag.Group(GroupReviews)) {
			rec.addReview(r)
		}
	default:
		return fmt.Errorf("unknown fragment schema %q", frag.Schema)
	}
	return nil
}

func (a *Assembler) mergeMovie(rec *Record, frag *extract.Fragment) {
	rec.core = true
	rec.movie.Title = frag.StringValue(FieldTitle)
	rec.movie.Year = frag.Int(FieldYear)
	rec.movie.UserScore = frag.Float(FieldRating)
	rec.movie.BoxOffice = frag.Int(FieldGross)

	for _, name := range frag.Strings(FieldGenres) {
		g, ok := a.Genre(name)
		if !ok {
			continue
		}
		if _, dup := rec.genreOK[g.Key]; dup {
			continue
		}
		rec.genreOK[g.Key] = struct{}{}
		rec.genres = append(rec.genres, g)
	}

	for _, item := range frag.Group(GroupDirectors) {
		rec.addCredit(item, storage.RoleDirector)
	}
	for _, item := range frag.Group(GroupCast) {
		rec.addCredit(item, storage.RoleActor)
	}
}

// MarkFailed records a sub-resource that could not be collected.
func (a *Assembler) MarkFailed(rec *Record, resource string, err error) {
	if !slices.Contains(rec.failed, resource) {
		rec.failed = append(rec.failed, resource)
	}
	a.log.WithError(err).Warn("sub-resource failed", "movie_id", rec.key, "resource", resource)
}

// Finalize returns the completed record, or an *Incomplete error when the
// title or key is missing.
func (a *Assembler) Finalize(rec *Record) (*Completed, error) {
	var missing []string
	if rec.key <= 0 {
		missing = append(missing, "movie_id")
	}
	if !rec.core || rec.movie.Title == "" {
		missing = append(missing, FieldTitle)
	}
	if len(missing) > 0 {
		return nil, &Incomplete{MovieKey: rec.key, MissingFields: missing}
	}

	movie := rec.movie
	movie.IMDbID, _ = identity.Translate(rec.key, identity.FormatIMDb)
	movie.ScrapedAt = a.now().UTC()

	return &Completed{
		MovieRecord: storage.MovieRecord{
			Movie:   movie,
			Genres:  slices.Clone(rec.genres),
			Credits: slices.Clone(rec.credits),
			Reviews: slices.Clone(rec.reviews),
		},
		Partial:         len(rec.failed) > 0,
		FailedResources: slices.Clone(rec.failed),
		Dropped:         rec.dropped,
	}, nil
}

// Genre normalizes name and returns the run-wide genre for it. The first
// display form seen for a key wins.
func (a *Assembler) Genre(name string) (storage.Genre, bool) {
	key, display := NormalizeGenre(name)
	if key == "" {
		return storage.Genre{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if g, ok := a.genres[key]; ok {
		return g, true
	}
	g := storage.Genre{
		ID:   identity.SurrogateKey("genre", key),
		Key:  key,
		Name: a.title.String(display),
	}
	a.genres[key] = g
	return g, true
}

// Genres returns the genres seen during the run.
func (a *Assembler) Genres() []storage.Genre {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]storage.Genre, 0, len(a.genres))
	for _, g := range a.genres {
		out = append(out, g)
	}
	slices.SortFunc(out, func(x, y storage.Genre) int { return strings.Compare(x.Key, y.Key) })
	return out
}

// NormalizeGenre trims and collapses whitespace. key is the lower-cased form
// used for uniqueness.
func NormalizeGenre(name string) (key, display string) {
	display = strings.Join(strings.Fields(name), " ")
	return strings.ToLower(display), display
}

func (r *Record) addCredit(item *extract.Fragment, role storage.Role) {
	name := item.StringValue(FieldName)
	if name == "" {
		return
	}
	p := storage.Person{Name: name, SourceID: identity.PersonID(item.StringValue(FieldLink))}
	if p.SourceID != "" {
		p.ID = identity.PersonKey(p.SourceID)
	} else {
		p.ID = identity.NamedPersonKey(name)
	}

	k := creditKey{person: p.ID, role: role}
	if _, dup := r.creditOK[k]; dup {
		return
	}
	r.creditOK[k] = struct{}{}

	order := 1
	for _, c := range r.credits {
		if c.Role == role {
			order++
		}
	}
	r.credits = append(r.credits, storage.Credit{
		Person:    p,
		Role:      role,
		Order:     order,
		Character: item.StringValue(FieldCharacter),
	})
}

func (r *Record) addReview(rv storage.Review) {
	if _, dup := r.reviewOK[rv.ID]; dup {
		return
	}
	r.reviewOK[rv.ID] = struct{}{}
	r.reviews = append(r.reviews, rv)
}
