package assemble

import (
	"errors"
	"strings"
	"time"

	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

// Financial and Metacritic field names.
const (
	FieldBudget        = "budget"
	FieldOpening       = "opening"
	FieldDomestic      = "domestic"
	FieldInternational = "international"
	FieldWorldwide     = "worldwide"
	FieldDistributor   = "distributor"

	FieldMetascore     = "metascore"
	FieldUserScore     = "user_score"
	FieldCriticCount   = "critic_review_count"
	FieldUserCount     = "user_rating_count"
	FieldContentRating = "content_rating"
	FieldRuntime       = "runtime_minutes"
	FieldSummary       = "summary"
	FieldReleaseDate   = "release_date"
	FieldWriters       = "writers"

	FieldTomatometer = "tomatometer"
	FieldAudience    = "audience_score"
	FieldCertified   = "certified_fresh"
)

// Figures below these are page noise (ranks, counts) rather than money.
const (
	minBudget  = 100_000
	minOpening = 1_000
)

// ErrNoData is returned when a page yielded none of the figures it is
// supposed to carry.
var ErrNoData = errors.New("no usable data on page")

var reviewDateLayouts = []string{
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"2006-01-02",
	time.RFC3339,
}

// ParseReviewDate accepts the date formats IMDb and Metacritic print.
func ParseReviewDate(s string) *time.Time {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}
	for _, layout := range reviewDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// BuildReviews converts review items into reviews for movieKey. Items with
// neither author nor text are skipped, and repeats of the same author and
// body collapse into one.
func BuildReviews(movieKey int64, source string, isCritic bool, items []*extract.Fragment) []storage.Review {
	var out []storage.Review
	seen := make(map[int64]struct{})

	for _, it := range items {
		author := it.StringValue(FieldAuthor)
		publication := it.StringValue(FieldPublication)
		if author == "" && isCritic {
			author = publication
		}
		text := it.StringValue(FieldText)
		if author == "" && text == "" {
			continue
		}

		id := identity.ReviewKey(source, movieKey, author, text)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		out = append(out, storage.Review{
			ID:          id,
			MovieID:     movieKey,
			Source:      source,
			Author:      author,
			Score:       it.Float(FieldScore),
			Text:        text,
			PostedAt:    ParseReviewDate(it.StringValue(FieldDate)),
			IsCritic:    isCritic,
			Publication: publication,
		})
	}
	return out
}

// BuildFinancial maps a Box Office Mojo fragment to a financial record.
// Implausibly small budget and opening figures are dropped.
func BuildFinancial(movieKey int64, frag *extract.Fragment, now time.Time) (*storage.Financial, error) {
	f := &storage.Financial{
		MovieID:            movieKey,
		Budget:             atLeast(frag.Int(FieldBudget), minBudget),
		DomesticOpening:    atLeast(frag.Int(FieldOpening), minOpening),
		DomesticGross:      frag.Int(FieldDomestic),
		InternationalGross: frag.Int(FieldInternational),
		WorldwideGross:     frag.Int(FieldWorldwide),
		Distributor:        frag.StringValue(FieldDistributor),
		ScrapedAt:          now.UTC(),
	}
	if f.Budget == nil && f.DomesticOpening == nil && f.DomesticGross == nil &&
		f.InternationalGross == nil && f.WorldwideGross == nil {
		return nil, ErrNoData
	}
	return f, nil
}

// BuildMetacritic maps a Metacritic movie fragment to its row.
func BuildMetacritic(movieKey int64, url, slug string, frag *extract.Fragment, now time.Time) (*storage.MetacriticData, error) {
	m := &storage.MetacriticData{
		MovieID:           movieKey,
		URL:               url,
		Slug:              slug,
		Title:             frag.StringValue(FieldTitle),
		Metascore:         within(frag.Int(FieldMetascore), 0, 100),
		UserScore:         frag.Float(FieldUserScore),
		CriticReviewCount: frag.Int(FieldCriticCount),
		UserRatingCount:   frag.Int(FieldUserCount),
		ContentRating:     frag.StringValue(FieldContentRating),
		RuntimeMinutes:    frag.Int(FieldRuntime),
		Summary:           frag.StringValue(FieldSummary),
		ReleaseDate:       frag.StringValue(FieldReleaseDate),
		ScrapedAt:         now.UTC(),
		Writers:           namedPeople(frag.Strings(FieldWriters)),
	}
	if m.UserScore != nil && (*m.UserScore < 0 || *m.UserScore > 10) {
		m.UserScore = nil
	}
	if m.Metascore == nil && m.UserScore == nil && m.Title == "" {
		return nil, ErrNoData
	}
	return m, nil
}

// BuildRottenTomatoes maps a Rotten Tomatoes movie fragment to its row.
// Scores are percentages.
func BuildRottenTomatoes(movieKey int64, url, slug string, frag *extract.Fragment, now time.Time) (*storage.RottenTomatoesData, error) {
	rt := &storage.RottenTomatoesData{
		MovieID:        movieKey,
		URL:            url,
		Slug:           slug,
		Title:          frag.StringValue(FieldTitle),
		Tomatometer:    within(frag.Int(FieldTomatometer), 0, 100),
		AudienceScore:  within(frag.Int(FieldAudience), 0, 100),
		CertifiedFresh: frag.Bool(FieldCertified),
		ScrapedAt:      now.UTC(),
	}
	if rt.Tomatometer == nil && rt.AudienceScore == nil && rt.Title == "" {
		return nil, ErrNoData
	}
	return rt, nil
}

// namedPeople turns credit lines such as "Frank Darabont, Stephen King" into
// people keyed by name, first mention first.
func namedPeople(lines []string) []storage.Person {
	var out []storage.Person
	seen := make(map[int64]struct{})
	for _, line := range lines {
		for _, name := range strings.Split(line, ",") {
			name = strings.Join(strings.Fields(name), " ")
			if name == "" {
				continue
			}
			id := identity.NamedPersonKey(name)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, storage.Person{ID: id, Name: name})
		}
	}
	return out
}

func atLeast(v *int64, floor int64) *int64 {
	if v == nil || *v < floor {
		return nil
	}
	return v
}

func within(v *int64, lo, hi int64) *int64 {
	if v == nil || *v < lo || *v > hi {
		return nil
	}
	return v
}
