// Package linker decides whether a movie page on one source is the same
// movie as a stored record.
package linker

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/storage"
)

const (
	DefaultMinScore     = 0.9
	DefaultMaxYearDelta = 1
)

// Candidate is a movie as seen on another source.
type Candidate struct {
	Title string
	Year  *int64
	URL   string
}

// Link pairs a stored movie with the candidate it matched.
type Link struct {
	Movie       storage.MovieRef
	Candidate   Candidate
	Correlation float64
}

// TitleMatcher compares titles with Jaro-Winkler similarity and years with
// a tolerance. A missing year on either side is not held against a match.
type TitleMatcher struct {
	MinScore     float64
	MaxYearDelta int64
}

// NewTitleMatcher returns a matcher with the default thresholds.
func NewTitleMatcher() TitleMatcher {
	return TitleMatcher{MinScore: DefaultMinScore, MaxYearDelta: DefaultMaxYearDelta}
}

// Normalize folds a title for comparison: lower case, ASCII, punctuation
// removed, "&" spelled out.
func Normalize(title string) string {
	return strings.ReplaceAll(identity.Slug(title), "-", " ")
}

// Score returns the similarity of two titles in [0, 1].
func (m TitleMatcher) Score(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return matchr.JaroWinkler(na, nb, false)
}

// YearsAgree reports whether two release years are within tolerance.
func (m TitleMatcher) YearsAgree(a, b *int64) bool {
	if a == nil || b == nil {
		return true
	}
	d := *a - *b
	if d < 0 {
		d = -d
	}
	return d <= m.MaxYearDelta
}

// Matches scores a candidate against a stored movie.
func (m TitleMatcher) Matches(want storage.MovieRef, got Candidate) (float64, bool) {
	score := m.Score(want.Title, got.Title)
	return score, score >= m.MinScore && m.YearsAgree(want.Year, got.Year)
}

// Best returns the highest scoring acceptable candidate.
func (m TitleMatcher) Best(want storage.MovieRef, cands []Candidate) (Link, bool) {
	var best Link
	found := false
	for _, c := range cands {
		score, ok := m.Matches(want, c)
		if ok && score > best.Correlation {
			best = Link{Movie: want, Candidate: c, Correlation: score}
			found = true
		}
	}
	return best, found
}

// LinkAll pairs movies and candidates one to one. Exact title matches are
// taken first, then the most similar remaining candidate above MinScore.
func (m TitleMatcher) LinkAll(movies []storage.MovieRef, cands []Candidate) []Link {
	var result []Link
	matchedMovie := make(map[int64]struct{})
	matchedCand := make(map[int]struct{})

	for _, mv := range movies {
		for i, c := range cands {
			if _, taken := matchedCand[i]; taken {
				continue
			}
			if Normalize(mv.Title) == Normalize(c.Title) && m.YearsAgree(mv.Year, c.Year) {
				result = append(result, Link{Movie: mv, Candidate: c, Correlation: 1})
				matchedMovie[mv.ID] = struct{}{}
				matchedCand[i] = struct{}{}
				break
			}
		}
	}

	for _, mv := range movies {
		if _, done := matchedMovie[mv.ID]; done {
			continue
		}

		var mostSimilarity float64
		mostSimilar := -1
		for i, c := range cands {
			if _, taken := matchedCand[i]; taken {
				continue
			}
			score, ok := m.Matches(mv, c)
			if ok && score > mostSimilarity {
				mostSimilarity = score
				mostSimilar = i
			}
		}

		if mostSimilar >= 0 {
			result = append(result, Link{Movie: mv, Candidate: cands[mostSimilar], Correlation: mostSimilarity})
			matchedMovie[mv.ID] = struct{}{}
			matchedCand[mostSimilar] = struct{}{}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Movie.ID < result[j].Movie.ID })
	return result
}

// CandidateFromSlug builds a title-only candidate from a Metacritic movie
// URL such as https://www.metacritic.com/movie/the-godfather/.
func CandidateFromSlug(url string) (Candidate, bool) {
	return fromSegment(url, "/movie/", "-")
}

var rtSlugYear = regexp.MustCompile(`^(.+) ((?:19|20)\d{2})$`)

// CandidateFromRTSlug builds a candidate from a Rotten Tomatoes movie URL
// such as https://www.rottentomatoes.com/m/the_godfather. A trailing year,
// as in heat_1995, becomes the candidate's year.
func CandidateFromRTSlug(url string) (Candidate, bool) {
	c, ok := fromSegment(url, "/m/", "_")
	if !ok {
		return c, false
	}
	if m := rtSlugYear.FindStringSubmatch(c.Title); m != nil {
		y, _ := strconv.ParseInt(m[2], 10, 64)
		c.Title, c.Year = m[1], &y
	}
	return c, true
}

// fromSegment reads the path segment after marker as a title whose words are
// joined by sep.
func fromSegment(url, marker, sep string) (Candidate, bool) {
	i := strings.Index(url, marker)
	if i < 0 {
		return Candidate{}, false
	}
	slug := strings.Trim(url[i+len(marker):], "/")
	if j := strings.IndexByte(slug, '/'); j >= 0 {
		slug = slug[:j]
	}
	if slug == "" {
		return Candidate{}, false
	}
	return Candidate{Title: strings.ReplaceAll(slug, sep, " "), URL: url}, true
}
