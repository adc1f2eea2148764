// Package identity derives stable keys from source identifiers and converts
// identifiers between the formats each source expects.
package identity

import (
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Format is a source-specific textual identifier convention.
type Format string

const (
	// FormatIMDb renders a numeric id as tt followed by at least seven digits.
	FormatIMDb Format = "imdb"
	// FormatBoxOfficeMojo is the title page URL on Box Office Mojo.
	FormatBoxOfficeMojo Format = "boxofficemojo"
	// FormatIMDbReviews is the user reviews page URL on IMDb.
	FormatIMDbReviews Format = "imdb_reviews"
	// FormatIMDbTitle is the title page URL on IMDb.
	FormatIMDbTitle Format = "imdb_title"
)

const imdbWidth = 7

// ErrInvalidID is returned for identifiers that cannot be parsed or rendered.
var ErrInvalidID = errors.New("invalid identifier")

var (
	titleIDPattern  = regexp.MustCompile(`tt(\d+)`)
	personIDPattern = regexp.MustCompile(`nm\d+`)
)

// SurrogateKey returns a deterministic positive key for a source identifier.
// The namespace keeps ids of different kinds (person, review, slug) apart.
// FNV-1a output is stable, so keys agree across processes and releases.
func SurrogateKey(namespace, sourceID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(sourceID)))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// PersonKey is the surrogate key of a person. Directors and actors share one
// namespace so the same nm id resolves to the same key in both roles.
func PersonKey(personID string) int64 {
	return SurrogateKey("person", personID)
}

// NamedPersonKey is the key of a person known only by name, as on sources
// without person ids.
func NamedPersonKey(name string) int64 {
	return SurrogateKey("person_name", strings.ToLower(strings.Join(strings.Fields(name), " ")))
}

// ReviewKey identifies a review by source, movie, author and body so a
// rescrape of the same page does not insert it twice.
func ReviewKey(source string, movieKey int64, author, body string) int64 {
	fold := func(s string) string { return strings.ToLower(strings.Join(strings.Fields(s), " ")) }
	return SurrogateKey("review", fmt.Sprintf("%s:%d:%s:%s", source, movieKey, fold(author), fold(body)))
}

// MovieKey extracts the canonical numeric key from an IMDb title id or URL.
// tt0111161 and https://www.imdb.com/title/tt0111161/ both yield 111161.
func MovieKey(imdbID string) (int64, error) {
	m := titleIDPattern.FindStringSubmatch(imdbID)
	if m == nil {
		return 0, fmt.Errorf("%w: no title id in %q", ErrInvalidID, imdbID)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return n, nil
}

// PersonID extracts an nm person id from a link, or "" when absent.
func PersonID(href string) string {
	return personIDPattern.FindString(href)
}

// Translate renders a canonical numeric id in the target source's format.
func Translate(canonicalID int64, format Format) (string, error) {
	if canonicalID < 0 {
		return "", fmt.Errorf("%w: negative id %d", ErrInvalidID, canonicalID)
	}
	tt := fmt.Sprintf("tt%0*d", imdbWidth, canonicalID)

	switch format {
	case FormatIMDb:
		return tt, nil
	case FormatIMDbTitle:
		return "https://www.imdb.com/title/" + tt + "/", nil
	case FormatIMDbReviews:
		return "https://www.imdb.com/title/" + tt + "/reviews/", nil
	case FormatBoxOfficeMojo:
		return "https://www.boxofficemojo.com/title/" + tt + "/", nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidID, format)
	}
}

// ParseTranslated reverses Translate.
func ParseTranslated(s string, format Format) (int64, error) {
	switch format {
	case FormatIMDb, FormatIMDbTitle, FormatIMDbReviews, FormatBoxOfficeMojo:
		return MovieKey(s)
	default:
		return 0, fmt.Errorf("%w: unknown format %q", ErrInvalidID, format)
	}
}

// Slug converts a title into the path segment Metacritic uses:
// "The Shawshank Redemption" -> "the-shawshank-redemption".
func Slug(title string) string {
	decomposed := norm.NFKD.String(title)

	var b strings.Builder
	dash := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r == '\'' || r == '’' || r == '.':
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToLower(r))
			dash = false
		case r == '&':
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
			}
			b.WriteString("and-")
			dash = true
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
