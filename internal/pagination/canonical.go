package pagination

import (
	"net/url"
	"regexp"
	"strings"
)

// Canonicalizer maps a raw link to its canonical form, or ok=false when the
// link is not a detail link of the source.
type Canonicalizer func(raw string) (canonical string, ok bool)

var (
	imdbTitlePath       = regexp.MustCompile(`^/title/(tt\d+)`)
	metacriticMoviePath = regexp.MustCompile(`^/movie/([a-z0-9][a-z0-9-]*)`)
	rtMoviePath         = regexp.MustCompile(`^/m/([a-z0-9][a-z0-9_-]*)`)
)

// IMDbTitle canonicalizes IMDb title links to https://www.imdb.com/title/ttNNNNNNN/.
func IMDbTitle(raw string) (string, bool) {
	return canonicalize(raw, "www.imdb.com", imdbTitlePath, "/title/%s/")
}

// MetacriticMovie canonicalizes Metacritic movie links to
// https://www.metacritic.com/movie/<slug>/.
func MetacriticMovie(raw string) (string, bool) {
	return canonicalize(raw, "www.metacritic.com", metacriticMoviePath, "/movie/%s/")
}

// RottenTomatoesMovie canonicalizes Rotten Tomatoes movie links to
// https://www.rottentomatoes.com/m/<slug>.
func RottenTomatoesMovie(raw string) (string, bool) {
	return canonicalize(raw, "www.rottentomatoes.com", rtMoviePath, "/m/%s")
}

func canonicalize(raw, host string, path *regexp.Regexp, layout string) (string, bool) {
	base := &url.URL{Scheme: "https", Host: host}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)

	h := strings.ToLower(u.Hostname())
	if h != host && h != strings.TrimPrefix(host, "www.") && h != "m."+strings.TrimPrefix(host, "www.") {
		return "", false
	}

	m := path.FindStringSubmatch(u.Path)
	if m == nil {
		return "", false
	}

	out := url.URL{Scheme: "https", Host: host, Path: strings.Replace(layout, "%s", m[1], 1)}
	return out.String(), true
}
