// Package fetch decides how each kind of page is retrieved and retrieves
// it, either through the rendering session or a plain HTTP client.
package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Simerblur/online-data-mining/internal/session"
)

// PageKind names the kinds of pages a crawl visits.
type PageKind string

const (
	KindIMDbSearch        PageKind = "imdb_search"
	KindIMDbMovie         PageKind = "imdb_movie"
	KindIMDbReviews       PageKind = "imdb_reviews"
	KindBoxOfficeTitle    PageKind = "boxoffice_title"
	KindMetacriticBrowse  PageKind = "metacritic_browse"
	KindMetacriticMovie   PageKind = "metacritic_movie"
	KindMetacriticCritics PageKind = "metacritic_critic_reviews"
	KindMetacriticUsers   PageKind = "metacritic_user_reviews"
	KindRTBrowse          PageKind = "rt_browse"
	KindRTMovie           PageKind = "rt_movie"
	KindRTCritics         PageKind = "rt_critic_reviews"
	KindRTUsers           PageKind = "rt_user_reviews"
)

// Mode is how a page is retrieved.
type Mode int

const (
	// LightFetch uses a plain HTTP GET. The static HTML carries every field
	// the extractor needs.
	LightFetch Mode = iota
	// RequiresRendering needs the browser session: content is produced by
	// scripts or revealed by interaction.
	RequiresRendering
)

func (m Mode) String() string {
	if m == RequiresRendering {
		return "render"
	}
	return "light"
}

var modes = map[PageKind]Mode{
	KindIMDbSearch:        RequiresRendering,
	KindMetacriticBrowse:  RequiresRendering,
	KindRTBrowse:          RequiresRendering,
	KindIMDbMovie:         LightFetch,
	KindIMDbReviews:       LightFetch,
	KindBoxOfficeTitle:    LightFetch,
	KindMetacriticMovie:   LightFetch,
	KindMetacriticCritics: LightFetch,
	KindMetacriticUsers:   LightFetch,
	KindRTMovie:           LightFetch,
	KindRTCritics:         LightFetch,
	KindRTUsers:           LightFetch,
}

// Classify returns the retrieval mode for kind. Unknown kinds render, since
// a rendered page is always a superset of the static one.
func Classify(kind PageKind) Mode {
	if m, ok := modes[kind]; ok {
		return m
	}
	return RequiresRendering
}

// Page is a retrieved document.
type Page struct {
	URL       string
	Kind      PageKind
	Status    int
	Body      []byte
	Rendered  bool
	Cached    bool
	FetchedAt time.Time
}

// Document parses the page body.
func (p *Page) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p.URL, err)
	}
	return doc, nil
}

// ErrTimeout is returned when a request exceeded its deadline.
var ErrTimeout = errors.New("request timed out")

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// ChallengeError is an anti-bot interstitial instead of the requested page.
type ChallengeError struct {
	Code   int
	URL    string
	Reason string
	// Rendered is set when the browser session received the challenge.
	Rendered bool
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("anti-bot challenge (%s) status %d for %s", e.Reason, e.Code, e.URL)
}

var challengeMarkers = []struct {
	marker string
	reason string
}{
	{"captcha-delivery", "captcha"},
	{"g-recaptcha", "captcha"},
	{"h-captcha", "captcha"},
	{"/errors/validatecaptcha", "captcha"},
	{"cf-challenge", "cloudflare"},
	{"challenge-platform", "cloudflare"},
	{"just a moment...", "cloudflare"},
	{"awswafcookiedomainlist", "aws-waf"},
	{"gokuprops", "aws-waf"},
	{"automated access", "robot-check"},
	{"robot check", "robot-check"},
	{"request unsuccessful. incapsula", "incapsula"},
	{"access denied", "access-denied"},
}

// maxChallengeBody bounds how large a 200 page may be and still be scanned
// for challenge markers. Real detail pages are far larger than interstitials.
const maxChallengeBody = 64 << 10

// DetectChallenge reports whether a response is an anti-bot interstitial.
func DetectChallenge(status int, body []byte) (string, bool) {
	switch {
	case status == 202, status == 403, status == 429, status == 503:
	case status == 200 && len(body) <= maxChallengeBody:
	default:
		return "", false
	}

	lower := strings.ToLower(string(body))
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m.marker) {
			return m.reason, true
		}
	}
	if status == 202 && len(bytes.TrimSpace(body)) == 0 {
		return "empty-202", true
	}
	return "", false
}

// FaultFor maps a fetch failure to the hint the session should be released
// with.
func FaultFor(err error) session.Fault {
	var challenge *ChallengeError
	switch {
	case err == nil:
		return session.FaultNone
	case errors.As(err, &challenge):
		return session.FaultChallenge
	case errors.Is(err, session.ErrDisconnected):
		return session.FaultDisconnect
	case errors.Is(err, session.ErrTimeout), errors.Is(err, ErrTimeout):
		return session.FaultTimeout
	}
	return session.FaultNone
}
