package crawler

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Simerblur/online-data-mining/internal/assemble"
	"github.com/Simerblur/online-data-mining/internal/extract"
)

// Schema names for pages that do not feed the assembler.
const (
	SchemaBoxOffice        = "boxoffice_title"
	SchemaMetacriticMovie  = "metacritic_movie"
	SchemaMetacriticCritic = "metacritic_critic_reviews"
	SchemaMetacriticUser   = "metacritic_user_reviews"
	SchemaRTMovie          = "rt_movie"
	SchemaRTCritic         = "rt_critic_reviews"
	SchemaRTUser           = "rt_user_reviews"
)

func personRules() []extract.Rule {
	return []extract.Rule{
		{Field: assemble.FieldName, Required: true},
		{Field: assemble.FieldLink, Attr: "href", Transform: extract.Match(`(/name/nm\d+)`)},
	}
}

// IMDbMovieSchema reads the core of an IMDb title page with its principal
// directors and the first maxCast billed actors. maxCast <= 0 keeps all.
func IMDbMovieSchema(maxCast int, locale string) extract.Schema {
	return extract.Schema{
		Name: assemble.SchemaMovie,
		Rules: []extract.Rule{
			{
				Field:     assemble.FieldTitle,
				Selector:  `span.hero__primary-text`,
				Required:  true,
				Fallbacks: []extract.Rule{{Selector: `h1[data-testid="hero__pageTitle"]`}, {Selector: `h1`}},
			},
			{
				Field:     assemble.FieldYear,
				Selector:  `a[href*="releaseinfo"]`,
				Transform: extract.Year,
				Fallbacks: []extract.Rule{{Selector: `ul.ipc-inline-list li`, Transform: extract.Year}},
			},
			{
				Field:     assemble.FieldRating,
				Selector:  `div[data-testid="hero-rating-bar__aggregate-rating__score"] span`,
				Transform: extract.Float(locale),
			},
			{
				Field:     assemble.FieldGross,
				Selector:  `li[data-testid="title-boxoffice-cumulativeworldwidegross"] span.ipc-metadata-list-item__list-content-item`,
				Transform: extract.Money(locale),
			},
			{
				Field:     assemble.FieldGenres,
				Selector:  `div.ipc-chip-list__scroller a span`,
				Multi:     true,
				Fallbacks: []extract.Rule{{Selector: `div[data-testid="genres"] a span`}},
			},
			{
				Field:    assemble.GroupDirectors,
				Selector: `li[data-testid="title-pc-principal-credit"]:has(span:contains("Director")) a[href*="/name/"]`,
				Group:    &extract.Group{Schema: extract.Schema{Name: "director", Rules: personRules()}},
			},
			{
				Field:    assemble.GroupCast,
				Selector: `div[data-testid="title-cast-item"]`,
				Group: &extract.Group{Limit: maxCast, Key: assemble.FieldLink, Schema: extract.Schema{
					Name: "cast",
					Rules: []extract.Rule{
						{Field: assemble.FieldName, Selector: `a[data-testid="title-cast-item__actor"]`, Required: true},
						{
							Field:     assemble.FieldLink,
							Selector:  `a[data-testid="title-cast-item__actor"]`,
							Attr:      "href",
							Transform: extract.Match(`(/name/nm\d+)`),
						},
						{
							Field:     assemble.FieldCharacter,
							Selector:  `a[data-testid="cast-item-characters-link"] span`,
							Fallbacks: []extract.Rule{{Selector: `span[data-testid="cast-item-characters-link"] span`}},
						},
					},
				}},
			},
		},
	}
}

// IMDbReviewsSchema reads up to limit user reviews.
func IMDbReviewsSchema(limit int, locale string) extract.Schema {
	return extract.Schema{
		Name: assemble.SchemaReviews,
		Rules: []extract.Rule{{
			Field:    assemble.GroupReviews,
			Selector: `article.user-review-item`,
			Group: &extract.Group{Limit: limit, Schema: extract.Schema{
				Name: "review",
				Rules: []extract.Rule{
					{
						Field:     assemble.FieldAuthor,
						Selector:  `[data-testid="author-link"]`,
						Fallbacks: []extract.Rule{{Selector: `a.ipc-link--base`}},
					},
					{Field: assemble.FieldScore, Selector: `span.ipc-rating-star--rating`, Transform: extract.Float(locale)},
					{Field: assemble.FieldText, Selector: `div.ipc-html-content-inner-div`},
					{Field: assemble.FieldDate, Selector: `.review-date`},
				},
			}},
		}},
	}
}

// labelled selects the money figure next to a Box Office Mojo summary label.
func labelled(container, label string) string {
	return `div.` + container + ` > div:has(span:contains("` + label + `")) span.money`
}

func pageMoney(pattern, locale string) extract.Rule {
	return extract.Rule{Selector: "body", Transform: extract.Chain(extract.Text, extract.Match(pattern), extract.Money(locale))}
}

// BoxOfficeSchema reads a Box Office Mojo title page. Labelled summary
// values come first; whole-page patterns cover older layouts.
func BoxOfficeSchema(locale string) extract.Schema {
	return extract.Schema{
		Name: SchemaBoxOffice,
		Rules: []extract.Rule{
			{
				Field:     assemble.FieldBudget,
				Selector:  labelled("mojo-summary-values", "Budget"),
				Transform: extract.Money(locale),
				Fallbacks: []extract.Rule{pageMoney(`(?i)Budget\s*\$?([\d,]+)`, locale)},
			},
			{
				Field:     assemble.FieldOpening,
				Selector:  labelled("mojo-summary-values", "Opening"),
				Transform: extract.Money(locale),
				Fallbacks: []extract.Rule{pageMoney(`(?i)Domestic Opening\s*\$?([\d,]+)`, locale)},
			},
			{
				Field:     assemble.FieldDomestic,
				Selector:  labelled("mojo-performance-summary-table", "Domestic"),
				Transform: extract.Money(locale),
				Fallbacks: []extract.Rule{pageMoney(`(?i)Domestic\s*(?:\([^)]+\))?\s*\$([\d,]+)`, locale)},
			},
			{
				Field:     assemble.FieldInternational,
				Selector:  labelled("mojo-performance-summary-table", "International"),
				Transform: extract.Money(locale),
				Fallbacks: []extract.Rule{pageMoney(`(?i)International\s*(?:\([^)]+\))?\s*\$([\d,]+)`, locale)},
			},
			{
				Field:     assemble.FieldWorldwide,
				Selector:  labelled("mojo-performance-summary-table", "Worldwide"),
				Transform: extract.Money(locale),
				Fallbacks: []extract.Rule{pageMoney(`(?i)Worldwide\s*\$([\d,]+)`, locale)},
			},
			{
				Field:     assemble.FieldDistributor,
				Selector:  `div.mojo-summary-values > div:has(span:contains("Distributor")) > span:nth-of-type(2)`,
				Transform: extract.Chain(extract.Text, extract.Match(`^(.*?)(?:\s+See full.*)?$`)),
				Fallbacks: []extract.Rule{{
					Selector:  "body",
					Transform: extract.Chain(extract.Text, extract.Match(`(?i)Domestic Distributor\s+([A-Za-z0-9 .,&'-]+?)\s+See full`)),
				}},
			},
		},
	}
}

const contentRatings = `(PG-13|NC-17|TV-MA|TV-14|TV-PG|Not Rated|PG|NR|G|R)`

func pageText(pattern string, next ...extract.Transform) extract.Transform {
	return extract.Chain(append([]extract.Transform{extract.Text, extract.Match(pattern)}, next...)...)
}

// MetacriticMovieSchema reads a Metacritic movie page. JSON-LD values are
// merged on top by applyJSONLD.
func MetacriticMovieSchema(locale string) extract.Schema {
	return extract.Schema{
		Name: SchemaMetacriticMovie,
		Rules: []extract.Rule{
			{Field: assemble.FieldTitle, Selector: `div.c-productHero_title h1`, Fallbacks: []extract.Rule{{Selector: "h1"}}},
			{
				Field:     assemble.FieldMetascore,
				Selector:  `div.c-productScoreInfo_scoreNumber div.c-siteReviewScore span`,
				Transform: extract.Int(locale),
				Fallbacks: []extract.Rule{{Selector: "body", Transform: pageText(`(?i)\bMetascore\b\s+(\d{1,3})\b`, extract.Int(locale))}},
			},
			{
				Field:     assemble.FieldUserScore,
				Selector:  `div.c-productScoreInfo_scoreNumber div.c-siteReviewScore_user span`,
				Transform: extract.Float("en-US"),
				Fallbacks: []extract.Rule{{Selector: "body", Transform: pageText(`(?i)\bUser Score\b.*?\b(\d{1,2}\.\d)\b`, extract.Float("en-US"))}},
			},
			{Field: assemble.FieldCriticCount, Selector: "body", Transform: pageText(`(?i)Based on ([\d,]+) Critic Reviews?`, extract.Int("en-US"))},
			{Field: assemble.FieldUserCount, Selector: "body", Transform: pageText(`(?i)Based on ([\d,]+) User Ratings?`, extract.Int("en-US"))},
			{Field: assemble.FieldContentRating, Selector: "body", Transform: pageText(`\bRating\s+` + contentRatings + `\b`)},
			{Field: assemble.FieldRuntime, Selector: "body", Transform: extract.Chain(extract.Text, runtimeMinutes)},
			{
				Field:     assemble.FieldSummary,
				Selector:  `span.c-productDetails_description`,
				Fallbacks: []extract.Rule{{Selector: `div[class*="description"]`}},
			},
			{Field: assemble.FieldReleaseDate, Selector: "body", Transform: pageText(`\bRelease Date\s+([A-Z][a-z]{2}\s+\d{1,2},\s+\d{4})\b`)},
			{
				Field:     assemble.FieldWriters,
				Selector:  `div.c-crewList:has(p:contains("Written By")) a`,
				Multi:     true,
				Fallbacks: []extract.Rule{{Selector: `li:has(span:contains("Written By")) a`}},
			},
		},
	}
}

// MetacriticCriticSchema reads up to limit critic review cards.
func MetacriticCriticSchema(limit int) extract.Schema {
	return extract.Schema{
		Name: SchemaMetacriticCritic,
		Rules: []extract.Rule{{
			Field:    assemble.GroupReviews,
			Selector: `div.c-siteReview`,
			Group: &extract.Group{Limit: limit, Schema: extract.Schema{
				Name: "critic_review",
				Rules: []extract.Rule{
					{
						Field:     assemble.FieldPublication,
						Selector:  `.c-siteReviewHeader_publicationName`,
						Fallbacks: []extract.Rule{{Selector: `a[class*="publicationName"]`}},
					},
					{
						Field:     assemble.FieldAuthor,
						Selector:  `.c-siteReview_criticName`,
						Transform: extract.Chain(extract.Text, extract.Match(`^(?:By\s+)?(.+)$`)),
					},
					{Field: assemble.FieldScore, Selector: `div.c-siteReviewScore span`, Transform: extract.Int("en-US")},
					{Field: assemble.FieldText, Selector: `div.c-siteReview_quote span`, Fallbacks: []extract.Rule{{Selector: `.c-siteReview_quote`}}},
					{Field: assemble.FieldDate, Selector: `.c-siteReviewHeader_reviewDate`, Fallbacks: []extract.Rule{{Selector: `.c-siteReview_reviewDate`}}},
				},
			}},
		}},
	}
}

// MetacriticUserSchema reads up to limit user review cards. User scores run
// from 0 to 10.
func MetacriticUserSchema(limit int) extract.Schema {
	return extract.Schema{
		Name: SchemaMetacriticUser,
		Rules: []extract.Rule{{
			Field:    assemble.GroupReviews,
			Selector: `div.c-siteReview`,
			Group: &extract.Group{Limit: limit, Schema: extract.Schema{
				Name: "user_review",
				Rules: []extract.Rule{
					{
						Field:     assemble.FieldAuthor,
						Selector:  `.c-siteReviewHeader_username`,
						Fallbacks: []extract.Rule{{Selector: `a[class*="username"]`}},
					},
					{Field: assemble.FieldScore, Selector: `div.c-siteReviewScore span`, Transform: extract.Float("en-US")},
					{Field: assemble.FieldText, Selector: `div.c-siteReview_quote span`, Fallbacks: []extract.Rule{{Selector: `.c-siteReview_quote`}}},
					{Field: assemble.FieldDate, Selector: `.c-siteReviewHeader_reviewDate`},
				},
			}},
		}},
	}
}

var percent = extract.Chain(extract.Text, extract.Match(`(\d{1,3})\s*%?`), extract.Int("en-US"))

// RottenTomatoesMovieSchema reads the title, year and scores of a Rotten
// Tomatoes movie page. Both the data-qa layout and the score-board element
// of newer pages are understood.
func RottenTomatoesMovieSchema() extract.Schema {
	return extract.Schema{
		Name: SchemaRTMovie,
		Rules: []extract.Rule{
			{
				Field:     assemble.FieldTitle,
				Selector:  `h1[slot="titleIntro"]`,
				Fallbacks: []extract.Rule{{Selector: `[data-qa="score-panel-title"]`}, {Selector: "h1"}},
			},
			{
				Field:     assemble.FieldYear,
				Selector:  `[data-qa="movie-info-item-year"]`,
				Transform: extract.Year,
				Fallbacks: []extract.Rule{{Selector: `p[slot="info"]`, Transform: extract.Year}},
			},
			{
				Field:     assemble.FieldTomatometer,
				Selector:  `[data-qa="tomatometer"]`,
				Transform: percent,
				Fallbacks: []extract.Rule{
					{Selector: `rt-text[slot="criticsScore"]`, Transform: percent},
					{Selector: `score-board`, Attr: "tomatometerscore", Transform: percent},
				},
			},
			{
				Field:     assemble.FieldAudience,
				Selector:  `[data-qa="audiencescore"]`,
				Transform: percent,
				Fallbacks: []extract.Rule{
					{Selector: `rt-text[slot="audienceScore"]`, Transform: percent},
					{Selector: `score-board`, Attr: "audiencescore", Transform: percent},
				},
			},
			{
				Field:     assemble.FieldCertified,
				Selector:  `[data-qa="certified-fresh"]`,
				Transform: extract.Present,
				Fallbacks: []extract.Rule{{Selector: `score-icon-critics[certified="true"]`, Transform: extract.Present}},
			},
		},
	}
}

// freshness scores a critic review 1 when fresh and 0 when rotten.
func freshness(raw string) (any, bool) {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "rotten"):
		return 0.0, true
	case strings.Contains(s, "fresh"):
		return 1.0, true
	}
	return nil, false
}

// RottenTomatoesCriticSchema reads up to limit critic review rows.
func RottenTomatoesCriticSchema(limit int) extract.Schema {
	return extract.Schema{
		Name: SchemaRTCritic,
		Rules: []extract.Rule{{
			Field:    assemble.GroupReviews,
			Selector: `[data-qa="review-row"]`,
			Group: &extract.Group{Limit: limit, Schema: extract.Schema{
				Name: "critic_review",
				Rules: []extract.Rule{
					{Field: assemble.FieldPublication, Selector: `[data-qa="review-publication"]`},
					{
						Field:     assemble.FieldAuthor,
						Selector:  `[data-qa="review-critic-name"]`,
						Fallbacks: []extract.Rule{{Selector: `[data-qa="review-critic-link"]`}},
					},
					{
						Field:     assemble.FieldScore,
						Selector:  `[data-qa="fresh"], [data-qa="rotten"]`,
						Attr:      "data-qa",
						Transform: freshness,
						Fallbacks: []extract.Rule{{Selector: `score-icon-critic-deprecated`, Attr: "state", Transform: freshness}},
					},
					{Field: assemble.FieldText, Selector: `[data-qa="review-text"]`, Fallbacks: []extract.Rule{{Selector: `[data-qa="review-quote"]`}}},
					{Field: assemble.FieldDate, Selector: `[data-qa="review-date"]`},
				},
			}},
		}},
	}
}

// RottenTomatoesUserSchema reads up to limit audience reviews. Star ratings
// come from the aria label, e.g. "4.5 out of 5 stars".
func RottenTomatoesUserSchema(limit int) extract.Schema {
	return extract.Schema{
		Name: SchemaRTUser,
		Rules: []extract.Rule{{
			Field:    assemble.GroupReviews,
			Selector: `[data-qa="user-review"]`,
			Group: &extract.Group{Limit: limit, Schema: extract.Schema{
				Name: "user_review",
				Rules: []extract.Rule{
					{Field: assemble.FieldAuthor, Selector: `[data-qa="user-name"]`},
					{
						Field:     assemble.FieldScore,
						Selector:  `[data-qa="star-rating"]`,
						Attr:      "aria-label",
						Transform: extract.Chain(extract.Match(`([\d.]+)`), extract.Float("en-US")),
					},
					{Field: assemble.FieldText, Selector: `[data-qa="review-text"]`},
					{Field: assemble.FieldDate, Selector: `[data-qa="review-date"]`},
				},
			}},
		}},
	}
}

var (
	hoursMinutes = regexp.MustCompile(`(?i)\b(\d+)\s*h\s*(\d+)\s*m(?:in)?\b`)
	isoDuration  = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?`)
)

// runtimeMinutes reads "2 h 22 m" style runtimes.
func runtimeMinutes(raw string) (any, bool) {
	m := hoursMinutes.FindStringSubmatch(raw)
	if m == nil {
		return nil, false
	}
	h, _ := strconv.ParseInt(m[1], 10, 64)
	mins, _ := strconv.ParseInt(m[2], 10, 64)
	return h*60 + mins, true
}

// isoMinutes converts an ISO-8601 duration such as PT2H22M or PT142M.
func isoMinutes(s string) (int64, bool) {
	m := isoDuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, false
	}
	h, _ := strconv.ParseInt(m[1], 10, 64)
	mins, _ := strconv.ParseInt(m[2], 10, 64)
	return h*60 + mins, true
}

// jsonLDMovie is the subset of schema.org/Movie Metacritic embeds.
type jsonLDMovie struct {
	Type            any    `json:"@type"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	DatePublished   string `json:"datePublished"`
	Duration        string `json:"duration"`
	ContentRating   string `json:"contentRating"`
	AggregateRating *struct {
		RatingValue json.Number `json:"ratingValue"`
	} `json:"aggregateRating"`
}

func (m jsonLDMovie) isMovie() bool {
	switch t := m.Type.(type) {
	case string:
		return t == "Movie" || t == "Film"
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && (s == "Movie" || s == "Film") {
				return true
			}
		}
	}
	return false
}

// findJSONLDMovie returns the first Movie object among the page's JSON-LD
// blocks, looking inside arrays and @graph containers.
func findJSONLDMovie(doc *goquery.Document) (jsonLDMovie, bool) {
	var (
		found jsonLDMovie
		ok    bool
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found, ok = decodeJSONLD([]byte(s.Text()))
		return !ok
	})
	return found, ok
}

func decodeJSONLD(raw []byte) (jsonLDMovie, bool) {
	var objs []json.RawMessage
	if err := json.Unmarshal(raw, &objs); err != nil {
		objs = []json.RawMessage{raw}
	}
	return firstMovie(objs)
}

func firstMovie(objs []json.RawMessage) (jsonLDMovie, bool) {
	for _, o := range objs {
		var graph struct {
			Graph []json.RawMessage `json:"@graph"`
		}
		if json.Unmarshal(o, &graph) == nil && len(graph.Graph) > 0 {
			if m, ok := firstMovie(graph.Graph); ok {
				return m, true
			}
		}
		var m jsonLDMovie
		if json.Unmarshal(o, &m) == nil && m.isMovie() {
			return m, true
		}
	}
	return jsonLDMovie{}, false
}

// applyJSONLD overlays the stable JSON-LD fields onto frag.
func applyJSONLD(frag *extract.Fragment, m jsonLDMovie) {
	if m.Name != "" {
		frag.Values[assemble.FieldTitle] = strings.TrimSpace(m.Name)
	}
	if m.Description != "" {
		frag.Values[assemble.FieldSummary] = strings.TrimSpace(m.Description)
	}
	if m.DatePublished != "" {
		frag.Values[assemble.FieldReleaseDate] = strings.TrimSpace(m.DatePublished)
	}
	if m.ContentRating != "" {
		frag.Values[assemble.FieldContentRating] = strings.TrimSpace(m.ContentRating)
	}
	if n, ok := isoMinutes(m.Duration); ok {
		frag.Values[assemble.FieldRuntime] = n
	}
	if m.AggregateRating != nil {
		if v, err := m.AggregateRating.RatingValue.Int64(); err == nil {
			frag.Values[assemble.FieldMetascore] = v
		}
	}
}
