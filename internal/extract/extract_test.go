package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const moviePage = `<html><body>
<h1><span class="hero__primary-text">  The   Shawshank Redemption </span></h1>
<a href="/title/tt0111161/releaseinfo">1994</a>
<div data-testid="hero-rating-bar__aggregate-rating__score"><span>9.3</span><span>/10</span></div>
<div class="ipc-chip-list__scroller">
  <a><span>Drama</span></a>
  <a><span> Crime </span></a>
  <a><span></span></a>
</div>
<div data-testid="title-cast-item">
  <a data-testid="title-cast-item__actor" href="/name/nm0000209/">Tim Robbins</a>
  <a data-testid="cast-item-characters-link"><span>Andy Dufresne</span></a>
</div>
<div data-testid="title-cast-item">
  <a data-testid="title-cast-item__actor" href="/name/nm0000151/">Morgan Freeman</a>
  <span data-testid="cast-item-characters">Ellis Boyd 'Red' Redding</span>
</div>
<div data-testid="title-cast-item">
  <span>uncredited row without a link</span>
</div>
<div data-testid="title-cast-item">
  <a data-testid="title-cast-item__actor" href="/name/nm0348409/">Bob Gunton</a>
</div>
</body></html>`

func castSchema() Schema {
	return Schema{
		Name: "cast",
		Rules: []Rule{
			{Field: "name", Selector: `a[data-testid="title-cast-item__actor"]`, Required: true},
			{Field: "href", Selector: `a[data-testid="title-cast-item__actor"]`, Attr: "href", Required: true},
			{
				Field:    "character",
				Selector: `a[data-testid="cast-item-characters-link"] span`,
				Fallbacks: []Rule{
					{Selector: `span[data-testid="cast-item-characters"]`},
				},
			},
		},
	}
}

func movieSchema(castLimit int) Schema {
	return Schema{
		Name: "movie",
		Rules: []Rule{
			{Field: "title", Selector: "span.hero__primary-text", Required: true},
			{Field: "year", Selector: `a[href*="releaseinfo"]`, Transform: Year},
			{Field: "rating", Selector: `div[data-testid="hero-rating-bar__aggregate-rating__score"] span`, Transform: Float("en-US")},
			{Field: "genres", Selector: "div.ipc-chip-list__scroller a span", Multi: true},
			{Field: "gross", Selector: `li[data-testid="title-boxoffice-cumulativeworldwidegross"]`, Transform: Money("en-US")},
			{Field: "cast", Selector: `div[data-testid="title-cast-item"]`, Group: &Group{Schema: castSchema(), Limit: castLimit}},
		},
	}
}

func TestExtractHTML_MoviePage(t *testing.T) {
	frag, err := ExtractHTML([]byte(moviePage), movieSchema(15))
	require.NoError(t, err)

	assert.Equal(t, "The Shawshank Redemption", frag.StringValue("title"))
	require.NotNil(t, frag.Int("year"))
	assert.Equal(t, int64(1994), *frag.Int("year"))
	require.NotNil(t, frag.Float("rating"))
	assert.InDelta(t, 9.3, *frag.Float("rating"), 1e-9)
	assert.Equal(t, []string{"Drama", "Crime"}, frag.Strings("genres"))

	assert.Nil(t, frag.Int("gross"))
	assert.Equal(t, []string{"gross"}, frag.Missing())

	cast := frag.Group("cast")
	require.Len(t, cast, 3)
	assert.Equal(t, "Tim Robbins", cast[0].StringValue("name"))
	assert.Equal(t, "Andy Dufresne", cast[0].StringValue("character"))
	assert.Equal(t, "Ellis Boyd 'Red' Redding", cast[1].StringValue("character"), "fallback selector")
	assert.Nil(t, cast[2].String("character"))
	assert.Equal(t, 1, frag.Dropped["cast"])
}

func TestExtractHTML_GroupLimit(t *testing.T) {
	frag, err := ExtractHTML([]byte(moviePage), movieSchema(2))
	require.NoError(t, err)

	cast := frag.Group("cast")
	require.Len(t, cast, 2)
	assert.Equal(t, "Morgan Freeman", cast[1].StringValue("name"))
}

func TestExtractHTML_MultiValuedFallback(t *testing.T) {
	page := `<html><body>
<div data-testid="genres"><a><span>Crime</span></a><a><span>Drama</span></a></div>
</body></html>`
	schema := Schema{Name: "movie", Rules: []Rule{{
		Field:     "genres",
		Selector:  "div.ipc-chip-list__scroller a span",
		Multi:     true,
		Fallbacks: []Rule{{Selector: `div[data-testid="genres"] a span`}},
	}}}

	frag, err := ExtractHTML([]byte(page), schema)
	require.NoError(t, err)
	assert.Equal(t, []string{"Crime", "Drama"}, frag.Strings("genres"))
}

func TestExtractHTML_GroupKeySkipsRepeats(t *testing.T) {
	page := `<html><body>
<div class="row"><a href="/name/nm0000209/">Tim Robbins</a></div>
<div class="row"><a href="/name/nm0000209/">Tim Robbins</a></div>
<div class="row"><a href="/name/nm0000151/">Morgan Freeman</a></div>
<div class="row"><a href="/name/nm0348409/">Bob Gunton</a></div>
</body></html>`
	schema := Schema{Name: "movie", Rules: []Rule{{
		Field:    "cast",
		Selector: "div.row",
		Group: &Group{Limit: 2, Key: "href", Schema: Schema{Name: "cast", Rules: []Rule{
			{Field: "name", Selector: "a", Required: true},
			{Field: "href", Selector: "a", Attr: "href"},
		}}},
	}}}

	frag, err := ExtractHTML([]byte(page), schema)
	require.NoError(t, err)
	cast := frag.Group("cast")
	require.Len(t, cast, 2)
	assert.Equal(t, "Tim Robbins", cast[0].StringValue("name"))
	assert.Equal(t, "Morgan Freeman", cast[1].StringValue("name"))
}

func TestExtractHTML_RequiredMissing(t *testing.T) {
	schema := Schema{
		Name: "movie",
		Rules: []Rule{
			{Field: "title", Selector: "h1.missing", Required: true},
		},
	}

	frag, err := ExtractHTML([]byte(moviePage), schema)
	assert.Nil(t, frag)

	var contentErr *ContentError
	require.ErrorAs(t, err, &contentErr)
	assert.Equal(t, "title", contentErr.Field)
	assert.Equal(t, "movie", contentErr.Schema)
}

func TestExtractHTML_RequiredUnparseable(t *testing.T) {
	schema := Schema{
		Name: "movie",
		Rules: []Rule{
			{Field: "rating", Selector: "span.hero__primary-text", Transform: Float("en-US"), Required: true},
		},
	}

	_, err := ExtractHTML([]byte(moviePage), schema)
	var contentErr *ContentError
	assert.ErrorAs(t, err, &contentErr)
}

func TestExtractHTML_RequiredEmptyGroup(t *testing.T) {
	schema := Schema{
		Name: "reviews",
		Rules: []Rule{
			{Field: "items", Selector: "article.user-review-item", Required: true, Group: &Group{Schema: castSchema()}},
		},
	}

	_, err := ExtractHTML([]byte(moviePage), schema)
	var contentErr *ContentError
	require.ErrorAs(t, err, &contentErr)
	assert.Equal(t, "items", contentErr.Field)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		locale string
		want   *float64
	}{
		{name: "plain", in: "8.1", locale: "en-US", want: ptr(8.1)},
		{name: "grouped", in: "1,234,567", locale: "en-US", want: ptr(1234567)},
		{name: "grouped decimal", in: "1,234.5", locale: "en-US", want: ptr(1234.5)},
		{name: "currency", in: "$25,000,000", locale: "en-US", want: ptr(25000000)},
		{name: "currency prefix", in: "US$ 1,000", locale: "en-US", want: ptr(1000)},
		{name: "suffix code", in: "1,000 USD", locale: "en-US", want: ptr(1000)},
		{name: "millions", in: "$2.5M", locale: "en-US", want: ptr(2500000)},
		{name: "thousands", in: "1.2K", locale: "en-US", want: ptr(1200)},
		{name: "billions", in: "1B", locale: "en-US", want: ptr(1e9)},
		{name: "negative", in: "-3.5", locale: "en-US", want: ptr(-3.5)},
		{name: "dutch", in: "1.234,5", locale: "nl-NL", want: ptr(1234.5)},
		{name: "german currency", in: "€ 2.000.000", locale: "de_DE", want: ptr(2000000)},
		{name: "french nbsp", in: "1\u00a0234,5", locale: "fr-FR", want: ptr(1234.5)},
		{name: "unknown locale uses english", in: "1,000", locale: "xx", want: ptr(1000)},
		{name: "bad grouping", in: "1,23,456", locale: "en-US"},
		{name: "double separator", in: "1,,000", locale: "en-US"},
		{name: "leading group too long", in: "1234,567", locale: "en-US"},
		{name: "dutch text in english locale", in: "1.234,5", locale: "en-US"},
		{name: "text", in: "N/A", locale: "en-US"},
		{name: "empty", in: "", locale: "en-US"},
		{name: "dangling decimal", in: "12.", locale: "en-US"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNumber(tt.in, tt.locale)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-6)
		})
	}
}

func TestParseMoney(t *testing.T) {
	got := ParseMoney("$28,341,469", "en-US")
	require.NotNil(t, got)
	assert.Equal(t, int64(28341469), *got)

	assert.Nil(t, ParseMoney("–", "en-US"))
	assert.Nil(t, ParseMoney("$99,999,999,999,999,999,999", "en-US"), "beyond int64")
	assert.Nil(t, ParseMoney("$99999999999999999999", "en-US"))

	_, ok := Int("en-US")("12,000,000,000,000,000,000")
	assert.False(t, ok)
}

func TestTransforms(t *testing.T) {
	t.Run("year", func(t *testing.T) {
		v, ok := Year("Release date March 3, 1995 (United States)")
		require.True(t, ok)
		assert.Equal(t, int64(1995), v)

		_, ok = Year("TV Movie")
		assert.False(t, ok)
	})

	t.Run("match with group", func(t *testing.T) {
		v, ok := Match(`Budget\s*\$?([\d,]+)`)("Domestic Distributor Columbia Budget $25,000,000 Earliest Release")
		require.True(t, ok)
		assert.Equal(t, "25,000,000", v)
	})

	t.Run("chain", func(t *testing.T) {
		budget := Chain(Match(`Budget\s*\$?([\d,]+)`), Money("en-US"))
		v, ok := budget("Budget $25,000,000")
		require.True(t, ok)
		assert.Equal(t, int64(25000000), v)

		_, ok = budget("no figures here")
		assert.False(t, ok)
	})

	t.Run("at least", func(t *testing.T) {
		budget := AtLeast(Money("en-US"), 100000)
		_, ok := budget("$500")
		assert.False(t, ok)

		v, ok := budget("$250,000")
		require.True(t, ok)
		assert.Equal(t, int64(250000), v)
	})

	t.Run("text", func(t *testing.T) {
		v, ok := Text("  a \n\t b ")
		require.True(t, ok)
		assert.Equal(t, "a b", v)

		_, ok = Text(" \n ")
		assert.False(t, ok)
	})
}

func ptr(f float64) *float64 { return &f }
