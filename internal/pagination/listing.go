package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/session"
)

// Strategy is how a rendered listing reveals more entries.
type Strategy int

const (
	// ClickMore clicks a "more results" button.
	ClickMore Strategy = iota
	// Scroll scrolls to the bottom to trigger lazy loading.
	Scroll
)

const (
	// IMDbLinkSelector matches title links on current and legacy IMDb
	// search layouts.
	IMDbLinkSelector = `a.ipc-title-link-wrapper, div.dli-title a, h3.lister-item-header a`
	// IMDbMoreSelector is the "50 more" button on IMDb search results.
	IMDbMoreSelector = `button.ipc-see-more__button`
	// MetacriticLinkSelector matches movie cards on Metacritic browse pages.
	MetacriticLinkSelector = `a[href^="/movie/"]`
	// RottenTomatoesLinkSelector matches movie tiles on Rotten Tomatoes browse pages.
	RottenTomatoesLinkSelector = `a[href^="/m/"]`
)

// BrowserListing is a listing rendered in the shared browser session. It
// holds the session from the first Scan until Close, so callers close it as
// soon as the walk is over.
type BrowserListing struct {
	sessions     *session.Manager
	url          string
	kind         fetch.PageKind
	linkSelector string
	moreSelector string
	strategy     Strategy
	settle       time.Duration

	sess *session.Session
}

// ListingOption configures a BrowserListing.
type ListingOption func(*BrowserListing)

// WithStrategy sets the reveal strategy and, for ClickMore, the button selector.
func WithStrategy(s Strategy, moreSelector string) ListingOption {
	return func(l *BrowserListing) {
		l.strategy = s
		l.moreSelector = moreSelector
	}
}

// WithSettle sets how long to wait for new entries after a reveal.
func WithSettle(d time.Duration) ListingOption {
	return func(l *BrowserListing) { l.settle = d }
}

// NewBrowserListing creates a listing for url. Nothing is loaded until the
// first Scan.
func NewBrowserListing(sessions *session.Manager, kind fetch.PageKind, url, linkSelector string, opts ...ListingOption) *BrowserListing {
	l := &BrowserListing{
		sessions:     sessions,
		url:          url,
		kind:         kind,
		linkSelector: linkSelector,
		moreSelector: IMDbMoreSelector,
		strategy:     ClickMore,
		settle:       3 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Scan returns the hrefs of every link matching the link selector.
func (l *BrowserListing) Scan(ctx context.Context) ([]string, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	var links []string
	expr := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(a => a.href)`, jsString(l.linkSelector))
	if err := l.sess.Browser().Evaluate(ctx, expr, &links); err != nil {
		l.drop(err)
		return nil, fmt.Errorf("scan %s: %w", l.url, err)
	}
	return links, nil
}

// Reveal triggers the next batch of entries and waits for it to settle.
func (l *BrowserListing) Reveal(ctx context.Context) (bool, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return false, err
	}

	var more bool
	var expr string
	switch l.strategy {
	case Scroll:
		expr = `(() => { window.scrollTo(0, document.body.scrollHeight); return true; })()`
	default:
		expr = fmt.Sprintf(`(() => {
			const b = document.querySelector(%s);
			if (!b || b.disabled) return false;
			b.scrollIntoView({block: "center"});
			b.click();
			return true;
		})()`, jsString(l.moreSelector))
	}

	if err := l.sess.Browser().Evaluate(ctx, expr, &more); err != nil {
		l.drop(err)
		return false, fmt.Errorf("reveal %s: %w", l.url, err)
	}
	if !more {
		return false, nil
	}

	t := time.NewTimer(l.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
	}
	return true, nil
}

// Close releases the session.
func (l *BrowserListing) Close() {
	if l.sess != nil {
		l.sessions.Release(l.sess, session.FaultNone)
		l.sess = nil
	}
}

func (l *BrowserListing) ensureLoaded(ctx context.Context) error {
	if l.sess != nil {
		return nil
	}

	s, err := l.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	l.sess = s

	if _, err := fetch.Render(ctx, s.Browser(), l.kind, l.url); err != nil {
		l.drop(err)
		return err
	}
	return nil
}

// drop gives the session back after a failure. The listing reloads on the
// next call; the walker's seen-set keeps already emitted links out.
func (l *BrowserListing) drop(err error) {
	if l.sess == nil {
		return
	}
	l.sessions.Release(l.sess, fetch.FaultFor(err))
	l.sess = nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Getter retrieves pages.
type Getter interface {
	Get(ctx context.Context, kind fetch.PageKind, url string) (*fetch.Page, error)
}

// PagedListing is a listing split across numbered pages, such as
// Metacritic's browse view.
type PagedListing struct {
	getter       Getter
	kind         fetch.PageKind
	layout       string // URL with one %d for the page number
	linkSelector string
	page         int
	links        []string
	loaded       bool
}

// NewPagedListing creates a listing starting at firstPage.
func NewPagedListing(getter Getter, kind fetch.PageKind, layout, linkSelector string, firstPage int) *PagedListing {
	return &PagedListing{
		getter:       getter,
		kind:         kind,
		layout:       layout,
		linkSelector: linkSelector,
		page:         firstPage,
	}
}

// Scan returns the links of the current page.
func (p *PagedListing) Scan(ctx context.Context) ([]string, error) {
	if !p.loaded {
		if err := p.load(ctx); err != nil {
			return nil, err
		}
	}
	return p.links, nil
}

// Reveal moves to the next page. An empty page ends the listing.
func (p *PagedListing) Reveal(ctx context.Context) (bool, error) {
	p.page++
	if err := p.load(ctx); err != nil {
		p.page--
		return false, err
	}
	return len(p.links) > 0, nil
}

func (p *PagedListing) load(ctx context.Context) error {
	page, err := p.getter.Get(ctx, p.kind, fmt.Sprintf(p.layout, p.page))
	if err != nil {
		return err
	}
	doc, err := page.Document()
	if err != nil {
		return err
	}

	var links []string
	doc.Find(p.linkSelector).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			links = append(links, href)
		}
	})
	p.links = links
	p.loaded = true
	return nil
}
