package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/Simerblur/online-data-mining/internal/session"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// Router dispatches each request to the retrieval mode its page kind needs.
type Router struct {
	sessions *session.Manager
	light    *LightFetcher
	log      *logger.Logger
}

// NewRouter creates a router. sessions may be nil when no rendered page
// kinds will be requested.
func NewRouter(sessions *session.Manager, light *LightFetcher, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{sessions: sessions, light: light, log: log.WithComponent("router")}
}

// Get retrieves url using the mode Classify picks for kind.
func (r *Router) Get(ctx context.Context, kind PageKind, url string) (*Page, error) {
	if Classify(kind) == LightFetch {
		return r.light.Get(ctx, kind, url)
	}
	return r.render(ctx, kind, url)
}

func (r *Router) render(ctx context.Context, kind PageKind, url string) (*Page, error) {
	if r.sessions == nil {
		return nil, fmt.Errorf("page kind %s needs rendering but no session is configured", kind)
	}

	s, err := r.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	page, err := Render(ctx, s.Browser(), kind, url)
	r.sessions.Release(s, FaultFor(err))
	return page, err
}

// Render navigates browser to url and returns the rendered document. It is
// shared by the router and listing walkers that already hold a session.
func Render(ctx context.Context, browser session.Browser, kind PageKind, url string) (*Page, error) {
	status, err := browser.Navigate(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}

	html, err := browser.OuterHTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	body := []byte(html)

	if reason, ok := DetectChallenge(renderedStatus(status), body); ok {
		return nil, &ChallengeError{Code: status, URL: url, Reason: reason, Rendered: true}
	}
	if status >= 400 {
		return nil, &StatusError{Code: status, URL: url}
	}

	return &Page{URL: url, Kind: kind, Status: status, Body: body, Rendered: true, FetchedAt: time.Now()}, nil
}

// renderedStatus treats an unknown status as 200 so markers are still
// scanned.
func renderedStatus(status int) int {
	if status == 0 {
		return 200
	}
	return status
}
