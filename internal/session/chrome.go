package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/Simerblur/online-data-mining/internal/config"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ChromeConfig configures the chromedp launcher.
type ChromeConfig struct {
	RemoteURL         string // CDP websocket of a hosted browser
	ProxyServer       string // host:port
	ProxyUser         string
	ProxyPassword     string
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	BlockHeavyAssets  bool
}

// ChromeConfigFrom builds a ChromeConfig from the session section of the
// app config.
func ChromeConfigFrom(c config.SessionConfig) ChromeConfig {
	return ChromeConfig{
		RemoteURL:         c.RemoteURL,
		ProxyServer:       c.ProxyServer(),
		ProxyUser:         c.ProxyUsername(),
		ProxyPassword:     c.ProxyPassword,
		Headless:          c.Headless,
		UserAgent:         c.UserAgent,
		NavigationTimeout: c.NavigationTimeout,
		BlockHeavyAssets:  c.BlockHeavyAssets,
	}
}

var heavyResources = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeMedia:      true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeStylesheet: true,
}

// ChromeLauncher launches Chrome through chromedp, either locally or by
// attaching to a remote browser endpoint.
type ChromeLauncher struct {
	cfg ChromeConfig
	log *logger.Logger
}

// NewChromeLauncher creates a launcher.
func NewChromeLauncher(cfg ChromeConfig, log *logger.Logger) *ChromeLauncher {
	if log == nil {
		log = logger.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 240 * time.Second
	}
	return &ChromeLauncher{cfg: cfg, log: log.WithComponent("chrome")}
}

// Launch starts a browser and opens its first tab.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	// The browser outlives the launch call, so it hangs off a background
	// context and is torn down by Close.
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if l.cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), l.cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", l.cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("disable-infobars", true),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("disable-extensions", true),
			chromedp.Flag("no-first-run", true),
			chromedp.UserAgent(l.cfg.UserAgent),
			chromedp.WindowSize(1920, 1080),
		)
		if l.cfg.ProxyServer != "" {
			opts = append(opts, chromedp.ProxyServer(l.cfg.ProxyServer))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	b := &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		navTimeout:  l.cfg.NavigationTimeout,
	}

	intercept := l.cfg.BlockHeavyAssets || l.cfg.ProxyUser != ""
	if intercept {
		chromedp.ListenTarget(browserCtx, l.interceptor(browserCtx))
	}

	// Stop the launch when the caller gives up. The first Run allocates the
	// browser and must use the browser context itself.
	stop := context.AfterFunc(ctx, browserCancel)
	defer stop()

	var actions []chromedp.Action
	if intercept {
		actions = append(actions, cdpfetch.Enable().
			WithHandleAuthRequests(l.cfg.ProxyUser != "").
			WithPatterns([]*cdpfetch.RequestPattern{{URLPattern: "*"}}))
	}
	actions = append(actions, network.Enable())

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		_ = b.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	l.log.Debug("browser launched", "remote", l.cfg.RemoteURL != "", "proxy", l.cfg.ProxyServer != "")
	return b, nil
}

// interceptor answers proxy auth challenges and drops heavy resources.
// Handlers must not block the event loop, so each reply runs on its own
// goroutine.
func (l *ChromeLauncher) interceptor(ctx context.Context) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *cdpfetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(ctx, cdpfetch.ContinueWithAuth(e.RequestID, &cdpfetch.AuthChallengeResponse{
					Response: cdpfetch.AuthChallengeResponseResponseProvideCredentials,
					Username: l.cfg.ProxyUser,
					Password: l.cfg.ProxyPassword,
				}))
			}()
		case *cdpfetch.EventRequestPaused:
			go func() {
				if l.cfg.BlockHeavyAssets && heavyResources[e.ResourceType] {
					_ = chromedp.Run(ctx, cdpfetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient))
					return
				}
				_ = chromedp.Run(ctx, cdpfetch.ContinueRequest(e.RequestID))
			}()
		}
	}
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	navTimeout  time.Duration
}

func (b *chromeBrowser) Navigate(ctx context.Context, url string) (int, error) {
	runCtx, cancel := b.runContext(ctx, b.navTimeout)
	defer cancel()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err == nil {
		err = chromedp.Run(runCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if err != nil {
		return 0, b.mapErr(ctx, runCtx, err)
	}
	if resp == nil {
		return 0, nil
	}
	return int(resp.Status), nil
}

func (b *chromeBrowser) Evaluate(ctx context.Context, expression string, res any) error {
	runCtx, cancel := b.runContext(ctx, b.navTimeout)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, res)); err != nil {
		return b.mapErr(ctx, runCtx, err)
	}
	return nil
}

func (b *chromeBrowser) OuterHTML(ctx context.Context) (string, error) {
	runCtx, cancel := b.runContext(ctx, b.navTimeout)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", b.mapErr(ctx, runCtx, err)
	}
	return html, nil
}

func (b *chromeBrowser) Alive() bool {
	return b.ctx.Err() == nil
}

func (b *chromeBrowser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runContext derives a per-call context from the browser context that also
// ends when the caller's context does.
func (b *chromeBrowser) runContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (b *chromeBrowser) mapErr(callerCtx, runCtx context.Context, err error) error {
	switch {
	case callerCtx.Err() != nil:
		return callerCtx.Err()
	case b.ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
