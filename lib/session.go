package lib

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// signInURL is the Substack sign-in page used for the login flow.
const signInURL = "https://substack.com/sign-in"

// defaultLoginTimeout bounds the wait for the post-submit redirect.
// Substack can take several seconds to settle after a credential login.
const defaultLoginTimeout = 25 * time.Second

// defaultInteractiveLoginTimeout bounds a manual login in a visible window.
const defaultInteractiveLoginTimeout = 3 * time.Minute

// defaultNavigateSettle is the pause after navigation before the resolved
// URL is trusted. Substack sometimes client-side-redirects shortly after
// the document loads.
const defaultNavigateSettle = 2 * time.Second

// defaultPostMarkerTimeout bounds the wait for post content to render.
const defaultPostMarkerTimeout = 15 * time.Second

// DefaultHomePaths are the URL paths treated as the reader home/inbox.
// Landing on one of these instead of the requested permalink means the
// navigation was intercepted. The set is configurable on SessionOptions
// because it tracks Substack's layout, not a stable API.
var DefaultHomePaths = []string{"", "/home", "/inbox", "/feed"}

// postMarkerJS reports whether the page shows post content. It checks
// Substack-specific classes only; generic tags like <article> also appear
// on the home page and would mask a redirect.
const postMarkerJS = `document.querySelector(".post-title, .paywall-title, .available-content") !== null`

// loginErrorJS reports whether the sign-in page is showing a visible
// error message (wrong password etc.).
const loginErrorJS = `(() => { const el = document.getElementById("error-container"); return el !== null && el.offsetParent !== null; })()`

// SessionOptions configures the controlled browser session.
type SessionOptions struct {
	// Headless controls whether Chrome runs without a visible window.
	// Captchas cannot be solved headless; login falls back to an error
	// with a remediation hint in that case.
	Headless bool
	// ChromePath optionally overrides the Chrome/Chromium executable.
	ChromePath string
	// UserAgent optionally overrides the browser user agent. Useful for
	// passing captcha checks in headless mode.
	UserAgent string
	// LoginTimeout bounds the automated login flow. Zero means default.
	LoginTimeout time.Duration
	// HomePaths overrides DefaultHomePaths for redirect detection.
	HomePaths []string
}

// Session is the one authenticated browser instance of a run. It is the
// only owner of the underlying browser: acquire it once at startup, pass
// it to every fetch, and Close it on every exit path.
type Session struct {
	ctx           context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	opts          SessionOptions
	loggedIn      bool
}

// OpenSession launches a controlled Chrome instance. A failure to start
// the browser is returned as a SetupError and must abort the run.
func OpenSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	allocatorOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocatorOpts = append(allocatorOpts,
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoFirstRun,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(1920, 1080),
	)
	if opts.ChromePath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(opts.ChromePath))
	}
	if opts.Headless {
		allocatorOpts = append(allocatorOpts,
			chromedp.Headless,
			chromedp.NoSandbox,
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	} else {
		allocatorOpts = append(allocatorOpts, chromedp.Flag("headless", false))
	}
	if opts.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocatorOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	s := &Session{
		ctx:           browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		opts:          opts,
	}

	// Start the browser now so a missing or mismatched binary surfaces
	// here instead of mid-run. Also mask navigator.webdriver, which
	// Substack inspects for bot detection.
	err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(
				`Object.defineProperty(navigator, "webdriver", {get: () => undefined})`,
			).Do(ctx)
			return err
		}),
	)
	if err != nil {
		s.Close()
		return nil, &SetupError{Err: err}
	}

	return s, nil
}

// Login authenticates the session against Substack. With credentials it
// drives the password form; without credentials (headful only) it opens
// the sign-in page and waits for the user to log in by hand.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	if creds.Email == "" || creds.Password == "" {
		if s.opts.Headless {
			return &LoginError{Reason: "no credentials configured and interactive login is impossible in headless mode"}
		}
		return s.interactiveLogin(ctx)
	}

	log.Println("Opening Substack login page...")
	err := chromedp.Run(s.ctx,
		chromedp.Navigate(signInURL),
		chromedp.WaitVisible(`a.login-option.substack-login__login-option`, chromedp.ByQuery),
		chromedp.Click(`a.login-option.substack-login__login-option`, chromedp.ByQuery),
		chromedp.WaitVisible(`input[name="email"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="email"]`, creds.Email, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="password"]`, creds.Password, chromedp.ByQuery),
		// Brief pause before submit to appear more human-like.
		chromedp.Sleep(time.Second),
		chromedp.Click(`#substack-login form button`, chromedp.ByQuery),
	)
	if err != nil {
		return &LoginError{Reason: fmt.Sprintf("sign-in form interaction failed: %v", err)}
	}

	timeout := s.opts.LoginTimeout
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}
	return s.awaitLoginRedirect(ctx, timeout)
}

// awaitLoginRedirect polls until the browser leaves the sign-in page or a
// visible login error appears.
func (s *Session) awaitLoginRedirect(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		current, err := s.currentURL()
		if err != nil {
			return &LoginError{Reason: fmt.Sprintf("reading browser location: %v", err)}
		}
		if !strings.Contains(current, "sign-in") {
			// Redirected away from sign-in: logged in.
			time.Sleep(defaultNavigateSettle)
			s.loggedIn = true
			log.Printf("Login successful! Current URL: %s", current)
			return nil
		}

		var hasError bool
		if err := chromedp.Run(s.ctx, chromedp.Evaluate(loginErrorJS, &hasError)); err == nil && hasError {
			return &LoginError{Reason: "login unsuccessful, check email and password; if using headless, retry with a visible browser in case of captcha"}
		}

		if time.Now().After(deadline) {
			return &LoginError{Reason: "still on the sign-in page after submit; Substack may be showing a captcha, retry with a visible browser"}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// interactiveLogin opens the sign-in page in the visible window and waits
// for the user to complete the login themselves.
func (s *Session) interactiveLogin(ctx context.Context) error {
	log.Println("No credentials configured: log in manually in the browser window...")
	if err := chromedp.Run(s.ctx, chromedp.Navigate(signInURL)); err != nil {
		return &LoginError{Reason: fmt.Sprintf("opening sign-in page: %v", err)}
	}
	return s.awaitLoginRedirect(ctx, defaultInteractiveLoginTimeout)
}

// FetchPage navigates the session's browser to url, waits for the
// document to settle, and returns the final resolved URL plus the
// rendered HTML. A bounce to the reader home/inbox or back to sign-in is
// returned as an AccessDeniedError, never as page content.
func (s *Session) FetchPage(ctx context.Context, pageURL string) (Page, error) {
	if err := chromedp.Run(s.ctx, chromedp.Navigate(pageURL)); err != nil {
		return Page{}, fmt.Errorf("navigating to %s: %w", pageURL, err)
	}
	time.Sleep(defaultNavigateSettle)

	current, err := s.currentURL()
	if err != nil {
		return Page{}, err
	}

	if err := classifyRedirect(pageURL, current, s.homePaths()); err != nil {
		return Page{}, err
	}

	if err := s.waitForPostMarkers(ctx, pageURL, current); err != nil {
		return Page{}, err
	}

	// Final settle for late-running scripts before the snapshot.
	time.Sleep(defaultNavigateSettle)

	var html string
	if err := chromedp.Run(s.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return Page{}, fmt.Errorf("reading page source for %s: %w", pageURL, err)
	}

	return Page{RequestedURL: pageURL, FinalURL: current, HTML: html}, nil
}

// waitForPostMarkers polls for Substack post content classes. A timeout
// on a home-looking URL is classified as AccessDenied; otherwise the page
// is passed along and the extractor decides.
func (s *Session) waitForPostMarkers(ctx context.Context, requested, current string) error {
	deadline := time.Now().Add(defaultPostMarkerTimeout)
	for {
		var found bool
		if err := chromedp.Run(s.ctx, chromedp.Evaluate(postMarkerJS, &found)); err != nil {
			return fmt.Errorf("waiting for post content at %s: %w", requested, err)
		}
		if found {
			return nil
		}
		if time.Now().After(deadline) {
			if strings.Contains(current, "/home") && !strings.Contains(current, "/post/") {
				return &AccessDeniedError{
					RequestedURL: requested,
					FinalURL:     current,
					Reason:       "landed on the reader home instead of the post",
				}
			}
			log.Printf("Warning: timeout waiting for post content at %s", requested)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Session) currentURL() (string, error) {
	var current string
	if err := chromedp.Run(s.ctx, chromedp.Location(&current)); err != nil {
		return "", err
	}
	return current, nil
}

func (s *Session) homePaths() []string {
	if len(s.opts.HomePaths) > 0 {
		return s.opts.HomePaths
	}
	return DefaultHomePaths
}

// Close shuts down the browser. Safe to call more than once.
func (s *Session) Close() {
	if s.cancelBrowser != nil {
		s.cancelBrowser()
		s.cancelBrowser = nil
	}
	if s.cancelAlloc != nil {
		s.cancelAlloc()
		s.cancelAlloc = nil
	}
}

// classifyRedirect decides whether a navigation that resolved to finalURL
// actually reached the requested post. The heuristic is pattern-based and
// tracks Substack's observed behavior: a session that has not fully
// settled, or a post the account cannot read, bounces to the reader home.
func classifyRedirect(requestedURL, finalURL string, homePaths []string) error {
	if strings.Contains(finalURL, "sign-in") {
		return &AccessDeniedError{
			RequestedURL: requestedURL,
			FinalURL:     finalURL,
			Reason:       "redirected to sign-in, the login may have expired",
		}
	}

	currentPath := normalizePath(finalURL)
	targetPath := normalizePath(requestedURL)

	onHome := false
	for _, p := range homePaths {
		if currentPath == p {
			onHome = true
			break
		}
	}
	if !onHome && strings.HasPrefix(currentPath, "/home") && !strings.Contains(currentPath, "/post/") {
		onHome = true
	}
	if !onHome {
		return nil
	}
	for _, p := range homePaths {
		if targetPath == p {
			// The caller asked for the home page itself.
			return nil
		}
	}
	return &AccessDeniedError{
		RequestedURL: requestedURL,
		FinalURL:     finalURL,
		Reason:       "the post may require a subscription the account does not have, or the session had not fully settled",
	}
}

func normalizePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.TrimSuffix(u.Path, "/")
}
