package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"labelrunner/internal/printing"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/publicsuffix"
)

// cookieTTL is how long a copied cookie jar is reused before it is refreshed
// from the browser.
const cookieTTL = time.Minute

// SessionFetcher downloads documents with the cookies of the browser session,
// so label URLs behind the site's login resolve.
type SessionFetcher struct {
	m       *Manager
	timeout time.Duration

	mu       sync.Mutex
	client   *http.Client
	syncedAt time.Time
}

// Fetcher returns a printing.Fetcher backed by the browser's cookies.
func (m *Manager) Fetcher(timeout time.Duration) *SessionFetcher {
	return &SessionFetcher{m: m, timeout: timeout}
}

// Fetch implements printing.Fetcher.
func (f *SessionFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if printing.IsDataURL(rawURL) {
		return printing.DecodeDataURL(rawURL)
	}
	client, err := f.httpClient(ctx)
	if err != nil {
		return nil, err
	}
	return (&printing.HTTPFetcher{Client: client, Timeout: f.timeout}).Fetch(ctx, rawURL)
}

func (f *SessionFetcher) httpClient(ctx context.Context) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil && time.Since(f.syncedAt) < cookieTTL {
		return f.client, nil
	}
	jar, err := f.m.CookieJar(ctx)
	if err != nil {
		return nil, err
	}
	f.client = &http.Client{Jar: jar}
	f.syncedAt = time.Now()
	return f.client, nil
}

// CookieJar copies every cookie of the browser into a new jar.
func (m *Manager) CookieJar(ctx context.Context) (*cookiejar.Jar, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()

	cookies, err := browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	fillJar(jar, cookies)
	return jar, nil
}

func fillJar(jar *cookiejar.Jar, cookies []*proto.NetworkCookie) {
	byURL := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		host := c.Domain
		if len(host) > 0 && host[0] == '.' {
			host = host[1:]
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		u := (&url.URL{Scheme: scheme, Host: host, Path: "/"}).String()

		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Domain != "" && c.Domain[0] == '.' {
			hc.Domain = c.Domain
		}
		if c.Expires > 0 {
			hc.Expires = c.Expires.Time()
		}
		byURL[u] = append(byURL[u], hc)
	}
	for raw, cs := range byURL {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		jar.SetCookies(u, cs)
	}
}
