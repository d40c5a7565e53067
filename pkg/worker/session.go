package worker

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/leadforge/leadforge/pkg/store"
)

// httpSession wraps an *http.Client with a cookie jar seeded from the
// slot's session blob. Cookies are re-adopted whenever the worker detects
// the blob's mtime has advanced (hot-reload, no restart required).
type httpSession struct {
	client *http.Client
	jar    *cookiejar.Jar
	domain string
}

func newHTTPSession(domain string) (*httpSession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("new cookie jar: %w", err)
	}
	return &httpSession{
		client: &http.Client{Timeout: 15 * time.Second},
		jar:    jar,
		domain: domain,
	}, nil
}

func (s *httpSession) adoptCookies(cookies []store.Cookie) {
	jar, _ := cookiejar.New(nil)
	s.jar = jar
	s.client.Jar = jar

	byDomain := map[string][]*http.Cookie{}
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = s.domain
		}
		byDomain[domain] = append(byDomain[domain], &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     orDefault(c.Path, "/"),
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	for domain, list := range byDomain {
		u := fmt.Sprintf("https://%s/", strings.TrimPrefix(domain, "."))
		if parsed, err := url.Parse(u); err == nil {
			s.jar.SetCookies(parsed, list)
		}
	}
}

// get performs a GET with up to maxRetries retries and backoff
// min(2*attempt, 6) seconds.
func (s *httpSession) get(url string) (string, int, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*2) * time.Second
			if backoff > 6*time.Second {
				backoff = 6 * time.Second
			}
			time.Sleep(backoff)
		}

		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return "", 0, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; leadforge-worker)")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return string(body), resp.StatusCode, nil
	}
	return "", 0, fmt.Errorf("get %s after %d attempts: %w", url, maxRetries+1, lastErr)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// looksLoggedOut reports whether a response body carries the portal's
// logged-out marker, triggering the AuthRequired error-taxonomy path.
func looksLoggedOut(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "please login") || strings.Contains(lower, "session expired") || strings.Contains(lower, "id=\"login-form\"")
}
