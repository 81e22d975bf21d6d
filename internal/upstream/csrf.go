package upstream

import (
	"net/http"
	"net/url"
	"regexp"
	"sync"
)

var (
	hiddenFieldRe = regexp.MustCompile(`name=["']csrfmiddlewaretoken["']\s+value=["']([^"']+)["']`)
	metaTagRe     = regexp.MustCompile(`<meta\s+name=["']csrf-token["']\s+content=["']([^"']+)["']`)
)

// CSRFSource resolves the token attached as X-CSRFToken on every mutating
// request. Preference order mirrors the platform's templates: a hidden
// csrfmiddlewaretoken form field, then a csrf-token meta tag, then the
// csrftoken cookie.
type CSRFSource struct {
	mu         sync.RWMutex
	fieldToken string
	metaToken  string

	jar  http.CookieJar
	base *url.URL
}

func NewCSRFSource(jar http.CookieJar, base *url.URL) *CSRFSource {
	return &CSRFSource{jar: jar, base: base}
}

// CaptureFromHTML records any token embedded in a fetched page body.
func (s *CSRFSource) CaptureFromHTML(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := hiddenFieldRe.FindSubmatch(body); m != nil {
		s.fieldToken = string(m[1])
	}
	if m := metaTagRe.FindSubmatch(body); m != nil {
		s.metaToken = string(m[1])
	}
}

// Token returns the best available token, or "" when none is known yet.
func (s *CSRFSource) Token() string {
	s.mu.RLock()
	field, meta := s.fieldToken, s.metaToken
	s.mu.RUnlock()
	if field != "" {
		return field
	}
	if meta != "" {
		return meta
	}
	if s.jar != nil && s.base != nil {
		for _, c := range s.jar.Cookies(s.base) {
			if c.Name == "csrftoken" {
				return c.Value
			}
		}
	}
	return ""
}
