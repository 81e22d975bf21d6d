package upstream

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"
)

func TestCSRFSource_PreferenceOrder(t *testing.T) {
	base, _ := url.Parse("https://platform.example.com")
	jar, _ := cookiejar.New(nil)
	jar.SetCookies(base, []*http.Cookie{{Name: "csrftoken", Value: "cookie-token"}})

	s := NewCSRFSource(jar, base)

	// Only the cookie known: fall through to it.
	if got := s.Token(); got != "cookie-token" {
		t.Fatalf("expected cookie token, got %q", got)
	}

	// Meta tag beats the cookie.
	s.CaptureFromHTML([]byte(`<head><meta name="csrf-token" content="meta-token"></head>`))
	if got := s.Token(); got != "meta-token" {
		t.Fatalf("expected meta token, got %q", got)
	}

	// Hidden form field beats everything.
	s.CaptureFromHTML([]byte(`<input type="hidden" name="csrfmiddlewaretoken" value="field-token">`))
	if got := s.Token(); got != "field-token" {
		t.Fatalf("expected field token, got %q", got)
	}
}

func TestCSRFSource_EmptyWhenNothingKnown(t *testing.T) {
	base, _ := url.Parse("https://platform.example.com")
	jar, _ := cookiejar.New(nil)
	s := NewCSRFSource(jar, base)
	if got := s.Token(); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestCSRFSource_CaptureIgnoresUnrelatedMarkup(t *testing.T) {
	s := NewCSRFSource(nil, nil)
	s.CaptureFromHTML([]byte(`<input name="quantity" value="2"><meta name="viewport" content="width=device-width">`))
	if got := s.Token(); got != "" {
		t.Fatalf("expected no token from unrelated markup, got %q", got)
	}
}
