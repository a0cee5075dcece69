package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	t.Run("drops default port and lowercases", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("allows trailing slash", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" || host != "localhost:5173" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("ipv6 literal", func(t *testing.T) {
		normalized, _, ok := NormalizeHeader("http://[::1]:8090")
		if !ok || normalized != "http://[::1]:8090" {
			t.Fatalf("normalized=%q ok=%v", normalized, ok)
		}
	})

	t.Run("null origin", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok || normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q ok=%v", normalized, host, ok)
		}
	})

	t.Run("rejects", func(t *testing.T) {
		for _, c := range []string{
			"",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
			"http://example.com:0",
			"http://example.com:99999",
		} {
			if _, _, ok := NormalizeHeader(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestIsAllowed(t *testing.T) {
	normalized, host, _ := NormalizeHeader("https://calls.example.com")

	if !IsAllowed(normalized, host, "calls.example.com:443", nil) {
		t.Fatalf("same host with default port should be allowed")
	}
	if IsAllowed(normalized, host, "other.example.com", nil) {
		t.Fatalf("different host should be rejected")
	}
	if !IsAllowed(normalized, host, "anything", []string{"https://calls.example.com"}) {
		t.Fatalf("allow-listed origin should be allowed")
	}
	if IsAllowed(normalized, host, "calls.example.com", []string{"https://other.example.com"}) {
		t.Fatalf("allow-list should replace same-host default")
	}
	if !IsAllowed(normalized, host, "anything", []string{"*"}) {
		t.Fatalf("wildcard should allow")
	}
	if IsAllowed("null", "", "calls.example.com", nil) {
		t.Fatalf("null origin cannot match a host")
	}
}

func TestPolicyCheck(t *testing.T) {
	p := Policy{}

	r := httptest.NewRequest("GET", "http://127.0.0.1:8090/v1/store", nil)
	if got, ok := p.Check(r); !ok || got != "" {
		t.Fatalf("no Origin: got=%q ok=%v, want allowed", got, ok)
	}

	r.Header.Set("Origin", "http://127.0.0.1:8090")
	if got, ok := p.Check(r); !ok || got != "http://127.0.0.1:8090" {
		t.Fatalf("same host: got=%q ok=%v", got, ok)
	}

	r.Header.Set("Origin", "http://evil.example")
	if _, ok := p.Check(r); ok {
		t.Fatalf("cross origin should be rejected")
	}

	r.Header.Set("Origin", "not an origin")
	if _, ok := p.Check(r); ok {
		t.Fatalf("malformed origin should be rejected")
	}
}
