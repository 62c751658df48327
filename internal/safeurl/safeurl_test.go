package safeurl

import "testing"

func TestIsHTTPOrHTTPS(t *testing.T) {
	ok := []string{"http://a/b", "https://a/b"}
	bad := []string{"file:///etc/passwd", "ftp://x", "://", "gopher://x"}
	for _, u := range ok {
		if !IsHTTPOrHTTPS(u) {
			t.Errorf("%s should be allowed", u)
		}
	}
	for _, u := range bad {
		if IsHTTPOrHTTPS(u) {
			t.Errorf("%s should be rejected", u)
		}
	}
}

func TestIsHTTPS(t *testing.T) {
	if !IsHTTPS("https://vault.example.com/api/vault/aa/bb/cc/k.gif") {
		t.Error("https origin should pass")
	}
	if IsHTTPS("http://vault.example.com/x") {
		t.Error("plain http must fail the https-only check")
	}
	if IsHTTPS("https://") {
		t.Error("hostless URL must fail")
	}
}
