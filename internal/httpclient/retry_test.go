package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoWithRetryRetries5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	policy := RetryPolicy{MaxRetries: 2, Retry5xx: true, Backoff5xx: 10 * time.Millisecond}
	resp, err := DoWithRetry(context.Background(), srv.Client(), req, policy)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoWithRetryDoesNotRetry404(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := DoWithRetry(context.Background(), srv.Client(), req, DefaultRetryPolicy)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("404 must not be retried, calls = %d", calls)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if d := parseRetryAfter("3", time.Minute); d != 3*time.Second {
		t.Errorf("d = %s", d)
	}
	if d := parseRetryAfter("600", 10*time.Second); d != 10*time.Second {
		t.Errorf("cap not applied: %s", d)
	}
	if d := parseRetryAfter("", time.Minute); d != time.Second {
		t.Errorf("empty header default: %s", d)
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		if d < 750*time.Millisecond-time.Millisecond || d > 1250*time.Millisecond+time.Millisecond {
			t.Fatalf("jitter out of ±25%%: %s", d)
		}
	}
	if jitter(0) != 0 {
		t.Error("jitter(0) should be 0")
	}
}
