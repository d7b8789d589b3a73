package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.Timeout)
	}
	if _, ok := c.Transport.(*userAgentTransport); !ok {
		t.Errorf("Transport = %T, want *userAgentTransport", c.Transport)
	}
}

func TestNewClient_UserAgentHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient(WithUserAgent("orion-test/1.0"))
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "orion-test/1.0" {
		t.Errorf("User-Agent = %q, want %q", got, "orion-test/1.0")
	}
}

func TestNewClient_UserAgentNotOverwritten(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("User-Agent", "caller-set")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "caller-set" {
		t.Errorf("User-Agent = %q, want caller-set", got)
	}
}

// errRoundTripper fails n times with err before delegating to base.
type errRoundTripper struct {
	n    atomic.Int32
	err  error
	base http.RoundTripper
}

func (rt *errRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.n.Add(-1) >= 0 {
		return nil, rt.err
	}
	return rt.base.RoundTrip(req)
}

func TestRetryTransport_RetriesOnConnRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	failing := &errRoundTripper{err: syscall.ECONNREFUSED, base: http.DefaultTransport}
	failing.n.Store(1)

	c := &http.Client{
		Transport: &retryTransport{base: failing, count: 2, delay: time.Millisecond},
	}
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get after retry: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
}

func TestRetryTransport_GivesUpAfterCount(t *testing.T) {
	failing := &errRoundTripper{err: syscall.EHOSTUNREACH, base: http.DefaultTransport}
	failing.n.Store(100)

	c := &http.Client{
		Transport: &retryTransport{base: failing, count: 2, delay: time.Millisecond},
	}
	_, err := c.Get("http://192.0.2.1/") //nolint:bodyclose // request always fails
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := 100 - failing.n.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (original + 2 retries)", got)
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	failing := &errRoundTripper{err: syscall.ECONNREFUSED, base: http.DefaultTransport}
	failing.n.Store(100)

	c := &http.Client{
		Transport: &retryTransport{base: failing, count: 3, delay: time.Millisecond},
	}
	req, err := http.NewRequest(http.MethodPost, "http://192.0.2.1/", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.GetBody = nil // simulate an unrewindable body
	_, err = c.Do(req) //nolint:bodyclose // request always fails
	if err == nil {
		t.Fatal("expected error")
	}
	if got := 100 - failing.n.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry without GetBody)", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"hostUnreach", syscall.EHOSTUNREACH, true},
		{"netUnreach", syscall.ENETUNREACH, true},
		{"connRefused", syscall.ECONNREFUSED, true},
		{"connReset", syscall.ECONNRESET, false},
		{"generic", io.ErrUnexpectedEOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("something went wrong"))
	if got := ReadErrorBody(rc, 10); got != "something " {
		t.Errorf("ReadErrorBody = %q, want truncated prefix", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}
