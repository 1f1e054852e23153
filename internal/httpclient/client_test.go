package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient() (*Client, *[]time.Duration) {
	var sleeps []time.Duration
	c := New()
	c.retryDelay = 10 * time.Millisecond
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return c, &sleeps
}

func TestRetryOn500ThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, sleeps := testClient()
	resp, err := c.Do(context.Background(), Request{Method: "GET", URL: srv.URL})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != c.retryDelay || (*sleeps)[1] != 2*c.retryDelay {
		t.Fatalf("backoff sleeps = %v, want [1x 2x]", *sleeps)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["ok"] != true {
		t.Fatalf("parsed data = %#v", resp.Data)
	}
}

func TestNoRetryOn404(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}))
	defer srv.Close()

	c, _ := testClient()
	resp, err := c.Do(context.Background(), Request{Method: "GET", URL: srv.URL})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != 404 {
		t.Fatalf("status = %d, want 404", resp.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if resp.Data != "missing" {
		t.Fatalf("non-JSON body should stay raw text, got %#v", resp.Data)
	}
}

func TestExhaustedRetriesReturnsLastResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, sleeps := testClient()
	resp, err := c.Do(context.Background(), Request{Method: "GET", URL: srv.URL})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != 429 {
		t.Fatalf("status = %d, want 429", resp.Status)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %v, want two backoffs", *sleeps)
	}
}

func TestResponseSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	c, _ := testClient()
	c.maxBody = 32
	_, err := c.Do(context.Background(), Request{Method: "GET", URL: srv.URL})
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v, want ErrResponseTooLarge", err)
	}
}

func TestExternalCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c, _ := testClient()
	_, err := c.Do(ctx, Request{Method: "GET", URL: srv.URL, Timeout: 5 * time.Second})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}

func TestPerAttemptTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c, _ := testClient()
	_, err := c.Do(context.Background(), Request{Method: "GET", URL: srv.URL, Timeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestJSONBodyAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := testClient()
	_, err := c.Do(context.Background(), Request{
		Method: "POST",
		URL:    srv.URL,
		Body:   map[string]string{"query": "q"},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
}
