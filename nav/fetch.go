package nav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxRouteBytes caps a downloaded route document at 20 MB.
const maxRouteBytes = 20 << 20

// StatusError is a non-200 response from the route server.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// retryable reports whether another attempt could succeed. Client errors other
// than 408 and 429 will not.
func (e *StatusError) retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	}
	return true
}

// RouteFetcher downloads route documents. The zero value uses a 30 s client
// timeout, three attempts, and a 500 ms initial backoff that doubles.
type RouteFetcher struct {
	Client   *http.Client
	Attempts int
	Backoff  time.Duration
}

// FetchRoute downloads a route with the default RouteFetcher.
func FetchRoute(ctx context.Context, url string) (*Route, error) {
	var f RouteFetcher
	return f.Fetch(ctx, url)
}

// Fetch downloads and parses a route. Transport failures and server errors are
// retried; a client error or a document that does not parse fails at once.
func (f *RouteFetcher) Fetch(ctx context.Context, url string) (*Route, error) {
	if url == "" {
		return nil, errors.New("fetch route: URL is empty")
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	attempts := 3
	if f.Attempts > 0 {
		attempts = f.Attempts
	}
	backoff := f.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("fetch route: %w", ctx.Err())
			case <-t.C:
			}
			backoff *= 2
		}

		body, err := getRoute(ctx, client, url)
		if err == nil {
			r, err := ParseRoute(body)
			if err != nil {
				return nil, fmt.Errorf("fetch route: %w", err)
			}
			return r, nil
		}

		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return nil, fmt.Errorf("fetch route: %w", err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch route: %w", ctx.Err())
		}
		Logf("[ROUTE] fetch attempt %d/%d failed: %v", attempt, attempts, err)
	}
	return nil, fmt.Errorf("fetch route: gave up after %d attempts: %w", attempts, lastErr)
}

func getRoute(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRouteBytes))
}
