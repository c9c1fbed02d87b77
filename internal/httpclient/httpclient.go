// Package httpclient provides the pooled HTTP client and bounded-retry
// policy shared by the outbound API clients.
package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// Statuses retried by default, alongside transient network errors.
var defaultRetryStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

const initialBackoff = 500 * time.Millisecond

// New builds a pooled http.Client with the given per-request timeout.
func New(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// StatusError reports a non-success HTTP status after retries are exhausted
// or for statuses that are not retryable.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Retrier wraps an http.Client with a small bounded retry count and
// exponential backoff. Retries is the number of re-attempts after the first
// try; 0 means a single attempt.
type Retrier struct {
	Client  *http.Client
	Retries int

	sleep func(time.Duration)
}

// NewRetrier builds a Retrier over a pooled client.
func NewRetrier(timeout time.Duration, retries int) *Retrier {
	return &Retrier{Client: New(timeout), Retries: retries}
}

// Do issues the request, retrying transient network errors and retryable
// statuses with exponential backoff. Requests built with a byte-backed body
// replay across attempts via GetBody. Exhausting retries surfaces the last
// error; a response with a retryable status is never returned to the caller.
func (r *Retrier) Do(req *http.Request) (*http.Response, error) {
	sleep := r.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 0; attempt <= r.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			default:
			}
			sleep(backoff)
			backoff *= 2
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("replay request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := r.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if _, retryable := defaultRetryStatuses[resp.StatusCode]; !retryable {
			return resp, nil
		}
		resp.Body.Close()
		lastErr = &StatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}

	return nil, lastErr
}
