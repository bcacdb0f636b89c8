package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/licita/netsafe"
)

// maxHTTPResponseBody caps the amount of response data read from providers
// to prevent memory exhaustion (10 MiB).
const maxHTTPResponseBody int64 = 10 << 20

// maxErrorBody bounds how much of a non-2xx body is kept in HTTPError.
const maxErrorBody = 512

// HTTPTransport returns the innermost Handler: it performs req with client
// and returns the body of a 2xx response. Non-2xx responses become
// *HTTPError carrying the parsed Retry-After, if any. The returned close
// function releases idle connections.
func HTTPTransport(client *http.Client) (Handler, func()) {
	if client == nil {
		client = &http.Client{}
	}
	handler := func(ctx context.Context, r *Request) ([]byte, error) {
		method := r.Method
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if len(r.Body) > 0 {
			body = bytes.NewReader(r.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
		if err != nil {
			return nil, &ErrBadRequest{Source: r.Source, Cause: err}
		}
		for k, vs := range r.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: %s: do request: %w", r.Source, err)
		}
		defer resp.Body.Close()

		data, err := netsafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: %s: read response: %w", r.Source, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := strings.TrimSpace(string(data))
			if len(snippet) > maxErrorBody {
				snippet = snippet[:maxErrorBody]
			}
			return nil, &HTTPError{
				Source:     r.Source,
				StatusCode: resp.StatusCode,
				Body:       snippet,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			}
		}
		return data, nil
	}
	return handler, client.CloseIdleConnections
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
