package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

func retryable(status int) bool { return status >= 500 }

// RequestJSON performs an HTTP request with retry for transient failures,
// retrying transport errors and 5xx responses only. Notary endpoints are
// expected to flap; 4xx means the export itself is bad and is returned as-is.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		last := attempt == retries
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			if last {
				return 0, nil, err
			}
			lastErr = err
			time.Sleep(retryDelay)
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if last {
				return 0, nil, readErr
			}
			lastErr = readErr
			time.Sleep(retryDelay)
			continue
		}
		if retryable(resp.StatusCode) && !last {
			time.Sleep(retryDelay)
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}
