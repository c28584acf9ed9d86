package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"backend-riderpos/internal/gps"
)

// HTTPClient submits batches to the server's ingest endpoint with the
// rider's bearer token.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) SubmitBatch(ctx context.Context, batch gps.Batch) (gps.BatchAck, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return gps.BatchAck{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/gps/batches", bytes.NewReader(body))
	if err != nil {
		return gps.BatchAck{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return gps.BatchAck{}, &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack gps.BatchAck
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			// accepted server-side; treat a mangled response as transient so
			// the retry lands on the dedup path
			return gps.BatchAck{}, &RetryableError{Err: err}
		}
		return ack, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return gps.BatchAck{}, &RejectedError{Status: resp.StatusCode, Body: string(b)}

	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return gps.BatchAck{}, &RetryableError{Err: &RejectedError{Status: resp.StatusCode, Body: string(b)}}
	}
}
