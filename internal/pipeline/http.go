package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
	"github.com/skypro1111/ws-audio-ingest/internal/protocol"
)

// HTTPConfig contains configuration for the remote processing pipeline.
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Format        string // "raw" or "wav"

	// OnRetry, if set, is called once per retried attempt. The server
	// hooks the pipeline retry counter in here.
	OnRetry func()
}

// HTTP submits windows to a remote processing endpoint as multipart
// uploads and translates responses into result events. Transient
// failures are retried with exponential backoff; authorization failures
// are fatal because every subsequent window would fail the same way.
type HTTP struct {
	config     HTTPConfig
	httpClient *http.Client
	semaphore  chan struct{} // bounds in-flight uploads

	// Statistics
	submitted       uint64
	succeeded       uint64
	failed          uint64
	retries         uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// processResponse is the JSON body returned by the processing endpoint.
type processResponse struct {
	RequestID  string    `json:"request_id"`
	Text       string    `json:"text"`
	Confidence float32   `json:"confidence"`
	ProcessedAt time.Time `json:"processed_at"`
}

// httpError carries the status of a non-2xx response for retry
// classification.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.status, e.body)
}

// NewHTTP creates a new HTTP processing pipeline.
func NewHTTP(config HTTPConfig) (*HTTP, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.Format == "" {
		config.Format = "raw"
	}
	if config.Format != "raw" && config.Format != "wav" {
		return nil, fmt.Errorf("format must be 'raw' or 'wav', got %q", config.Format)
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTP{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Submit uploads one window and returns the endpoint's result.
func (c *HTTP) Submit(ctx context.Context, w *audio.Window) (protocol.ResultEvent, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return protocol.ResultEvent{}, ctx.Err()
	}

	startTime := time.Now()
	requestID := uuid.NewString()

	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()

	var resp *processResponse
	operation := func() error {
		r, err := c.doRequest(ctx, w, requestID)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.mu.Lock()
		c.retries++
		c.mu.Unlock()

		if c.config.OnRetry != nil {
			c.config.OnRetry()
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.config.MaxRetries)),
		ctx,
	)

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		c.mu.Lock()
		c.failed++
		c.mu.Unlock()

		var herr *httpError
		if errors.As(err, &herr) && (herr.status == http.StatusUnauthorized || herr.status == http.StatusForbidden) {
			return protocol.ResultEvent{}, &FatalError{Err: err}
		}
		return protocol.ResultEvent{}, fmt.Errorf("processing request %s failed: %w", requestID, err)
	}

	c.mu.Lock()
	c.succeeded++
	c.updateAvgResponseTimeLocked(time.Since(startTime))
	c.mu.Unlock()

	return protocol.ResultEvent{
		SessionID: w.SessionID,
		Kind:      KindFor(w),
		StartSeq:  w.StartSeq,
		EndSeq:    w.EndSeq,
		Bytes:     len(w.Data),
		Text:      resp.Text,
	}, nil
}

// doRequest performs a single upload to the processing endpoint.
func (c *HTTP) doRequest(ctx context.Context, w *audio.Window, requestID string) (*processResponse, error) {
	body, contentType, err := c.createMultipartRequest(w, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "ws-audio-ingest/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{status: resp.StatusCode, body: string(respBody)}
	}

	var processed processResponse
	if err := json.Unmarshal(respBody, &processed); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if processed.ProcessedAt.IsZero() {
		processed.ProcessedAt = time.Now()
	}

	return &processed, nil
}

// createMultipartRequest builds the multipart/form-data body for one window.
func (c *HTTP) createMultipartRequest(w *audio.Window, requestID string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	payload := w.Data
	if c.config.Format == "wav" {
		encoded, err := audio.EncodeWAV(w.Data, w.SampleRate)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode WAV payload: %w", err)
		}
		payload = encoded
	}

	filename := fmt.Sprintf("%s_%d-%d.%s", w.SessionID, w.StartSeq, w.EndSeq, c.config.Format)
	fileWriter, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(payload); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"request_id":  requestID,
		"session_id":  w.SessionID,
		"start_seq":   fmt.Sprintf("%d", w.StartSeq),
		"end_seq":     fmt.Sprintf("%d", w.EndSeq),
		"bytes":       fmt.Sprintf("%d", len(w.Data)),
		"sample_rate": fmt.Sprintf("%d", w.SampleRate),
		"partial":     fmt.Sprintf("%t", w.Partial),
		"format":      c.config.Format,
		"duration":    fmt.Sprintf("%.3f", w.Duration().Seconds()),
		"start_time":  w.StartTime.Format(time.RFC3339Nano),
		"end_time":    w.EndTime.Format(time.RFC3339Nano),
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryable determines if an error is worth another attempt. 5xx and
// rate limiting are retryable; other HTTP errors are not. Transport
// errors are retryable.
func isRetryable(err error) bool {
	var herr *httpError
	if errors.As(err, &herr) {
		return herr.status >= 500 || herr.status == http.StatusTooManyRequests
	}
	return true
}

// updateAvgResponseTimeLocked maintains a simple moving average.
// Caller holds c.mu.
func (c *HTTP) updateAvgResponseTimeLocked(responseTime time.Duration) {
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// Stats returns current pipeline statistics.
func (c *HTTP) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Submitted:       c.submitted,
		Succeeded:       c.succeeded,
		Failed:          c.failed,
		Retries:         c.retries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for all in-flight uploads to complete.
func (c *HTTP) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
