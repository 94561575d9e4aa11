package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPConfig configures the HTTP classifier client.
type HTTPConfig struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	RetryCount uint64
}

// HTTPClassifier calls an external classification endpoint (an Ollama
// sidecar or any service honoring the contract). Transient failures are
// retried with exponential backoff; the final error surfaces to the
// pipeline as retryable.
type HTTPClassifier struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPClassifier creates a classifier client.
func NewHTTPClassifier(config HTTPConfig) *HTTPClassifier {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPClassifier{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type classifyRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

// Classify posts the normalized text and decodes the contract response.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Result, error) {
	var result Result

	operation := func() error {
		body, err := json.Marshal(classifyRequest{Model: c.config.Model, Text: text})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to encode request: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/classify", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("classifier request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("classifier returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("classifier returned %d", resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode classifier response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.config.RetryCount),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return Result{}, err
	}
	return NormalizeClass(result), nil
}

// Ping checks classifier reachability with a short GET. Used by the
// health probe.
func (c *HTTPClassifier) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("classifier unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
