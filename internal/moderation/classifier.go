package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/pprasoon1/safe-chat/internal/metrics"
)

// Scores is a classifier result: the overall toxicity and one score per
// label in Labels.
type Scores struct {
	Toxicity float64            `json:"toxicity"`
	Labels   map[string]float64 `json:"scores"`
}

// Classifier scores message text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Scores, error)
}

// HTTPClassifier calls the toxicity service's POST /predict endpoint.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

// NewHTTPClassifier returns a classifier for url with a per-call timeout.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Text string `json:"text"`
}

// Classify posts text and validates the response. Every failure is a
// *ClassifierError.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Scores, error) {
	start := time.Now()
	defer func() { metrics.ClassifierLatency.Observe(time.Since(start).Seconds()) }()

	body, err := json.Marshal(predictRequest{Text: text})
	if err != nil {
		return Scores{}, &ClassifierError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Scores{}, &ClassifierError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Scores{}, &ClassifierError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Scores{}, &ClassifierError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	}

	var out Scores
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Scores{}, &ClassifierError{Err: fmt.Errorf("decode response: %w", err)}
	}

	toxicity, err := validateScores(out.Labels)
	if err != nil {
		return Scores{}, &ClassifierError{Err: err}
	}
	out.Toxicity = toxicity
	return out, nil
}

// validateScores checks that every label is present and within [0,1] and
// returns the maximum, which is the message toxicity.
func validateScores(labels map[string]float64) (float64, error) {
	if len(labels) == 0 {
		return 0, errors.New("response has no scores")
	}

	highest := 0.0
	for _, label := range Labels {
		v, ok := labels[label]
		if !ok {
			return 0, fmt.Errorf("response is missing label %q", label)
		}
		if math.IsNaN(v) || v < 0 || v > 1 {
			return 0, fmt.Errorf("label %q score %v out of range", label, v)
		}
		if v > highest {
			highest = v
		}
	}
	return highest, nil
}
