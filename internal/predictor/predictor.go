// Package predictor is the client for the disease classification model. The
// model itself is served out of process; this package only ships indicator
// vectors to it and reads back a label.
package predictor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// NoMatch is the label for a vector with no set positions.
const NoMatch = "No disease predicted (no symptoms matched)"

// Predictor maps an indicator vector to a disease label.
type Predictor interface {
	Predict(ctx context.Context, vector []int) (string, error)
}

type predictRequest struct {
	Vector []int `json:"vector"`
}

type predictResponse struct {
	Label string `json:"label"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// HTTPPredictor posts vectors to a model server.
type HTTPPredictor struct {
	url    string
	client *resty.Client
}

// NewHTTPPredictor returns a predictor for the model server at url.
func NewHTTPPredictor(url string) *HTTPPredictor {
	return &HTTPPredictor{
		url:    url,
		client: resty.New().SetTimeout(30 * time.Second),
	}
}

// Predict returns the model's label for vector.
func (p *HTTPPredictor) Predict(ctx context.Context, vector []int) (string, error) {
	if allZero(vector) {
		return NoMatch, nil
	}

	var out predictResponse
	var apiErr errorResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(predictRequest{Vector: vector}).
		SetResult(&out).
		SetError(&apiErr).
		Post(p.url)
	if err != nil {
		return "", fmt.Errorf("predictor request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("predictor returned status %d: %s", resp.StatusCode(), apiErr.Detail)
	}
	label := strings.TrimSpace(out.Label)
	if label == "" {
		return "", fmt.Errorf("predictor returned an empty label")
	}
	return label, nil
}

func allZero(vector []int) bool {
	for _, v := range vector {
		if v != 0 {
			return false
		}
	}
	return true
}
