// Package classification provides window classifiers: a client for a
// remote ad classification model and a local keyword heuristic.
package classification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/httpclient"
	"podcast-ads/pkg/metrics"
)

// HTTPConfig configures an HTTPClassifier.
type HTTPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPClassifier posts each window to a classification endpoint.
//
// Request:  {"text": "...", "start": 0, "end": 15}
// Response: {"label": "ad", "confidence": 0.93}
type HTTPClassifier struct {
	cfg    HTTPConfig
	client *httpclient.HTTPClient
}

type classifyRequest struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type classifyResponse struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
}

// NewHTTPClassifier returns a classifier for cfg.
func NewHTTPClassifier(cfg HTTPConfig) (*HTTPClassifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("classifier URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClassifier{
		cfg:    cfg,
		client: httpclient.NewClient(httpclient.APIClient, cfg.Timeout),
	}, nil
}

// Classify labels w. Windows without text are not_ad without a request.
func (c *HTTPClassifier) Classify(ctx context.Context, w domain.Window) (domain.Classification, error) {
	if strings.TrimSpace(w.Text) == "" {
		return domain.Classification{Label: domain.LabelNotAd, Confidence: 1}, nil
	}

	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}

	done := metrics.ObserveProvider("classifier")
	var resp classifyResponse
	err := c.client.PostJSON(ctx, c.cfg.URL, headers, classifyRequest{Text: w.Text, Start: w.Start, End: w.End}, &resp)
	if err != nil {
		done("error")
		return domain.Classification{}, fmt.Errorf("classifier request: %w", err)
	}
	done("ok")

	if strings.TrimSpace(resp.Label) == "" {
		return domain.Classification{}, fmt.Errorf("classifier response has no label")
	}

	out := domain.Classification{Label: domain.ParseLabel(resp.Label)}
	if resp.Confidence != nil {
		out.Confidence = clamp01(*resp.Confidence)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
