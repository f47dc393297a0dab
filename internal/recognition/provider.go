package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// rawResult is a provider response reduced to the two fields the pipeline
// cares about, before confidence policy is applied.
type rawResult struct {
	PlateText  string
	Confidence float64
}

// Provider converts an image reference into candidate plate text. Calls must
// be stateless and safe to retry.
type Provider interface {
	Name() string
	Recognize(ctx context.Context, imageRef string) (rawResult, error)
}

// HTTPProvider posts {image_reference} to a recognition endpoint and accepts
// the response shapes seen in the wild: a workflow outputs array, a flat
// {plate, confidence} object, or a bare OCR {text} object.
type HTTPProvider struct {
	name   string
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPProvider(name, url, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		name:   name,
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string {
	return p.name
}

type recognizeRequest struct {
	ImageReference string `json:"image_reference"`
}

func (p *HTTPProvider) Recognize(ctx context.Context, imageRef string) (rawResult, error) {
	body, err := json.Marshal(recognizeRequest{ImageReference: imageRef})
	if err != nil {
		return rawResult{}, permanentErr(p.name, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return rawResult{}, permanentErr(p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("api-key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return rawResult{}, transientErr(p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return rawResult{}, transientErr(p.name, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return rawResult{}, transientErr(p.name, fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	case resp.StatusCode >= 400:
		return rawResult{}, permanentErr(p.name, fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	result, err := parseProviderResponse(respBody)
	if err != nil {
		return rawResult{}, transientErr(p.name, err)
	}
	return result, nil
}

type providerResponse struct {
	Outputs []struct {
		Output []json.RawMessage `json:"output"`
	} `json:"outputs"`
	Plate      string   `json:"plate"`
	PlateText  string   `json:"plate_text"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Error      string   `json:"error"`
}

type outputEntry struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// parseProviderResponse normalizes the heterogeneous shapes into one result.
// No caller sees a provider-specific structure past this point.
func parseProviderResponse(body []byte) (rawResult, error) {
	var pr providerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return rawResult{}, fmt.Errorf("decode response: %w", err)
	}
	if pr.Error != "" {
		return rawResult{}, fmt.Errorf("provider error: %s", pr.Error)
	}

	// Workflow shape: outputs[0].output[0] is either an object or a string.
	if len(pr.Outputs) > 0 && len(pr.Outputs[0].Output) > 0 {
		first := pr.Outputs[0].Output[0]
		var entry outputEntry
		if err := json.Unmarshal(first, &entry); err == nil && entry.Text != "" {
			return rawResult{PlateText: entry.Text, Confidence: entry.Confidence}, nil
		}
		var text string
		if err := json.Unmarshal(first, &text); err == nil && text != "" {
			return rawResult{PlateText: text, Confidence: 0.9}, nil
		}
	}

	// Flat shapes.
	if pr.Plate != "" || pr.PlateText != "" {
		text := pr.Plate
		if text == "" {
			text = pr.PlateText
		}
		return rawResult{PlateText: text, Confidence: confidenceOr(pr.Confidence, 0.8)}, nil
	}
	if pr.Text != "" {
		return rawResult{PlateText: pr.Text, Confidence: confidenceOr(pr.Confidence, 0.7)}, nil
	}

	return rawResult{}, fmt.Errorf("no plate in response")
}

func confidenceOr(c *float64, fallback float64) float64 {
	if c != nil {
		return *c
	}
	return fallback
}
