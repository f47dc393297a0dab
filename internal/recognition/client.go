package recognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"plate-alert-service/internal/domain/detection"
)

// Client runs the provider chain: the primary gets the full retry budget,
// each fallback a scaled-down one. Transient failures are retried with
// exponential backoff and jitter; permanent rejections skip straight to the
// next provider.
type Client struct {
	providers           []Provider
	maxRetries          int
	confidenceThreshold float64
	initialInterval     time.Duration
	log                 zerolog.Logger
}

func NewClient(providers []Provider, maxRetries int, confidenceThreshold float64, log zerolog.Logger) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		providers:           providers,
		maxRetries:          maxRetries,
		confidenceThreshold: confidenceThreshold,
		initialInterval:     500 * time.Millisecond,
		log:                 log.With().Str("component", "recognition").Logger(),
	}
}

// Recognize tries each provider in order. At most maxRetries+1 calls go to
// the primary; fallbacks get half the budget, minimum one call each.
func (c *Client) Recognize(ctx context.Context, imageRef string) (detection.RecognitionResult, error) {
	if len(c.providers) == 0 {
		return detection.RecognitionResult{}, &ProviderError{
			Kind: KindExhausted, Provider: "none", Err: errors.New("no providers configured"),
		}
	}

	totalAttempts := 0
	var lastErr error

	for i, provider := range c.providers {
		retries := c.maxRetries
		if i > 0 {
			retries = c.maxRetries / 2
			if retries < 1 {
				retries = 1
			}
		}

		result, attempts, err := c.recognizeWith(ctx, provider, imageRef, retries)
		totalAttempts += attempts
		if err == nil {
			result.ProviderUsed = provider.Name()
			result.Attempts = totalAttempts
			result.LowConfidence = result.Confidence < c.confidenceThreshold
			c.log.Info().
				Str("provider", provider.Name()).
				Str("plate", result.PlateText).
				Float64("confidence", result.Confidence).
				Int("attempts", totalAttempts).
				Bool("low_confidence", result.LowConfidence).
				Msg("plate recognized")
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return detection.RecognitionResult{Attempts: totalAttempts}, ctx.Err()
		}
		c.log.Warn().
			Err(err).
			Str("provider", provider.Name()).
			Int("attempts", attempts).
			Msg("provider failed, falling through")
	}

	return detection.RecognitionResult{Attempts: totalAttempts}, &ProviderError{
		Kind:     KindExhausted,
		Provider: c.providers[len(c.providers)-1].Name(),
		Err:      fmt.Errorf("all providers failed: %w", lastErr),
	}
}

func (c *Client) recognizeWith(ctx context.Context, provider Provider, imageRef string, retries int) (detection.RecognitionResult, int, error) {
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	var result rawResult
	op := func() error {
		attempts++
		raw, err := provider.Recognize(ctx, imageRef)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = raw
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return detection.RecognitionResult{}, attempts, err
	}

	return detection.RecognitionResult{
		PlateText:  result.PlateText,
		Confidence: result.Confidence,
	}, attempts, nil
}
