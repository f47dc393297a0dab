package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"plate-alert-service/internal/cache"
	"plate-alert-service/internal/config"
	"plate-alert-service/internal/domain/detection"
	"plate-alert-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrBackpressure means the worker pool stayed saturated for the whole
	// admission window. The capture was never started.
	ErrBackpressure = errors.New("capacity saturated")
)

type Recognizer interface {
	Recognize(ctx context.Context, imageRef string) (detection.RecognitionResult, error)
}

type Matcher interface {
	Match(plateText string, confidence float64) detection.MatchResult
}

type Notifier interface {
	Notify(ctx context.Context, owner detection.Owner, event *detection.Event) detection.NotificationOutcome
}

type EventStore interface {
	AppendEvent(ctx context.Context, event *detection.Event, normalizedPlate string) error
	FindEvents(ctx context.Context, filter detection.EventFilter) ([]detection.Event, error)
	GetOwner(ctx context.Context, id int64) (*detection.Owner, error)
	Stats(ctx context.Context) (detection.Stats, error)
}

// Orchestrator runs the detection pipeline: cache check, recognition,
// matching, notification, persistence. Stages are strictly forward-moving;
// every admitted capture yields exactly one persisted event no matter where
// the pipeline stopped.
type Orchestrator struct {
	cfg        config.DetectionConfig
	recognizer Recognizer
	matcher    Matcher
	notifier   Notifier
	store      EventStore
	cache      *cache.FingerprintCache
	sem        *semaphore.Weighted
	log        zerolog.Logger
}

func NewOrchestrator(
	cfg config.DetectionConfig,
	recognizer Recognizer,
	matcher Matcher,
	notifier Notifier,
	store EventStore,
	fpCache *cache.FingerprintCache,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		recognizer: recognizer,
		matcher:    matcher,
		notifier:   notifier,
		store:      store,
		cache:      fpCache,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentDetections)),
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// SubmitCapture is the synchronous entry point. It blocks for the pipeline's
// duration, bounded by the request timeout. Partial subsystem failure never
// surfaces as an error; the returned event describes what happened. Only
// malformed input and backpressure are rejections.
func (o *Orchestrator) SubmitCapture(ctx context.Context, capture detection.Capture) (*detection.Event, error) {
	if capture.ImageRef == "" {
		return nil, fmt.Errorf("%w: image reference is required", ErrInvalidInput)
	}
	if capture.CameraID == "" {
		return nil, fmt.Errorf("%w: camera_id is required", ErrInvalidInput)
	}
	if capture.SubmittedAt.IsZero() {
		capture.SubmittedAt = time.Now()
	}

	admitCtx, cancelAdmit := context.WithTimeout(ctx, o.cfg.RequestTimeout())
	defer cancelAdmit()
	if err := o.sem.Acquire(admitCtx, 1); err != nil {
		// The caller giving up while queued is not saturation.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.log.Warn().Str("camera_id", capture.CameraID).Msg("capture rejected, pool saturated")
		return nil, fmt.Errorf("%w: %d detections in flight", ErrBackpressure, o.cfg.MaxConcurrentDetections)
	}
	defer o.sem.Release(1)

	runCtx, cancelRun := context.WithTimeout(ctx, o.cfg.RequestTimeout())
	defer cancelRun()

	preFP := utils.Fingerprint(capture.CameraID, capture.ImageRef)

	// Identical frame seen recently: reuse the prior outcome without
	// touching the provider or the dispatcher.
	if prior, ok := o.cache.Lookup(preFP); ok {
		return o.recordDeduplicated(capture, prior), nil
	}

	// Concurrent identical frames run the pipeline once; losers observe
	// the winner's outcome and record their own deduplicated event.
	ran := false
	event, _, err := o.cache.Do(preFP, func() (*detection.Event, error) {
		ran = true
		return o.run(runCtx, capture, preFP), nil
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		return o.recordDeduplicated(capture, event), nil
	}
	return event, nil
}

// RecentEvents exposes the detection history for the external UI layer.
func (o *Orchestrator) RecentEvents(ctx context.Context, filter detection.EventFilter) ([]detection.Event, error) {
	return o.store.FindEvents(ctx, filter)
}

func (o *Orchestrator) Stats(ctx context.Context) (detection.Stats, error) {
	return o.store.Stats(ctx)
}

func (o *Orchestrator) run(ctx context.Context, capture detection.Capture, preFP string) *detection.Event {
	event := &detection.Event{
		ID:         uuid.New(),
		Capture:    capture,
		Match:      detection.MatchResult{Decision: detection.DecisionUnmatched},
		DetectedAt: time.Now(),
	}

	result, err := o.recognizer.Recognize(ctx, capture.ImageRef)
	event.Recognition = result
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			// A partial provider response arriving after this point is
			// discarded with the abandoned call.
			event.Status = detection.StatusTimeout
		} else {
			event.Status = detection.StatusRecognitionFailed
		}
		o.log.Warn().
			Err(err).
			Str("event_id", event.ID.String()).
			Str("camera_id", capture.CameraID).
			Str("status", string(event.Status)).
			Msg("recognition did not produce a plate")
		o.persist(event, "")
		o.cache.Store(preFP, event)
		return event
	}

	normalized := utils.NormalizePlate(result.PlateText)
	postFP := utils.Fingerprint(capture.CameraID, normalized)

	// Same vehicle back in the same camera's view within the cooldown:
	// short-circuit the dispatcher, still record the sighting.
	if prior, ok := o.cache.Lookup(postFP); ok {
		event.Match = prior.Match
		event.Status = detection.StatusDeduplicated
		event.Deduplicated = true
		o.persist(event, normalized)
		o.cache.Store(preFP, event)
		return event
	}

	match := o.matcher.Match(result.PlateText, result.Confidence)
	event.Match = match

	if match.Decision == detection.DecisionMatched {
		event.Status = detection.StatusMatched
		owner, err := o.store.GetOwner(ctx, *match.OwnerID)
		if err != nil {
			o.log.Error().
				Err(err).
				Int64("owner_id", *match.OwnerID).
				Str("event_id", event.ID.String()).
				Msg("owner lookup failed, notification skipped")
			event.Notification = detection.NotificationOutcome{LastError: "owner lookup failed"}
		} else {
			event.Notification = o.notifier.Notify(ctx, *owner, event)
		}
	} else {
		event.Status = detection.StatusUnmatched
	}

	o.persist(event, normalized)
	o.cache.Store(preFP, event)
	o.cache.Store(postFP, event)

	o.log.Info().
		Str("event_id", event.ID.String()).
		Str("camera_id", capture.CameraID).
		Str("plate", normalized).
		Str("status", string(event.Status)).
		Bool("delivered", event.Notification.Delivered).
		Msg("detection completed")
	return event
}

func (o *Orchestrator) recordDeduplicated(capture detection.Capture, prior *detection.Event) *detection.Event {
	event := &detection.Event{
		ID:           uuid.New(),
		Capture:      capture,
		Recognition:  prior.Recognition,
		Match:        prior.Match,
		Status:       detection.StatusDeduplicated,
		Deduplicated: true,
		DetectedAt:   time.Now(),
	}
	o.persist(event, utils.NormalizePlate(prior.Recognition.PlateText))
	o.log.Info().
		Str("event_id", event.ID.String()).
		Str("camera_id", capture.CameraID).
		Msg("capture deduplicated")
	return event
}

// persist writes the event on a detached context so a pipeline timeout does
// not also lose the record of the timeout.
func (o *Orchestrator) persist(event *detection.Event, normalizedPlate string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.AppendEvent(ctx, event, normalizedPlate); err != nil {
		o.log.Error().
			Err(err).
			Str("event_id", event.ID.String()).
			Msg("failed to persist detection event")
	}
}
