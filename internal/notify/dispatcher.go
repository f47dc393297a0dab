package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"plate-alert-service/internal/domain/detection"
)

// OutcomeSink records delivery outcomes for analytics. Write failures are
// logged, never surfaced: failure here is data, not an error.
type OutcomeSink interface {
	RecordNotification(ctx context.Context, eventID string, owner detection.Owner, message string, outcome detection.NotificationOutcome) error
}

// Dispatcher sends one SMS per matched detection, bounded by a per-owner
// cooldown so a vehicle parked in front of a camera does not produce an
// alert storm. Notify never returns an error past its own boundary.
type Dispatcher struct {
	gateway       Gateway
	sink          OutcomeSink
	retryAttempts int
	retryInterval time.Duration
	cooldowns     *expirable.LRU[int64, time.Time]
	cooldown      time.Duration
	log           zerolog.Logger
}

func NewDispatcher(gateway Gateway, sink OutcomeSink, retryAttempts int, cooldown time.Duration, log zerolog.Logger) *Dispatcher {
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	return &Dispatcher{
		gateway:       gateway,
		sink:          sink,
		retryAttempts: retryAttempts,
		retryInterval: time.Second,
		cooldowns:     expirable.NewLRU[int64, time.Time](1024, nil, cooldown),
		cooldown:      cooldown,
		log:           log.With().Str("component", "notify").Logger(),
	}
}

// Notify delivers the alert for a matched detection. The outcome always says
// what happened: suppressed by cooldown, delivered, or failed after retries.
func (d *Dispatcher) Notify(ctx context.Context, owner detection.Owner, event *detection.Event) detection.NotificationOutcome {
	if _, onCooldown := d.cooldowns.Get(owner.ID); onCooldown {
		d.log.Info().
			Int64("owner_id", owner.ID).
			Str("event_id", event.ID.String()).
			Msg("notification suppressed by cooldown")
		return detection.NotificationOutcome{Suppressed: true}
	}

	message := d.composeMessage(owner, event)
	outcome := d.sendWithRetry(ctx, owner.Phone, message)

	if outcome.Delivered {
		d.cooldowns.Add(owner.ID, time.Now())
		d.log.Info().
			Int64("owner_id", owner.ID).
			Int("attempts", outcome.Attempts).
			Msg("sms delivered")
	} else {
		d.log.Error().
			Int64("owner_id", owner.ID).
			Int("attempts", outcome.Attempts).
			Str("last_error", outcome.LastError).
			Msg("sms delivery failed")
	}

	if d.sink != nil {
		if err := d.sink.RecordNotification(ctx, event.ID.String(), owner, message, outcome); err != nil {
			d.log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to record notification")
		}
	}
	return outcome
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, phone, message string) detection.NotificationOutcome {
	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		err := d.gateway.Send(ctx, phone, message)
		if err == nil {
			return nil
		}
		lastErr = err
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.retryAttempts)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return detection.NotificationOutcome{
			Attempted: true,
			Delivered: false,
			Attempts:  attempts,
			LastError: lastErr.Error(),
		}
	}
	return detection.NotificationOutcome{Attempted: true, Delivered: true, Attempts: attempts}
}

func (d *Dispatcher) composeMessage(owner detection.Owner, event *detection.Event) string {
	when := event.DetectedAt.Format("3:04 PM on January 2, 2006")
	where := ""
	if event.Capture.Location != "" {
		where = fmt.Sprintf(" at %s", event.Capture.Location)
	}

	if event.Match.ExactMatch {
		return fmt.Sprintf(
			"VEHICLE ALERT: your vehicle with plate %s was detected%s at %s. If this wasn't you, please contact us immediately.",
			event.Match.MatchedPlate, where, when,
		)
	}
	return fmt.Sprintf(
		"POSSIBLE MATCH: a vehicle with plate similar to %s was detected%s at %s (similarity %.0f%%). Please verify if this was your vehicle.",
		event.Match.MatchedPlate, where, when, event.Match.Similarity*100,
	)
}
