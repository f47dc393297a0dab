package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plate-alert-service/internal/cache"
	"plate-alert-service/internal/config"
	"plate-alert-service/internal/domain/detection"
)

type fakeRecognizer struct {
	calls  atomic.Int32
	handle func(ctx context.Context) (detection.RecognitionResult, error)
}

func (f *fakeRecognizer) Recognize(ctx context.Context, imageRef string) (detection.RecognitionResult, error) {
	f.calls.Add(1)
	return f.handle(ctx)
}

type fakeMatcher struct {
	result detection.MatchResult
}

func (f *fakeMatcher) Match(plateText string, confidence float64) detection.MatchResult {
	return f.result
}

type fakeNotifier struct {
	calls   atomic.Int32
	outcome detection.NotificationOutcome
}

func (f *fakeNotifier) Notify(ctx context.Context, owner detection.Owner, event *detection.Event) detection.NotificationOutcome {
	f.calls.Add(1)
	return f.outcome
}

type memoryStore struct {
	mu     sync.Mutex
	events []detection.Event
	owners map[int64]detection.Owner
}

func newMemoryStore() *memoryStore {
	return &memoryStore{owners: map[int64]detection.Owner{
		10: {ID: 10, Name: "Ama Mensah", Phone: "+233201234567", IsActive: true},
	}}
}

func (s *memoryStore) AppendEvent(ctx context.Context, event *detection.Event, normalizedPlate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *memoryStore) FindEvents(ctx context.Context, filter detection.EventFilter) ([]detection.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]detection.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *memoryStore) GetOwner(ctx context.Context, id int64) (*detection.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[id]
	if !ok {
		return nil, errors.New("owner not found")
	}
	return &owner, nil
}

func (s *memoryStore) Stats(ctx context.Context) (detection.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return detection.Stats{TotalDetections: int64(len(s.events))}, nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testConfig() config.DetectionConfig {
	return config.DetectionConfig{
		SimilarityThreshold:     0.75,
		ConfidenceThreshold:     0.6,
		MaxDetectionRetries:     3,
		MatchLowConfidence:      true,
		CacheDurationMinutes:    30,
		CacheCapacity:           64,
		MaxConcurrentDetections: 4,
		RequestTimeoutSeconds:   2,
	}
}

func matchedResult() detection.MatchResult {
	ownerID := int64(10)
	return detection.MatchResult{
		OwnerID:      &ownerID,
		MatchedPlate: "GR-1234-21",
		Similarity:   1.0,
		ExactMatch:   true,
		Decision:     detection.DecisionMatched,
	}
}

func goodRecognizer() *fakeRecognizer {
	return &fakeRecognizer{handle: func(context.Context) (detection.RecognitionResult, error) {
		return detection.RecognitionResult{
			PlateText:    "GR-1234-21",
			Confidence:   0.9,
			ProviderUsed: "primary",
			Attempts:     1,
		}, nil
	}}
}

func newTestOrchestrator(cfg config.DetectionConfig, rec Recognizer, match Matcher, notif Notifier, store EventStore) *Orchestrator {
	return NewOrchestrator(cfg, rec, match, notif, store, cache.New(cfg.CacheCapacity, cfg.CacheTTL()), zerolog.Nop())
}

func capture(imageRef, cameraID string) detection.Capture {
	return detection.Capture{ImageRef: imageRef, CameraID: cameraID, SubmittedAt: time.Now()}
}

func TestSubmitCaptureMatchedAndNotified(t *testing.T) {
	store := newMemoryStore()
	notifier := &fakeNotifier{outcome: detection.NotificationOutcome{Attempted: true, Delivered: true, Attempts: 1}}
	o := newTestOrchestrator(testConfig(), goodRecognizer(), &fakeMatcher{result: matchedResult()}, notifier, store)

	event, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)

	assert.Equal(t, detection.StatusMatched, event.Status)
	assert.Equal(t, detection.DecisionMatched, event.Match.Decision)
	assert.True(t, event.Notification.Delivered)
	assert.Equal(t, int32(1), notifier.calls.Load())
	assert.Equal(t, 1, store.count())
}

func TestSubmitCaptureInvalidInput(t *testing.T) {
	o := newTestOrchestrator(testConfig(), goodRecognizer(), &fakeMatcher{}, &fakeNotifier{}, newMemoryStore())

	_, err := o.SubmitCapture(context.Background(), detection.Capture{CameraID: "cam-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = o.SubmitCapture(context.Background(), detection.Capture{ImageRef: "img-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmitCaptureUnmatchedPersistedNoNotification(t *testing.T) {
	store := newMemoryStore()
	notifier := &fakeNotifier{}
	matcher := &fakeMatcher{result: detection.MatchResult{Decision: detection.DecisionUnmatched}}
	recognizer := &fakeRecognizer{handle: func(context.Context) (detection.RecognitionResult, error) {
		return detection.RecognitionResult{PlateText: "XX-0000-00", Confidence: 0.9, ProviderUsed: "primary", Attempts: 1}, nil
	}}
	o := newTestOrchestrator(testConfig(), recognizer, matcher, notifier, store)

	event, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)

	assert.Equal(t, detection.StatusUnmatched, event.Status)
	assert.Equal(t, int32(0), notifier.calls.Load())
	assert.Equal(t, 1, store.count())
}

func TestSubmitCaptureRecognitionExhausted(t *testing.T) {
	store := newMemoryStore()
	recognizer := &fakeRecognizer{handle: func(context.Context) (detection.RecognitionResult, error) {
		return detection.RecognitionResult{Attempts: 4}, errors.New("all providers failed")
	}}
	o := newTestOrchestrator(testConfig(), recognizer, &fakeMatcher{}, &fakeNotifier{}, store)

	event, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)

	assert.Equal(t, detection.StatusRecognitionFailed, event.Status)
	assert.Empty(t, event.Recognition.PlateText)
	assert.Equal(t, detection.DecisionUnmatched, event.Match.Decision)
	assert.False(t, event.Notification.Attempted)
	assert.Equal(t, 1, store.count())
}

func TestSubmitCaptureProviderTimeout(t *testing.T) {
	store := newMemoryStore()
	recognizer := &fakeRecognizer{handle: func(ctx context.Context) (detection.RecognitionResult, error) {
		return detection.RecognitionResult{Attempts: 1}, context.DeadlineExceeded
	}}
	o := newTestOrchestrator(testConfig(), recognizer, &fakeMatcher{}, &fakeNotifier{}, store)

	event, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)
	assert.Equal(t, detection.StatusTimeout, event.Status)
	assert.Equal(t, 1, store.count())
}

func TestSubmitCaptureIdempotentWithinTTL(t *testing.T) {
	store := newMemoryStore()
	notifier := &fakeNotifier{outcome: detection.NotificationOutcome{Attempted: true, Delivered: true, Attempts: 1}}
	recognizer := goodRecognizer()
	o := newTestOrchestrator(testConfig(), recognizer, &fakeMatcher{result: matchedResult()}, notifier, store)

	first, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	second, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, detection.StatusDeduplicated, second.Status)
	assert.NotEqual(t, first.ID, second.ID)

	// The provider and the dispatcher ran exactly once.
	assert.Equal(t, int32(1), recognizer.calls.Load())
	assert.Equal(t, int32(1), notifier.calls.Load())
	assert.Equal(t, 2, store.count())
}

func TestSubmitCaptureSameVehicleDifferentFrame(t *testing.T) {
	store := newMemoryStore()
	notifier := &fakeNotifier{outcome: detection.NotificationOutcome{Attempted: true, Delivered: true, Attempts: 1}}
	recognizer := goodRecognizer()
	o := newTestOrchestrator(testConfig(), recognizer, &fakeMatcher{result: matchedResult()}, notifier, store)

	_, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)

	// New frame, same vehicle in the same camera: recognition runs again
	// but the notification is short-circuited by the post-recognition key.
	second, err := o.SubmitCapture(context.Background(), capture("img-2", "cam-1"))
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, int32(2), recognizer.calls.Load())
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestSubmitCaptureSameVehicleDifferentCameraNotifiesAgain(t *testing.T) {
	store := newMemoryStore()
	notifier := &fakeNotifier{outcome: detection.NotificationOutcome{Attempted: true, Delivered: true, Attempts: 1}}
	o := newTestOrchestrator(testConfig(), goodRecognizer(), &fakeMatcher{result: matchedResult()}, notifier, store)

	_, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)
	second, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-2"))
	require.NoError(t, err)

	assert.False(t, second.Deduplicated)
	assert.Equal(t, int32(2), notifier.calls.Load())
}

func TestSubmitCaptureSMSFailureStillMatched(t *testing.T) {
	store := newMemoryStore()
	notifier := &fakeNotifier{outcome: detection.NotificationOutcome{
		Attempted: true, Delivered: false, Attempts: 3, LastError: "gateway down",
	}}
	o := newTestOrchestrator(testConfig(), goodRecognizer(), &fakeMatcher{result: matchedResult()}, notifier, store)

	event, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)

	assert.Equal(t, detection.StatusMatched, event.Status)
	assert.True(t, event.Notification.Attempted)
	assert.False(t, event.Notification.Delivered)
	assert.Equal(t, "gateway down", event.Notification.LastError)
	assert.Equal(t, 1, store.count())
}

func TestSubmitCaptureBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentDetections = 1
	cfg.RequestTimeoutSeconds = 1

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	recognizer := &fakeRecognizer{handle: func(ctx context.Context) (detection.RecognitionResult, error) {
		entered <- struct{}{}
		<-release
		return detection.RecognitionResult{PlateText: "GR-1234-21", Confidence: 0.9, Attempts: 1}, nil
	}}
	o := newTestOrchestrator(cfg, recognizer, &fakeMatcher{result: detection.MatchResult{Decision: detection.DecisionUnmatched}}, &fakeNotifier{}, newMemoryStore())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
		assert.NoError(t, err)
	}()

	<-entered

	// The pool is saturated; a second distinct capture must not run and
	// must surface backpressure once the admission window expires.
	_, err := o.SubmitCapture(context.Background(), capture("img-2", "cam-2"))
	assert.ErrorIs(t, err, ErrBackpressure)

	close(release)
	wg.Wait()
}

func TestSubmitCaptureCallerCancelledWhileQueued(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentDetections = 1

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	recognizer := &fakeRecognizer{handle: func(ctx context.Context) (detection.RecognitionResult, error) {
		entered <- struct{}{}
		<-release
		return detection.RecognitionResult{PlateText: "GR-1234-21", Confidence: 0.9, Attempts: 1}, nil
	}}
	o := newTestOrchestrator(cfg, recognizer, &fakeMatcher{result: detection.MatchResult{Decision: detection.DecisionUnmatched}}, &fakeNotifier{}, newMemoryStore())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
		assert.NoError(t, err)
	}()

	<-entered

	// A disconnecting caller surfaces its own cancellation, not saturation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.SubmitCapture(ctx, capture("img-2", "cam-2"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrBackpressure)

	close(release)
	wg.Wait()
}

func TestConcurrentIdenticalCapturesRunOnce(t *testing.T) {
	store := newMemoryStore()
	notifier := &fakeNotifier{outcome: detection.NotificationOutcome{Attempted: true, Delivered: true, Attempts: 1}}

	release := make(chan struct{})
	recognizer := &fakeRecognizer{handle: func(ctx context.Context) (detection.RecognitionResult, error) {
		<-release
		return detection.RecognitionResult{PlateText: "GR-1234-21", Confidence: 0.9, Attempts: 1}, nil
	}}
	o := newTestOrchestrator(testConfig(), recognizer, &fakeMatcher{result: matchedResult()}, notifier, store)

	const workers = 4
	var wg sync.WaitGroup
	dedups := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
			assert.NoError(t, err)
			dedups[i] = event.Deduplicated
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), recognizer.calls.Load())
	assert.Equal(t, int32(1), notifier.calls.Load())

	winners := 0
	for _, deduplicated := range dedups {
		if !deduplicated {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, workers, store.count())
}

func TestRecentEventsDelegatesToStore(t *testing.T) {
	store := newMemoryStore()
	o := newTestOrchestrator(testConfig(), goodRecognizer(), &fakeMatcher{result: matchedResult()}, &fakeNotifier{}, store)

	_, err := o.SubmitCapture(context.Background(), capture("img-1", "cam-1"))
	require.NoError(t, err)

	events, err := o.RecentEvents(context.Background(), detection.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
