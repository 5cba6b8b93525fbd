package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cyto-check/internal/classifier"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestUseCase(c Classifier, opts ...Option) (*DiagnosisUseCase, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	uc := NewDiagnosisUseCase(stubNormalizer{}, stubAugmenter{}, c, zap.NewNop(), opts...)
	uc.now = clock.Now
	return uc, clock
}

func TestSessionLifecycle(t *testing.T) {
	uc, _ := newTestUseCase(newStubClassifier(classifyReply{label: classifier.LabelNormal}, classifyReply{label: classifier.LabelNormal}))

	s := uc.CreateSession()
	got, err := uc.Session(s.ID())
	if err != nil || got != s {
		t.Fatalf("expected to find session, got %v", err)
	}
	if s.Snapshot().State != StateUploading {
		t.Fatal("new sessions start in uploading")
	}

	if got := uc.ActiveSessions(); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}
	if err := uc.DeleteSession(s.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := uc.ActiveSessions(); got != 0 {
		t.Fatalf("expected no active sessions, got %d", got)
	}
	if _, err := uc.Session(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := uc.DeleteSession(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}

func TestSweepIdleRemovesStaleSessions(t *testing.T) {
	uc, clock := newTestUseCase(newStubClassifier(classifyReply{}, classifyReply{}))

	stale := uc.CreateSession()
	clock.Advance(20 * time.Minute)
	fresh := uc.CreateSession()
	clock.Advance(15 * time.Minute)

	if removed := uc.SweepIdle(30 * time.Minute); removed != 1 {
		t.Fatalf("expected one expired session, got %d", removed)
	}
	if _, err := uc.Session(stale.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("stale session should be gone")
	}
	if _, err := uc.Session(fresh.ID()); err != nil {
		t.Fatal("fresh session should survive")
	}
}

func TestSweepIdleKeepsBusySessions(t *testing.T) {
	stub := newStubClassifier(classifyReply{label: classifier.LabelNormal}, classifyReply{label: classifier.LabelNormal})
	stub.block = make(chan struct{})
	stub.started = make(chan classifier.Variant, 2)
	uc, clock := newTestUseCase(stub)

	s := uc.CreateSession()
	if err := s.Upload(context.Background(), "a.png", []byte("img")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := s.Predict(context.Background())
		done <- err
	}()
	<-stub.started
	<-stub.started

	clock.Advance(time.Hour)
	if removed := uc.SweepIdle(30 * time.Minute); removed != 0 {
		t.Fatalf("busy session must not be swept, removed %d", removed)
	}

	close(stub.block)
	if err := <-done; err != nil {
		t.Fatalf("predict: %v", err)
	}
}

func TestMetricsSummaryTracksRounds(t *testing.T) {
	stub := newStubClassifier(
		classifyReply{label: classifier.LabelUnclear},
		classifyReply{label: classifier.LabelNormal},
	)
	uc, _ := newTestUseCase(stub)

	ok := uc.CreateSession()
	if err := ok.Upload(context.Background(), "a.png", []byte("img")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := ok.Predict(context.Background()); err != nil {
		t.Fatalf("predict: %v", err)
	}

	stub.replies[classifier.VariantAugmented] = classifyReply{err: &classifier.DiagnosisError{Overloaded: true}}
	failing := uc.CreateSession()
	if err := failing.Upload(context.Background(), "b.png", []byte("img")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := failing.Predict(context.Background()); err == nil {
		t.Fatal("expected failure")
	}

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalRounds != 2 || summary.SuccessfulRounds != 1 || summary.FailedRounds != 1 {
		t.Fatalf("unexpected round counts %+v", summary)
	}
	if summary.OverloadedFailures != 1 || summary.UnclearResults != 1 {
		t.Fatalf("unexpected failure breakdown %+v", summary)
	}
	if summary.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %v", summary.SuccessRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := uc.GetMetricsSummary(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestWithCacheWrapsClassifier(t *testing.T) {
	cache := newStubCache()
	stub := newStubClassifier(classifyReply{label: classifier.LabelCervixDyk}, classifyReply{label: classifier.LabelCervixDyk})
	uc, _ := newTestUseCase(stub, WithCache(cache, time.Minute))

	for i := 0; i < 2; i++ {
		s := uc.CreateSession()
		if err := s.Upload(context.Background(), "a.png", []byte("same image")); err != nil {
			t.Fatalf("upload: %v", err)
		}
		if _, err := s.Predict(context.Background()); err != nil {
			t.Fatalf("predict: %v", err)
		}
	}

	if stub.callCount(classifier.VariantOriginal) != 1 || stub.callCount(classifier.VariantAugmented) != 1 {
		t.Fatal("second round should be served from the cache")
	}
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	uc, _ := newTestUseCase(newStubClassifier(classifyReply{}, classifyReply{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		uc.RunSweeper(ctx, time.Millisecond, time.Minute)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
