package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned for unknown session identifiers.
var ErrSessionNotFound = errors.New("session not found")

// DiagnosisUseCase owns the image pipeline and the live diagnosis sessions.
type DiagnosisUseCase struct {
	pipeline Pipeline
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option customises a DiagnosisUseCase.
type Option func(*DiagnosisUseCase)

// WithCache memoizes classification labels in cache for ttl.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *DiagnosisUseCase) {
		if cache == nil {
			return
		}
		uc.pipeline.Classifier = newCachingClassifier(uc.pipeline.Classifier, cache, ttl, uc.logger)
	}
}

// NewDiagnosisUseCase constructs a new use case instance.
func NewDiagnosisUseCase(normalizer Normalizer, augmenter Augmenter, classifier Classifier, logger *zap.Logger, opts ...Option) *DiagnosisUseCase {
	metrics := &Metrics{}
	uc := &DiagnosisUseCase{
		pipeline: Pipeline{
			Normalizer: normalizer,
			Augmenter:  augmenter,
			Classifier: classifier,
			Metrics:    metrics,
		},
		metrics:  metrics,
		logger:   logger.Named("diagnosis_usecase"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// CreateSession registers a fresh session in the uploading state.
func (uc *DiagnosisUseCase) CreateSession() *Session {
	s := NewSession(uuid.NewString(), uc.pipeline, uc.logger)
	s.now = uc.now
	s.touch()

	uc.mu.Lock()
	uc.sessions[s.ID()] = s
	count := len(uc.sessions)
	uc.mu.Unlock()

	uc.logger.Info("session created", zap.String("session_id", s.ID()), zap.Int("active_sessions", count))
	return s
}

// Session looks up a live session.
func (uc *DiagnosisUseCase) Session(id string) (*Session, error) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	s, ok := uc.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ActiveSessions reports how many sessions are registered.
func (uc *DiagnosisUseCase) ActiveSessions() int {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return len(uc.sessions)
}

// DeleteSession abandons any work in flight and forgets the session.
func (uc *DiagnosisUseCase) DeleteSession(id string) error {
	uc.mu.Lock()
	s, ok := uc.sessions[id]
	delete(uc.sessions, id)
	uc.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Reset()
	return nil
}

// SweepIdle removes sessions untouched for longer than maxIdle. Sessions
// with work in flight are kept.
func (uc *DiagnosisUseCase) SweepIdle(maxIdle time.Duration) int {
	cutoff := uc.now().Add(-maxIdle)

	uc.mu.Lock()
	var expired []*Session
	for id, s := range uc.sessions {
		updatedAt, busy := s.idleSince()
		if busy || updatedAt.After(cutoff) {
			continue
		}
		expired = append(expired, s)
		delete(uc.sessions, id)
	}
	uc.mu.Unlock()

	for _, s := range expired {
		s.Reset()
	}
	if len(expired) > 0 {
		uc.logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (uc *DiagnosisUseCase) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uc.SweepIdle(maxIdle)
		}
	}
}
